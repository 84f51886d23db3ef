package kafka

import (
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkaGo "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// NewTracedReader reads topic as part of group, continuing the trace each
// message carries in its headers.
func NewTracedReader(brokers []string, topic, group string) (*otelkafka.Reader, error) {
	base := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     group,
		StartOffset: kafkaGo.FirstOffset,
		MaxWait:     time.Second,
	})
	reader, err := otelkafka.NewReader(base,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.kafka.consumer.group", group),
		}),
	)
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("failed to trace kafka reader: %w", err)
	}
	return reader, nil
}

// NewTracedWriter writes each message to the topic set on the message itself.
func NewTracedWriter(brokers []string, clientID string) (*otelkafka.Writer, error) {
	base := &kafkaGo.Writer{
		Addr:         kafkaGo.TCP(brokers...),
		Balancer:     &kafkaGo.Hash{},
		RequiredAcks: kafkaGo.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(otel.GetTracerProvider()),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.kafka.client_id", clientID),
		}),
	)
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("failed to trace kafka writer: %w", err)
	}
	return writer, nil
}
