// Package kafka connects the event bus to Kafka: watermill-kafka for the
// service pub/sub, kafka-go for topic administration and dead-letter redrive.
package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/egannguyen/order-saga/internal/messaging"
	"github.com/egannguyen/order-saga/internal/observability"
	"go.uber.org/zap"
)

func partitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(messaging.MetadataPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

func publisherConfig(clientID string) *sarama.Config {
	cfg := wmkafka.DefaultSaramaSyncPublisherConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

func subscriberConfig(clientID string) *sarama.Config {
	cfg := wmkafka.DefaultSaramaSubscriberConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}

// NewPublisher returns a synchronous, idempotent producer that keys every
// message by its partition_key metadata.
func NewPublisher(brokers []string, clientID string, logger *zap.Logger) (message.Publisher, error) {
	pub, err := wmkafka.NewPublisher(wmkafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             wmkafka.NewWithPartitioningMarshaler(partitionKey),
		OverwriteSaramaConfig: publisherConfig(clientID),
	}, observability.NewWatermillLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	return pub, nil
}

// NewSubscriber returns a consumer-group subscriber starting from the oldest
// offset for new groups.
func NewSubscriber(brokers []string, group, clientID string, logger *zap.Logger) (message.Subscriber, error) {
	sub, err := wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           wmkafka.DefaultMarshaler{},
		OverwriteSaramaConfig: subscriberConfig(clientID),
		ConsumerGroup:         group,
	}, observability.NewWatermillLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
	}
	return sub, nil
}
