package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	kafkaGo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ProvisionTopics creates missing topics through the cluster controller.
// Existing topics are left alone.
func ProvisionTopics(ctx context.Context, brokers []string, topics []string, partitions, replication int, logger *zap.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	var dialer kafkaGo.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	configs := make([]kafkaGo.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafkaGo.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replication,
		})
	}
	if err := ctrl.CreateTopics(configs...); err != nil && !errors.Is(err, kafkaGo.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	logger.Info("📚 Kafka topics ready", zap.Strings("topics", topics))
	return nil
}
