package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/egannguyen/order-saga/internal/config"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/messaging"
	"github.com/egannguyen/order-saga/internal/messaging/kafka"
	"github.com/egannguyen/order-saga/internal/repository"
	"go.uber.org/zap"
)

// Bus is the pub/sub pair a service runs on, plus the typed event bus over it.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Events     *cqrs.EventBus
}

// NewBus connects to Kafka, or builds an in-process channel when cfg.Kind is memory.
func NewBus(ctx context.Context, cfg config.Bus, clientID string, logger *zap.Logger) (*Bus, error) {
	var (
		pub message.Publisher
		sub message.Subscriber
	)
	switch cfg.Kind {
	case config.BusMemory:
		ch := messaging.NewInProcessBus(logger)
		pub, sub = ch, ch
	default:
		if cfg.ProvisionTopics {
			topics := []string{cfg.DeadLetterTopic}
			for _, t := range entity.EventTypes() {
				topics = append(topics, string(t))
			}
			if err := kafka.ProvisionTopics(ctx, cfg.Brokers, topics, 3, 1, logger); err != nil {
				return nil, err
			}
		}
		var err error
		if pub, err = kafka.NewPublisher(cfg.Brokers, clientID, logger); err != nil {
			return nil, err
		}
		if sub, err = kafka.NewSubscriber(cfg.Brokers, cfg.ConsumerGroup, clientID, logger); err != nil {
			_ = pub.Close()
			return nil, err
		}
	}

	events, err := messaging.NewEventBus(pub, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	return &Bus{Publisher: pub, Subscriber: sub, Events: events}, nil
}

// Close closes the subscriber then the publisher. For the in-process bus both are the same channel.
func (b *Bus) Close() error {
	if any(b.Publisher) == any(b.Subscriber) {
		return b.Publisher.Close()
	}
	return errors.Join(b.Subscriber.Close(), b.Publisher.Close())
}

// NewConsumers builds the consumer router on b, dead-lettering to cfg.DeadLetterTopic.
func (b *Bus) NewConsumers(cfg config.Bus, inbox repository.Inbox, logger *zap.Logger) (*messaging.Consumers, error) {
	return messaging.NewConsumers(messaging.RouterConfig{
		DeadLetterTopic: cfg.DeadLetterTopic,
		MaxRetries:      cfg.MaxRetries,
		RetryBase:       cfg.RetryBase,
	}, b.Subscriber, b.Publisher, inbox, logger.Named("consumers"))
}
