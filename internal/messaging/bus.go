package messaging

import (
	"github.com/ThreeDotsLabs/watermill/components/cqrs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/egannguyen/order-saga/internal/observability"
	"go.uber.org/zap"
)

// NewEventBus publishes envelopes on the topic named after their type.
func NewEventBus(pub message.Publisher, logger *zap.Logger) (*cqrs.EventBus, error) {
	return cqrs.NewEventBusWithConfig(pub, cqrs.EventBusConfig{
		GeneratePublishTopic: func(params cqrs.GenerateEventPublishTopicParams) (string, error) {
			return params.EventName, nil
		},
		OnPublish: func(params cqrs.OnEventSendParams) error {
			logger.Debug("📤 Publishing event",
				zap.String("type", params.EventName),
				zap.String("message_id", params.Message.UUID))
			return nil
		},
		Marshaler: EnvelopeMarshaler{},
		Logger:    observability.NewWatermillLogger(logger),
	})
}

// NewInProcessBus returns a Go channel pub/sub for single-process runs and tests.
func NewInProcessBus(logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, observability.NewWatermillLogger(logger))
}
