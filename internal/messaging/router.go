package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RouterConfig struct {
	DeadLetterTopic string
	MaxRetries      int
	RetryBase       time.Duration
	CloseTimeout    time.Duration
}

// Consumers wires envelope handlers into a watermill router. Every handler
// runs behind, outermost first: panic recovery, the dead-letter queue, bounded
// retry, inbox deduplication and the permanent-error drop.
type Consumers struct {
	router     *message.Router
	subscriber message.Subscriber
	inbox      repository.Inbox
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewConsumers builds the router. deadLetters receives messages that exhausted their retries.
func NewConsumers(cfg RouterConfig, subscriber message.Subscriber, deadLetters message.Publisher, inbox repository.Inbox, logger *zap.Logger) (*Consumers, error) {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	wmLogger := observability.NewWatermillLogger(logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	poison, err := middleware.PoisonQueue(deadLetters, cfg.DeadLetterTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter middleware: %w", err)
	}

	router.AddMiddleware(
		middleware.Recoverer,
		poison,
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryBase,
			MaxInterval:     cfg.RetryBase * 8,
			Multiplier:      2,
			Logger:          wmLogger,
		}.Middleware,
	)

	return &Consumers{
		router:     router,
		subscriber: subscriber,
		inbox:      inbox,
		logger:     logger,
		tracer:     observability.Tracer("messaging.consumer"),
	}, nil
}

// Handle subscribes h to topic under name. The name doubles as the inbox key.
func (c *Consumers) Handle(name, topic string, h EnvelopeHandler) {
	handler := c.router.AddConsumerHandler(name, topic, c.subscriber, c.dispatch(name, h))
	handler.AddMiddleware(c.dedupe(name), c.dropPermanent(name))
}

// Run blocks until ctx is done or the router stops.
func (c *Consumers) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once every handler subscribed.
func (c *Consumers) Running() chan struct{} {
	return c.router.Running()
}

func (c *Consumers) Close() error {
	return c.router.Close()
}

func (c *Consumers) dispatch(name string, h EnvelopeHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := DecodeEnvelope(msg)
		if err != nil {
			return err
		}

		ctx := observability.ExtractMetadata(msg.Context(), msg.Metadata)
		ctx, span := c.tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.message.id", env.MessageID),
				attribute.String("messaging.destination.name", string(env.Type)),
			))
		defer span.End()

		if err := h(ctx, env); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			return err
		}
		return nil
	}
}

// dedupe skips message ids this consumer already processed and records new
// ones after the handler succeeds.
func (c *Consumers) dedupe(consumer string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		if c.inbox == nil {
			return h
		}
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			seen, err := c.inbox.Seen(ctx, consumer, msg.UUID)
			if err != nil {
				return nil, err
			}
			if seen {
				c.logger.Info("🔁 Duplicate message skipped",
					zap.String("consumer", consumer), zap.String("message_id", msg.UUID))
				return nil, nil
			}

			produced, err := h(msg)
			if err != nil {
				return produced, err
			}
			if err := c.inbox.Mark(ctx, consumer, msg.UUID); err != nil {
				c.logger.Warn("Failed to record processed message",
					zap.String("consumer", consumer), zap.String("message_id", msg.UUID), zap.Error(err))
			}
			return produced, nil
		}
	}
}

// dropPermanent acks messages whose failure retrying cannot fix.
func (c *Consumers) dropPermanent(consumer string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err != nil && IsPermanent(err) {
				c.logger.Warn("🗑️ Dropping message",
					zap.String("consumer", consumer),
					zap.String("message_id", msg.UUID),
					zap.Error(err))
				return nil, nil
			}
			return produced, err
		}
	}
}
