package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultRelayBatch = 100

// Relay publishes committed outbox records in id order and marks them
// published. A failed publish stops the batch; the rest waits for the next tick.
type Relay struct {
	outbox   repository.OutboxRepository
	bus      Publisher
	interval time.Duration
	batch    int
	nudge    chan struct{}
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewRelay(outbox repository.OutboxRepository, bus Publisher, interval time.Duration, logger *zap.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		outbox:   outbox,
		bus:      bus,
		interval: interval,
		batch:    defaultRelayBatch,
		nudge:    make(chan struct{}, 1),
		logger:   logger,
		tracer:   observability.Tracer("messaging.relay"),
	}
}

// Nudge asks the relay to flush now instead of at the next tick.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run flushes on every tick and nudge until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("📮 Outbox relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.nudge:
		}
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Outbox flush incomplete", zap.Error(err))
		}
	}
}

// Flush publishes pending records until the outbox is drained or a publish fails.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		records, err := r.outbox.FetchPending(ctx, r.batch)
		if err != nil {
			return total, fmt.Errorf("failed to fetch outbox: %w", err)
		}
		if len(records) == 0 {
			return total, nil
		}

		published := make([]string, 0, len(records))
		var publishErr error
		for _, rec := range records {
			if publishErr = r.publish(ctx, rec); publishErr != nil {
				break
			}
			published = append(published, rec.ID)
		}

		if err := r.outbox.MarkPublished(ctx, published, time.Now().UTC()); err != nil {
			return total, fmt.Errorf("failed to mark outbox published: %w", err)
		}
		total += len(published)

		if publishErr != nil {
			return total, publishErr
		}
		if len(records) < r.batch {
			return total, nil
		}
	}
}

func (r *Relay) publish(ctx context.Context, rec entity.OutboxRecord) error {
	var env entity.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		r.logger.Error("❌ Dropping undecodable outbox record", zap.String("outbox_id", rec.ID), zap.Error(err))
		return nil
	}

	ctx = observability.ExtractMetadata(ctx, env.Metadata)
	ctx, span := r.tracer.Start(ctx, "relay.publish "+rec.Topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", rec.Topic),
			attribute.String("messaging.message.id", env.MessageID),
		))
	defer span.End()

	if err := r.bus.Publish(ctx, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("failed to publish %s (%s): %w", env.Type, env.MessageID, err)
	}
	r.logger.Info("📤 Event published",
		zap.String("type", string(env.Type)),
		zap.String("message_id", env.MessageID),
		zap.String("key", rec.Key))
	return nil
}
