package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	kafkaGo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is satisfied by the traced kafka-go reader. Offsets are
// committed explicitly, after the message has been written elsewhere.
type MessageReader interface {
	FetchMessage(ctx context.Context, msg *kafkaGo.Message) error
	CommitMessages(ctx context.Context, msgs ...kafkaGo.Message) error
	Close() error
}

// MessageWriter is satisfied by the traced kafka-go writer.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg kafkaGo.Message) error
	Close() error
}

var poisonHeaders = map[string]struct{}{
	middleware.ReasonForPoisonedKey:  {},
	middleware.PoisonedTopicKey:      {},
	middleware.PoisonedHandlerKey:    {},
	middleware.PoisonedSubscriberKey: {},
}

// Redriver moves dead-lettered messages back to the topic they failed on.
type Redriver struct {
	reader      MessageReader
	writer      MessageWriter
	idleTimeout time.Duration
	logger      *zap.Logger
}

func NewRedriver(reader MessageReader, writer MessageWriter, idleTimeout time.Duration, logger *zap.Logger) *Redriver {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Second
	}
	return &Redriver{reader: reader, writer: writer, idleTimeout: idleTimeout, logger: logger}
}

// Run redrives up to max messages and stops early once the dead-letter
// topic stays idle for the idle timeout.
func (r *Redriver) Run(ctx context.Context, max int) (int, error) {
	moved := 0
	for moved < max {
		var msg kafkaGo.Message
		readCtx, cancel := context.WithTimeout(ctx, r.idleTimeout)
		err := r.reader.FetchMessage(readCtx, &msg)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return moved, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				r.logger.Info("Dead-letter topic drained", zap.Int("moved", moved))
				return moved, nil
			}
			return moved, fmt.Errorf("failed to read dead letter: %w", err)
		}

		out, ok := redirect(msg)
		if !ok {
			r.logger.Warn("Skipping dead letter without origin topic",
				zap.Int64("offset", msg.Offset), zap.Int("partition", msg.Partition))
			if err := r.reader.CommitMessages(ctx, msg); err != nil {
				return moved, fmt.Errorf("failed to commit skipped dead letter: %w", err)
			}
			continue
		}
		// Uncommitted until written: a failed write leaves the dead letter in place.
		if err := r.writer.WriteMessage(ctx, out); err != nil {
			return moved, fmt.Errorf("failed to redrive to %s: %w", out.Topic, err)
		}
		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			return moved, fmt.Errorf("failed to commit redriven dead letter: %w", err)
		}
		moved++
		r.logger.Info("♻️ Dead letter redriven",
			zap.String("topic", out.Topic), zap.ByteString("key", out.Key))
	}
	return moved, nil
}

// redirect rebuilds msg for its origin topic without the poison headers.
func redirect(msg kafkaGo.Message) (kafkaGo.Message, bool) {
	var origin string
	headers := make([]kafkaGo.Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h.Key == middleware.PoisonedTopicKey {
			origin = string(h.Value)
		}
		if _, poison := poisonHeaders[h.Key]; poison {
			continue
		}
		headers = append(headers, h)
	}
	if origin == "" {
		return kafkaGo.Message{}, false
	}
	return kafkaGo.Message{Topic: origin, Key: msg.Key, Value: msg.Value, Headers: headers}, true
}

// Close closes the reader and the writer.
func (r *Redriver) Close() error {
	return errors.Join(r.reader.Close(), r.writer.Close())
}
