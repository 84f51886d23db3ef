// Package messaging moves envelopes between services: the outbox relay
// publishes them, the consumer router delivers them to handlers.
package messaging

import (
	"context"
	"errors"

	"github.com/egannguyen/order-saga/internal/entity"
)

// Publisher publishes one event to the bus. *cqrs.EventBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// EnvelopeHandler processes one delivered envelope. Returning an error
// wrapped with Permanent acks and drops the message; any other error is retried.
type EnvelopeHandler func(ctx context.Context, env entity.Envelope) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that retrying can never fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
