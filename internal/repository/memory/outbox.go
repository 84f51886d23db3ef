package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/oklog/ulid/v2"
)

type outboxRepository struct {
	s *Store
}

func NewOutboxRepository(s *Store) repository.OutboxRepository {
	return &outboxRepository{s: s}
}

func (r *outboxRepository) Enqueue(ctx context.Context, events ...entity.Envelope) error {
	records := make([]entity.OutboxRecord, 0, len(events))
	now := time.Now().UTC()
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.Type, err)
		}
		records = append(records, entity.OutboxRecord{
			ID:        ulid.Make().String(),
			Topic:     string(event.Type),
			Key:       event.PartitionKey(),
			Payload:   payload,
			CreatedAt: now,
		})
	}
	return r.s.do(ctx, func(st *state) error {
		st.outbox = append(st.outbox, records...)
		return nil
	})
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error) {
	var out []entity.OutboxRecord
	err := r.s.do(ctx, func(st *state) error {
		for _, rec := range st.outbox {
			if rec.PublishedAt != nil {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r *outboxRepository) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		for i := range st.outbox {
			if slices.Contains(ids, st.outbox[i].ID) {
				published := at
				st.outbox[i].PublishedAt = &published
			}
		}
		return nil
	})
}

// Records returns every outbox record, published or not, in enqueue order.
func (s *Store) Records() []entity.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.outbox)
}
