package pgxstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

type outboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates the inventory service outbox.
func NewOutboxRepository(pool *pgxpool.Pool) repository.OutboxRepository {
	return &outboxRepository{pool: pool}
}

func (r *outboxRepository) Enqueue(ctx context.Context, events ...entity.Envelope) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.Type, err)
		}
		batch.Queue(
			"INSERT INTO outbox_events (id, topic, msg_key, payload, created_at) VALUES ($1, $2, $3, $4, $5)",
			ulid.Make().String(), string(event.Type), event.PartitionKey(), payload, now,
		)
	}

	return withTx(ctx, r.pool, func(ctx context.Context) error {
		results := txFromContext(ctx).SendBatch(ctx, batch)
		for range events {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("insert outbox event: %w", err)
			}
		}
		return results.Close()
	})
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error) {
	query := "SELECT id, topic, msg_key, payload, created_at FROM outbox_events WHERE published_at IS NULL ORDER BY id LIMIT $1"
	if txFromContext(ctx) != nil {
		query += " FOR UPDATE SKIP LOCKED"
	}

	rows, err := conn(ctx, r.pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("load outbox events: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.OutboxRecord, error) {
		var rec entity.OutboxRecord
		err := row.Scan(&rec.ID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox events: %w", err)
	}
	return records, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := conn(ctx, r.pool).Exec(ctx, "UPDATE outbox_events SET published_at = $2 WHERE id = ANY($1)", ids, at); err != nil {
		return fmt.Errorf("mark outbox events published: %w", err)
	}
	return nil
}
