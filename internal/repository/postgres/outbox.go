package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository creates a new OutboxRepository backed by Postgres.
func NewOutboxRepository(db *sql.DB) repository.OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Enqueue(ctx context.Context, events ...entity.Envelope) error {
	if len(events) == 0 {
		return nil
	}

	return withTx(ctx, r.db, func(ctx context.Context) error {
		tx := txFromContext(ctx)
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO outbox_events (id, topic, msg_key, payload, created_at) VALUES ($1, $2, $3, $4, $5)")
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, event := range events {
			payload, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
			}

			_, err = stmt.ExecContext(ctx, ulid.Make().String(), string(event.Type), event.PartitionKey(), payload, now)
			if err != nil {
				return fmt.Errorf("failed to insert event %s: %w", event.Type, err)
			}
		}
		return nil
	})
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error) {
	query := "SELECT id, topic, msg_key, payload, created_at FROM outbox_events WHERE published_at IS NULL ORDER BY id LIMIT $1"
	if txFromContext(ctx) != nil {
		query += " FOR UPDATE SKIP LOCKED"
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox events: %w", err)
	}
	defer rows.Close()

	var records []entity.OutboxRecord
	for rows.Next() {
		var rec entity.OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return records, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := conn(ctx, r.db).ExecContext(ctx,
		"UPDATE outbox_events SET published_at = $2 WHERE id = ANY($1)", pq.Array(ids), at)
	if err != nil {
		return fmt.Errorf("failed to mark outbox events published: %w", err)
	}
	return nil
}
