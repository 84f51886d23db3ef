package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type compensationRepository struct {
	db *sql.DB
}

// NewCompensationRepository creates a CompensationRepository backed by Postgres.
func NewCompensationRepository(db *sql.DB) repository.CompensationRepository {
	return &compensationRepository{db: db}
}

const taskColumns = "id, kind, order_id, product_id, quantity, payment_id, amount, reason, status, attempts, last_error, next_attempt_at, created_at, updated_at"

func (r *compensationRepository) Create(ctx context.Context, t *entity.CompensationTask) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		"INSERT INTO compensation_tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
		t.ID, t.Kind, t.OrderID, t.ProductID, t.Quantity, t.PaymentID, t.Amount, t.Reason,
		t.Status, t.Attempts, t.LastError, t.NextAttemptAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert compensation task: %w", err)
	}
	return nil
}

func (r *compensationRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]entity.CompensationTask, error) {
	query := "SELECT " + taskColumns + " FROM compensation_tasks WHERE status = 'pending' AND next_attempt_at <= $1 ORDER BY next_attempt_at, id LIMIT $2"
	if txFromContext(ctx) != nil {
		query += " FOR UPDATE SKIP LOCKED"
	}
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due compensation tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *compensationRepository) Update(ctx context.Context, t *entity.CompensationTask) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE compensation_tasks
		SET status = $2, attempts = $3, last_error = $4, next_attempt_at = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Status, t.Attempts, t.LastError, t.NextAttemptAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update compensation task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.NewError(entity.ErrNotFound, "compensation_task_not_found", "compensation task %s not found", t.ID)
	}
	return nil
}

func (r *compensationRepository) SupersedePending(ctx context.Context, orderID string, kind entity.CompensationKind) (int, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		"UPDATE compensation_tasks SET status = 'superseded', updated_at = NOW() WHERE order_id = $1 AND kind = $2 AND status = 'pending'",
		orderID, kind,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede compensation tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *compensationRepository) ListByOrder(ctx context.Context, orderID string) ([]entity.CompensationTask, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		"SELECT "+taskColumns+" FROM compensation_tasks WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensation tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]entity.CompensationTask, error) {
	var tasks []entity.CompensationTask
	for rows.Next() {
		var t entity.CompensationTask
		if err := rows.Scan(&t.ID, &t.Kind, &t.OrderID, &t.ProductID, &t.Quantity, &t.PaymentID, &t.Amount, &t.Reason,
			&t.Status, &t.Attempts, &t.LastError, &t.NextAttemptAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan compensation task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
