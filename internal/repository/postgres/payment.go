package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository creates a new PaymentRepository backed by Postgres.
func NewPaymentRepository(db *sql.DB) repository.PaymentRepository {
	return &paymentRepository{db: db}
}

const paymentColumns = "id, order_id, idempotency_key, amount, status, payment_method, transaction_id, refund_id, failure_reason, created_at, updated_at"

func (r *paymentRepository) Create(ctx context.Context, p *entity.Payment) error {
	// ON CONFLICT keeps a concurrent duplicate from aborting the caller's transaction.
	var id string
	err := conn(ctx, r.db).QueryRowContext(ctx,
		"INSERT INTO payments ("+paymentColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (idempotency_key) DO NOTHING RETURNING id",
		p.ID, p.OrderID, p.IdempotencyKey, p.Amount, p.Status, p.Method, p.TransactionID, p.RefundID, p.FailureReason, p.CreatedAt, p.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.NewError(entity.ErrConflict, "duplicate_payment", "payment with idempotency key %s already exists", p.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = $1", key)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payment by idempotency key: %w", err)
	}
	return p, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]entity.Payment, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at, id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []entity.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *paymentRepository) Update(ctx context.Context, p *entity.Payment) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transaction_id = $3, refund_id = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, p.Status, p.TransactionID, p.RefundID, p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrPaymentNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*entity.Payment, error) {
	var p entity.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.IdempotencyKey, &p.Amount, &p.Status, &p.Method,
		&p.TransactionID, &p.RefundID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
