package repository

import (
	"context"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
)

// Transactor runs fn inside one local transaction. Repositories called with the
// context passed to fn join that transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository handles persistence for Orders, their items and status history.
type OrderRepository interface {
	// Create inserts the order, its items and its initial history entry.
	Create(ctx context.Context, order *entity.Order) error
	// Get loads an order with items and history.
	Get(ctx context.Context, id string) (*entity.Order, error)
	// GetForUpdate loads an order and locks its row for the surrounding transaction.
	GetForUpdate(ctx context.Context, id string) (*entity.Order, error)
	List(ctx context.Context, filter entity.OrderFilter) ([]entity.Order, int, error)
	// UpdateStatus sets the status and appends one history entry.
	UpdateStatus(ctx context.Context, id string, status entity.OrderStatus, at time.Time) error
}

// PaymentRepository handles persistence for Payments.
type PaymentRepository interface {
	// Create inserts a payment. A duplicate idempotency key yields entity.ErrConflict.
	Create(ctx context.Context, payment *entity.Payment) error
	FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]entity.Payment, error)
	Update(ctx context.Context, payment *entity.Payment) error
}

// CompensationRepository stores undo steps that still have to succeed.
type CompensationRepository interface {
	Create(ctx context.Context, task *entity.CompensationTask) error
	// ClaimDue returns up to limit pending tasks due at now. Inside a transaction
	// the returned rows stay locked until it ends.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]entity.CompensationTask, error)
	Update(ctx context.Context, task *entity.CompensationTask) error
	// SupersedePending marks an order's pending tasks of kind as superseded.
	SupersedePending(ctx context.Context, orderID string, kind entity.CompensationKind) (int, error)
	ListByOrder(ctx context.Context, orderID string) ([]entity.CompensationTask, error)
}

// OutboxRepository queues envelopes for the relay.
type OutboxRepository interface {
	Enqueue(ctx context.Context, events ...entity.Envelope) error
	// FetchPending returns unpublished records in id order and locks them
	// when called inside a transaction.
	FetchPending(ctx context.Context, limit int) ([]entity.OutboxRecord, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

// ProductRepository handles persistence for Products.
type ProductRepository interface {
	FindAll(ctx context.Context) ([]entity.Product, error)
	Get(ctx context.Context, id string) (*entity.Product, error)
	// Seed inserts initial products and their stock if none exist.
	Seed(ctx context.Context, products []entity.Product, stock map[string]int) error
}

// InventoryStore owns the stock counters and per-order reservations. Every
// mutating method is a single conditional update of one product row.
type InventoryStore interface {
	Get(ctx context.Context, productID string) (entity.InventoryRecord, error)
	Reserve(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error)
	Release(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error)
	CompleteDeduction(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error)
	Adjust(ctx context.Context, productID string, delta int) (entity.AdjustResult, error)
	Reservations(ctx context.Context, orderID string) ([]entity.Reservation, error)
}

// Inbox remembers processed message ids for consumer deduplication.
type Inbox interface {
	Seen(ctx context.Context, consumer, messageID string) (bool, error)
	Mark(ctx context.Context, consumer, messageID string) error
}
