// Package service holds the business logic of both boundaries: the order
// orchestrator with its payment and compensation steps, the inventory ledger,
// and the event consumers that reconcile the two.
package service

import (
	"context"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
)

// SettleTimeout bounds work that must finish after the caller has gone away:
// a charge in flight, recording its outcome, and compensations.
const SettleTimeout = 30 * time.Second

// detach keeps ctx's values (trace, principal) but not its cancellation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), SettleTimeout)
}

// Catalog is the order side's view of the inventory service. *catalog.Client
// implements it over HTTP and *InventoryService implements it in process.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*entity.Product, error)
	GetInventory(ctx context.Context, productID string) (entity.InventoryRecord, error)
	Reserve(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error)
	Release(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error)
}

// Notifier is told when new outbox rows were committed. *messaging.Relay implements it.
type Notifier interface {
	Nudge()
}

type noopNotifier struct{}

func (noopNotifier) Nudge() {}

func orNoop(n Notifier) Notifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}
