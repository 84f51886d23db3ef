package service

import (
	"context"
	"errors"
	"testing"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/messaging"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// brokenStore fails deductions and releases for chosen products.
type brokenStore struct {
	repository.InventoryStore
	fail map[string]error
}

func (b *brokenStore) CompleteDeduction(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	if err := b.fail[c.ProductID]; err != nil {
		return entity.InventoryRecord{}, err
	}
	return b.InventoryStore.CompleteDeduction(ctx, c)
}

func (b *brokenStore) Release(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	if err := b.fail[c.ProductID]; err != nil {
		return entity.InventoryRecord{}, err
	}
	return b.InventoryStore.Release(ctx, c)
}

func newLedger(t *testing.T, fail map[string]error) (*InventoryService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	products := []entity.Product{
		{ID: "p1", SKU: "SKU-P1", Name: "Widget", Price: decimal.RequireFromString("10.00")},
		{ID: "p2", SKU: "SKU-P2", Name: "Gadget", Price: decimal.RequireFromString("4.00")},
	}
	require.NoError(t, memory.NewProductRepository(store).Seed(context.Background(), products, map[string]int{"p1": 10, "p2": 10}))
	return NewInventoryService(InventoryDeps{
		Tx:        store.Transactor(),
		Products:  memory.NewProductRepository(store),
		Inventory: &brokenStore{InventoryStore: memory.NewInventoryStore(store), fail: fail},
		Outbox:    memory.NewOutboxRepository(store),
	}, zap.NewNop()), store
}

func orderEnvelope(t *testing.T, eventType entity.EventType, orderID string, items ...entity.EventItem) entity.Envelope {
	t.Helper()
	env, err := entity.NewEnvelope(eventType, entity.SourceOrderService, orderID,
		entity.OrderPayload{OrderID: orderID, Items: items}, nil)
	require.NoError(t, err)
	return env
}

func reserve(t *testing.T, inv *InventoryService, orderID, productID string, qty int) {
	t.Helper()
	_, err := inv.Reserve(context.Background(), entity.StockChange{ProductID: productID, Quantity: qty, OrderID: orderID})
	require.NoError(t, err)
}

func TestInventoryService_ValidatesInput(t *testing.T) {
	inv, _ := newLedger(t, nil)
	ctx := context.Background()

	_, err := inv.Reserve(ctx, entity.StockChange{ProductID: "p1", Quantity: 0, OrderID: "o1"})
	assert.ErrorIs(t, err, entity.ErrValidation)
	_, err = inv.Release(ctx, entity.StockChange{Quantity: 1})
	assert.ErrorIs(t, err, entity.ErrValidation)
	_, err = inv.Reserve(ctx, entity.StockChange{ProductID: "ghost", Quantity: 1})
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestInventoryService_AdjustRevokesAndPublishes(t *testing.T) {
	inv, store := newLedger(t, nil)
	reserve(t, inv, "o1", "p1", 4)
	reserve(t, inv, "o2", "p1", 4)

	res, err := inv.Adjust(context.Background(), "p1", -5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Record.Stock)
	assert.Equal(t, 4, res.Record.Reserved)
	require.Len(t, res.Revoked, 1)
	assert.Equal(t, "o2", res.Revoked[0].OrderID)

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, string(entity.InventoryUnavailable), records[0].Topic)
	assert.Equal(t, "o2", records[0].Key)

	_, err = inv.Adjust(context.Background(), "p1", -6)
	assert.ErrorIs(t, err, entity.ErrValidation)
	assert.Len(t, store.Records(), 1)
}

func TestInventoryService_AdjustWithoutClampPublishesNothing(t *testing.T) {
	inv, store := newLedger(t, nil)
	reserve(t, inv, "o1", "p1", 2)

	res, err := inv.Adjust(context.Background(), "p1", 5)
	require.NoError(t, err)
	assert.Equal(t, 15, res.Record.Stock)
	assert.Empty(t, res.Revoked)
	assert.Empty(t, store.Records())
}

func TestOrderEventHandler_CompletedDeductsEveryItem(t *testing.T) {
	inv, _ := newLedger(t, nil)
	reserve(t, inv, "o1", "p1", 2)
	reserve(t, inv, "o1", "p2", 3)
	h := NewOrderEventHandler(inv, zap.NewNop())

	env := orderEnvelope(t, entity.OrderCompleted, "o1",
		entity.EventItem{ProductID: "p1", Quantity: 2},
		entity.EventItem{ProductID: "p2", Quantity: 3},
		entity.EventItem{ProductID: "", Quantity: 1})
	require.NoError(t, h.Handle(context.Background(), env))
	require.NoError(t, h.Handle(context.Background(), env), "redelivery is a no-op")

	p1, _ := inv.GetInventory(context.Background(), "p1")
	p2, _ := inv.GetInventory(context.Background(), "p2")
	assert.Equal(t, entity.InventoryRecord{ProductID: "p1", Stock: 8, Reserved: 0}, withoutTime(p1))
	assert.Equal(t, entity.InventoryRecord{ProductID: "p2", Stock: 7, Reserved: 0}, withoutTime(p2))
}

func TestOrderEventHandler_CancelledReleases(t *testing.T) {
	inv, _ := newLedger(t, nil)
	reserve(t, inv, "o1", "p1", 2)
	h := NewOrderEventHandler(inv, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), orderEnvelope(t, entity.OrderCancelled, "o1",
		entity.EventItem{ProductID: "p1", Quantity: 2})))

	p1, _ := inv.GetInventory(context.Background(), "p1")
	assert.Equal(t, 10, p1.Stock)
	assert.Zero(t, p1.Reserved)
}

func TestOrderEventHandler_FailurePolicy(t *testing.T) {
	down := errors.New("connection refused")

	t.Run("partial success is accepted", func(t *testing.T) {
		inv, _ := newLedger(t, map[string]error{"p2": down})
		reserve(t, inv, "o1", "p1", 1)
		reserve(t, inv, "o1", "p2", 1)
		h := NewOrderEventHandler(inv, zap.NewNop())

		err := h.Handle(context.Background(), orderEnvelope(t, entity.OrderCompleted, "o1",
			entity.EventItem{ProductID: "p1", Quantity: 1},
			entity.EventItem{ProductID: "p2", Quantity: 1}))
		assert.NoError(t, err)
	})

	t.Run("domain rejections are accepted", func(t *testing.T) {
		inv, _ := newLedger(t, nil)
		h := NewOrderEventHandler(inv, zap.NewNop())

		err := h.Handle(context.Background(), orderEnvelope(t, entity.OrderCompleted, "o-unknown",
			entity.EventItem{ProductID: "p1", Quantity: 1}))
		assert.NoError(t, err)
	})

	t.Run("all infrastructure failures are retried", func(t *testing.T) {
		inv, _ := newLedger(t, map[string]error{"p1": down, "p2": down})
		h := NewOrderEventHandler(inv, zap.NewNop())

		err := h.Handle(context.Background(), orderEnvelope(t, entity.OrderCancelled, "o1",
			entity.EventItem{ProductID: "p1", Quantity: 1},
			entity.EventItem{ProductID: "p2", Quantity: 1}))
		require.Error(t, err)
		assert.False(t, messaging.IsPermanent(err))
		assert.ErrorIs(t, err, down)
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		inv, _ := newLedger(t, nil)
		h := NewOrderEventHandler(inv, zap.NewNop())
		env := orderEnvelope(t, entity.OrderCompleted, "o1")
		env.Payload = []byte("[]")

		assert.True(t, messaging.IsPermanent(h.Handle(context.Background(), env)))
	})
}

func withoutTime(r entity.InventoryRecord) entity.InventoryRecord {
	return entity.InventoryRecord{ProductID: r.ProductID, Stock: r.Stock, Reserved: r.Reserved}
}
