// Package app assembles the order and inventory services from their backends.
// The service binaries, the HTTP tests and the acceptance suite share it.
package app

import (
	"database/sql"
	"time"

	"github.com/egannguyen/order-saga/internal/messaging"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/egannguyen/order-saga/internal/repository/pgxstore"
	"github.com/egannguyen/order-saga/internal/repository/postgres"
	"github.com/egannguyen/order-saga/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// OrderStorage is the order boundary's persistence.
type OrderStorage struct {
	Tx       repository.Transactor
	Orders   repository.OrderRepository
	Payments repository.PaymentRepository
	Tasks    repository.CompensationRepository
	Outbox   repository.OutboxRepository
}

func MemoryOrderStorage(s *memory.Store) OrderStorage {
	return OrderStorage{
		Tx:       s.Transactor(),
		Orders:   memory.NewOrderRepository(s),
		Payments: memory.NewPaymentRepository(s),
		Tasks:    memory.NewCompensationRepository(s),
		Outbox:   memory.NewOutboxRepository(s),
	}
}

func PostgresOrderStorage(db *sql.DB) OrderStorage {
	return OrderStorage{
		Tx:       postgres.NewTransactor(db),
		Orders:   postgres.NewOrderRepository(db),
		Payments: postgres.NewPaymentRepository(db),
		Tasks:    postgres.NewCompensationRepository(db),
		Outbox:   postgres.NewOutboxRepository(db),
	}
}

// InventoryStorage is the inventory boundary's persistence.
type InventoryStorage struct {
	Tx        repository.Transactor
	Products  repository.ProductRepository
	Inventory repository.InventoryStore
	Outbox    repository.OutboxRepository
}

func MemoryInventoryStorage(s *memory.Store) InventoryStorage {
	return InventoryStorage{
		Tx:        s.Transactor(),
		Products:  memory.NewProductRepository(s),
		Inventory: memory.NewInventoryStore(s),
		Outbox:    memory.NewOutboxRepository(s),
	}
}

func PgxInventoryStorage(pool *pgxpool.Pool) InventoryStorage {
	return InventoryStorage{
		Tx:        pgxstore.NewTransactor(pool),
		Products:  pgxstore.NewProductRepository(pool),
		Inventory: pgxstore.NewInventoryStore(pool),
		Outbox:    pgxstore.NewOutboxRepository(pool),
	}
}

type Intervals struct {
	Relay     time.Duration
	Reconcile time.Duration
}

// Orders is a wired order boundary.
type Orders struct {
	Service     *service.OrderService
	Compensator *service.Compensator
	Reconciler  *service.Reconciler
	Relay       *messaging.Relay
}

func NewOrders(st OrderStorage, catalog service.Catalog, gateway payment.Gateway, bus messaging.Publisher, iv Intervals, logger *zap.Logger) *Orders {
	relay := messaging.NewRelay(st.Outbox, bus, iv.Relay, logger.Named("relay"))
	comp := service.NewCompensator(st.Tasks, st.Payments, catalog, gateway, logger)
	orders := service.NewOrderService(service.OrderDeps{
		Tx:       st.Tx,
		Orders:   st.Orders,
		Payments: st.Payments,
		Tasks:    st.Tasks,
		Outbox:   st.Outbox,
		Catalog:  catalog,
		Gateway:  gateway,
		Relay:    relay,
	}, comp, logger.Named("orders"))
	return &Orders{
		Service:     orders,
		Compensator: comp,
		Reconciler:  service.NewReconciler(st.Tx, comp, iv.Reconcile, logger.Named("reconciler")),
		Relay:       relay,
	}
}

// Inventory is a wired inventory boundary.
type Inventory struct {
	Service *service.InventoryService
	Events  *service.OrderEventHandler
	Relay   *messaging.Relay
}

func NewInventory(st InventoryStorage, bus messaging.Publisher, relayInterval time.Duration, logger *zap.Logger) *Inventory {
	relay := messaging.NewRelay(st.Outbox, bus, relayInterval, logger.Named("relay"))
	inv := service.NewInventoryService(service.InventoryDeps{
		Tx:        st.Tx,
		Products:  st.Products,
		Inventory: st.Inventory,
		Outbox:    st.Outbox,
		Relay:     relay,
	}, logger.Named("inventory"))
	return &Inventory{
		Service: inv,
		Events:  service.NewOrderEventHandler(inv, logger.Named("order-events")),
		Relay:   relay,
	}
}
