package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/messaging"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

// flakyCatalog fails chosen calls of the in-process inventory service. Like
// the HTTP client it gives up once ctx is done.
type flakyCatalog struct {
	Catalog
	mu          sync.Mutex
	reserveErrs map[string]error
	lostReplies map[string]error
	releaseErr  error
	releases    []entity.StockChange
}

func (f *flakyCatalog) Reserve(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return entity.InventoryRecord{}, err
	}
	f.mu.Lock()
	err := f.reserveErrs[c.ProductID]
	lost := f.lostReplies[c.ProductID]
	f.mu.Unlock()
	if err != nil {
		return entity.InventoryRecord{}, err
	}
	rec, err := f.Catalog.Reserve(ctx, c)
	if err == nil && lost != nil {
		return entity.InventoryRecord{}, lost
	}
	return rec, err
}

func (f *flakyCatalog) Release(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return entity.InventoryRecord{}, err
	}
	f.mu.Lock()
	f.releases = append(f.releases, c)
	err := f.releaseErr
	f.mu.Unlock()
	if err != nil {
		return entity.InventoryRecord{}, err
	}
	return f.Catalog.Release(ctx, c)
}

// loseReply makes Reserve apply the hold and then report err, as when a
// response is lost after the inventory service committed.
func (f *flakyCatalog) loseReply(productID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostReplies[productID] = err
}

// cancellingGateway cancels the caller's context while the charge is in flight.
type cancellingGateway struct {
	payment.Gateway
	cancel context.CancelFunc
}

func (g cancellingGateway) Charge(ctx context.Context, req payment.ChargeRequest) (payment.ChargeResult, error) {
	g.cancel()
	return g.Gateway.Charge(ctx, req)
}

func (f *flakyCatalog) failReserve(productID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveErrs[productID] = err
}

func (f *flakyCatalog) failRelease(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseErr = err
}

type SagaSuite struct {
	suite.Suite
	ctx        context.Context
	orderStore *memory.Store
	invStore   *memory.Store
	inventory  *InventoryService
	catalog    *flakyCatalog
	gateway    *payment.Mock
	tasks      repository.CompensationRepository
	payments   repository.PaymentRepository
	comp       *Compensator
	orders     *OrderService
	reconciler *Reconciler
	customer   auth.Principal
	admin      auth.Principal
}

func TestSagaSuite(t *testing.T) {
	suite.Run(t, new(SagaSuite))
}

func (s *SagaSuite) SetupTest() {
	s.ctx = context.Background()
	logger := zap.NewNop()

	s.invStore = memory.NewStore()
	products := []entity.Product{
		{ID: "p1", SKU: "SKU-P1", Name: "Widget", Price: decimal.RequireFromString("10.00")},
		{ID: "p2", SKU: "SKU-P2", Name: "Gadget", Price: decimal.RequireFromString("25.50")},
		{ID: "bulk", SKU: "SKU-BULK", Name: "Bulk", Price: decimal.RequireFromString("1.00")},
	}
	s.Require().NoError(memory.NewProductRepository(s.invStore).Seed(s.ctx, products, map[string]int{"p1": 5, "p2": 3, "bulk": 1000}))
	s.inventory = NewInventoryService(InventoryDeps{
		Tx:        s.invStore.Transactor(),
		Products:  memory.NewProductRepository(s.invStore),
		Inventory: memory.NewInventoryStore(s.invStore),
		Outbox:    memory.NewOutboxRepository(s.invStore),
	}, logger)

	s.orderStore = memory.NewStore()
	s.catalog = &flakyCatalog{Catalog: s.inventory, reserveErrs: map[string]error{}, lostReplies: map[string]error{}}
	s.gateway = payment.NewMock()
	s.tasks = memory.NewCompensationRepository(s.orderStore)
	s.payments = memory.NewPaymentRepository(s.orderStore)
	s.comp = NewCompensator(s.tasks, s.payments, s.catalog, s.gateway, logger)
	s.orders = NewOrderService(OrderDeps{
		Tx:       s.orderStore.Transactor(),
		Orders:   memory.NewOrderRepository(s.orderStore),
		Payments: s.payments,
		Tasks:    s.tasks,
		Outbox:   memory.NewOutboxRepository(s.orderStore),
		Catalog:  s.catalog,
		Gateway:  s.gateway,
	}, s.comp, logger)
	s.reconciler = NewReconciler(s.orderStore.Transactor(), s.comp, time.Minute, logger)

	s.customer = auth.Principal{UserID: "alice", Roles: []auth.Role{auth.RoleCustomer}}
	s.admin = auth.Principal{UserID: "root", Roles: []auth.Role{auth.RoleAdmin}}
}

func (s *SagaSuite) reserved(productID string) int {
	rec, err := s.inventory.GetInventory(s.ctx, productID)
	s.Require().NoError(err)
	return rec.Reserved
}

func (s *SagaSuite) create(items ...entity.CartItem) *entity.Order {
	order, err := s.orders.CreateOrder(s.ctx, s.customer, items)
	s.Require().NoError(err)
	return order
}

func (s *SagaSuite) pay(orderID, key string) entity.PaymentResult {
	res, err := s.orders.ProcessPayment(s.ctx, s.customer, orderID, entity.PaymentRequest{IdempotencyKey: key})
	s.Require().NoError(err)
	return res
}

func eventsOf(store *memory.Store, orderID string, eventType entity.EventType) int {
	n := 0
	for _, rec := range store.Records() {
		if rec.Key == orderID && rec.Topic == string(eventType) {
			n++
		}
	}
	return n
}

func (s *SagaSuite) TestCreateOrder_ReservesStockAndQueuesEvent() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})

	s.Equal(entity.StatusPending, order.Status)
	s.Equal("alice", order.UserID)
	s.True(decimal.RequireFromString("20.00").Equal(order.Total))
	s.Require().Len(order.Items, 1)
	s.Equal("SKU-P1", order.Items[0].SKU)
	s.Require().Len(order.History, 1)
	s.Equal(entity.StatusPending, order.History[0].Status)
	s.Equal(2, s.reserved("p1"))
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderCreated))
}

func (s *SagaSuite) TestCreateOrder_MergesRepeatedProducts() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 1}, entity.CartItem{ProductID: "p1", Quantity: 2})

	s.Require().Len(order.Items, 1)
	s.Equal(3, order.Items[0].Quantity)
	s.Equal(3, s.reserved("p1"))
}

func (s *SagaSuite) TestCreateOrder_Validation() {
	_, err := s.orders.CreateOrder(s.ctx, s.customer, nil)
	s.ErrorIs(err, entity.ErrValidation)

	_, err = s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{{ProductID: "p1", Quantity: 0}})
	s.ErrorIs(err, entity.ErrValidation)

	_, err = s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{{ProductID: "", Quantity: 1}})
	s.ErrorIs(err, entity.ErrValidation)

	_, err = s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{{ProductID: "nope", Quantity: 1}})
	s.ErrorIs(err, entity.ErrNotFound)
}

func (s *SagaSuite) TestCreateOrder_OutOfStockWritesNothing() {
	_, err := s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{{ProductID: "p1", Quantity: 6}})

	var stockErr *entity.InsufficientStockError
	s.Require().ErrorAs(err, &stockErr)
	s.Equal(5, stockErr.Available)
	s.Equal(6, stockErr.Requested)

	orders, page, err := s.orders.ListOrders(s.ctx, s.customer, 1, 10, "")
	s.Require().NoError(err)
	s.Empty(orders)
	s.Zero(page.Total)
	s.Zero(s.reserved("p1"))
}

func (s *SagaSuite) TestCreateOrder_PartialReservationIsCompensated() {
	s.catalog.failReserve("p2", entity.ErrCatalogUnavailable)

	_, err := s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	})
	s.ErrorIs(err, entity.ErrUpstreamUnavailable)

	s.Zero(s.reserved("p1"))
	s.Zero(s.reserved("p2"))
	orders, _, err := s.orders.ListOrders(s.ctx, s.admin, 1, 10, "")
	s.Require().NoError(err)
	s.Empty(orders)
	s.Empty(s.orderStore.Records())
}

func (s *SagaSuite) TestCreateOrder_FailedReleaseBecomesTaskAndReconciles() {
	s.catalog.failReserve("p2", entity.ErrCatalogUnavailable)
	s.catalog.failRelease(entity.ErrCatalogUnavailable)

	_, err := s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	})
	s.Require().Error(err)
	s.Equal(2, s.reserved("p1"))

	// p2 is released too: its reserve failed without a verdict.
	due, err := s.tasks.ClaimDue(s.ctx, time.Now().Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 2)
	byProduct := map[string]entity.CompensationTask{}
	for _, task := range due {
		s.Equal(entity.CompensateRelease, task.Kind)
		s.Equal(1, task.Attempts)
		byProduct[task.ProductID] = task
	}
	s.Equal(2, byProduct["p1"].Quantity)
	s.Equal(1, byProduct["p2"].Quantity)
	orderID := byProduct["p1"].OrderID

	n, err := s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "tasks are not due yet")

	s.comp.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	n, err = s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	tasks, err := s.tasks.ListByOrder(s.ctx, orderID)
	s.Require().NoError(err)
	for _, task := range tasks {
		s.Equal(entity.CompensationPending, task.Status)
		s.Equal(2, task.Attempts)
	}
	s.Equal(2, s.reserved("p1"))

	s.catalog.failRelease(nil)
	s.comp.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	tasks, err = s.tasks.ListByOrder(s.ctx, orderID)
	s.Require().NoError(err)
	for _, task := range tasks {
		s.Equal(entity.CompensationDone, task.Status)
	}
	s.Zero(s.reserved("p1"))
	s.Zero(s.reserved("p2"))
}

func (s *SagaSuite) TestCreateOrder_ReleasesHoldWhoseReplyWasLost() {
	s.catalog.loseReply("p2", entity.ErrCatalogUnavailable)

	_, err := s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	})
	s.ErrorIs(err, entity.ErrUpstreamUnavailable)

	s.Zero(s.reserved("p1"))
	s.Zero(s.reserved("p2"))
	due, err := s.tasks.ClaimDue(s.ctx, time.Now().Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *SagaSuite) TestCreateOrder_OutOfStockDoesNotReleaseRejectedLine() {
	_, err := s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	})
	s.Require().NoError(err)
	s.catalog.failReserve("p2", &entity.InsufficientStockError{ProductID: "p2", Available: 0, Requested: 1})

	_, err = s.orders.CreateOrder(s.ctx, s.customer, []entity.CartItem{
		{ProductID: "p1", Quantity: 1},
		{ProductID: "p2", Quantity: 1},
	})
	s.ErrorIs(err, entity.ErrOutOfStock)

	s.Equal(2, s.reserved("p1"))
	s.Equal(1, s.reserved("p2"))
	released := map[string]int{}
	for _, c := range s.catalog.releases {
		released[c.ProductID]++
	}
	s.Equal(map[string]int{"p1": 1}, released)
}

func (s *SagaSuite) TestPayment_SucceedsOnceAndReplays() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})

	first := s.pay(order.ID, "k1")
	s.Equal(entity.PaymentSucceeded, first.Status)
	s.Equal(entity.StatusPaid, first.OrderStatus)
	s.NotEqual("pending", first.TransactionID)
	s.Equal(entity.DefaultPaymentMethod, first.PaymentMethod)

	second := s.pay(order.ID, "k1")
	s.Equal(first, second)
	s.Len(s.gateway.Charges(), 1)

	stored, err := s.orders.GetOrder(s.ctx, s.customer, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusPaid, stored.Status)
	s.Len(stored.History, 2)
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderPaid))
	s.Equal(2, s.reserved("p1"))
}

func (s *SagaSuite) TestPayment_DeclineReleasesReservations() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.gateway.Decline(true)

	res := s.pay(order.ID, "k-decline")
	s.Equal(entity.PaymentFailed, res.Status)
	s.Equal(entity.StatusPending, res.OrderStatus)
	s.Zero(s.reserved("p1"))

	replay := s.pay(order.ID, "k-decline")
	s.Equal(res, replay)
	s.Len(s.gateway.Charges(), 1)

	stored, err := s.orders.GetOrder(s.ctx, s.customer, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusPending, stored.Status)
}

func (s *SagaSuite) TestPayment_PendingChargeBlocksSecondCharge() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.gateway.Hold(true)

	res := s.pay(order.ID, "k-held")
	s.Equal(entity.PaymentPending, res.Status)
	s.Equal(entity.StatusPending, res.OrderStatus)
	s.Equal(2, s.reserved("p1"))

	s.Equal(res, s.pay(order.ID, "k-held"))

	s.gateway.Hold(false)
	_, err := s.orders.ProcessPayment(s.ctx, s.customer, order.ID, entity.PaymentRequest{IdempotencyKey: "k-second"})
	s.ErrorIs(err, entity.ErrPaymentPending)
	s.ErrorIs(err, entity.ErrConflict)
	s.Len(s.gateway.Charges(), 1)
	s.Equal(2, s.reserved("p1"))
}

// ordersWith builds an order service that charges through gw.
func (s *SagaSuite) ordersWith(gw payment.Gateway) *OrderService {
	logger := zap.NewNop()
	return NewOrderService(OrderDeps{
		Tx:       s.orderStore.Transactor(),
		Orders:   memory.NewOrderRepository(s.orderStore),
		Payments: s.payments,
		Tasks:    s.tasks,
		Outbox:   memory.NewOutboxRepository(s.orderStore),
		Catalog:  s.catalog,
		Gateway:  gw,
	}, NewCompensator(s.tasks, s.payments, s.catalog, gw, logger), logger)
}

func (s *SagaSuite) TestPayment_DeclineSettlesAfterCallerCancels() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.gateway.Decline(true)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	res, err := s.ordersWith(cancellingGateway{Gateway: s.gateway, cancel: cancel}).
		ProcessPayment(ctx, s.customer, order.ID, entity.PaymentRequest{IdempotencyKey: "k-gone"})
	s.Require().NoError(err)
	s.Equal(entity.PaymentFailed, res.Status)
	s.Require().Error(ctx.Err())

	s.Zero(s.reserved("p1"))
	stored, err := s.payments.FindByIdempotencyKey(s.ctx, "k-gone")
	s.Require().NoError(err)
	s.Require().NotNil(stored)
	s.Equal(entity.PaymentFailed, stored.Status)
	due, err := s.tasks.ClaimDue(s.ctx, time.Now().Add(time.Hour), 10)
	s.Require().NoError(err)
	s.Empty(due)
}

func (s *SagaSuite) TestPayment_CaptureSettlesAfterCallerCancels() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	res, err := s.ordersWith(cancellingGateway{Gateway: s.gateway, cancel: cancel}).
		ProcessPayment(ctx, s.customer, order.ID, entity.PaymentRequest{IdempotencyKey: "k-capture"})
	s.Require().NoError(err)
	s.Equal(entity.PaymentSucceeded, res.Status)
	s.Equal(entity.StatusPaid, res.OrderStatus)

	stored, err := s.orders.GetOrder(s.ctx, s.customer, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusPaid, stored.Status)
	s.Equal(2, s.reserved("p1"))
}

func (s *SagaSuite) TestPayment_GatewayErrorIsStoredAsFailed() {
	order := s.create(entity.CartItem{ProductID: "p2", Quantity: 1})
	s.gateway.FailCharges(entity.ErrGatewayUnavailable)

	res := s.pay(order.ID, "k-err")
	s.Equal(entity.PaymentFailed, res.Status)
	s.Zero(s.reserved("p2"))

	pays, err := s.payments.ListByOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(pays, 1)
	s.Equal("payment_gateway_unavailable", pays[0].FailureReason)
}

func (s *SagaSuite) TestPayment_RetryAfterFailureReservesAgain() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.gateway.Decline(true)
	s.pay(order.ID, "k-a")
	s.Zero(s.reserved("p1"))

	s.gateway.Decline(false)
	res := s.pay(order.ID, "k-b")
	s.Equal(entity.PaymentSucceeded, res.Status)
	s.Equal(entity.StatusPaid, res.OrderStatus)
	s.Equal(2, s.reserved("p1"))
}

func (s *SagaSuite) TestPayment_RetrySupersedesPendingReleases() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.gateway.Decline(true)
	s.catalog.failRelease(entity.ErrCatalogUnavailable)
	s.pay(order.ID, "k-a")
	s.Equal(2, s.reserved("p1"))

	s.catalog.failRelease(nil)
	s.gateway.Decline(false)
	s.Equal(entity.PaymentSucceeded, s.pay(order.ID, "k-b").Status)

	tasks, err := s.tasks.ListByOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Equal(entity.CompensationSuperseded, tasks[0].Status)

	s.comp.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(2, s.reserved("p1"))
}

func (s *SagaSuite) TestPayment_Rejections() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 1})
	other := s.create(entity.CartItem{ProductID: "p2", Quantity: 1})

	_, err := s.orders.ProcessPayment(s.ctx, s.customer, order.ID, entity.PaymentRequest{})
	s.ErrorIs(err, entity.ErrValidation)

	wrong := decimal.RequireFromString("9.50")
	_, err = s.orders.ProcessPayment(s.ctx, s.customer, order.ID, entity.PaymentRequest{IdempotencyKey: "k", Amount: &wrong})
	var mismatch *entity.AmountMismatchError
	s.ErrorAs(err, &mismatch)

	nearly := decimal.RequireFromString("10.005")
	res, err := s.orders.ProcessPayment(s.ctx, s.customer, order.ID, entity.PaymentRequest{IdempotencyKey: "k", Amount: &nearly})
	s.Require().NoError(err)
	s.Equal(entity.PaymentSucceeded, res.Status)

	_, err = s.orders.ProcessPayment(s.ctx, s.customer, other.ID, entity.PaymentRequest{IdempotencyKey: "k"})
	s.ErrorIs(err, entity.ErrIdempotencyConflict)

	_, err = s.orders.ProcessPayment(s.ctx, s.customer, order.ID, entity.PaymentRequest{IdempotencyKey: "k2"})
	s.ErrorIs(err, entity.ErrOrderAlreadyPaid)

	_, err = s.orders.CancelOrder(s.ctx, s.customer, other.ID)
	s.Require().NoError(err)
	_, err = s.orders.ProcessPayment(s.ctx, s.customer, other.ID, entity.PaymentRequest{IdempotencyKey: "k3"})
	s.ErrorIs(err, entity.ErrOrderCancelled)

	bob := auth.Principal{UserID: "bob", Roles: []auth.Role{auth.RoleCustomer}}
	_, err = s.orders.ProcessPayment(s.ctx, bob, order.ID, entity.PaymentRequest{IdempotencyKey: "k4"})
	s.ErrorIs(err, entity.ErrForbidden)
	s.Len(s.gateway.Charges(), 1)
}

func (s *SagaSuite) TestCancel() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 1})

	cancelled, err := s.orders.CancelOrder(s.ctx, s.customer, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusCancelled, cancelled.Status)
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderCancelled))

	again, err := s.orders.CancelOrder(s.ctx, s.customer, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusCancelled, again.Status)
	s.Len(again.History, 2)
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderCancelled))

	shipped := s.create(entity.CartItem{ProductID: "p1", Quantity: 1})
	for _, st := range []string{"confirmed", "shipped"} {
		_, err := s.orders.UpdateStatus(s.ctx, shipped.ID, st)
		s.Require().NoError(err)
	}
	_, err = s.orders.CancelOrder(s.ctx, s.customer, shipped.ID)
	s.ErrorIs(err, entity.ErrConflict)
	s.Equal("invalid_cancel", entity.CodeOf(err))
}

var pathTo = map[entity.OrderStatus][]string{
	entity.StatusPending:    {},
	entity.StatusConfirmed:  {"confirmed"},
	entity.StatusPaid:       {"paid"},
	entity.StatusProcessing: {"paid", "processing"},
	entity.StatusShipped:    {"confirmed", "shipped"},
	entity.StatusDelivered:  {"confirmed", "shipped", "delivered"},
	entity.StatusCancelled:  {"cancelled"},
}

func (s *SagaSuite) TestUpdateStatus_EveryPair() {
	for _, from := range entity.AllStatuses() {
		for _, to := range entity.AllStatuses() {
			order := s.create(entity.CartItem{ProductID: "bulk", Quantity: 1})
			for _, step := range pathTo[from] {
				_, err := s.orders.UpdateStatus(s.ctx, order.ID, step)
				s.Require().NoError(err)
			}
			before, err := s.orders.GetOrder(s.ctx, s.admin, order.ID)
			s.Require().NoError(err)

			after, err := s.orders.UpdateStatus(s.ctx, order.ID, string(to))
			switch {
			case from == to:
				s.Require().NoError(err, "%s -> %s", from, to)
				s.Len(after.History, len(before.History), "%s -> %s", from, to)
			case from.CanTransition(to):
				s.Require().NoError(err, "%s -> %s", from, to)
				s.Equal(to, after.Status)
				s.Len(after.History, len(before.History)+1, "%s -> %s", from, to)
			default:
				var invalid *entity.InvalidTransitionError
				s.Require().ErrorAs(err, &invalid, "%s -> %s", from, to)
				s.Equal(from.AllowedTransitions(), invalid.Allowed)
			}
		}
	}
}

func (s *SagaSuite) TestUpdateStatus_DeliveredPublishesCompleted() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 1})
	for _, st := range []string{"confirmed", "shipped", "delivered"} {
		_, err := s.orders.UpdateStatus(s.ctx, order.ID, st)
		s.Require().NoError(err)
	}
	s.Equal(3, eventsOf(s.orderStore, order.ID, entity.OrderUpdated))
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderCompleted))

	_, err := s.orders.UpdateStatus(s.ctx, order.ID, "bogus")
	s.ErrorIs(err, entity.ErrValidation)
}

func (s *SagaSuite) TestAccessAndListing() {
	mine := s.create(entity.CartItem{ProductID: "p1", Quantity: 1})
	bob := auth.Principal{UserID: "bob", Roles: []auth.Role{auth.RoleCustomer}}
	_, err := s.orders.CreateOrder(s.ctx, bob, []entity.CartItem{{ProductID: "p2", Quantity: 1}})
	s.Require().NoError(err)

	_, err = s.orders.GetOrder(s.ctx, bob, mine.ID)
	s.ErrorIs(err, entity.ErrForbidden)
	_, err = s.orders.GetOrder(s.ctx, s.admin, mine.ID)
	s.NoError(err)
	_, err = s.orders.GetOrder(s.ctx, s.customer, "not-a-uuid")
	s.ErrorIs(err, entity.ErrValidation)

	orders, page, err := s.orders.ListOrders(s.ctx, s.customer, 0, 500, "")
	s.Require().NoError(err)
	s.Len(orders, 1)
	s.Equal(entity.Page{Page: 1, Limit: 10, Total: 1, Pages: 1}, page)

	orders, _, err = s.orders.ListOrders(s.ctx, s.admin, 1, 10, "pending")
	s.Require().NoError(err)
	s.Len(orders, 2)
}

func (s *SagaSuite) unavailable(orderID string) entity.Envelope {
	env, err := entity.NewEnvelope(entity.InventoryUnavailable, entity.SourceInventoryService, orderID,
		entity.InventoryPayload{OrderID: orderID, ProductID: "p1", Quantity: 2, Reason: "stock_adjusted"}, nil)
	s.Require().NoError(err)
	return env
}

func (s *SagaSuite) TestInventoryUnavailable_CancelsAndRefundsPaidOrder() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.pay(order.ID, "k1")

	env := s.unavailable(order.ID)
	s.Require().NoError(s.orders.HandleInventoryUnavailable(s.ctx, env))

	stored, err := s.orders.GetOrder(s.ctx, s.admin, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusCancelled, stored.Status)
	s.Len(s.gateway.Refunds(), 1)

	pays, err := s.payments.ListByOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.PaymentRefunded, pays[0].Status)
	s.NotEmpty(pays[0].RefundID)
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderCancelled))

	s.Require().NoError(s.orders.HandleInventoryUnavailable(s.ctx, env))
	s.Len(s.gateway.Refunds(), 1)
	s.Equal(1, eventsOf(s.orderStore, order.ID, entity.OrderCancelled))
}

func (s *SagaSuite) TestInventoryUnavailable_PendingOrderIsCancelledWithoutRefund() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})

	s.Require().NoError(s.orders.HandleInventoryUnavailable(s.ctx, s.unavailable(order.ID)))

	stored, err := s.orders.GetOrder(s.ctx, s.admin, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.StatusCancelled, stored.Status)
	s.Empty(s.gateway.Refunds())
}

func (s *SagaSuite) TestInventoryUnavailable_FailedRefundIsRetried() {
	order := s.create(entity.CartItem{ProductID: "p1", Quantity: 2})
	s.pay(order.ID, "k1")
	s.gateway.FailRefunds(entity.ErrGatewayUnavailable)

	s.Require().NoError(s.orders.HandleInventoryUnavailable(s.ctx, s.unavailable(order.ID)))

	tasks, err := s.tasks.ListByOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Require().Len(tasks, 1)
	s.Equal(entity.CompensateRefund, tasks[0].Kind)
	s.Equal(entity.CompensationPending, tasks[0].Status)
	s.Equal(1, tasks[0].Attempts)

	s.gateway.FailRefunds(nil)
	s.comp.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	pays, err := s.payments.ListByOrder(s.ctx, order.ID)
	s.Require().NoError(err)
	s.Equal(entity.PaymentRefunded, pays[0].Status)
}

func (s *SagaSuite) TestInventoryUnavailable_PermanentFailures() {
	env := s.unavailable("6f1c0d8e-3b7a-4c4e-9d55-0a4c1b9e2f10")
	err := s.orders.HandleInventoryUnavailable(s.ctx, env)
	s.Require().Error(err)
	s.True(messaging.IsPermanent(err))

	env.Payload = []byte(`{"order_id":`)
	s.True(messaging.IsPermanent(s.orders.HandleInventoryUnavailable(s.ctx, env)))

	env.Payload = []byte(`{"product_id":"p1"}`)
	s.True(messaging.IsPermanent(s.orders.HandleInventoryUnavailable(s.ctx, env)))
}

func (s *SagaSuite) TestCompensator_DelayDoublesAndCaps() {
	s.Equal(5*time.Second, s.comp.delay(1))
	s.Equal(10*time.Second, s.comp.delay(2))
	s.Equal(40*time.Second, s.comp.delay(4))
	s.Equal(10*time.Minute, s.comp.delay(20))
}

func (s *SagaSuite) TestRetryable() {
	s.True(retryable(errors.New("connection reset")))
	s.True(retryable(entity.ErrCatalogUnavailable))
	s.False(retryable(entity.ErrNothingReserved))
	s.False(retryable(entity.ErrProductNotFound))
}
