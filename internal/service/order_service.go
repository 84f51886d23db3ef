package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OrderDeps are the collaborators of the order boundary.
type OrderDeps struct {
	Tx       repository.Transactor
	Orders   repository.OrderRepository
	Payments repository.PaymentRepository
	Tasks    repository.CompensationRepository
	Outbox   repository.OutboxRepository
	Catalog  Catalog
	Gateway  payment.Gateway
	Relay    Notifier
}

// OrderService orchestrates order-related business logic: the create and
// payment saga steps, cancellation and status changes.
type OrderService struct {
	tx       repository.Transactor
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	outbox   repository.OutboxRepository
	catalog  Catalog
	gateway  payment.Gateway
	relay    Notifier
	comp     *Compensator
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewOrderService(deps OrderDeps, comp *Compensator, logger *zap.Logger) *OrderService {
	return &OrderService{
		tx:       deps.Tx,
		orders:   deps.Orders,
		payments: deps.Payments,
		outbox:   deps.Outbox,
		catalog:  deps.Catalog,
		gateway:  deps.Gateway,
		relay:    orNoop(deps.Relay),
		comp:     comp,
		logger:   logger,
		tracer:   observability.Tracer("service.order"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder prices the cart from the catalog, stores the order as pending
// and reserves every line. Reservations that succeeded before a failure are
// released again and no order is left behind.
func (s *OrderService) CreateOrder(ctx context.Context, p auth.Principal, cart []entity.CartItem) (*entity.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.create", trace.WithAttributes(attribute.String("user.id", p.UserID)))
	defer span.End()

	lines, err := normalizeCart(cart)
	if err != nil {
		return nil, err
	}

	order := &entity.Order{
		ID:     uuid.NewString(),
		UserID: p.UserID,
		Status: entity.StatusPending,
	}
	for _, line := range lines {
		product, err := s.catalog.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("failed to look up product %s: %w", line.ProductID, err))
		}
		inv, err := s.catalog.GetInventory(ctx, line.ProductID)
		if err != nil {
			return nil, s.fail(span, fmt.Errorf("failed to look up inventory for %s: %w", line.ProductID, err))
		}
		if inv.Available() < line.Quantity {
			return nil, &entity.InsufficientStockError{ProductID: line.ProductID, Available: inv.Available(), Requested: line.Quantity}
		}
		order.Items = append(order.Items, entity.OrderItem{
			ID:        uuid.NewString(),
			ProductID: product.ID,
			SKU:       product.SKU,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
		})
	}
	order.Total = entity.ComputeTotal(order.Items)
	now := s.now()
	order.CreatedAt, order.UpdatedAt = now, now
	span.SetAttributes(attribute.String("order.id", order.ID))

	var reserved []entity.OrderItem
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		reserved = nil
		if err := s.orders.Create(ctx, order); err != nil {
			return fmt.Errorf("failed to store order: %w", err)
		}
		for _, item := range order.Items {
			if _, err := s.catalog.Reserve(ctx, entity.StockChange{ProductID: item.ProductID, Quantity: item.Quantity, OrderID: order.ID}); err != nil {
				if retryable(err) {
					// The hold may have landed before the call failed.
					reserved = append(reserved, item)
				}
				return fmt.Errorf("failed to reserve %s: %w", item.ProductID, err)
			}
			reserved = append(reserved, item)
		}
		created, err := entity.NewOrderEvent(entity.OrderCreated, order, order.ID, observability.InjectMetadata(ctx, nil))
		if err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, created)
	})
	if err != nil {
		if len(reserved) > 0 {
			s.logger.Warn("↩️ Order creation failed, releasing reservations",
				zap.String("order_id", order.ID), zap.Int("reserved_items", len(reserved)), zap.Error(err))
			releaseCtx, cancel := detach(ctx)
			_ = s.comp.ReleaseItems(releaseCtx, order.ID, reserved, "order creation failed", err)
			cancel()
		}
		return nil, s.fail(span, err)
	}
	s.relay.Nudge()

	s.logger.Info("✅ Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("items", len(order.Items)))
	return s.orders.Get(ctx, order.ID)
}

// normalizeCart validates the lines and merges repeats of one product, since
// an order holds at most one reservation per product.
func normalizeCart(cart []entity.CartItem) ([]entity.CartItem, error) {
	if len(cart) == 0 {
		return nil, entity.ErrEmptyOrder
	}
	index := make(map[string]int, len(cart))
	lines := make([]entity.CartItem, 0, len(cart))
	for i, item := range cart {
		if item.ProductID == "" {
			return nil, entity.Validationf("item %d: product_id is required", i)
		}
		if item.Quantity <= 0 {
			return nil, entity.ErrInvalidQuantity
		}
		if at, ok := index[item.ProductID]; ok {
			lines[at].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(lines)
		lines = append(lines, item)
	}
	return lines, nil
}

// GetOrder returns an order the principal owns, or any order for elevated principals.
func (s *OrderService) GetOrder(ctx context.Context, p auth.Principal, id string) (*entity.Order, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(order.UserID) {
		return nil, entity.ErrOrderAccessDenied
	}
	return order, nil
}

// ListOrders pages through the principal's orders, or everyone's for elevated principals.
func (s *OrderService) ListOrders(ctx context.Context, p auth.Principal, page, limit int, status string) ([]entity.Order, entity.Page, error) {
	pg := entity.NewPage(page, limit)
	filter := entity.OrderFilter{Offset: pg.Offset(), Limit: pg.Limit}
	if !p.IsElevated() {
		filter.UserID = p.UserID
	}
	if status != "" {
		st, err := entity.ParseStatus(status)
		if err != nil {
			return nil, pg, err
		}
		filter.Status = st
	}

	orders, total, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, pg, err
	}
	return orders, pg.WithTotal(total), nil
}

// ListPayments returns every payment attempt of an order the principal can see.
func (s *OrderService) ListPayments(ctx context.Context, p auth.Principal, orderID string) ([]entity.Payment, error) {
	if _, err := s.GetOrder(ctx, p, orderID); err != nil {
		return nil, err
	}
	return s.payments.ListByOrder(ctx, orderID)
}

// UpdateStatus moves an order through the state machine. Requesting the
// current status succeeds without recording anything.
func (s *OrderService) UpdateStatus(ctx context.Context, id, rawStatus string) (*entity.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.status", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	if err := validateID(id); err != nil {
		return nil, err
	}
	to, err := entity.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	var changed bool
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := entity.ValidateTransition(order.Status, to); err != nil {
			return err
		}
		if order.Status == to {
			return nil
		}
		changed = true
		return s.transition(ctx, order, to)
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	if changed {
		s.relay.Nudge()
		s.logger.Info("🔄 Order status updated", zap.String("order_id", id), zap.String("status", string(to)))
	}
	return s.orders.Get(ctx, id)
}

// CancelOrder cancels a pending or confirmed order. Cancelling a cancelled
// order is a no-op; paid orders go through the refund path instead.
func (s *OrderService) CancelOrder(ctx context.Context, p auth.Principal, id string) (*entity.Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	if err := validateID(id); err != nil {
		return nil, err
	}

	var changed bool
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !p.CanAccess(order.UserID) {
			return entity.ErrOrderAccessDenied
		}
		if order.Status == entity.StatusCancelled {
			return nil
		}
		if !order.Status.Cancellable() {
			return entity.ErrInvalidCancel
		}
		changed = true
		return s.transition(ctx, order, entity.StatusCancelled)
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	if changed {
		s.relay.Nudge()
		s.logger.Info("🚫 Order cancelled", zap.String("order_id", id), zap.String("by", p.UserID))
	}
	return s.orders.Get(ctx, id)
}

// transition records the new status and queues its events. The caller holds
// the order row and has validated the change.
func (s *OrderService) transition(ctx context.Context, order *entity.Order, to entity.OrderStatus) error {
	from := order.Status
	now := s.now()
	if err := s.orders.UpdateStatus(ctx, order.ID, to, now); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	order.Status = to
	order.UpdatedAt = now

	events, err := statusEvents(ctx, order, from)
	if err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, events...)
}

// statusEvents builds order.updated plus the lifecycle event the new status implies.
func statusEvents(ctx context.Context, order *entity.Order, from entity.OrderStatus) ([]entity.Envelope, error) {
	md := observability.InjectMetadata(ctx, map[string]string{
		"old_status": string(from),
		"new_status": string(order.Status),
	})
	updated, err := entity.NewOrderEvent(entity.OrderUpdated, order, order.ID, md)
	if err != nil {
		return nil, err
	}
	events := []entity.Envelope{updated}

	var follow entity.EventType
	switch order.Status {
	case entity.StatusPaid:
		follow = entity.OrderPaid
	case entity.StatusDelivered:
		follow = entity.OrderCompleted
	case entity.StatusCancelled:
		follow = entity.OrderCancelled
	default:
		return events, nil
	}
	env, err := entity.NewOrderEvent(follow, order, order.ID, observability.InjectMetadata(ctx, nil))
	if err != nil {
		return nil, err
	}
	return append(events, env), nil
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return entity.ErrInvalidID
	}
	return nil
}

func (s *OrderService) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, entity.CodeOf(err))
	if !entity.IsDomain(err) && !errors.Is(err, context.Canceled) {
		s.logger.Error("❌ Order operation failed", zap.Error(err))
	}
	return err
}
