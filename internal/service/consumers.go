package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/messaging"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Consumer names double as inbox keys and handler names on the router.
const (
	InventoryUnavailableConsumer = "order-service.inventory-unavailable"
	OrderCompletedConsumer       = "inventory-service.order-completed"
	OrderCancelledConsumer       = "inventory-service.order-cancelled"
)

// RegisterOrderConsumers subscribes the order boundary's handlers.
func RegisterOrderConsumers(c *messaging.Consumers, orders *OrderService) {
	c.Handle(InventoryUnavailableConsumer, string(entity.InventoryUnavailable), orders.HandleInventoryUnavailable)
}

// RegisterInventoryConsumers subscribes the inventory boundary's handlers.
func RegisterInventoryConsumers(c *messaging.Consumers, h *OrderEventHandler) {
	c.Handle(OrderCompletedConsumer, string(entity.OrderCompleted), h.Handle)
	c.Handle(OrderCancelledConsumer, string(entity.OrderCancelled), h.Handle)
}

// HandleInventoryUnavailable cancels an order whose stock was revoked. A paid
// order is cancelled as a compensation, outside the customer cancel rule, and
// its succeeded payment is refunded. Cancelled and delivered orders are left alone.
func (s *OrderService) HandleInventoryUnavailable(ctx context.Context, env entity.Envelope) error {
	payload, err := env.DecodeInventoryPayload()
	if err != nil {
		return messaging.Permanent(err)
	}
	if payload.OrderID == "" {
		return messaging.Permanent(fmt.Errorf("%s %s without order_id", env.Type, env.MessageID))
	}
	log := s.logger.With(
		zap.String("order_id", payload.OrderID),
		zap.String("product_id", payload.ProductID),
		zap.String("message_id", env.MessageID))

	var refunds []*entity.CompensationTask
	var cancelled bool
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		refunds, cancelled = nil, false

		order, err := s.orders.GetForUpdate(ctx, payload.OrderID)
		if err != nil {
			return err
		}
		if order.Status == entity.StatusCancelled || order.Status == entity.StatusDelivered {
			log.Info("Order already settled, ignoring inventory.unavailable", zap.String("status", string(order.Status)))
			return nil
		}

		wasCharged := order.Status != entity.StatusPending && order.Status != entity.StatusConfirmed
		if err := s.transition(ctx, order, entity.StatusCancelled); err != nil {
			return err
		}
		cancelled = true

		if !wasCharged {
			return nil
		}
		pays, err := s.payments.ListByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to list payments: %w", err)
		}
		for i := range pays {
			if pays[i].Status != entity.PaymentSucceeded {
				continue
			}
			task, err := s.comp.scheduleRefund(ctx, &pays[i], "inventory unavailable for "+payload.ProductID)
			if err != nil {
				return err
			}
			refunds = append(refunds, task)
		}
		return nil
	})
	if errors.Is(err, entity.ErrNotFound) {
		return messaging.Permanent(err)
	}
	if err != nil {
		return err
	}
	if !cancelled {
		return nil
	}

	s.relay.Nudge()
	log.Warn("🚫 Order cancelled, inventory unavailable", zap.Int("refunds", len(refunds)))
	for _, task := range refunds {
		s.comp.Attempt(ctx, task)
	}
	return nil
}

// OrderEventHandler settles reservations when orders finish: completed
// orders deduct their stock, cancelled orders release it.
type OrderEventHandler struct {
	inventory *InventoryService
	logger    *zap.Logger
}

func NewOrderEventHandler(inventory *InventoryService, logger *zap.Logger) *OrderEventHandler {
	return &OrderEventHandler{inventory: inventory, logger: logger}
}

// Handle applies an order.completed or order.cancelled event item by item.
// Items are independent: the event counts as handled when any item succeeded
// or every failure is a domain rejection, and is retried only when every
// attempted item hit an infrastructure error.
func (h *OrderEventHandler) Handle(ctx context.Context, env entity.Envelope) error {
	var apply func(context.Context, entity.StockChange) (entity.InventoryRecord, error)
	switch env.Type {
	case entity.OrderCompleted:
		apply = h.inventory.CompleteDeduction
	case entity.OrderCancelled:
		apply = h.inventory.Release
	default:
		return messaging.Permanent(fmt.Errorf("unexpected event type %s", env.Type))
	}

	payload, err := env.DecodeOrderPayload()
	if err != nil {
		return messaging.Permanent(err)
	}
	if payload.OrderID == "" {
		return messaging.Permanent(fmt.Errorf("%s %s without order_id", env.Type, env.MessageID))
	}

	var (
		errs      *multierror.Error
		succeeded int
		transient int
	)
	for _, item := range payload.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			h.logger.Warn("Skipping invalid order item",
				zap.String("order_id", payload.OrderID),
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity))
			continue
		}
		_, err := apply(ctx, entity.StockChange{ProductID: item.ProductID, Quantity: item.Quantity, OrderID: payload.OrderID})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item.ProductID, err))
			if retryable(err) {
				transient++
			}
			continue
		}
		succeeded++
	}

	if errs == nil {
		h.logger.Info("✅ Order event applied to inventory",
			zap.String("type", string(env.Type)),
			zap.String("order_id", payload.OrderID),
			zap.Int("items", succeeded))
		return nil
	}

	fields := []zap.Field{
		zap.String("type", string(env.Type)),
		zap.String("order_id", payload.OrderID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", errs.Len()),
		zap.Error(errs),
	}
	if succeeded == 0 && transient == errs.Len() {
		h.logger.Warn("Order event failed for every item, will retry", fields...)
		return errs
	}
	h.logger.Error("Order event partially applied", fields...)
	return nil
}
