package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProcessPayment charges an order once per idempotency key. A replayed key
// returns the stored result without touching the gateway. A failed charge is
// a result, not an error: the payment is stored as failed and the order's
// reservations are released in the background.
func (s *OrderService) ProcessPayment(ctx context.Context, p auth.Principal, orderID string, req entity.PaymentRequest) (entity.PaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "order.payment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("payment.idempotency_key", req.IdempotencyKey),
	))
	defer span.End()

	if req.IdempotencyKey == "" {
		return entity.PaymentResult{}, entity.ErrMissingIdempotencyKey
	}
	order, err := s.GetOrder(ctx, p, orderID)
	if err != nil {
		return entity.PaymentResult{}, err
	}

	if existing, err := s.payments.FindByIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
		return entity.PaymentResult{}, s.fail(span, fmt.Errorf("failed to look up payment: %w", err))
	} else if existing != nil {
		return s.replay(ctx, existing, order)
	}

	if !order.Status.CanTransition(entity.StatusPaid) {
		switch order.Status {
		case entity.StatusPaid:
			return entity.PaymentResult{}, entity.ErrOrderAlreadyPaid
		case entity.StatusCancelled:
			return entity.PaymentResult{}, entity.ErrOrderCancelled
		}
		return entity.PaymentResult{}, entity.ErrOrderNotPayable
	}
	if req.Amount != nil && !entity.AmountMatches(order.Total, *req.Amount) {
		return entity.PaymentResult{}, &entity.AmountMismatchError{Expected: order.Total, Got: *req.Amount}
	}

	if held, err := s.pendingAtGateway(ctx, order.ID); err != nil {
		return entity.PaymentResult{}, s.fail(span, err)
	} else if held != nil {
		s.logger.Warn("Refusing new charge while gateway holds a pending one",
			zap.String("order_id", order.ID), zap.String("payment_id", held.ID))
		return entity.PaymentResult{}, entity.ErrPaymentPending
	}
	if err := s.restoreReservations(ctx, order); err != nil {
		return entity.PaymentResult{}, s.fail(span, err)
	}

	method := req.PaymentMethod
	if method == "" {
		method = entity.DefaultPaymentMethod
	}
	now := s.now()
	pay := &entity.Payment{
		ID:             uuid.NewString(),
		OrderID:        order.ID,
		IdempotencyKey: req.IdempotencyKey,
		Amount:         order.Total,
		Status:         entity.PaymentPending,
		Method:         method,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Create(ctx, pay); err != nil {
		if errors.Is(err, entity.ErrConflict) {
			// Lost the race on the idempotency key; answer with the winner.
			if existing, findErr := s.payments.FindByIdempotencyKey(ctx, req.IdempotencyKey); findErr == nil && existing != nil {
				return s.replay(ctx, existing, order)
			}
		}
		return entity.PaymentResult{}, s.fail(span, fmt.Errorf("failed to store payment: %w", err))
	}

	// From here on the outcome must be recorded even if the caller disconnects.
	ctx, cancel := detach(ctx)
	defer cancel()

	charge, chargeErr := s.gateway.Charge(ctx, payment.ChargeRequest{
		OrderID:        order.ID,
		Amount:         pay.Amount,
		Method:         method,
		IdempotencyKey: req.IdempotencyKey,
	})
	if chargeErr == nil && charge.Status == entity.PaymentSucceeded {
		return s.settleCharge(ctx, pay, charge)
	}
	if chargeErr == nil && charge.Status == entity.PaymentPending {
		pay.TransactionID = charge.TransactionID
		pay.UpdatedAt = s.now()
		if err := s.payments.Update(ctx, pay); err != nil {
			return entity.PaymentResult{}, s.fail(span, fmt.Errorf("failed to record pending payment: %w", err))
		}
		s.logger.Info("⏳ Payment pending at gateway", zap.String("order_id", order.ID), zap.String("payment_id", pay.ID))
		return pay.Result(order.Status), nil
	}

	pay.Status = entity.PaymentFailed
	pay.TransactionID = charge.TransactionID
	pay.FailureReason = charge.FailureReason
	if chargeErr != nil {
		pay.FailureReason = entity.CodeOf(chargeErr)
	}
	pay.UpdatedAt = s.now()
	if err := s.payments.Update(ctx, pay); err != nil {
		return entity.PaymentResult{}, s.fail(span, fmt.Errorf("failed to record failed payment: %w", err))
	}

	cause := chargeErr
	if cause == nil {
		cause = fmt.Errorf("charge declined: %s", pay.FailureReason)
	}
	s.logger.Warn("💳 Payment failed, releasing reservations",
		zap.String("order_id", order.ID),
		zap.String("payment_id", pay.ID),
		zap.String("reason", pay.FailureReason),
		zap.NamedError("gateway_error", chargeErr))
	_ = s.comp.ReleaseItems(ctx, order.ID, order.Items, "payment failed", cause)

	return pay.Result(order.Status), nil
}

func (s *OrderService) replay(ctx context.Context, existing *entity.Payment, order *entity.Order) (entity.PaymentResult, error) {
	if existing.OrderID != order.ID {
		return entity.PaymentResult{}, entity.ErrIdempotencyConflict
	}
	current, err := s.orders.Get(ctx, order.ID)
	if err != nil {
		return entity.PaymentResult{}, err
	}
	s.logger.Info("🔁 Payment replayed",
		zap.String("order_id", order.ID),
		zap.String("payment_id", existing.ID),
		zap.String("status", string(existing.Status)))
	return existing.Result(current.Status), nil
}

// pendingAtGateway returns a payment the gateway acknowledged as pending.
// Such a charge may still capture, so no second charge is started for the order.
func (s *OrderService) pendingAtGateway(ctx context.Context, orderID string) (*entity.Payment, error) {
	pays, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	for i := range pays {
		if pays[i].Status == entity.PaymentPending && pays[i].TransactionID != "" {
			return &pays[i], nil
		}
	}
	return nil, nil
}

// restoreReservations re-reserves an order's items when an earlier payment
// attempt failed and released them. Pending release tasks are superseded first
// so the reconciler does not undo the new holds.
func (s *OrderService) restoreReservations(ctx context.Context, order *entity.Order) error {
	previous, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to list payments: %w", err)
	}
	retry := false
	for _, p := range previous {
		if p.Status == entity.PaymentFailed {
			retry = true
			break
		}
	}
	if !retry {
		return nil
	}

	if n, err := s.comp.tasks.SupersedePending(ctx, order.ID, entity.CompensateRelease); err != nil {
		return fmt.Errorf("failed to supersede release tasks: %w", err)
	} else if n > 0 {
		s.logger.Info("Superseded pending releases", zap.String("order_id", order.ID), zap.Int("tasks", n))
	}

	var reserved []entity.OrderItem
	for _, item := range order.Items {
		if _, err := s.catalog.Reserve(ctx, entity.StockChange{ProductID: item.ProductID, Quantity: item.Quantity, OrderID: order.ID}); err != nil {
			if retryable(err) {
				reserved = append(reserved, item)
			}
			if len(reserved) > 0 {
				releaseCtx, cancel := detach(ctx)
				_ = s.comp.ReleaseItems(releaseCtx, order.ID, reserved, "payment retry could not reserve stock", err)
				cancel()
			}
			return fmt.Errorf("failed to reserve %s again: %w", item.ProductID, err)
		}
		reserved = append(reserved, item)
	}
	return nil
}

// settleCharge records a captured charge and marks the order paid. When the
// order was cancelled while the charge was in flight, the money goes back
// through a refund task instead.
func (s *OrderService) settleCharge(ctx context.Context, pay *entity.Payment, charge payment.ChargeResult) (entity.PaymentResult, error) {
	var (
		orderStatus entity.OrderStatus
		refund      *entity.CompensationTask
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.GetForUpdate(ctx, pay.OrderID)
		if err != nil {
			return err
		}

		pay.Status = entity.PaymentSucceeded
		pay.TransactionID = charge.TransactionID
		pay.UpdatedAt = s.now()
		if err := s.payments.Update(ctx, pay); err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}

		if !order.Status.CanTransition(entity.StatusPaid) {
			orderStatus = order.Status
			refund, err = s.comp.scheduleRefund(ctx, pay, "order "+string(order.Status)+" before charge settled")
			return err
		}
		if err := s.transition(ctx, order, entity.StatusPaid); err != nil {
			return err
		}
		orderStatus = entity.StatusPaid
		return nil
	})
	if err != nil {
		s.comp.logger.Error("Manual review required: charge captured but not recorded",
			zap.String("order_id", pay.OrderID),
			zap.String("payment_id", pay.ID),
			zap.String("transaction_id", charge.TransactionID),
			zap.Error(err))
		return entity.PaymentResult{}, err
	}
	s.relay.Nudge()

	if refund != nil {
		s.logger.Warn("💸 Charge settled on an order that can no longer be paid, refunding",
			zap.String("order_id", pay.OrderID), zap.String("order_status", string(orderStatus)))
		s.comp.Attempt(ctx, refund)
		if stored, err := s.payments.FindByIdempotencyKey(ctx, pay.IdempotencyKey); err == nil && stored != nil {
			pay = stored
		}
		return pay.Result(orderStatus), nil
	}

	s.logger.Info("💰 Payment succeeded",
		zap.String("order_id", pay.OrderID),
		zap.String("payment_id", pay.ID),
		zap.String("transaction_id", pay.TransactionID),
		zap.String("amount", pay.Amount.StringFixed(2)))
	return pay.Result(orderStatus), nil
}
