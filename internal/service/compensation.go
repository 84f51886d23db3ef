package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DefaultCompensationBase     = 5 * time.Second
	DefaultCompensationMaxDelay = 10 * time.Minute
)

// Compensator undoes saga steps. An undo that cannot be confirmed right away
// is stored as a CompensationTask and retried by the Reconciler until it succeeds.
type Compensator struct {
	tasks    repository.CompensationRepository
	payments repository.PaymentRepository
	catalog  Catalog
	gateway  payment.Gateway
	base     time.Duration
	maxDelay time.Duration
	// logger is the compensation channel: its errors need a human.
	logger *zap.Logger
	now    func() time.Time
}

func NewCompensator(tasks repository.CompensationRepository, payments repository.PaymentRepository, catalog Catalog, gateway payment.Gateway, logger *zap.Logger) *Compensator {
	return &Compensator{
		tasks:    tasks,
		payments: payments,
		catalog:  catalog,
		gateway:  gateway,
		base:     DefaultCompensationBase,
		maxDelay: DefaultCompensationMaxDelay,
		logger:   logger.Named(observability.CompensationChannel),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ReleaseItems releases the order's hold on each item. Releases the inventory
// service cannot confirm are stored as tasks; the combined error is for logging only.
func (c *Compensator) ReleaseItems(ctx context.Context, orderID string, items []entity.OrderItem, reason string, cause error) error {
	var errs *multierror.Error
	for _, item := range items {
		_, err := c.catalog.Release(ctx, entity.StockChange{ProductID: item.ProductID, Quantity: item.Quantity, OrderID: orderID})
		if err == nil {
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("release %s: %w", item.ProductID, err))

		fields := []zap.Field{
			zap.String("order_id", orderID),
			zap.String("product_id", item.ProductID),
			zap.Int("quantity", item.Quantity),
			zap.String("reason", reason),
			zap.NamedError("original_error", cause),
			zap.Error(err),
		}
		if !retryable(err) {
			c.logger.Error("Manual review required: release rejected by inventory service", fields...)
			continue
		}

		now := c.now()
		task := &entity.CompensationTask{
			ID:            ulid.Make().String(),
			Kind:          entity.CompensateRelease,
			OrderID:       orderID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			Reason:        reason,
			Status:        entity.CompensationPending,
			Attempts:      1,
			LastError:     err.Error(),
			NextAttemptAt: now.Add(c.delay(1)),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if createErr := c.tasks.Create(ctx, task); createErr != nil {
			c.logger.Error("Manual review required: release failed and could not be scheduled",
				append(fields, zap.NamedError("task_error", createErr))...)
			continue
		}
		c.logger.Error("Manual review required: release failed, scheduled for retry",
			append(fields, zap.String("task_id", task.ID), zap.Time("next_attempt_at", task.NextAttemptAt))...)
	}
	return errs.ErrorOrNil()
}

// scheduleRefund stores a refund task for pay. Call it inside the transaction
// that makes the refund necessary, then Attempt the task after commit.
func (c *Compensator) scheduleRefund(ctx context.Context, pay *entity.Payment, reason string) (*entity.CompensationTask, error) {
	now := c.now()
	task := &entity.CompensationTask{
		ID:            ulid.Make().String(),
		Kind:          entity.CompensateRefund,
		OrderID:       pay.OrderID,
		PaymentID:     pay.ID,
		Amount:        pay.Amount,
		Reason:        reason,
		Status:        entity.CompensationPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to schedule refund: %w", err)
	}
	return task, nil
}

// Attempt runs task once and records the outcome. Failures are rescheduled
// and reported on the compensation channel.
func (c *Compensator) Attempt(ctx context.Context, task *entity.CompensationTask) {
	err := c.execute(ctx, task)
	if settleErr := c.settle(ctx, task, err); settleErr != nil {
		c.logger.Error("Manual review required: compensation outcome not recorded",
			zap.String("task_id", task.ID), zap.String("order_id", task.OrderID),
			zap.NamedError("task_error", err), zap.Error(settleErr))
		return
	}
	if err != nil {
		c.logger.Error("Manual review required: compensation failed, retry scheduled",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("order_id", task.OrderID),
			zap.Int("attempts", task.Attempts),
			zap.Time("next_attempt_at", task.NextAttemptAt),
			zap.Error(err))
	}
}

func (c *Compensator) execute(ctx context.Context, task *entity.CompensationTask) error {
	switch task.Kind {
	case entity.CompensateRelease:
		_, err := c.catalog.Release(ctx, entity.StockChange{ProductID: task.ProductID, Quantity: task.Quantity, OrderID: task.OrderID})
		if err != nil && !retryable(err) {
			c.logger.Error("Manual review required: release rejected by inventory service, giving up",
				zap.String("task_id", task.ID), zap.String("order_id", task.OrderID), zap.Error(err))
			return nil
		}
		return err
	case entity.CompensateRefund:
		return c.refund(ctx, task)
	}
	return fmt.Errorf("unknown compensation kind %q", task.Kind)
}

func (c *Compensator) refund(ctx context.Context, task *entity.CompensationTask) error {
	pays, err := c.payments.ListByOrder(ctx, task.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load payments: %w", err)
	}
	var pay *entity.Payment
	for i := range pays {
		if pays[i].ID == task.PaymentID {
			pay = &pays[i]
			break
		}
	}
	if pay == nil {
		return entity.ErrPaymentNotFound
	}
	if pay.Status == entity.PaymentRefunded {
		return nil
	}

	amount := task.Amount
	res, err := c.gateway.Refund(ctx, payment.RefundRequest{
		TransactionID:  pay.TransactionID,
		Amount:         &amount,
		IdempotencyKey: "refund-" + task.ID,
	})
	if err != nil {
		return fmt.Errorf("refund %s: %w", pay.ID, err)
	}
	if res.Status != entity.PaymentRefunded {
		return fmt.Errorf("refund %s ended %s", pay.ID, res.Status)
	}

	pay.Status = entity.PaymentRefunded
	pay.RefundID = res.RefundID
	pay.UpdatedAt = c.now()
	if err := c.payments.Update(ctx, pay); err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}
	c.logger.Info("💸 Payment refunded",
		zap.String("order_id", task.OrderID),
		zap.String("payment_id", pay.ID),
		zap.String("refund_id", res.RefundID))
	return nil
}

func (c *Compensator) settle(ctx context.Context, task *entity.CompensationTask, err error) error {
	now := c.now()
	task.UpdatedAt = now
	if err == nil {
		task.Status = entity.CompensationDone
		task.LastError = ""
	} else {
		task.Attempts++
		task.LastError = err.Error()
		task.NextAttemptAt = now.Add(c.delay(task.Attempts))
	}
	return c.tasks.Update(ctx, task)
}

// delay is base * 2^(attempts-1), capped at maxDelay.
func (c *Compensator) delay(attempts int) time.Duration {
	d := c.base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(d, c.maxDelay)
}

// retryable reports whether a failed undo may succeed later. Rejections the
// inventory service answered with a domain error will not.
func retryable(err error) bool {
	return errors.Is(err, entity.ErrUpstreamUnavailable) || !entity.IsDomain(err)
}
