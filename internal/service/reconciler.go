package service

import (
	"context"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/repository"
	"go.uber.org/zap"
)

const reconcileBatch = 50

// Reconciler retries due compensation tasks until each one succeeds.
type Reconciler struct {
	tx       repository.Transactor
	comp     *Compensator
	interval time.Duration
	logger   *zap.Logger
}

func NewReconciler(tx repository.Transactor, comp *Compensator, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{tx: tx, comp: comp, interval: interval, logger: logger}
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("🧹 Compensation reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Compensation reconciler stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("Reconcile pass failed", zap.Error(err))
		}
	}
}

// RunOnce claims one batch of due tasks and attempts each. Claimed rows stay
// locked for the pass so concurrent reconcilers skip them.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	ctx = auth.WithPrincipal(ctx, auth.System())
	var attempted int
	err := r.tx.WithTx(ctx, func(ctx context.Context) error {
		tasks, err := r.comp.tasks.ClaimDue(ctx, r.comp.now(), reconcileBatch)
		if err != nil {
			return fmt.Errorf("failed to claim compensation tasks: %w", err)
		}
		for i := range tasks {
			r.comp.Attempt(ctx, &tasks[i])
			attempted++
		}
		return nil
	})
	if attempted > 0 {
		r.logger.Info("Reconcile pass finished", zap.Int("tasks", attempted))
	}
	return attempted, err
}
