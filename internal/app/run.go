package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/egannguyen/order-saga/internal/repository/redisstore"
	"go.uber.org/zap"
)

// Workers runs long-lived loops. The first one to fail cancels the rest.
type Workers struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
	logger *zap.Logger
}

func NewWorkers(ctx context.Context, logger *zap.Logger) *Workers {
	ctx, cancel := context.WithCancel(ctx)
	return &Workers{ctx: ctx, cancel: cancel, logger: logger}
}

// Go starts fn. A nil return or an error after cancellation is a clean stop.
func (w *Workers) Go(name string, fn func(ctx context.Context) error) {
	w.wg.Go(func() {
		err := fn(w.ctx)
		if err == nil || w.ctx.Err() != nil {
			return
		}
		w.logger.Error("Worker failed", zap.String("worker", name), zap.Error(err))
		w.mu.Lock()
		if w.err == nil {
			w.err = err
		}
		w.mu.Unlock()
		w.cancel()
	})
}

// Serve runs srv until the workers stop, then shuts it down within the
// deadline of shutdownCtx.
func (w *Workers) Serve(srv *http.Server, shutdownCtx func() (context.Context, context.CancelFunc)) {
	w.Go("http", func(ctx context.Context) error {
		w.logger.Info("🚀 HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	w.wg.Go(func() {
		<-w.ctx.Done()
		ctx, cancel := shutdownCtx()
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			w.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	})
}

// Done is closed when the parent context ends or a worker fails.
func (w *Workers) Done() <-chan struct{} {
	return w.ctx.Done()
}

// Wait blocks until every worker returned and reports the first failure.
func (w *Workers) Wait() error {
	w.wg.Wait()
	w.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// NewInbox connects the Redis inbox, or falls back to process memory when url is empty.
// The returned ping is nil for the memory inbox.
func NewInbox(ctx context.Context, url, prefix string) (repository.Inbox, func(context.Context) error, func() error, error) {
	if url == "" {
		return memory.NewInbox(), nil, func() error { return nil }, nil
	}
	client, err := redisstore.Connect(ctx, url)
	if err != nil {
		return nil, nil, nil, err
	}
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return redisstore.NewInbox(client, prefix, redisstore.DefaultTTL), ping, client.Close, nil
}
