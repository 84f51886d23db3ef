package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/egannguyen/order-saga/internal/app"
	"github.com/egannguyen/order-saga/internal/config"
	delivery "github.com/egannguyen/order-saga/internal/delivery/http"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/egannguyen/order-saga/internal/repository/pgxstore"
	"github.com/egannguyen/order-saga/internal/service"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadInventoryService()
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := observability.Setup(ctx, cfg.Telemetry)
	logger := observability.NewLogger(cfg.Telemetry)
	defer logger.Sync()
	if err != nil {
		logger.Warn("Telemetry export disabled", zap.Error(err))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("❌ Inventory service stopped with error", zap.Error(err))
		os.Exit(1)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer flushCancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.InventoryService, logger *zap.Logger) error {
	checks := map[string]delivery.Check{}

	// --- Storage ---
	var storage app.InventoryStorage
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		storage = app.MemoryInventoryStorage(memory.NewStore())
	default:
		pool, err := pgxstore.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		storage = app.PgxInventoryStorage(pool)
		checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}

	// --- Bus ---
	bus, err := app.NewBus(ctx, cfg.Bus, config.InventoryServiceName, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	inbox, pingInbox, closeInbox, err := app.NewInbox(ctx, cfg.RedisURL, config.InventoryServiceName)
	if err != nil {
		return err
	}
	defer closeInbox()
	if pingInbox != nil {
		checks["redis"] = pingInbox
	}

	inventory := app.NewInventory(storage, bus.Events, cfg.RelayInterval, logger)
	if cfg.SeedProducts {
		if err := inventory.Service.Seed(ctx); err != nil {
			return err
		}
	}

	consumers, err := bus.NewConsumers(cfg.Bus, inbox, logger)
	if err != nil {
		return err
	}
	service.RegisterInventoryConsumers(consumers, inventory.Events)

	// --- HTTP API ---
	server := delivery.NewServer(cfg.HTTPAddr, "inventory", logger,
		delivery.NewInventoryHandler(inventory.Service, logger),
		delivery.NewHealth(checks),
	)

	// --- Start everything ---
	workers := app.NewWorkers(ctx, logger)
	workers.Go("relay", inventory.Relay.Run)
	workers.Go("consumers", consumers.Run)
	workers.Serve(server, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	})

	<-workers.Done()
	logger.Info("Shutting down...")
	err = workers.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer flushCancel()
	if _, flushErr := inventory.Relay.Flush(flushCtx); flushErr != nil {
		logger.Warn("Final outbox flush incomplete", zap.Error(flushErr))
	}
	return err
}
