package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/egannguyen/order-saga/internal/app"
	"github.com/egannguyen/order-saga/internal/catalog"
	"github.com/egannguyen/order-saga/internal/config"
	delivery "github.com/egannguyen/order-saga/internal/delivery/http"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/egannguyen/order-saga/internal/repository/postgres"
	"github.com/egannguyen/order-saga/internal/service"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadOrderService()
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
		logger.Error("❌ Order service stopped with error", zap.Error(err))
		os.Exit(1)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer flushCancel()
	if err := shutdownTelemetry(flushCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.OrderService, logger *zap.Logger) error {
	checks := map[string]delivery.Check{}

	// --- Storage ---
	var storage app.OrderStorage
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		storage = app.MemoryOrderStorage(memory.NewStore())
	default:
		db, err := postgres.InitDB(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		storage = app.PostgresOrderStorage(db)
		checks["postgres"] = pingSQL(db)
	}

	// --- Bus ---
	bus, err := app.NewBus(ctx, cfg.Bus, config.OrderServiceName, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	inbox, pingInbox, closeInbox, err := app.NewInbox(ctx, cfg.RedisURL, config.OrderServiceName)
	if err != nil {
		return err
	}
	defer closeInbox()
	if pingInbox != nil {
		checks["redis"] = pingInbox
	}

	// --- Collaborators ---
	inventory := catalog.NewClient(catalog.Config{
		BaseURL:    cfg.InventoryURL,
		Timeout:    cfg.CatalogTimeout,
		MaxRetries: cfg.CatalogMaxRetries,
	}, logger.Named("catalog"))

	var gateway payment.Gateway = payment.NewMock()
	if cfg.PaymentGateway == config.GatewayHTTP {
		gateway = payment.NewHTTPGateway(payment.HTTPGatewayConfig{
			BaseURL:    cfg.PaymentGatewayURL,
			APIKey:     cfg.PaymentGatewayKey,
			Timeout:    cfg.CatalogTimeout,
			MaxRetries: cfg.CatalogMaxRetries,
		}, logger.Named("gateway"))
	} else {
		logger.Warn("Using mock payment gateway")
	}

	orders := app.NewOrders(storage, inventory, gateway, bus.Events, app.Intervals{
		Relay:     cfg.RelayInterval,
		Reconcile: cfg.ReconcileInterval,
	}, logger)

	consumers, err := bus.NewConsumers(cfg.Bus, inbox, logger)
	if err != nil {
		return err
	}
	service.RegisterOrderConsumers(consumers, orders.Service)

	// --- HTTP API ---
	server := delivery.NewServer(cfg.HTTPAddr, "orders", logger,
		delivery.NewHandler(orders.Service, logger),
		delivery.NewHealth(checks),
	)

	// --- Start everything ---
	workers := app.NewWorkers(ctx, logger)
	workers.Go("relay", orders.Relay.Run)
	workers.Go("reconciler", orders.Reconciler.Run)
	workers.Go("consumers", consumers.Run)
	workers.Serve(server, func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	})

	<-workers.Done()
	logger.Info("Shutting down...")
	err = workers.Wait()

	// Publish what the last requests committed.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer flushCancel()
	if _, flushErr := orders.Relay.Flush(flushCtx); flushErr != nil {
		logger.Warn("Final outbox flush incomplete", zap.Error(flushErr))
	}
	return err
}

func pingSQL(db *sql.DB) delivery.Check {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}
