// Command dlq-redrive moves dead-lettered events back to the topic they
// failed on, once the cause has been fixed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/egannguyen/order-saga/internal/config"
	"github.com/egannguyen/order-saga/internal/messaging/kafka"
	"github.com/egannguyen/order-saga/internal/observability"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadRedrive()
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
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	reader, err := kafka.NewTracedReader(cfg.Brokers, cfg.DeadLetterTopic, cfg.Group)
	if err != nil {
		logger.Error("Failed to open dead-letter reader", zap.Error(err))
		os.Exit(1)
	}
	writer, err := kafka.NewTracedWriter(cfg.Brokers, config.RedriveName)
	if err != nil {
		_ = reader.Close()
		logger.Error("Failed to open writer", zap.Error(err))
		os.Exit(1)
	}

	redriver := kafka.NewRedriver(reader, writer, 5*time.Second, logger)
	moved, err := redriver.Run(ctx, cfg.MaxMessages)
	if closeErr := redriver.Close(); closeErr != nil {
		logger.Warn("Failed to close kafka clients", zap.Error(closeErr))
	}
	if err != nil {
		logger.Error("❌ Redrive stopped", zap.Int("moved", moved), zap.Error(err))
		os.Exit(1)
	}
	logger.Info("✅ Redrive finished", zap.Int("moved", moved), zap.String("topic", cfg.DeadLetterTopic))
}
