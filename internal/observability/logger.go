package observability

import (
	"os"

	"github.com/egannguyen/order-saga/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CompensationChannel names the logger that carries "manual review required" records.
const CompensationChannel = "compensation"

// NewLogger builds the service logger: JSON to stdout, tee'd into the global
// OpenTelemetry logger provider. Call it after SetupLogging.
func NewLogger(cfg config.Telemetry) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(os.Stdout),
		level,
	)

	otelCore := otelzap.NewCore(cfg.ServiceName,
		otelzap.WithLoggerProvider(global.GetLoggerProvider()),
	)

	return zap.New(zapcore.NewTee(otelCore, consoleCore),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", cfg.ServiceName)),
	)
}
