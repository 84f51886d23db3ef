// Package config reads service configuration from the environment.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	BusMemory = "memory"
	BusKafka  = "kafka"

	GatewayMock = "mock"
	GatewayHTTP = "http"
)

const (
	OrderServiceName     = "order-service"
	InventoryServiceName = "inventory-service"
	RedriveName          = "dlq-redrive"
	ServiceVersion       = "0.1.0"
)

// Telemetry configures OTLP export. An empty Endpoint disables it.
type Telemetry struct {
	ServiceName string
	Endpoint    string
	AuthHeader  string
	LogLevel    string
}

// Bus configures the event bus and its consumers.
type Bus struct {
	Kind            string
	Brokers         []string
	ConsumerGroup   string
	DeadLetterTopic string
	ProvisionTopics bool
	MaxRetries      int
	RetryBase       time.Duration
}

type OrderService struct {
	HTTPAddr          string
	DatabaseURL       string
	Storage           string
	RedisURL          string
	InventoryURL      string
	CatalogTimeout    time.Duration
	CatalogMaxRetries int
	PaymentGateway    string
	PaymentGatewayURL string
	PaymentGatewayKey string
	RelayInterval     time.Duration
	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration
	Bus               Bus
	Telemetry         Telemetry
}

type InventoryService struct {
	HTTPAddr        string
	DatabaseURL     string
	Storage         string
	RedisURL        string
	SeedProducts    bool
	RelayInterval   time.Duration
	ShutdownTimeout time.Duration
	Bus             Bus
	Telemetry       Telemetry
}

type Redrive struct {
	Brokers         []string
	DeadLetterTopic string
	Group           string
	MaxMessages     int
	Telemetry       Telemetry
}

// LoadOrderService reads the order service configuration.
func LoadOrderService() (*OrderService, error) {
	if err := LoadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	var errs *multierror.Error
	r := reader{errs: &errs}

	cfg := &OrderService{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Storage:           r.getOneOf("STORAGE", StoragePostgres, StoragePostgres, StorageMemory),
		RedisURL:          os.Getenv("REDIS_URL"),
		InventoryURL:      getEnv("INVENTORY_SERVICE_URL", "http://localhost:8081"),
		CatalogTimeout:    r.getDuration("CATALOG_TIMEOUT", 10*time.Second),
		CatalogMaxRetries: r.getInt("CATALOG_MAX_RETRIES", 3),
		PaymentGateway:    r.getOneOf("PAYMENT_GATEWAY", GatewayMock, GatewayMock, GatewayHTTP),
		PaymentGatewayURL: os.Getenv("PAYMENT_GATEWAY_URL"),
		PaymentGatewayKey: os.Getenv("PAYMENT_GATEWAY_KEY"),
		RelayInterval:     r.getDuration("RELAY_INTERVAL", time.Second),
		ReconcileInterval: r.getDuration("RECONCILE_INTERVAL", 30*time.Second),
		ShutdownTimeout:   r.getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Bus:               r.bus("order-service"),
		Telemetry:         telemetry(OrderServiceName),
	}

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		errs = multierror.Append(errs, errors.New("DATABASE_URL is required when STORAGE=postgres"))
	}
	if cfg.PaymentGateway == GatewayHTTP && cfg.PaymentGatewayURL == "" {
		errs = multierror.Append(errs, errors.New("PAYMENT_GATEWAY_URL is required when PAYMENT_GATEWAY=http"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid order service configuration: %w", err)
	}
	return cfg, nil
}

// LoadInventoryService reads the inventory service configuration.
func LoadInventoryService() (*InventoryService, error) {
	if err := LoadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	var errs *multierror.Error
	r := reader{errs: &errs}

	cfg := &InventoryService{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8081"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Storage:         r.getOneOf("STORAGE", StoragePostgres, StoragePostgres, StorageMemory),
		RedisURL:        os.Getenv("REDIS_URL"),
		SeedProducts:    r.getBool("SEED_PRODUCTS", true),
		RelayInterval:   r.getDuration("RELAY_INTERVAL", time.Second),
		ShutdownTimeout: r.getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Bus:             r.bus("inventory-service"),
		Telemetry:       telemetry(InventoryServiceName),
	}

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		errs = multierror.Append(errs, errors.New("DATABASE_URL is required when STORAGE=postgres"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid inventory service configuration: %w", err)
	}
	return cfg, nil
}

// LoadRedrive reads the dead-letter redrive configuration.
func LoadRedrive() (*Redrive, error) {
	if err := LoadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	var errs *multierror.Error
	r := reader{errs: &errs}

	cfg := &Redrive{
		Brokers:         r.getList("KAFKA_BROKERS", "localhost:9092"),
		DeadLetterTopic: getEnv("DEAD_LETTER_TOPIC", "events.dead_letter"),
		Group:           getEnv("REDRIVE_GROUP", "dlq-redrive"),
		MaxMessages:     r.getInt("REDRIVE_MAX_MESSAGES", 100),
		Telemetry:       telemetry(RedriveName),
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid redrive configuration: %w", err)
	}
	return cfg, nil
}

func telemetry(service string) Telemetry {
	return Telemetry{
		ServiceName: service,
		Endpoint:    os.Getenv("OTEL_ENDPOINT"),
		AuthHeader:  os.Getenv("OTEL_AUTH_HEADER"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// reader parses typed values and collects every malformed one.
type reader struct {
	errs **multierror.Error
}

func (r reader) fail(key, raw string, err error) {
	*r.errs = multierror.Append(*r.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (r reader) getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return n
}

func (r reader) getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return b
}

func (r reader) getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	if d <= 0 {
		r.fail(key, raw, errors.New("must be positive"))
		return fallback
	}
	return d
}

func (r reader) getList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r reader) getOneOf(key, fallback string, allowed ...string) string {
	v := strings.ToLower(getEnv(key, fallback))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.fail(key, v, fmt.Errorf("must be one of %s", strings.Join(allowed, ", ")))
	return fallback
}

func (r reader) bus(defaultGroup string) Bus {
	return Bus{
		Kind:            r.getOneOf("BUS", BusKafka, BusKafka, BusMemory),
		Brokers:         r.getList("KAFKA_BROKERS", "localhost:9092"),
		ConsumerGroup:   getEnv("KAFKA_CONSUMER_GROUP", defaultGroup),
		DeadLetterTopic: getEnv("DEAD_LETTER_TOPIC", "events.dead_letter"),
		ProvisionTopics: r.getBool("KAFKA_PROVISION_TOPICS", true),
		MaxRetries:      r.getInt("CONSUMER_MAX_RETRIES", 3),
		RetryBase:       r.getDuration("CONSUMER_RETRY_BASE", time.Second),
	}
}

// LoadDotEnv sets KEY=VALUE pairs from path without overriding variables that
// are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return scanner.Err()
}
