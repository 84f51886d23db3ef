// Package catalog is the order service's client for the inventory service.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration
}

// Client calls the inventory service over HTTP with bounded retries and a
// circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 100 * time.Millisecond
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/api/v1",
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "inventory-service",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("⚡ Circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

type inventoryView struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reserved"`
}

func (v inventoryView) record() entity.InventoryRecord {
	return entity.InventoryRecord{ProductID: v.ProductID, Stock: v.Stock, Reserved: v.Reserved}
}

type stockRequest struct {
	Quantity int    `json:"quantity"`
	OrderID  string `json:"order_id,omitempty"`
}

func (c *Client) GetProduct(ctx context.Context, id string) (*entity.Product, error) {
	var p entity.Product
	if err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetInventory(ctx context.Context, productID string) (entity.InventoryRecord, error) {
	var v inventoryView
	if err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(productID)+"/inventory", nil, &v); err != nil {
		return entity.InventoryRecord{}, err
	}
	return v.record(), nil
}

func (c *Client) Reserve(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error) {
	return c.stock(ctx, "reserve", change)
}

func (c *Client) Release(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error) {
	return c.stock(ctx, "release", change)
}

func (c *Client) stock(ctx context.Context, op string, change entity.StockChange) (entity.InventoryRecord, error) {
	var v inventoryView
	path := "/products/" + url.PathEscape(change.ProductID) + "/inventory/" + op
	if err := c.do(ctx, http.MethodPost, path, stockRequest{Quantity: change.Quantity, OrderID: change.OrderID}, &v); err != nil {
		return entity.InventoryRecord{}, err
	}
	return v.record(), nil
}

// clientError is a 4xx answer: final, and not a sign of an unhealthy service.
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := func() (struct{}, error) {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, method, path, payload, out)
		})
		var ce *clientError
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.As(err, &ce):
			return struct{}{}, backoff.Permanent(ce.err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %v", entity.ErrCatalogUnavailable, err))
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Inventory service call failed, retrying",
				zap.String("method", method), zap.String("path", path),
				zap.Duration("retry_in", next), zap.Error(err))
		}),
	)
	if err == nil {
		return nil
	}
	if entity.IsDomain(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", entity.ErrCatalogUnavailable, err)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &clientError{err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p, ok := auth.FromContext(ctx); ok {
		if p.Token != "" {
			req.Header.Set("Authorization", "Bearer "+p.Token)
		}
		req.Header.Set("X-User-ID", p.UserID)
		req.Header.Set("X-User-Roles", auth.JoinRoles(p.Roles))
	}
	observability.InjectHTTP(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("inventory service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return &clientError{err: decodeError(resp.StatusCode, raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &clientError{err: fmt.Errorf("failed to decode inventory response: %w", err)}
		}
	}
	return nil
}

type errorBody struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details"`
}

type stockDetails struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

var knownErrors = map[string]*entity.Error{
	entity.ErrProductNotFound.Code:     entity.ErrProductNotFound,
	entity.ErrInventoryNotFound.Code:   entity.ErrInventoryNotFound,
	entity.ErrNothingReserved.Code:     entity.ErrNothingReserved,
	entity.ErrReservationMismatch.Code: entity.ErrReservationMismatch,
	entity.ErrReservationRevoked.Code:  entity.ErrReservationRevoked,
	entity.ErrReservationClosed.Code:   entity.ErrReservationClosed,
	entity.ErrInvalidQuantity.Code:     entity.ErrInvalidQuantity,
	entity.ErrNegativeStock.Code:       entity.ErrNegativeStock,
}

// decodeError turns an inventory service error answer back into the taxonomy.
func decodeError(status int, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	if body.Code == "insufficient_stock" {
		var d stockDetails
		_ = json.Unmarshal(body.Details, &d)
		return &entity.InsufficientStockError{ProductID: d.ProductID, Available: d.Available, Requested: d.Requested}
	}
	if known, ok := knownErrors[body.Code]; ok {
		return known
	}

	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := body.Code
	switch status {
	case http.StatusNotFound:
		return entity.ErrProductNotFound
	case http.StatusUnauthorized:
		return entity.NewError(entity.ErrUnauthorized, orDefault(code, "unauthenticated"), "%s", msg)
	case http.StatusForbidden:
		return entity.NewError(entity.ErrForbidden, orDefault(code, "forbidden"), "%s", msg)
	case http.StatusConflict:
		return entity.NewError(entity.ErrConflict, orDefault(code, "conflict"), "%s", msg)
	default:
		return entity.NewError(entity.ErrValidation, orDefault(code, "validation_error"), "%s", msg)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
