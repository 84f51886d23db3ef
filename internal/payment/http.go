package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPGateway calls a card processor's REST API. Every request carries an
// Idempotency-Key so retries never double charge.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries uint
	logger     *zap.Logger
}

type HTTPGatewayConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

func NewHTTPGateway(cfg HTTPGatewayConfig, logger *zap.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: uint(cfg.MaxRetries),
		logger:     logger,
	}
}

type chargeBody struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"payment_method"`
}

type chargeResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

type refundBody struct {
	ChargeID string           `json:"charge_id"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var resp chargeResponse
	status, err := g.post(ctx, "/v1/charges", req.IdempotencyKey, chargeBody{
		OrderID: req.OrderID, Amount: req.Amount, Method: req.Method,
	}, &resp)
	if err != nil {
		return ChargeResult{}, err
	}

	if status == http.StatusPaymentRequired || resp.Status == "failed" || resp.Status == "declined" {
		reason := resp.FailureReason
		if reason == "" {
			reason = "card_declined"
		}
		return ChargeResult{TransactionID: resp.ID, Status: entity.PaymentFailed, FailureReason: reason}, nil
	}
	if resp.Status == "pending" {
		return ChargeResult{TransactionID: resp.ID, Status: entity.PaymentPending}, nil
	}
	return ChargeResult{TransactionID: resp.ID, Status: entity.PaymentSucceeded}, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = "refund-" + req.TransactionID
	}
	var resp refundResponse
	if _, err := g.post(ctx, "/v1/refunds", key, refundBody{ChargeID: req.TransactionID, Amount: req.Amount}, &resp); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{RefundID: resp.ID, Status: entity.PaymentRefunded}, nil
}

// post sends body and decodes a 2xx or 402 answer into out. 5xx and network
// errors are retried; other 4xx answers are permanent.
func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	operation := func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		if g.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.apiKey)
		}
		observability.InjectHTTP(ctx, req.Header)

		resp, err := g.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return 0, err
		}

		switch {
		case resp.StatusCode >= 500:
			return 0, fmt.Errorf("gateway returned %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode != http.StatusPaymentRequired:
			return 0, backoff.Permanent(fmt.Errorf("gateway rejected request with %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return 0, backoff.Permanent(fmt.Errorf("failed to decode gateway response: %w", err))
			}
		}
		return resp.StatusCode, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(g.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("Payment gateway call failed, retrying",
				zap.String("path", path), zap.Duration("retry_in", next), zap.Error(err))
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", entity.ErrGatewayUnavailable, err)
	}
	return status, nil
}
