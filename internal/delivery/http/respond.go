// Package http exposes the order and inventory services over JSON/HTTP.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorWriter maps the error taxonomy to status codes. Running out of stock
// is the caller's problem on order creation and a conflict on the ledger.
type errorWriter struct {
	outOfStock int
	logger     *zap.Logger
}

func (ew errorWriter) write(w http.ResponseWriter, r *http.Request, err error) {
	status := ew.status(err)
	body := errorResponse{
		Error:     publicMessage(err),
		Code:      entity.CodeOf(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details(err),
	}
	switch status {
	case http.StatusServiceUnavailable:
		ew.logger.Warn("Upstream unavailable",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	case http.StatusInternalServerError:
		ew.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		body.Error = "internal server error"
		body.Code = "internal_error"
	}
	writeJSON(w, status, body)
}

// publicMessage returns the message of the classified error inside err.
// Wrapping context added on the way up stays in the logs.
func publicMessage(err error) string {
	var classified interface {
		error
		ErrorCode() string
	}
	if errors.As(err, &classified) {
		return classified.Error()
	}
	for _, kind := range []error{
		entity.ErrValidation, entity.ErrNotFound, entity.ErrConflict, entity.ErrForbidden,
		entity.ErrUnauthorized, entity.ErrOutOfStock, entity.ErrInsufficientReservation,
		entity.ErrInvalidTransition, entity.ErrAmountMismatch, entity.ErrUpstreamUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal server error"
}

func (ew errorWriter) status(err error) int {
	switch {
	case errors.Is(err, entity.ErrInvalidCancel):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrOutOfStock):
		return ew.outOfStock
	case errors.Is(err, entity.ErrValidation),
		errors.Is(err, entity.ErrInvalidTransition),
		errors.Is(err, entity.ErrAmountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, entity.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrConflict),
		errors.Is(err, entity.ErrInsufficientReservation):
		return http.StatusConflict
	case errors.Is(err, entity.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func details(err error) any {
	var stock *entity.InsufficientStockError
	if errors.As(err, &stock) {
		return map[string]any{
			"product_id": stock.ProductID,
			"available":  stock.Available,
			"requested":  stock.Requested,
		}
	}
	var tr *entity.InvalidTransitionError
	if errors.As(err, &tr) {
		allowed := tr.Allowed
		if allowed == nil {
			allowed = []entity.OrderStatus{}
		}
		return map[string]any{"from": tr.From, "to": tr.To, "allowed": allowed}
	}
	var amount *entity.AmountMismatchError
	if errors.As(err, &amount) {
		return map[string]any{
			"expected": amount.Expected.StringFixed(2),
			"got":      amount.Got.StringFixed(2),
		}
	}
	return nil
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return entity.Validationf("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, entity.Validationf("%s must be an integer", key)
	}
	return n, nil
}
