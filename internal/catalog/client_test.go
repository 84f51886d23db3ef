package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(url string, retries int) *Client {
	return NewClient(Config{
		BaseURL:              url,
		Timeout:              time.Second,
		MaxRetries:           retries,
		RetryInitialInterval: time.Millisecond,
	}, zap.NewNop())
}

func TestReserve_PropagatesPrincipal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/products/p1/inventory/reserve", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		assert.Equal(t, "Customer", r.Header.Get("X-User-Roles"))

		var body stockRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, stockRequest{Quantity: 2, OrderID: "o1"}, body)
		_ = json.NewEncoder(w).Encode(inventoryView{ProductID: "p1", Stock: 5, Reserved: 2})
	}))
	defer srv.Close()

	ctx := auth.WithPrincipal(context.Background(), auth.Principal{UserID: "u1", Roles: []auth.Role{auth.RoleCustomer}, Token: "tok"})
	rec, err := newTestClient(srv.URL, 0).Reserve(ctx, entity.StockChange{ProductID: "p1", Quantity: 2, OrderID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Available())
}

func TestGetProduct_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(entity.Product{ID: "p1", SKU: "SKU-1", Name: "Widget"})
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL, 3).GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "SKU-1", p.SKU)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGetProduct_ExhaustedRetriesAreUpstreamUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).GetProduct(context.Background(), "p1")
	assert.ErrorIs(t, err, entity.ErrUpstreamUnavailable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientErrors_AreMappedAndNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error":"product not found","code":"product_not_found"}`,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, entity.ErrProductNotFound) },
		},
		{
			name:   "insufficient stock",
			status: http.StatusConflict,
			body:   `{"error":"insufficient stock","code":"insufficient_stock","details":{"product_id":"p1","available":1,"requested":2}}`,
			check: func(t *testing.T, err error) {
				var stockErr *entity.InsufficientStockError
				require.ErrorAs(t, err, &stockErr)
				assert.Equal(t, 1, stockErr.Available)
				assert.Equal(t, 2, stockErr.Requested)
			},
		},
		{
			name:   "insufficient reservation",
			status: http.StatusConflict,
			body:   `{"error":"nothing reserved","code":"insufficient_reservation"}`,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, entity.ErrInsufficientReservation) },
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":"quantity must be greater than zero","code":"invalid_quantity"}`,
			check:  func(t *testing.T, err error) { assert.ErrorIs(t, err, entity.ErrValidation) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, 3).Reserve(context.Background(), entity.StockChange{ProductID: "p1", Quantity: 2})
			require.Error(t, err)
			tt.check(t, err)
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	for range 5 {
		_, err := c.GetInventory(context.Background(), "p1")
		require.ErrorIs(t, err, entity.ErrUpstreamUnavailable)
	}
	require.EqualValues(t, 5, calls.Load())

	_, err := c.GetInventory(context.Background(), "p1")
	assert.ErrorIs(t, err, entity.ErrCatalogUnavailable)
	assert.EqualValues(t, 5, calls.Load(), "open breaker must not reach the server")
}
