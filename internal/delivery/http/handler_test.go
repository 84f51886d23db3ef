package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/egannguyen/order-saga/internal/app"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/payment"
	"github.com/egannguyen/order-saga/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, any) error { return nil }

type identity struct {
	user  string
	roles string
}

var (
	anonymous = identity{}
	alice     = identity{user: "alice", roles: "Customer"}
	bob       = identity{user: "bob", roles: "Customer"}
	vendor    = identity{user: "vendor-1", roles: "Vendor"}
	admin     = identity{user: "root", roles: "Admin"}
)

type APISuite struct {
	suite.Suite
	gateway   *payment.Mock
	orders    http.Handler
	inventory http.Handler
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	logger := zap.NewNop()
	ctx := context.Background()

	invStore := memory.NewStore()
	products := []entity.Product{
		{ID: "p1", SKU: "SKU-P1", Name: "Widget", Price: decimal.RequireFromString("10.00")},
		{ID: "p2", SKU: "SKU-P2", Name: "Gadget", Price: decimal.RequireFromString("2.50")},
	}
	s.Require().NoError(memory.NewProductRepository(invStore).Seed(ctx, products, map[string]int{"p1": 5, "p2": 100}))
	inv := app.NewInventory(app.MemoryInventoryStorage(invStore), discardPublisher{}, 0, logger)

	s.gateway = payment.NewMock()
	orders := app.NewOrders(app.MemoryOrderStorage(memory.NewStore()), inv.Service, s.gateway, discardPublisher{}, app.Intervals{}, logger)

	s.orders = NewServer(":0", "orders", logger, NewHandler(orders.Service, logger)).Handler
	s.inventory = NewServer(":0", "inventory", logger, NewInventoryHandler(inv.Service, logger)).Handler
}

func (s *APISuite) call(h http.Handler, who identity, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.user != "" {
		req.Header.Set("X-User-ID", who.user)
		req.Header.Set("X-User-Roles", who.roles)
		req.Header.Set("Authorization", "Bearer token-"+who.user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (s *APISuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *APISuite) errorCode(rec *httptest.ResponseRecorder) string {
	var body errorResponse
	s.decode(rec, &body)
	s.NotEmpty(body.Timestamp)
	return body.Code
}

func (s *APISuite) createOrder(who identity, items ...entity.CartItem) entity.Order {
	rec := s.call(s.orders, who, http.MethodPost, "/api/v1/orders", CreateOrderRequest{Items: items})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var order entity.Order
	s.decode(rec, &order)
	return order
}

func (s *APISuite) TestCreateOrder() {
	order := s.createOrder(alice,
		entity.CartItem{ProductID: "p1", Quantity: 2},
		entity.CartItem{ProductID: "p2", Quantity: 4})

	s.Equal(entity.StatusPending, order.Status)
	s.Equal("alice", order.UserID)
	s.Equal("30.00", order.Total.StringFixed(2))
	s.Len(order.Items, 2)
}

func (s *APISuite) TestCreateOrder_RequiresCustomer() {
	rec := s.call(s.orders, anonymous, http.MethodPost, "/api/v1/orders", CreateOrderRequest{})
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal("unauthenticated", s.errorCode(rec))

	rec = s.call(s.orders, vendor, http.MethodPost, "/api/v1/orders",
		CreateOrderRequest{Items: []entity.CartItem{{ProductID: "p1", Quantity: 1}}})
	s.Equal(http.StatusForbidden, rec.Code)
}

func (s *APISuite) TestCreateOrder_Rejections() {
	rec := s.call(s.orders, alice, http.MethodPost, "/api/v1/orders",
		CreateOrderRequest{Items: []entity.CartItem{{ProductID: "p1", Quantity: 6}}})
	s.Equal(http.StatusBadRequest, rec.Code)
	var body struct {
		Code    string `json:"code"`
		Details struct {
			ProductID string `json:"product_id"`
			Available int    `json:"available"`
			Requested int    `json:"requested"`
		} `json:"details"`
	}
	s.decode(rec, &body)
	s.Equal("insufficient_stock", body.Code)
	s.Equal("p1", body.Details.ProductID)
	s.Equal(5, body.Details.Available)
	s.Equal(6, body.Details.Requested)

	rec = s.call(s.orders, alice, http.MethodPost, "/api/v1/orders", CreateOrderRequest{})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("empty_order", s.errorCode(rec))

	rec = s.call(s.orders, alice, http.MethodPost, "/api/v1/orders",
		CreateOrderRequest{Items: []entity.CartItem{{ProductID: "missing", Quantity: 1}}})
	s.Equal(http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString("{"))
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Roles", "Customer")
	raw := httptest.NewRecorder()
	s.orders.ServeHTTP(raw, req)
	s.Equal(http.StatusBadRequest, raw.Code)
}

func (s *APISuite) TestGetOrder_Ownership() {
	order := s.createOrder(alice, entity.CartItem{ProductID: "p1", Quantity: 1})

	s.Equal(http.StatusOK, s.call(s.orders, alice, http.MethodGet, "/api/v1/orders/"+order.ID, nil).Code)
	s.Equal(http.StatusOK, s.call(s.orders, admin, http.MethodGet, "/api/v1/orders/"+order.ID, nil).Code)

	rec := s.call(s.orders, bob, http.MethodGet, "/api/v1/orders/"+order.ID, nil)
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal("order_access_denied", s.errorCode(rec))

	rec = s.call(s.orders, alice, http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *APISuite) TestListOrders_Paginates() {
	for range 3 {
		s.createOrder(alice, entity.CartItem{ProductID: "p2", Quantity: 1})
	}
	s.createOrder(bob, entity.CartItem{ProductID: "p2", Quantity: 1})

	rec := s.call(s.orders, alice, http.MethodGet, "/api/v1/orders?page=2&limit=2", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var list ListOrdersResponse
	s.decode(rec, &list)
	s.Len(list.Orders, 1)
	s.Equal(entity.Page{Page: 2, Limit: 2, Total: 3, Pages: 2}, list.Pagination)

	rec = s.call(s.orders, admin, http.MethodGet, "/api/v1/orders?limit=500", nil)
	s.decode(rec, &list)
	s.Equal(4, list.Pagination.Total)
	s.Equal(10, list.Pagination.Limit)

	rec = s.call(s.orders, alice, http.MethodGet, "/api/v1/orders?page=x", nil)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *APISuite) TestPayment_SucceedsAndReplays() {
	order := s.createOrder(alice, entity.CartItem{ProductID: "p1", Quantity: 2})
	path := "/api/v1/orders/" + order.ID + "/payment"
	req := entity.PaymentRequest{IdempotencyKey: "key-1"}

	first := s.call(s.orders, alice, http.MethodPost, path, req)
	s.Require().Equal(http.StatusOK, first.Code, first.Body.String())
	var res entity.PaymentResult
	s.decode(first, &res)
	s.Equal(entity.PaymentSucceeded, res.Status)
	s.Equal(entity.StatusPaid, res.OrderStatus)
	s.Equal("card", res.PaymentMethod)

	again := s.call(s.orders, alice, http.MethodPost, path, req)
	s.Equal(http.StatusOK, again.Code)
	var replay entity.PaymentResult
	s.decode(again, &replay)
	s.Equal(res.PaymentID, replay.PaymentID)
	s.Len(s.gateway.Charges(), 1)

	rec := s.call(s.orders, alice, http.MethodPost, path, entity.PaymentRequest{IdempotencyKey: "key-2"})
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("order_already_paid", s.errorCode(rec))

	rec = s.call(s.orders, alice, http.MethodGet, "/api/v1/orders/"+order.ID+"/payments", nil)
	var pays struct {
		Payments []entity.Payment `json:"payments"`
	}
	s.decode(rec, &pays)
	s.Len(pays.Payments, 1)
}

func (s *APISuite) TestPayment_DeclineIsPaymentRequired() {
	order := s.createOrder(alice, entity.CartItem{ProductID: "p1", Quantity: 1})
	path := "/api/v1/orders/" + order.ID + "/payment"
	s.gateway.Decline(true)

	for range 2 {
		rec := s.call(s.orders, alice, http.MethodPost, path, entity.PaymentRequest{IdempotencyKey: "declined"})
		s.Equal(http.StatusPaymentRequired, rec.Code)
		var res entity.PaymentResult
		s.decode(rec, &res)
		s.Equal(entity.PaymentFailed, res.Status)
	}
	s.Len(s.gateway.Charges(), 1)
}

func (s *APISuite) TestPayment_KeyFromHeaderAndValidation() {
	order := s.createOrder(alice, entity.CartItem{ProductID: "p1", Quantity: 1})
	path := "/api/v1/orders/" + order.ID + "/payment"

	rec := s.call(s.orders, alice, http.MethodPost, path, entity.PaymentRequest{})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("missing_idempotency_key", s.errorCode(rec))

	wrong := decimal.RequireFromString("9.00")
	rec = s.call(s.orders, alice, http.MethodPost, path, entity.PaymentRequest{IdempotencyKey: "k", Amount: &wrong})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("amount_mismatch", s.errorCode(rec))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString("{}"))
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("Idempotency-Key", "from-header")
	ok := httptest.NewRecorder()
	s.orders.ServeHTTP(ok, req)
	s.Equal(http.StatusOK, ok.Code, ok.Body.String())
}

func (s *APISuite) TestUpdateStatusAndCancel() {
	order := s.createOrder(alice, entity.CartItem{ProductID: "p1", Quantity: 1})
	status := "/api/v1/orders/" + order.ID + "/status"

	s.Equal(http.StatusForbidden, s.call(s.orders, alice, http.MethodPut, status, UpdateStatusRequest{Status: "confirmed"}).Code)

	rec := s.call(s.orders, vendor, http.MethodPut, status, UpdateStatusRequest{Status: "delivered"})
	s.Equal(http.StatusBadRequest, rec.Code)
	var body struct {
		Code    string `json:"code"`
		Details struct {
			Allowed []entity.OrderStatus `json:"allowed"`
		} `json:"details"`
	}
	s.decode(rec, &body)
	s.Equal("invalid_transition", body.Code)
	s.Equal([]entity.OrderStatus{entity.StatusConfirmed, entity.StatusPaid, entity.StatusCancelled}, body.Details.Allowed)

	rec = s.call(s.orders, admin, http.MethodPut, status, UpdateStatusRequest{Status: "bogus"})
	s.Equal("unknown_status", s.errorCode(rec))

	rec = s.call(s.orders, vendor, http.MethodPut, status, UpdateStatusRequest{Status: "paid"})
	s.Require().Equal(http.StatusOK, rec.Code)

	cancel := "/api/v1/orders/" + order.ID + "/cancel"
	rec = s.call(s.orders, alice, http.MethodPost, cancel, nil)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("invalid_cancel", s.errorCode(rec))

	other := s.createOrder(alice, entity.CartItem{ProductID: "p1", Quantity: 1})
	rec = s.call(s.orders, alice, http.MethodPost, "/api/v1/orders/"+other.ID+"/cancel", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var cancelled entity.Order
	s.decode(rec, &cancelled)
	s.Equal(entity.StatusCancelled, cancelled.Status)
}

func (s *APISuite) TestInventoryAPI() {
	rec := s.call(s.inventory, alice, http.MethodGet, "/api/v1/products", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var products []entity.Product
	s.decode(rec, &products)
	s.Len(products, 2)

	s.Equal(http.StatusNotFound, s.call(s.inventory, alice, http.MethodGet, "/api/v1/products/nope", nil).Code)

	reserve := "/api/v1/products/p1/inventory/reserve"
	rec = s.call(s.inventory, alice, http.MethodPost, reserve, StockRequest{Quantity: 3, OrderID: "o1"})
	s.Require().Equal(http.StatusOK, rec.Code)
	var view entity.InventoryView
	s.decode(rec, &view)
	s.Equal(entity.InventoryView{ProductID: "p1", Stock: 5, Reserved: 3, Available: 2}, view)

	rec = s.call(s.inventory, alice, http.MethodPost, reserve, StockRequest{Quantity: 3, OrderID: "o2"})
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("insufficient_stock", s.errorCode(rec))

	rec = s.call(s.inventory, alice, http.MethodPost, "/api/v1/products/p1/inventory/release", StockRequest{Quantity: 4})
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("insufficient_reservation", s.errorCode(rec))

	deduct := "/api/v1/products/p1/inventory/deduct"
	s.Equal(http.StatusForbidden, s.call(s.inventory, alice, http.MethodPost, deduct, StockRequest{Quantity: 3, OrderID: "o1"}).Code)
	s.Equal(http.StatusOK, s.call(s.inventory, vendor, http.MethodPost, deduct, StockRequest{Quantity: 3, OrderID: "o1"}).Code)

	rec = s.call(s.inventory, alice, http.MethodGet, "/api/v1/products/p1/inventory", nil)
	s.decode(rec, &view)
	s.Equal(entity.InventoryView{ProductID: "p1", Stock: 2, Reserved: 0, Available: 2}, view)
}

func (s *APISuite) TestInventoryAdjust() {
	for _, id := range []string{"o1", "o2"} {
		rec := s.call(s.inventory, alice, http.MethodPost, "/api/v1/products/p1/inventory/reserve", StockRequest{Quantity: 2, OrderID: id})
		s.Require().Equal(http.StatusOK, rec.Code)
	}

	adjust := "/api/v1/products/p1/inventory"
	s.Equal(http.StatusForbidden, s.call(s.inventory, alice, http.MethodPost, adjust, AdjustRequest{Delta: -2}).Code)

	rec := s.call(s.inventory, admin, http.MethodPost, adjust, AdjustRequest{Delta: -2})
	s.Require().Equal(http.StatusOK, rec.Code)
	var res AdjustResponse
	s.decode(rec, &res)
	s.Equal(3, res.Inventory.Stock)
	s.Equal(2, res.Inventory.Reserved)
	s.Require().Len(res.Revoked, 1)
	s.Equal("o2", res.Revoked[0].OrderID)

	rec = s.call(s.inventory, admin, http.MethodPost, adjust, AdjustRequest{Delta: -10})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("negative_stock", s.errorCode(rec))
}

func TestErrorWriter_HidesUnclassifiedErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	errorWriter{logger: zap.NewNop()}.write(rec, req, errors.New("pq: connection reset by peer"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body.Error)
	assert.Equal(t, "internal_error", body.Code)
}

func TestErrorWriter_ShowsOnlyTheClassifiedMessage(t *testing.T) {
	dial := errors.New(`Get "http://127.0.0.1:1/api/v1/products/p1": dial tcp 127.0.0.1:1: connect: connection refused`)
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "wrapped upstream",
			err:     fmt.Errorf("failed to look up product p1: %w", fmt.Errorf("%w: %w", entity.ErrCatalogUnavailable, dial)),
			status:  http.StatusServiceUnavailable,
			code:    "catalog_unavailable",
			message: "inventory service is unavailable",
		},
		{
			name:    "wrapped typed error",
			err:     fmt.Errorf("failed to reserve: %w", &entity.InsufficientStockError{ProductID: "p1", Available: 1, Requested: 2}),
			status:  http.StatusBadRequest,
			code:    "insufficient_stock",
			message: "insufficient stock for product p1 (available: 1, requested: 2)",
		},
		{
			name:    "bare class",
			err:     fmt.Errorf("gateway timeout after 3 attempts: %w", entity.ErrUpstreamUnavailable),
			status:  http.StatusServiceUnavailable,
			code:    "upstream_unavailable",
			message: "upstream unavailable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
			errorWriter{outOfStock: http.StatusBadRequest, logger: zap.NewNop()}.write(rec, req, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, tc.message, body.Error)
			assert.NotContains(t, rec.Body.String(), "dial tcp")
		})
	}
}

func TestErrorWriter_StatusMapping(t *testing.T) {
	ew := errorWriter{outOfStock: http.StatusConflict, logger: zap.NewNop()}
	cases := map[error]int{
		entity.ErrInvalidQuantity:     http.StatusBadRequest,
		entity.ErrMissingPrincipal:    http.StatusUnauthorized,
		entity.ErrOrderAccessDenied:   http.StatusForbidden,
		entity.ErrOrderNotFound:       http.StatusNotFound,
		entity.ErrReservationMismatch: http.StatusConflict,
		entity.ErrNothingReserved:     http.StatusConflict,
		entity.ErrCatalogUnavailable:  http.StatusServiceUnavailable,
		entity.ErrInvalidCancel:       http.StatusBadRequest,
		&entity.InsufficientStockError{ProductID: "p"}: http.StatusConflict,
		&entity.AmountMismatchError{}:                   http.StatusBadRequest,
	}
	for err, want := range cases {
		assert.Equal(t, want, ew.status(err), entity.CodeOf(err))
	}
}

func TestHealth(t *testing.T) {
	mux := http.NewServeMux()
	NewHealth(map[string]Check{
		"db":  func(context.Context) error { return nil },
		"bus": func(context.Context) error { return errors.New("no brokers") },
	}).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Checks["db"])
	assert.Equal(t, "no brokers", body.Checks["bus"])
}
