package http

import (
	"net/http"
	"strings"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/service"
	"go.uber.org/zap"
)

// Handler serves the order service API.
type Handler struct {
	orderSvc *service.OrderService
	errs     errorWriter
	logger   *zap.Logger
}

func NewHandler(orderSvc *service.OrderService, logger *zap.Logger) *Handler {
	return &Handler{
		orderSvc: orderSvc,
		errs:     errorWriter{outOfStock: http.StatusBadRequest, logger: logger},
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	a := h.errs.authenticated
	mux.HandleFunc("POST /api/v1/orders", a(h.handleCreateOrder, auth.RoleCustomer))
	mux.HandleFunc("GET /api/v1/orders", a(h.handleListOrders))
	mux.HandleFunc("GET /api/v1/orders/{id}", a(h.handleGetOrder))
	mux.HandleFunc("PUT /api/v1/orders/{id}/status", a(h.handleUpdateStatus, auth.RoleAdmin, auth.RoleVendor))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", a(h.handleCancelOrder))
	mux.HandleFunc("POST /api/v1/orders/{id}/payment", a(h.handleProcessPayment))
	mux.HandleFunc("GET /api/v1/orders/{id}/payments", a(h.handleListPayments))
}

type CreateOrderRequest struct {
	Items []entity.CartItem `json:"items"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}

	order, err := h.orderSvc.CreateOrder(r.Context(), mustPrincipal(r), req.Items)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

type ListOrdersResponse struct {
	Orders     []entity.Order `json:"orders"`
	Pagination entity.Page    `json:"pagination"`
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}

	orders, pg, err := h.orderSvc.ListOrders(r.Context(), mustPrincipal(r), page, limit, r.URL.Query().Get("status"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if orders == nil {
		orders = []entity.Order{}
	}
	writeJSON(w, http.StatusOK, ListOrdersResponse{Orders: orders, Pagination: pg})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderSvc.GetOrder(r.Context(), mustPrincipal(r), r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}

	order, err := h.orderSvc.UpdateStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderSvc.CancelOrder(r.Context(), mustPrincipal(r), r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleProcessPayment answers 402 for a declined charge, on the first call
// and on every replay of the same idempotency key.
func (h *Handler) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req entity.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	res, err := h.orderSvc.ProcessPayment(r.Context(), mustPrincipal(r), r.PathValue("id"), req)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == entity.PaymentFailed {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.orderSvc.ListPayments(r.Context(), mustPrincipal(r), r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if payments == nil {
		payments = []entity.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}
