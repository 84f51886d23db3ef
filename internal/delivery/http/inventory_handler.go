package http

import (
	"context"
	"net/http"

	"github.com/egannguyen/order-saga/internal/auth"
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/service"
	"go.uber.org/zap"
)

// InventoryHandler serves the inventory ledger API.
type InventoryHandler struct {
	inventory *service.InventoryService
	errs      errorWriter
}

func NewInventoryHandler(inventory *service.InventoryService, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		inventory: inventory,
		errs:      errorWriter{outOfStock: http.StatusConflict, logger: logger},
	}
}

func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	a := h.errs.authenticated
	mux.HandleFunc("GET /api/v1/products", a(h.handleListProducts))
	mux.HandleFunc("GET /api/v1/products/{id}", a(h.handleGetProduct))
	mux.HandleFunc("GET /api/v1/products/{id}/inventory", a(h.handleGetInventory))
	mux.HandleFunc("POST /api/v1/products/{id}/inventory/reserve", a(h.stock(h.inventory.Reserve)))
	mux.HandleFunc("POST /api/v1/products/{id}/inventory/release", a(h.stock(h.inventory.Release)))
	mux.HandleFunc("POST /api/v1/products/{id}/inventory/deduct", a(h.stock(h.inventory.CompleteDeduction), auth.RoleAdmin, auth.RoleVendor))
	mux.HandleFunc("POST /api/v1/products/{id}/inventory", a(h.handleAdjust, auth.RoleAdmin, auth.RoleVendor))
}

func (h *InventoryHandler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.inventory.ListProducts(r.Context())
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if products == nil {
		products = []entity.Product{}
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *InventoryHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.inventory.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (h *InventoryHandler) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.inventory.GetInventory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

type StockRequest struct {
	Quantity int    `json:"quantity"`
	OrderID  string `json:"order_id"`
}

func (h *InventoryHandler) stock(op func(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StockRequest
		if err := decodeJSON(r, &req); err != nil {
			h.errs.write(w, r, err)
			return
		}
		rec, err := op(r.Context(), entity.StockChange{ProductID: r.PathValue("id"), Quantity: req.Quantity, OrderID: req.OrderID})
		if err != nil {
			h.errs.write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.View())
	}
}

type AdjustRequest struct {
	Delta int `json:"delta"`
}

type AdjustResponse struct {
	Inventory entity.InventoryView `json:"inventory"`
	Revoked   []entity.Reservation `json:"revoked"`
}

func (h *InventoryHandler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}

	res, err := h.inventory.Adjust(r.Context(), r.PathValue("id"), req.Delta)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	revoked := res.Revoked
	if revoked == nil {
		revoked = []entity.Reservation{}
	}
	writeJSON(w, http.StatusOK, AdjustResponse{Inventory: res.Record.View(), Revoked: revoked})
}
