package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog view the order side needs: identity, SKU and current price.
type Product struct {
	ID          string          `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Category    string          `json:"category,omitempty"`
}

// InventoryRecord holds a product's stock counters. 0 <= Reserved <= Stock always holds.
type InventoryRecord struct {
	ProductID string    `json:"product_id"`
	Stock     int       `json:"stock"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the stock that can still be reserved.
func (r InventoryRecord) Available() int {
	return r.Stock - r.Reserved
}

// InventoryView is the wire shape of an inventory record.
type InventoryView struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
}

func (r InventoryRecord) View() InventoryView {
	return InventoryView{ProductID: r.ProductID, Stock: r.Stock, Reserved: r.Reserved, Available: r.Available()}
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationReleased  ReservationStatus = "released"
	ReservationCompleted ReservationStatus = "completed"
	ReservationRevoked   ReservationStatus = "revoked"
)

// Reservation is the per-order hold behind a share of InventoryRecord.Reserved.
type Reservation struct {
	OrderID   string            `json:"order_id"`
	ProductID string            `json:"product_id"`
	Quantity  int               `json:"quantity"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StockChange is the input to every ledger mutation.
type StockChange struct {
	ProductID string
	Quantity  int
	OrderID   string
}

// AdjustResult reports an adjustment and the reservations it revoked.
type AdjustResult struct {
	Record  InventoryRecord
	Revoked []Reservation
}
