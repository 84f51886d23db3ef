package entity

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is a state in the order lifecycle.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusPaid       OrderStatus = "paid"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

var statusTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:    {StatusConfirmed, StatusPaid, StatusCancelled},
	StatusConfirmed:  {StatusPaid, StatusShipped, StatusCancelled},
	StatusPaid:       {StatusProcessing, StatusShipped},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []OrderStatus {
	return []OrderStatus{
		StatusPending, StatusConfirmed, StatusPaid, StatusProcessing,
		StatusShipped, StatusDelivered, StatusCancelled,
	}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(raw)
	if _, ok := statusTransitions[s]; !ok {
		return "", ErrUnknownStatus
	}
	return s, nil
}

// AllowedTransitions returns the statuses reachable from s in one step.
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	return slices.Clone(statusTransitions[s])
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return slices.Contains(statusTransitions[s], to)
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Cancellable reports whether a customer-initiated cancel is allowed.
func (s OrderStatus) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// ValidateTransition returns nil when from -> to is allowed or a no-op.
func ValidateTransition(from, to OrderStatus) error {
	if _, ok := statusTransitions[to]; !ok {
		return ErrUnknownStatus
	}
	if from == to || from.CanTransition(to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to, Allowed: from.AllowedTransitions()}
}

// OrderItem is a line item with price and SKU captured at order time.
type OrderItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
}

// LineTotal is unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// StatusHistory is one append-only audit entry.
type StatusHistory struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// Order represents a customer order.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Status    OrderStatus     `json:"status"`
	Total     decimal.Decimal `json:"total"`
	Items     []OrderItem     `json:"items"`
	History   []StatusHistory `json:"status_history,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ComputeTotal sums the line totals, rounded to cents.
func ComputeTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total.Round(2)
}

// CartItem is a requested line before pricing.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// OrderFilter narrows a paginated order listing.
type OrderFilter struct {
	UserID string
	Status OrderStatus
	Offset int
	Limit  int
}

// Page normalises pagination input.
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// NewPage clamps page and limit to their valid ranges.
func NewPage(page, limit int) Page {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	return Page{Page: page, Limit: limit}
}

func (p Page) Offset() int { return (p.Page - 1) * p.Limit }

// WithTotal fills Total and Pages.
func (p Page) WithTotal(total int) Page {
	p.Total = total
	p.Pages = (total + p.Limit - 1) / p.Limit
	return p
}
