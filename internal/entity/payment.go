package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

const DefaultPaymentMethod = "card"

// AmountTolerance is the largest difference accepted between a payment amount and the order total.
var AmountTolerance = decimal.New(1, -2)

// Payment is one charge attempt, anchored by its idempotency key.
type Payment struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	Status         PaymentStatus   `json:"status"`
	Method         string          `json:"payment_method"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	RefundID       string          `json:"refund_id,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PaymentResult is what the payment endpoint returns, first time and on replay.
type PaymentResult struct {
	PaymentID     string          `json:"payment_id"`
	OrderID       string          `json:"order_id"`
	TransactionID string          `json:"transaction_id"`
	Status        PaymentStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	OrderStatus   OrderStatus     `json:"order_status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Result projects a stored payment into the caller-facing shape.
func (p *Payment) Result(orderStatus OrderStatus) PaymentResult {
	txn := p.TransactionID
	if txn == "" {
		txn = "pending"
	}
	return PaymentResult{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		TransactionID: txn,
		Status:        p.Status,
		Amount:        p.Amount,
		PaymentMethod: p.Method,
		OrderStatus:   orderStatus,
		CreatedAt:     p.CreatedAt,
	}
}

// AmountMatches reports whether got is within AmountTolerance of expected.
func AmountMatches(expected, got decimal.Decimal) bool {
	return expected.Sub(got).Abs().LessThanOrEqual(AmountTolerance)
}

// PaymentRequest carries the caller's payment intent.
type PaymentRequest struct {
	IdempotencyKey string           `json:"idempotency_key"`
	PaymentMethod  string           `json:"payment_method,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
}
