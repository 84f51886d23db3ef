package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type CompensationKind string

const (
	CompensateRelease CompensationKind = "release"
	CompensateRefund  CompensationKind = "refund"
)

type CompensationStatus string

const (
	CompensationPending    CompensationStatus = "pending"
	CompensationDone       CompensationStatus = "done"
	CompensationSuperseded CompensationStatus = "superseded"
)

// CompensationTask is a durable record of an undo step that has not been confirmed yet.
type CompensationTask struct {
	ID            string             `json:"id"`
	Kind          CompensationKind   `json:"kind"`
	OrderID       string             `json:"order_id"`
	ProductID     string             `json:"product_id,omitempty"`
	Quantity      int                `json:"quantity,omitempty"`
	PaymentID     string             `json:"payment_id,omitempty"`
	Amount        decimal.Decimal    `json:"amount"`
	Reason        string             `json:"reason"`
	Status        CompensationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
