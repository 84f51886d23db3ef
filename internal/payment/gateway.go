// Package payment talks to the card processor. The orchestrator only sees
// the Gateway interface.
package payment

import (
	"context"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/shopspring/decimal"
)

// ChargeRequest asks the processor to capture amount for an order.
type ChargeRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Method         string
	IdempotencyKey string
}

// ChargeResult is the processor's verdict. A declined charge is a result with
// status failed, not an error.
type ChargeResult struct {
	TransactionID string
	Status        entity.PaymentStatus
	FailureReason string
}

// RefundRequest returns money for a captured charge. A nil Amount refunds it in full.
type RefundRequest struct {
	TransactionID  string
	Amount         *decimal.Decimal
	IdempotencyKey string
}

type RefundResult struct {
	RefundID string
	Status   entity.PaymentStatus
}

// Gateway is a payment processor. Errors mean the processor could not be
// reached or answered unexpectedly; they unwrap to entity.ErrUpstreamUnavailable.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
