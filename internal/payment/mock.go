package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
)

// Mock is a deterministic in-process gateway. By default every charge and
// refund succeeds.
type Mock struct {
	mu        sync.Mutex
	decline   bool
	hold      bool
	chargeErr error
	refundErr error
	charges   []ChargeRequest
	refunds   []RefundRequest
	now       func() time.Time
}

func NewMock() *Mock {
	return &Mock{now: time.Now}
}

// Decline makes subsequent charges fail with a card-declined result.
func (m *Mock) Decline(decline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decline = decline
}

// Hold makes subsequent charges come back pending, as an asynchronous
// capture would.
func (m *Mock) Hold(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// FailCharges makes subsequent charges return err. Pass nil to recover.
func (m *Mock) FailCharges(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeErr = err
}

// FailRefunds makes subsequent refunds return err. Pass nil to recover.
func (m *Mock) FailRefunds(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundErr = err
}

func (m *Mock) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.charges = append(m.charges, req)
	if m.chargeErr != nil {
		return ChargeResult{}, m.chargeErr
	}
	if m.decline {
		return ChargeResult{Status: entity.PaymentFailed, FailureReason: "card_declined"}, nil
	}
	status := entity.PaymentSucceeded
	if m.hold {
		status = entity.PaymentPending
	}
	return ChargeResult{
		TransactionID: fmt.Sprintf("mock_txn_%s_%d", req.OrderID, m.now().UnixMilli()),
		Status:        status,
	}, nil
}

func (m *Mock) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refunds = append(m.refunds, req)
	if m.refundErr != nil {
		return RefundResult{}, m.refundErr
	}
	return RefundResult{
		RefundID: fmt.Sprintf("mock_refund_%s_%d", req.TransactionID, m.now().UnixMilli()),
		Status:   entity.PaymentRefunded,
	}, nil
}

// Charges returns every charge request received so far.
func (m *Mock) Charges() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.charges...)
}

// Refunds returns every refund request received so far.
func (m *Mock) Refunds() []RefundRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RefundRequest(nil), m.refunds...)
}
