package memory

import (
	"context"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type paymentRepository struct {
	s *Store
}

func NewPaymentRepository(s *Store) repository.PaymentRepository {
	return &paymentRepository{s: s}
}

func (r *paymentRepository) Create(ctx context.Context, p *entity.Payment) error {
	return r.s.do(ctx, func(st *state) error {
		for _, existing := range st.payments {
			if existing.IdempotencyKey == p.IdempotencyKey {
				return entity.NewError(entity.ErrConflict, "duplicate_payment", "payment with idempotency key %s already exists", p.IdempotencyKey)
			}
		}
		st.payments = append(st.payments, *p)
		return nil
	})
}

func (r *paymentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*entity.Payment, error) {
	var out *entity.Payment
	err := r.s.do(ctx, func(st *state) error {
		for _, p := range st.payments {
			if p.IdempotencyKey == key {
				out = &p
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]entity.Payment, error) {
	var out []entity.Payment
	err := r.s.do(ctx, func(st *state) error {
		for _, p := range st.payments {
			if p.OrderID == orderID {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (r *paymentRepository) Update(ctx context.Context, p *entity.Payment) error {
	return r.s.do(ctx, func(st *state) error {
		for i := range st.payments {
			if st.payments[i].ID != p.ID {
				continue
			}
			cur := &st.payments[i]
			cur.Status = p.Status
			cur.TransactionID = p.TransactionID
			cur.RefundID = p.RefundID
			cur.FailureReason = p.FailureReason
			cur.UpdatedAt = p.UpdatedAt
			return nil
		}
		return entity.ErrPaymentNotFound
	})
}
