package memory

import (
	"context"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/google/uuid"
)

type orderRepository struct {
	s *Store
}

func NewOrderRepository(s *Store) repository.OrderRepository {
	return &orderRepository{s: s}
}

func (r *orderRepository) Create(ctx context.Context, order *entity.Order) error {
	return r.s.do(ctx, func(st *state) error {
		if _, exists := st.orders[order.ID]; exists {
			return entity.NewError(entity.ErrConflict, "order_exists", "order %s already exists", order.ID)
		}
		for i := range order.Items {
			if order.Items[i].ID == "" {
				order.Items[i].ID = uuid.NewString()
			}
		}
		if len(order.History) == 0 {
			order.History = []entity.StatusHistory{{OrderID: order.ID, Status: order.Status, Timestamp: order.CreatedAt}}
		}
		st.orders[order.ID] = copyOrder(order)
		st.orderSeq = append(st.orderSeq, order.ID)
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	var out *entity.Order
	err := r.s.do(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return entity.ErrOrderNotFound
		}
		out = copyOrder(o)
		return nil
	})
	return out, err
}

// GetForUpdate is Get: a memory transaction already excludes every other writer.
func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	return r.Get(ctx, id)
}

func (r *orderRepository) List(ctx context.Context, filter entity.OrderFilter) ([]entity.Order, int, error) {
	var (
		page  []entity.Order
		total int
	)
	err := r.s.do(ctx, func(st *state) error {
		var matched []*entity.Order
		for i := len(st.orderSeq) - 1; i >= 0; i-- {
			o := st.orders[st.orderSeq[i]]
			if filter.UserID != "" && o.UserID != filter.UserID {
				continue
			}
			if filter.Status != "" && o.Status != filter.Status {
				continue
			}
			matched = append(matched, o)
		}
		total = len(matched)

		start := min(filter.Offset, total)
		end := total
		if filter.Limit > 0 {
			end = min(start+filter.Limit, total)
		}
		page = make([]entity.Order, 0, end-start)
		for _, o := range matched[start:end] {
			page = append(page, *copyOrder(o))
		}
		return nil
	})
	return page, total, err
}

func (r *orderRepository) UpdateStatus(ctx context.Context, id string, status entity.OrderStatus, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return entity.ErrOrderNotFound
		}
		o.Status = status
		o.UpdatedAt = at
		o.History = append(o.History, entity.StatusHistory{OrderID: id, Status: status, Timestamp: at})
		return nil
	})
}
