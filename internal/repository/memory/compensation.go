package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type compensationRepository struct {
	s *Store
}

func NewCompensationRepository(s *Store) repository.CompensationRepository {
	return &compensationRepository{s: s}
}

func (r *compensationRepository) Create(ctx context.Context, t *entity.CompensationTask) error {
	return r.s.do(ctx, func(st *state) error {
		st.tasks = append(st.tasks, *t)
		return nil
	})
}

func (r *compensationRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]entity.CompensationTask, error) {
	var due []entity.CompensationTask
	err := r.s.do(ctx, func(st *state) error {
		for _, t := range st.tasks {
			if t.Status == entity.CompensationPending && !t.NextAttemptAt.After(now) {
				due = append(due, t)
			}
		}
		return nil
	})
	slices.SortStableFunc(due, func(a, b entity.CompensationTask) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, err
}

func (r *compensationRepository) Update(ctx context.Context, t *entity.CompensationTask) error {
	return r.s.do(ctx, func(st *state) error {
		for i := range st.tasks {
			if st.tasks[i].ID != t.ID {
				continue
			}
			cur := &st.tasks[i]
			cur.Status = t.Status
			cur.Attempts = t.Attempts
			cur.LastError = t.LastError
			cur.NextAttemptAt = t.NextAttemptAt
			cur.UpdatedAt = t.UpdatedAt
			return nil
		}
		return entity.NewError(entity.ErrNotFound, "compensation_task_not_found", "compensation task %s not found", t.ID)
	})
}

func (r *compensationRepository) SupersedePending(ctx context.Context, orderID string, kind entity.CompensationKind) (int, error) {
	var n int
	err := r.s.do(ctx, func(st *state) error {
		now := time.Now().UTC()
		for i := range st.tasks {
			t := &st.tasks[i]
			if t.OrderID == orderID && t.Kind == kind && t.Status == entity.CompensationPending {
				t.Status = entity.CompensationSuperseded
				t.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *compensationRepository) ListByOrder(ctx context.Context, orderID string) ([]entity.CompensationTask, error) {
	var out []entity.CompensationTask
	err := r.s.do(ctx, func(st *state) error {
		for _, t := range st.tasks {
			if t.OrderID == orderID {
				out = append(out, t)
			}
		}
		return nil
	})
	slices.SortStableFunc(out, func(a, b entity.CompensationTask) int { return cmp.Compare(a.ID, b.ID) })
	return out, err
}
