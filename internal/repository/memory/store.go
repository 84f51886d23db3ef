// Package memory keeps every repository in process memory. It backs tests and
// the single-binary demo mode; a Store behaves like one database with
// serializable transactions.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type txKey struct{}

// Store is the shared state behind the memory repositories.
type Store struct {
	mu sync.Mutex
	st *state
}

type state struct {
	orders       map[string]*entity.Order
	orderSeq     []string
	payments     []entity.Payment
	tasks        []entity.CompensationTask
	outbox       []entity.OutboxRecord
	products     map[string]entity.Product
	inventory    map[string]entity.InventoryRecord
	reservations []entity.Reservation
}

func NewStore() *Store {
	return &Store{st: &state{
		orders:    make(map[string]*entity.Order),
		products:  make(map[string]entity.Product),
		inventory: make(map[string]entity.InventoryRecord),
	}}
}

// Transactor returns a Transactor over s. A failed transaction restores the
// state it started from.
func (s *Store) Transactor() repository.Transactor {
	return transactor{s: s}
}

type transactor struct {
	s *Store
}

func (t transactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s := t.s
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs fn against the state, taking the lock unless ctx already holds it.
// Operations validate before they mutate so a failed call leaves no trace.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if s.inTx(ctx) {
		return fn(s.st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (st *state) clone() *state {
	orders := make(map[string]*entity.Order, len(st.orders))
	for id, o := range st.orders {
		orders[id] = copyOrder(o)
	}
	return &state{
		orders:       orders,
		orderSeq:     slices.Clone(st.orderSeq),
		payments:     slices.Clone(st.payments),
		tasks:        slices.Clone(st.tasks),
		outbox:       slices.Clone(st.outbox),
		products:     maps.Clone(st.products),
		inventory:    maps.Clone(st.inventory),
		reservations: slices.Clone(st.reservations),
	}
}

func copyOrder(o *entity.Order) *entity.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	c.History = slices.Clone(o.History)
	return &c
}
