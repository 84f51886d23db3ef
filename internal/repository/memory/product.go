package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type productRepository struct {
	s *Store
}

func NewProductRepository(s *Store) repository.ProductRepository {
	return &productRepository{s: s}
}

func (r *productRepository) FindAll(ctx context.Context) ([]entity.Product, error) {
	var out []entity.Product
	err := r.s.do(ctx, func(st *state) error {
		for _, p := range st.products {
			out = append(out, p)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b entity.Product) int { return cmp.Compare(a.Name, b.Name) })
	return out, err
}

func (r *productRepository) Get(ctx context.Context, id string) (*entity.Product, error) {
	var out *entity.Product
	err := r.s.do(ctx, func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return entity.ErrProductNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *productRepository) Seed(ctx context.Context, products []entity.Product, stock map[string]int) error {
	return r.s.do(ctx, func(st *state) error {
		if len(st.products) > 0 {
			return nil
		}
		now := time.Now().UTC()
		for _, p := range products {
			st.products[p.ID] = p
			st.inventory[p.ID] = entity.InventoryRecord{ProductID: p.ID, Stock: stock[p.ID], UpdatedAt: now}
		}
		return nil
	})
}
