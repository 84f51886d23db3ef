package pgxstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type productRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository creates a new ProductRepository backed by Postgres.
func NewProductRepository(pool *pgxpool.Pool) repository.ProductRepository {
	return &productRepository{pool: pool}
}

func (r *productRepository) FindAll(ctx context.Context) ([]entity.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, "SELECT id, sku, name, description, price, category FROM products ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return products, nil
}

func (r *productRepository) Get(ctx context.Context, id string) (*entity.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, "SELECT id, sku, name, description, price, category FROM products WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}
	p, err := pgx.CollectOneRow(rows, scanProduct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	return &p, nil
}

func (r *productRepository) Seed(ctx context.Context, products []entity.Product, stock map[string]int) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)

		var count int
		if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM products").Scan(&count); err != nil {
			return fmt.Errorf("failed to count products: %w", err)
		}
		if count > 0 {
			return nil // already seeded
		}

		for _, p := range products {
			_, err := q.Exec(ctx,
				"INSERT INTO products (id, sku, name, description, price, category) VALUES ($1, $2, $3, $4, $5, $6)",
				p.ID, p.SKU, p.Name, p.Description, p.Price, p.Category,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return entity.NewError(entity.ErrConflict, "duplicate_sku", "duplicate product %s", p.ID)
				}
				return fmt.Errorf("failed to seed product %s: %w", p.ID, err)
			}
			if _, err := q.Exec(ctx, "INSERT INTO inventory (product_id, stock) VALUES ($1, $2)", p.ID, stock[p.ID]); err != nil {
				return fmt.Errorf("failed to seed inventory for %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

func scanProduct(row pgx.CollectableRow) (entity.Product, error) {
	var p entity.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Price, &p.Category)
	return p, err
}
