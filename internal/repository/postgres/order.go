package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
	"github.com/google/uuid"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new OrderRepository backed by Postgres.
func NewOrderRepository(db *sql.DB) repository.OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *entity.Order) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		q := conn(ctx, r.db)

		_, err := q.ExecContext(ctx,
			"INSERT INTO orders (id, user_id, status, total, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
			order.ID, order.UserID, order.Status, order.Total, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return entity.NewError(entity.ErrConflict, "order_exists", "order %s already exists", order.ID)
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			_, err = q.ExecContext(ctx,
				"INSERT INTO order_items (id, order_id, position, product_id, sku, quantity, unit_price) VALUES ($1, $2, $3, $4, $5, $6, $7)",
				item.ID, order.ID, i, item.ProductID, item.SKU, item.Quantity, item.UnitPrice,
			)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		_, err = q.ExecContext(ctx,
			"INSERT INTO order_status_history (order_id, status, created_at) VALUES ($1, $2, $3)",
			order.ID, order.Status, order.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert status history: %w", err)
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (*entity.Order, error) {
	return r.get(ctx, id, false)
}

func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	return r.get(ctx, id, true)
}

func (r *orderRepository) get(ctx context.Context, id string, forUpdate bool) (*entity.Order, error) {
	query := "SELECT id, user_id, status, total, created_at, updated_at FROM orders WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	q := conn(ctx, r.db)
	var o entity.Order
	err := q.QueryRowContext(ctx, query, id).Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	if o.Items, err = r.items(ctx, q, o.ID); err != nil {
		return nil, err
	}
	if o.History, err = r.history(ctx, q, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepository) List(ctx context.Context, filter entity.OrderFilter) ([]entity.Order, int, error) {
	q := conn(ctx, r.db)

	const where = "WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)"

	var total int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders "+where, filter.UserID, string(filter.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT id, user_id, status, total, created_at, updated_at FROM orders "+where+" ORDER BY created_at DESC, id LIMIT $3 OFFSET $4",
		filter.UserID, string(filter.Status), filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []entity.Order
	for rows.Next() {
		var o entity.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating order rows: %w", err)
	}

	// Fetch items for each order
	for i := range orders {
		if orders[i].Items, err = r.items(ctx, q, orders[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return orders, total, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, id string, status entity.OrderStatus, at time.Time) error {
	return withTx(ctx, r.db, func(ctx context.Context) error {
		q := conn(ctx, r.db)

		res, err := q.ExecContext(ctx, "UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1", id, status, at)
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return entity.ErrOrderNotFound
		}

		_, err = q.ExecContext(ctx,
			"INSERT INTO order_status_history (order_id, status, created_at) VALUES ($1, $2, $3)",
			id, status, at,
		)
		if err != nil {
			return fmt.Errorf("failed to insert status history: %w", err)
		}
		return nil
	})
}

func (r *orderRepository) items(ctx context.Context, q querier, orderID string) ([]entity.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, product_id, sku, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY position",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []entity.OrderItem
	for rows.Next() {
		var item entity.OrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.SKU, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *orderRepository) history(ctx context.Context, q querier, orderID string) ([]entity.StatusHistory, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT order_id, status, created_at FROM order_status_history WHERE order_id = $1 ORDER BY id",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var history []entity.StatusHistory
	for rows.Next() {
		var h entity.StatusHistory
		if err := rows.Scan(&h.OrderID, &h.Status, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}
