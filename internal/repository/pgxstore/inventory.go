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

type inventoryStore struct {
	pool *pgxpool.Pool
}

// NewInventoryStore creates an InventoryStore backed by Postgres. Counter
// changes are single conditional UPDATEs; reservation rows share their transaction.
func NewInventoryStore(pool *pgxpool.Pool) repository.InventoryStore {
	return &inventoryStore{pool: pool}
}

const recordColumns = "product_id, stock, reserved, updated_at"

func (s *inventoryStore) Get(ctx context.Context, productID string) (entity.InventoryRecord, error) {
	rec, err := scanRecord(conn(ctx, s.pool).QueryRow(ctx,
		"SELECT "+recordColumns+" FROM inventory WHERE product_id = $1", productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.InventoryRecord{}, entity.ErrInventoryNotFound
	}
	if err != nil {
		return entity.InventoryRecord{}, fmt.Errorf("get inventory: %w", err)
	}
	return rec, nil
}

func (s *inventoryStore) Reserve(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		q := conn(ctx, s.pool)

		if c.OrderID != "" {
			tag, err := q.Exec(ctx, `
INSERT INTO inventory_reservations (order_id, product_id, quantity, status)
VALUES ($1, $2, $3, 'active')
ON CONFLICT (order_id, product_id) DO NOTHING`,
				c.OrderID, c.ProductID, c.Quantity)
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}

			if tag.RowsAffected() == 0 {
				res, err := s.lockReservation(ctx, c.OrderID, c.ProductID)
				if err != nil {
					return err
				}
				switch res.Status {
				case entity.ReservationActive:
					if res.Quantity != c.Quantity {
						return entity.ErrReservationMismatch
					}
					rec, err = s.Get(ctx, c.ProductID)
					return err
				case entity.ReservationCompleted:
					return entity.ErrReservationClosed
				}
				if _, err := q.Exec(ctx, `
UPDATE inventory_reservations SET status = 'active', quantity = $3, updated_at = NOW()
WHERE order_id = $1 AND product_id = $2`,
					c.OrderID, c.ProductID, c.Quantity); err != nil {
					return fmt.Errorf("reactivate reservation: %w", err)
				}
			}
		}

		var err error
		rec, err = scanRecord(q.QueryRow(ctx, `
UPDATE inventory SET reserved = reserved + $2, updated_at = NOW()
WHERE product_id = $1 AND stock - reserved >= $2
RETURNING `+recordColumns,
			c.ProductID, c.Quantity))
		if errors.Is(err, pgx.ErrNoRows) {
			current, getErr := s.Get(ctx, c.ProductID)
			if getErr != nil {
				return getErr
			}
			return &entity.InsufficientStockError{ProductID: c.ProductID, Available: current.Available(), Requested: c.Quantity}
		}
		if err != nil {
			return fmt.Errorf("reserve stock: %w", err)
		}
		return nil
	})
	return rec, err
}

func (s *inventoryStore) Release(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		q := conn(ctx, s.pool)

		if c.OrderID != "" {
			res, err := s.lockReservation(ctx, c.OrderID, c.ProductID)
			if errors.Is(err, errNoReservation) {
				rec, err = s.Get(ctx, c.ProductID)
				return err
			}
			if err != nil {
				return err
			}
			if res.Status != entity.ReservationActive {
				rec, err = s.Get(ctx, c.ProductID)
				return err
			}
			if res.Quantity != c.Quantity {
				return entity.ErrReservationMismatch
			}
			if err := s.setReservationStatus(ctx, c.OrderID, c.ProductID, entity.ReservationReleased); err != nil {
				return err
			}
		}

		var err error
		rec, err = scanRecord(q.QueryRow(ctx, `
UPDATE inventory SET reserved = reserved - $2, updated_at = NOW()
WHERE product_id = $1 AND reserved >= $2
RETURNING `+recordColumns,
			c.ProductID, c.Quantity))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, c.ProductID); getErr != nil {
				return getErr
			}
			return entity.ErrNothingReserved
		}
		if err != nil {
			return fmt.Errorf("release stock: %w", err)
		}
		return nil
	})
	return rec, err
}

func (s *inventoryStore) CompleteDeduction(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		q := conn(ctx, s.pool)

		if c.OrderID != "" {
			res, err := s.lockReservation(ctx, c.OrderID, c.ProductID)
			if errors.Is(err, errNoReservation) {
				return entity.ErrNothingReserved
			}
			if err != nil {
				return err
			}
			switch res.Status {
			case entity.ReservationCompleted:
				rec, err = s.Get(ctx, c.ProductID)
				return err
			case entity.ReservationRevoked:
				return entity.ErrReservationRevoked
			case entity.ReservationReleased:
				return entity.ErrReservationClosed
			}
			if res.Quantity != c.Quantity {
				return entity.ErrReservationMismatch
			}
			if err := s.setReservationStatus(ctx, c.OrderID, c.ProductID, entity.ReservationCompleted); err != nil {
				return err
			}
		}

		var err error
		rec, err = scanRecord(q.QueryRow(ctx, `
UPDATE inventory SET stock = stock - $2, reserved = reserved - $2, updated_at = NOW()
WHERE product_id = $1 AND stock >= $2 AND reserved >= $2
RETURNING `+recordColumns,
			c.ProductID, c.Quantity))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, c.ProductID); getErr != nil {
				return getErr
			}
			return entity.ErrNothingReserved
		}
		if err != nil {
			return fmt.Errorf("complete deduction: %w", err)
		}
		return nil
	})
	return rec, err
}

func (s *inventoryStore) Adjust(ctx context.Context, productID string, delta int) (entity.AdjustResult, error) {
	var result entity.AdjustResult
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		q := conn(ctx, s.pool)

		var before int
		err := q.QueryRow(ctx, "SELECT reserved FROM inventory WHERE product_id = $1 FOR UPDATE", productID).Scan(&before)
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.ErrInventoryNotFound
		}
		if err != nil {
			return fmt.Errorf("lock inventory: %w", err)
		}

		// SET expressions see the pre-update row, so the clamp uses the new stock.
		rec, err := scanRecord(q.QueryRow(ctx, `
UPDATE inventory
SET stock = stock + $2, reserved = LEAST(reserved, stock + $2), updated_at = NOW()
WHERE product_id = $1 AND stock + $2 >= 0
RETURNING `+recordColumns,
			productID, delta))
		if errors.Is(err, pgx.ErrNoRows) {
			return entity.ErrNegativeStock
		}
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		result.Record = rec

		deficit := before - rec.Reserved
		if deficit <= 0 {
			return nil
		}

		rows, err := q.Query(ctx, `
SELECT order_id, product_id, quantity, status, created_at, updated_at
FROM inventory_reservations
WHERE product_id = $1 AND status = 'active'
ORDER BY created_at DESC, order_id DESC
FOR UPDATE`, productID)
		if err != nil {
			return fmt.Errorf("load active reservations: %w", err)
		}
		active, err := pgx.CollectRows(rows, scanReservation)
		if err != nil {
			return fmt.Errorf("scan reservations: %w", err)
		}

		revoked := 0
		for _, r := range active {
			if revoked >= deficit {
				break
			}
			if err := s.setReservationStatus(ctx, r.OrderID, r.ProductID, entity.ReservationRevoked); err != nil {
				return err
			}
			r.Status = entity.ReservationRevoked
			result.Revoked = append(result.Revoked, r)
			revoked += r.Quantity
		}

		// Revoked holds give back their whole quantity, not just the clamped share.
		if remaining := before - revoked; remaining < rec.Reserved {
			result.Record, err = scanRecord(q.QueryRow(ctx,
				"UPDATE inventory SET reserved = $2 WHERE product_id = $1 RETURNING "+recordColumns,
				productID, max(remaining, 0)))
			if err != nil {
				return fmt.Errorf("settle revoked reservations: %w", err)
			}
		}
		return nil
	})
	return result, err
}

func (s *inventoryStore) Reservations(ctx context.Context, orderID string) ([]entity.Reservation, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `
SELECT order_id, product_id, quantity, status, created_at, updated_at
FROM inventory_reservations
WHERE order_id = $1
ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	res, err := pgx.CollectRows(rows, scanReservation)
	if err != nil {
		return nil, fmt.Errorf("scan reservations: %w", err)
	}
	return res, nil
}

var errNoReservation = errors.New("no reservation")

func (s *inventoryStore) lockReservation(ctx context.Context, orderID, productID string) (entity.Reservation, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, `
SELECT order_id, product_id, quantity, status, created_at, updated_at
FROM inventory_reservations
WHERE order_id = $1 AND product_id = $2
FOR UPDATE`, orderID, productID)
	if err != nil {
		return entity.Reservation{}, fmt.Errorf("lock reservation: %w", err)
	}
	res, err := pgx.CollectOneRow(rows, scanReservation)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Reservation{}, errNoReservation
	}
	if err != nil {
		return entity.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	return res, nil
}

func (s *inventoryStore) setReservationStatus(ctx context.Context, orderID, productID string, status entity.ReservationStatus) error {
	_, err := conn(ctx, s.pool).Exec(ctx, `
UPDATE inventory_reservations SET status = $3, updated_at = NOW()
WHERE order_id = $1 AND product_id = $2`, orderID, productID, status)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := row.Scan(&rec.ProductID, &rec.Stock, &rec.Reserved, &rec.UpdatedAt)
	if err != nil && isCheckViolation(err) {
		return rec, entity.NewError(entity.ErrConflict, "inventory_bounds", "inventory bounds violated")
	}
	return rec, err
}

func scanReservation(row pgx.CollectableRow) (entity.Reservation, error) {
	var r entity.Reservation
	err := row.Scan(&r.OrderID, &r.ProductID, &r.Quantity, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}
