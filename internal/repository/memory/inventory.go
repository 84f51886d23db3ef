package memory

import (
	"context"
	"time"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/repository"
)

type inventoryStore struct {
	s *Store
}

// NewInventoryStore returns an InventoryStore with the same reservation rules as the Postgres one.
func NewInventoryStore(s *Store) repository.InventoryStore {
	return &inventoryStore{s: s}
}

func (st *state) reservation(orderID, productID string) *entity.Reservation {
	for i := range st.reservations {
		r := &st.reservations[i]
		if r.OrderID == orderID && r.ProductID == productID {
			return r
		}
	}
	return nil
}

func (s *inventoryStore) Get(ctx context.Context, productID string) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := s.s.do(ctx, func(st *state) error {
		r, ok := st.inventory[productID]
		if !ok {
			return entity.ErrInventoryNotFound
		}
		rec = r
		return nil
	})
	return rec, err
}

func (s *inventoryStore) Reserve(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := s.s.do(ctx, func(st *state) error {
		cur, ok := st.inventory[c.ProductID]
		if !ok {
			return entity.ErrInventoryNotFound
		}

		var res *entity.Reservation
		if c.OrderID != "" {
			res = st.reservation(c.OrderID, c.ProductID)
			if res != nil {
				switch res.Status {
				case entity.ReservationActive:
					if res.Quantity != c.Quantity {
						return entity.ErrReservationMismatch
					}
					rec = cur
					return nil
				case entity.ReservationCompleted:
					return entity.ErrReservationClosed
				}
			}
		}

		if cur.Available() < c.Quantity {
			return &entity.InsufficientStockError{ProductID: c.ProductID, Available: cur.Available(), Requested: c.Quantity}
		}

		now := time.Now().UTC()
		cur.Reserved += c.Quantity
		cur.UpdatedAt = now
		st.inventory[c.ProductID] = cur
		rec = cur

		switch {
		case c.OrderID == "":
		case res == nil:
			st.reservations = append(st.reservations, entity.Reservation{
				OrderID: c.OrderID, ProductID: c.ProductID, Quantity: c.Quantity,
				Status: entity.ReservationActive, CreatedAt: now, UpdatedAt: now,
			})
		default:
			res.Status = entity.ReservationActive
			res.Quantity = c.Quantity
			res.UpdatedAt = now
		}
		return nil
	})
	return rec, err
}

func (s *inventoryStore) Release(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := s.s.do(ctx, func(st *state) error {
		cur, ok := st.inventory[c.ProductID]
		if !ok {
			return entity.ErrInventoryNotFound
		}

		var res *entity.Reservation
		if c.OrderID != "" {
			res = st.reservation(c.OrderID, c.ProductID)
			if res == nil || res.Status != entity.ReservationActive {
				rec = cur
				return nil
			}
			if res.Quantity != c.Quantity {
				return entity.ErrReservationMismatch
			}
		}

		if cur.Reserved < c.Quantity {
			return entity.ErrNothingReserved
		}

		now := time.Now().UTC()
		cur.Reserved -= c.Quantity
		cur.UpdatedAt = now
		st.inventory[c.ProductID] = cur
		rec = cur
		if res != nil {
			res.Status = entity.ReservationReleased
			res.UpdatedAt = now
		}
		return nil
	})
	return rec, err
}

func (s *inventoryStore) CompleteDeduction(ctx context.Context, c entity.StockChange) (entity.InventoryRecord, error) {
	var rec entity.InventoryRecord
	err := s.s.do(ctx, func(st *state) error {
		cur, ok := st.inventory[c.ProductID]
		if !ok {
			return entity.ErrInventoryNotFound
		}

		var res *entity.Reservation
		if c.OrderID != "" {
			res = st.reservation(c.OrderID, c.ProductID)
			if res == nil {
				return entity.ErrNothingReserved
			}
			switch res.Status {
			case entity.ReservationCompleted:
				rec = cur
				return nil
			case entity.ReservationRevoked:
				return entity.ErrReservationRevoked
			case entity.ReservationReleased:
				return entity.ErrReservationClosed
			}
			if res.Quantity != c.Quantity {
				return entity.ErrReservationMismatch
			}
		}

		if cur.Stock < c.Quantity || cur.Reserved < c.Quantity {
			return entity.ErrNothingReserved
		}

		now := time.Now().UTC()
		cur.Stock -= c.Quantity
		cur.Reserved -= c.Quantity
		cur.UpdatedAt = now
		st.inventory[c.ProductID] = cur
		rec = cur
		if res != nil {
			res.Status = entity.ReservationCompleted
			res.UpdatedAt = now
		}
		return nil
	})
	return rec, err
}

func (s *inventoryStore) Adjust(ctx context.Context, productID string, delta int) (entity.AdjustResult, error) {
	var result entity.AdjustResult
	err := s.s.do(ctx, func(st *state) error {
		cur, ok := st.inventory[productID]
		if !ok {
			return entity.ErrInventoryNotFound
		}
		if cur.Stock+delta < 0 {
			return entity.ErrNegativeStock
		}

		now := time.Now().UTC()
		before := cur.Reserved
		cur.Stock += delta
		cur.Reserved = min(cur.Reserved, cur.Stock)
		cur.UpdatedAt = now

		deficit := before - cur.Reserved
		revoked := 0
		// Newest reservations are revoked first.
		for i := len(st.reservations) - 1; i >= 0 && revoked < deficit; i-- {
			r := &st.reservations[i]
			if r.ProductID != productID || r.Status != entity.ReservationActive {
				continue
			}
			r.Status = entity.ReservationRevoked
			r.UpdatedAt = now
			result.Revoked = append(result.Revoked, *r)
			revoked += r.Quantity
		}
		if deficit > 0 {
			cur.Reserved = min(cur.Reserved, max(before-revoked, 0))
		}
		st.inventory[productID] = cur
		result.Record = cur
		return nil
	})
	return result, err
}

func (s *inventoryStore) Reservations(ctx context.Context, orderID string) ([]entity.Reservation, error) {
	var out []entity.Reservation
	err := s.s.do(ctx, func(st *state) error {
		for _, r := range st.reservations {
			if r.OrderID == orderID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}
