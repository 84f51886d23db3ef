package service

import (
	"context"
	"fmt"

	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/egannguyen/order-saga/internal/observability"
	"github.com/egannguyen/order-saga/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InventoryDeps are the collaborators of the inventory boundary.
type InventoryDeps struct {
	Tx        repository.Transactor
	Products  repository.ProductRepository
	Inventory repository.InventoryStore
	Outbox    repository.OutboxRepository
	Relay     Notifier
}

// InventoryService is the inventory ledger. Each mutation is one atomic
// conditional update in the store.
type InventoryService struct {
	tx        repository.Transactor
	products  repository.ProductRepository
	inventory repository.InventoryStore
	outbox    repository.OutboxRepository
	relay     Notifier
	logger    *zap.Logger
	tracer    trace.Tracer
}

func NewInventoryService(deps InventoryDeps, logger *zap.Logger) *InventoryService {
	return &InventoryService{
		tx:        deps.Tx,
		products:  deps.Products,
		inventory: deps.Inventory,
		outbox:    deps.Outbox,
		relay:     orNoop(deps.Relay),
		logger:    logger,
		tracer:    observability.Tracer("service.inventory"),
	}
}

// Seed loads the demo catalog when no products exist yet.
func (s *InventoryService) Seed(ctx context.Context) error {
	products, stock := DefaultCatalog()
	if err := s.products.Seed(ctx, products, stock); err != nil {
		return fmt.Errorf("failed to seed products: %w", err)
	}
	s.logger.Info("🌱 Product catalog ready", zap.Int("products", len(products)))
	return nil
}

func (s *InventoryService) ListProducts(ctx context.Context) ([]entity.Product, error) {
	return s.products.FindAll(ctx)
}

func (s *InventoryService) GetProduct(ctx context.Context, id string) (*entity.Product, error) {
	if id == "" {
		return nil, entity.ErrInvalidID
	}
	return s.products.Get(ctx, id)
}

func (s *InventoryService) GetInventory(ctx context.Context, productID string) (entity.InventoryRecord, error) {
	if productID == "" {
		return entity.InventoryRecord{}, entity.ErrInvalidID
	}
	return s.inventory.Get(ctx, productID)
}

// Reservations lists every hold an order has placed.
func (s *InventoryService) Reservations(ctx context.Context, orderID string) ([]entity.Reservation, error) {
	return s.inventory.Reservations(ctx, orderID)
}

// Reserve earmarks stock for an order, failing with *entity.InsufficientStockError
// when fewer units are available.
func (s *InventoryService) Reserve(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error) {
	return s.mutate(ctx, "inventory.reserve", change, s.inventory.Reserve)
}

// Release returns an order's reserved units to the available pool.
func (s *InventoryService) Release(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error) {
	return s.mutate(ctx, "inventory.release", change, s.inventory.Release)
}

// CompleteDeduction removes sold units from both stock and reserved.
func (s *InventoryService) CompleteDeduction(ctx context.Context, change entity.StockChange) (entity.InventoryRecord, error) {
	return s.mutate(ctx, "inventory.deduct", change, s.inventory.CompleteDeduction)
}

func (s *InventoryService) mutate(
	ctx context.Context,
	op string,
	change entity.StockChange,
	fn func(context.Context, entity.StockChange) (entity.InventoryRecord, error),
) (entity.InventoryRecord, error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("product.id", change.ProductID),
		attribute.String("order.id", change.OrderID),
		attribute.Int("quantity", change.Quantity),
	))
	defer span.End()

	if change.ProductID == "" {
		return entity.InventoryRecord{}, entity.ErrInvalidID
	}
	if change.Quantity <= 0 {
		return entity.InventoryRecord{}, entity.ErrInvalidQuantity
	}

	rec, err := fn(ctx, change)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, entity.CodeOf(err))
		s.logger.Warn("Inventory operation rejected",
			zap.String("op", op),
			zap.String("product_id", change.ProductID),
			zap.String("order_id", change.OrderID),
			zap.Int("quantity", change.Quantity),
			zap.Error(err))
		return entity.InventoryRecord{}, err
	}

	s.logger.Info("📦 Inventory updated",
		zap.String("op", op),
		zap.String("product_id", change.ProductID),
		zap.String("order_id", change.OrderID),
		zap.Int("quantity", change.Quantity),
		zap.Int("stock", rec.Stock),
		zap.Int("reserved", rec.Reserved))
	return rec, nil
}

// Adjust applies delta to a product's stock. Reservations that no longer fit
// are revoked, newest first, and each affected order is told through an
// inventory.unavailable event.
func (s *InventoryService) Adjust(ctx context.Context, productID string, delta int) (entity.AdjustResult, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.adjust", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("delta", delta),
	))
	defer span.End()

	if productID == "" {
		return entity.AdjustResult{}, entity.ErrInvalidID
	}

	var result entity.AdjustResult
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.inventory.Adjust(ctx, productID, delta)
		if err != nil {
			return err
		}
		if len(result.Revoked) == 0 {
			return nil
		}

		var sku string
		if product, err := s.products.Get(ctx, productID); err == nil {
			sku = product.SKU
		}
		events := make([]entity.Envelope, 0, len(result.Revoked))
		for _, r := range result.Revoked {
			env, err := entity.NewEnvelope(entity.InventoryUnavailable, entity.SourceInventoryService, r.OrderID,
				entity.InventoryPayload{
					OrderID:   r.OrderID,
					ProductID: productID,
					SKU:       sku,
					Quantity:  r.Quantity,
					Stock:     result.Record.Stock,
					Reserved:  result.Record.Reserved,
					Available: result.Record.Available(),
					Reason:    "stock_adjusted",
				}, observability.InjectMetadata(ctx, nil))
			if err != nil {
				return err
			}
			events = append(events, env)
		}
		return s.outbox.Enqueue(ctx, events...)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, entity.CodeOf(err))
		return entity.AdjustResult{}, err
	}

	if len(result.Revoked) > 0 {
		s.relay.Nudge()
		for _, r := range result.Revoked {
			s.logger.Warn("⚠️ Reservation revoked by stock adjustment",
				zap.String("product_id", productID),
				zap.String("order_id", r.OrderID),
				zap.Int("quantity", r.Quantity))
		}
	}
	s.logger.Info("📦 Stock adjusted",
		zap.String("product_id", productID),
		zap.Int("delta", delta),
		zap.Int("stock", result.Record.Stock),
		zap.Int("reserved", result.Record.Reserved))
	return result, nil
}
