package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType doubles as the bus topic.
type EventType string

const (
	OrderCreated         EventType = "order.created"
	OrderUpdated         EventType = "order.updated"
	OrderPaid            EventType = "order.paid"
	OrderCancelled       EventType = "order.cancelled"
	OrderCompleted       EventType = "order.completed"
	InventoryUnavailable EventType = "inventory.unavailable"
)

// EventTypes lists every topic the services publish.
func EventTypes() []EventType {
	return []EventType{OrderCreated, OrderUpdated, OrderPaid, OrderCancelled, OrderCompleted, InventoryUnavailable}
}

const (
	SourceOrderService     = "order-service"
	SourceInventoryService = "inventory-service"
)

// Envelope is the immutable message published on the bus.
type Envelope struct {
	MessageID     string            `json:"message_id"`
	Type          EventType         `json:"message_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source_service"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// EventItem is an order line as carried in events.
type EventItem struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderPayload is the order snapshot carried by order.* events.
type OrderPayload struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []EventItem     `json:"items"`
}

// InventoryPayload is the inventory snapshot carried by inventory.* events.
type InventoryPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
	Stock     int    `json:"total_stock"`
	Reserved  int    `json:"reserved_stock"`
	Available int    `json:"available_stock"`
	Reason    string `json:"reason,omitempty"`
}

// NewEnvelope wraps payload into a fresh envelope.
func NewEnvelope(eventType EventType, source, correlationID string, payload any, metadata map[string]string) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Envelope{
		MessageID:     uuid.NewString(),
		Type:          eventType,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		CorrelationID: correlationID,
		Metadata:      metadata,
		Payload:       raw,
	}, nil
}

// NewOrderEvent snapshots order into an order.* envelope.
func NewOrderEvent(eventType EventType, order *Order, correlationID string, metadata map[string]string) (Envelope, error) {
	return NewEnvelope(eventType, SourceOrderService, correlationID, OrderSnapshot(order), metadata)
}

// OrderSnapshot converts an order into its event payload.
func OrderSnapshot(order *Order) OrderPayload {
	items := make([]EventItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, EventItem{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			Price:     item.UnitPrice,
		})
	}
	return OrderPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalAmount: order.Total,
		Items:       items,
	}
}

// DecodeOrderPayload parses an order.* envelope payload.
func (e Envelope) DecodeOrderPayload() (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return OrderPayload{}, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// DecodeInventoryPayload parses an inventory.* envelope payload.
func (e Envelope) DecodeInventoryPayload() (InventoryPayload, error) {
	var p InventoryPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return InventoryPayload{}, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// PartitionKey keeps every event of one order on one partition.
func (e Envelope) PartitionKey() string {
	var head struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(e.Payload, &head); err == nil && head.OrderID != "" {
		return head.OrderID
	}
	return e.MessageID
}

// OutboxRecord is an envelope waiting in a service's outbox for the relay.
type OutboxRecord struct {
	ID          string
	Topic       string
	Key         string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}
