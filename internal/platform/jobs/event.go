package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storefront/checkout/internal/services"
)

// orderEventMessage is the wire form shared by every event transport.
type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	OrderNumber    string         `json:"orderNumber,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	PaymentStatus  string         `json:"paymentStatus,omitempty"`
	Total          int64          `json:"total"`
	Currency       string         `json:"currency,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func encodeOrderEvent(event services.OrderEvent) ([]byte, map[string]string, error) {
	if strings.TrimSpace(event.Type) == "" || strings.TrimSpace(event.OrderID) == "" {
		return nil, nil, fmt.Errorf("order event: type and order id are required")
	}
	data, err := json.Marshal(orderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		OrderNumber:    event.OrderNumber,
		UserID:         event.UserID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		PaymentStatus:  event.PaymentStatus,
		Total:          event.Total,
		Currency:       event.Currency,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)
	return data, attrs, nil
}

// inventoryEventMessage is the wire form of an applied ledger row.
type inventoryEventMessage struct {
	Type          string    `json:"type"`
	DeltaID       string    `json:"deltaId"`
	VariantID     string    `json:"variantId"`
	ChangeQty     int       `json:"changeQty"`
	NewQty        int       `json:"newQty"`
	Reason        string    `json:"reason"`
	ReferenceType string    `json:"referenceType,omitempty"`
	ReferenceID   string    `json:"referenceId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func encodeInventoryEvent(event services.InventoryEvent) ([]byte, map[string]string, error) {
	if strings.TrimSpace(event.Type) == "" || strings.TrimSpace(event.VariantID) == "" {
		return nil, nil, fmt.Errorf("inventory event: type and variant id are required")
	}
	data, err := json.Marshal(inventoryEventMessage{
		Type:          event.Type,
		DeltaID:       event.DeltaID,
		VariantID:     event.VariantID,
		ChangeQty:     event.ChangeQty,
		NewQty:        event.NewQty,
		Reason:        event.Reason,
		ReferenceType: event.ReferenceType,
		ReferenceID:   event.ReferenceID,
		OccurredAt:    event.OccurredAt.UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal inventory event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "variantId", event.VariantID)
	setAttr(attrs, "reason", event.Reason)
	return data, attrs, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
