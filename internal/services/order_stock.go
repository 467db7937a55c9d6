package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

// orderStock books ledger movements on behalf of an order. Writes that fail for reasons other
// than a stock rejection are queued for the inventory sync sweep.
type orderStock struct {
	inventory InventoryService
	pending   repositories.PendingDeltaRepository
	newID     func() string
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// restore puts every variant line of the order back into stock under reason.
// Replays are harmless: the ledger deduplicates on (order, variant, reason).
func (o orderStock) restore(ctx context.Context, order Order, reason, actor string) {
	if o.inventory == nil {
		return
	}
	reference := InventoryReference{Type: referenceTypeOrder, ID: order.ID}
	for _, d := range variantDemand(orderLinesAsCartLines(order.Lines)) {
		_, err := o.inventory.ApplyDelta(ctx, ApplyDeltaCommand{
			VariantID: d.variantID,
			ChangeQty: d.quantity,
			Reason:    reason,
			Reference: reference,
			Actor:     actor,
		})
		if err != nil && !errors.Is(err, ErrInventoryVariantNotFound) {
			o.queue(ctx, d.variantID, d.quantity, reason, reference, actor, err)
		}
	}
}

func (o orderStock) queue(ctx context.Context, variantID string, change int, reason string, reference InventoryReference, actor string, cause error) {
	fields := map[string]any{
		"variantId": variantID,
		"change":    change,
		"reason":    reason,
		"reference": reference.ID,
		"error":     cause.Error(),
	}
	if o.pending == nil {
		o.logger(ctx, "inventory.pending_delta_lost", fields)
		return
	}
	now := o.now()
	err := o.pending.Enqueue(ctx, domain.PendingInventoryDelta{
		ID:            pendingDeltaIDPrefix + o.newID(),
		VariantID:     variantID,
		ChangeQty:     change,
		Reason:        reason,
		Reference:     reference,
		Actor:         actor,
		LastError:     cause.Error(),
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	if err != nil {
		fields["enqueueError"] = err.Error()
		o.logger(ctx, "inventory.pending_delta_lost", fields)
		return
	}
	o.logger(ctx, "inventory.pending_delta_queued", fields)
}
