package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/repositories"
)

type conflictingOrderRepo struct {
	repositories.OrderRepository
	conflicts atomic.Int32
}

func (r *conflictingOrderRepo) UpdateState(ctx context.Context, change repositories.OrderStateChange) (domain.Order, error) {
	if r.conflicts.Load() > 0 {
		r.conflicts.Add(-1)
		return domain.Order{}, repositories.Conflict("orders.updateState", errors.New("status changed"))
	}
	return r.OrderRepository.UpdateState(ctx, change)
}

func TestOrderServiceGetOrderOwnership(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := placeTestOrder(t, p, "user-1", 1)

	got, err := p.orders.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, UserID: "user-1"})
	if err != nil {
		t.Fatalf("get own order: %v", err)
	}
	if got.ID != order.ID || len(got.Lines) != 1 {
		t.Fatalf("unexpected order %#v", got)
	}

	if _, err := p.orders.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, UserID: "user-2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
	if _, err := p.orders.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, Staff: true}); err != nil {
		t.Fatalf("expected staff read to succeed, got %v", err)
	}
	if _, err := p.orders.GetOrder(ctx, GetOrderQuery{OrderID: "ord_missing", Staff: true}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceListOrdersByUser(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	first := placeTestOrder(t, p, "user-1", 1)
	placeTestOrder(t, p, "user-2", 1)

	page, err := p.orders.ListOrders(ctx, OrderListFilter{UserID: "user-1", Pagination: Pagination{PageSize: 10}})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != first.ID {
		t.Fatalf("expected only user-1's order, got %#v", page.Items)
	}
}

func TestOrderServiceTransitionStatus(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := placeTestOrder(t, p, "user-1", 1)

	if _, err := p.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusProcessing}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected unpaid order to be rejected, got %v", err)
	}

	payTestOrder(t, p, order)

	if _, err := p.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusShipped}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected confirmed -> shipped to be rejected, got %v", err)
	}
	if _, err := p.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected cancelled to be refused as a fulfilment target, got %v", err)
	}

	for _, target := range []OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		updated, err := p.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: target, ActorID: "staff-1"})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if updated.Status != target {
			t.Fatalf("expected %s, got %s", target, updated.Status)
		}
	}

	if _, err := p.orders.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusProcessing}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected delivered to be terminal, got %v", err)
	}

	changes := 0
	for _, typ := range p.events.types() {
		if typ == "order.status_changed" {
			changes++
		}
	}
	if changes != 3 {
		t.Fatalf("expected three status events, got %d", changes)
	}
}

func TestOrderServiceTransitionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := payTestOrder(t, p, placeTestOrder(t, p, "user-1", 1))

	repo := &conflictingOrderRepo{OrderRepository: p.store.Orders()}
	repo.conflicts.Store(2)
	svc, err := NewOrderService(OrderServiceDeps{Orders: repo, Inventory: p.inventory})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}

	updated, err := svc.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusProcessing})
	if err != nil {
		t.Fatalf("transition after conflicts: %v", err)
	}
	if updated.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}

	repo.conflicts.Store(maxOrderUpdateAttempts)
	if _, err := svc.TransitionStatus(ctx, TransitionStatusCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusShipped}); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict after exhausting retries, got %v", err)
	}
}

func TestOrderServiceCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := placeTestOrder(t, p, "user-1", 4)
	if got := p.stock(t, "var-user-1"); got != 6 {
		t.Fatalf("expected stock 6 after checkout, got %d", got)
	}

	if _, err := p.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, UserID: "user-2"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}

	cancelled, err := p.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, UserID: "user-1", Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled order, got %s", cancelled.Status)
	}
	if got := p.stock(t, "var-user-1"); got != 10 {
		t.Fatalf("expected stock restored to 10, got %d", got)
	}

	again, err := p.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, UserID: "user-1"})
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected repeat cancel to be a no-op")
	}
	if got := p.stock(t, "var-user-1"); got != 10 {
		t.Fatalf("expected repeat cancel to leave stock at 10, got %d", got)
	}

	var cancelEvent *OrderEvent
	for i := range p.events.events {
		if p.events.events[i].Type == "order.cancelled" {
			if cancelEvent != nil {
				t.Fatalf("expected a single cancel event")
			}
			cancelEvent = &p.events.events[i]
		}
	}
	if cancelEvent == nil || cancelEvent.Metadata["reason"] != "changed my mind" || cancelEvent.PreviousStatus != string(domain.OrderStatusPending) {
		t.Fatalf("unexpected cancel event %#v", cancelEvent)
	}
}

func TestOrderServiceCancelRejectsPaidOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := payTestOrder(t, p, placeTestOrder(t, p, "user-1", 1))

	_, err := p.orders.CancelOrder(ctx, CancelOrderCommand{OrderID: order.ID, Staff: true, ActorID: "staff-1"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected paid order to require a refund, got %v", err)
	}
}

func TestOrderServiceRefundOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := payTestOrder(t, p, placeTestOrder(t, p, "user-1", 2))

	refunded, err := p.orders.RefundOrder(ctx, RefundOrderCommand{OrderID: order.ID, ActorID: "staff-1", Reason: "damaged"})
	if err != nil {
		t.Fatalf("refund order: %v", err)
	}
	if refunded.Status != domain.OrderStatusRefunded || refunded.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded/refunded, got %s/%s", refunded.Status, refunded.PaymentStatus)
	}
	refund := p.manager.lastRefund
	if refund == nil || refund.Reference != *order.PaymentReference || refund.Amount != order.Totals.Total || refund.IdempotencyKey != "refund-"+order.ID {
		t.Fatalf("unexpected provider refund %#v", refund)
	}
	if got := p.stock(t, "var-user-1"); got != 10 {
		t.Fatalf("expected stock restored to 10, got %d", got)
	}

	p.manager.lastRefund = nil
	again, err := p.orders.RefundOrder(ctx, RefundOrderCommand{OrderID: order.ID})
	if err != nil {
		t.Fatalf("repeat refund: %v", err)
	}
	if again.Status != domain.OrderStatusRefunded || p.manager.lastRefund != nil {
		t.Fatalf("expected repeat refund to skip the provider")
	}
}

func TestOrderServiceRefundProviderError(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	order := payTestOrder(t, p, placeTestOrder(t, p, "user-1", 1))
	p.manager.refundErr = &payments.ProviderError{Provider: "stripe", Code: "charge_already_refunded", Message: "Charge has already been refunded.", StatusCode: 400}

	_, err := p.orders.RefundOrder(ctx, RefundOrderCommand{OrderID: order.ID})
	var providerErr *payments.ProviderError
	if !errors.As(err, &providerErr) || err.Error() != "Charge has already been refunded." {
		t.Fatalf("expected provider message verbatim, got %v", err)
	}
	stored, _ := p.store.Orders().FindByID(ctx, order.ID)
	if stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment to stay paid, got %s", stored.PaymentStatus)
	}
	if got := p.stock(t, "var-user-1"); got != 9 {
		t.Fatalf("expected stock untouched at 9, got %d", got)
	}
}

func TestOrderServiceRefundRequiresPaidOrder(t *testing.T) {
	p := newTestPipeline(t)
	order := placeTestOrder(t, p, "user-1", 1)
	if _, err := p.orders.RefundOrder(context.Background(), RefundOrderCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for unpaid order, got %v", err)
	}
}
