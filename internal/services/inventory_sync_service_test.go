package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
)

func enqueuePending(t *testing.T, p *testPipeline, id, variantID string, change, attempts int) {
	t.Helper()
	err := p.store.PendingDeltas().Enqueue(context.Background(), domain.PendingInventoryDelta{
		ID:            id,
		VariantID:     variantID,
		ChangeQty:     change,
		Reason:        "order placed",
		Reference:     InventoryReference{Type: referenceTypeOrder, ID: "ord_" + id},
		Actor:         "user-1",
		Attempts:      attempts,
		NextAttemptAt: p.now,
		CreatedAt:     p.now,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func pendingEntries(t *testing.T, p *testPipeline) []domain.PendingInventoryDelta {
	t.Helper()
	entries, err := p.store.PendingDeltas().ListDue(context.Background(), p.now.Add(24*time.Hour), 100)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	return entries
}

func TestInventorySyncAppliesAndDropsRejected(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	p.seed(t, "var-a", 5, 1000)
	p.seed(t, "var-b", 1, 1000)
	enqueuePending(t, p, "pnd_1", "var-a", -2, 0)
	enqueuePending(t, p, "pnd_2", "var-b", -3, 0)
	enqueuePending(t, p, "pnd_3", "var-missing", 1, 0)

	result, err := p.sync.RetryPending(ctx, RetryPendingCommand{})
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	want := RetryPendingResult{Attempted: 3, Applied: 1, Dropped: 2}
	if result != want {
		t.Fatalf("unexpected result %#v", result)
	}
	if got := p.stock(t, "var-a"); got != 3 {
		t.Fatalf("expected stock 3, got %d", got)
	}
	if got := p.stock(t, "var-b"); got != 1 {
		t.Fatalf("expected rejected write to leave stock at 1, got %d", got)
	}
	if entries := pendingEntries(t, p); len(entries) != 0 {
		t.Fatalf("expected queue to be drained, got %#v", entries)
	}
}

func TestInventorySyncReschedulesTransientFailures(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	p.seed(t, "var-a", 5, 1000)
	enqueuePending(t, p, "pnd_1", "var-a", -1, 0)

	svc, err := NewInventorySyncService(InventorySyncServiceDeps{
		Pending:   p.store.PendingDeltas(),
		Inventory: failingLedger{InventoryService: p.inventory, variantID: "var-a", err: errors.New("deadline exceeded")},
		Clock:     func() time.Time { return p.now },
	})
	if err != nil {
		t.Fatalf("new inventory sync service: %v", err)
	}

	result, err := svc.RetryPending(ctx, RetryPendingCommand{})
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if result.Failed != 1 || result.Applied != 0 || result.Dropped != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	entries := pendingEntries(t, p)
	if len(entries) != 1 {
		t.Fatalf("expected entry to stay queued, got %d", len(entries))
	}
	if entries[0].Attempts != 1 || entries[0].LastError != "deadline exceeded" || !entries[0].NextAttemptAt.Equal(p.now.Add(30*time.Second)) {
		t.Fatalf("unexpected rescheduled entry %#v", entries[0])
	}

	result, err = svc.RetryPending(ctx, RetryPendingCommand{})
	if err != nil {
		t.Fatalf("retry before due: %v", err)
	}
	if result.Attempted != 0 {
		t.Fatalf("expected entry not yet due, got %#v", result)
	}

	p.now = p.now.Add(30 * time.Second)
	result, err = p.sync.RetryPending(ctx, RetryPendingCommand{})
	if err != nil {
		t.Fatalf("retry when due: %v", err)
	}
	if result.Applied != 1 {
		t.Fatalf("expected entry to apply once the ledger recovers, got %#v", result)
	}
	if got := p.stock(t, "var-a"); got != 4 {
		t.Fatalf("expected stock 4, got %d", got)
	}
}

func TestInventorySyncDropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t)
	p.seed(t, "var-a", 5, 1000)
	enqueuePending(t, p, "pnd_1", "var-a", -1, 2)

	svc, err := NewInventorySyncService(InventorySyncServiceDeps{
		Pending:     p.store.PendingDeltas(),
		Inventory:   failingLedger{InventoryService: p.inventory, variantID: "var-a", err: errors.New("unavailable")},
		MaxAttempts: 3,
		Clock:       func() time.Time { return p.now },
	})
	if err != nil {
		t.Fatalf("new inventory sync service: %v", err)
	}
	result, err := svc.RetryPending(ctx, RetryPendingCommand{})
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if result.Dropped != 1 {
		t.Fatalf("expected entry to be dropped, got %#v", result)
	}
	if entries := pendingEntries(t, p); len(entries) != 0 {
		t.Fatalf("expected queue to be empty, got %d", len(entries))
	}
}

func TestRetryBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		1:  30 * time.Second,
		2:  time.Minute,
		4:  4 * time.Minute,
		20: time.Hour,
	}
	for attempt, want := range cases {
		if got := retryBackoff(30*time.Second, attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}
