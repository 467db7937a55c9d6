package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
	"github.com/storefront/checkout/internal/repositories/memory"
)

type captureInventoryEvents struct {
	mu     sync.Mutex
	events []InventoryEvent
}

func (c *captureInventoryEvents) PublishInventoryEvent(_ context.Context, event InventoryEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type brokenInventoryRepo struct {
	repositories.InventoryRepository
	err error
}

func (b brokenInventoryRepo) ApplyDelta(context.Context, repositories.DeltaRequest) (repositories.DeltaResult, error) {
	return repositories.DeltaResult{}, b.err
}

func newTestInventoryService(t *testing.T, repo repositories.InventoryRepository, events InventoryEventPublisher) InventoryService {
	t.Helper()
	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory: repo,
		Events:    events,
		Clock:     func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return svc
}

func TestInventoryServiceApplyDeltaRejectsNegativeStock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.SeedVariant(ctx, "var-1", "prod-1", 2); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := newTestInventoryService(t, store.Inventory(), nil)

	_, err := svc.ApplyDelta(ctx, ApplyDeltaCommand{
		VariantID: "var-1",
		ChangeQty: -3,
		Reason:    reasonOrderPlaced,
		Reference: InventoryReference{Type: referenceTypeOrder, ID: "ord-1"},
	})
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	level, err := svc.StockLevel(ctx, "var-1")
	if err != nil {
		t.Fatalf("stock level: %v", err)
	}
	if level != 2 {
		t.Fatalf("expected stock to stay at 2, got %d", level)
	}
	deltas, _ := store.Inventory().ListDeltas(ctx, "var-1")
	if len(deltas) != 1 {
		t.Fatalf("expected no ledger row for the rejected delta, got %d rows", len(deltas))
	}
}

func TestInventoryServiceApplyDeltaReplayAndEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.SeedVariant(ctx, "var-1", "prod-1", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	events := &captureInventoryEvents{}
	svc := newTestInventoryService(t, store.Inventory(), events)

	cmd := ApplyDeltaCommand{
		VariantID: "var-1",
		ChangeQty: -2,
		Reason:    reasonOrderPlaced,
		Reference: InventoryReference{Type: referenceTypeOrder, ID: "ord-1"},
		Actor:     "user-1",
	}
	first, err := svc.ApplyDelta(ctx, cmd)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.PreviousQty != 5 || first.NewQty != 3 || first.Replayed {
		t.Fatalf("unexpected first result %#v", first)
	}

	second, err := svc.ApplyDelta(ctx, cmd)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !second.Replayed || second.DeltaID != first.DeltaID || second.NewQty != 3 {
		t.Fatalf("expected replay of first delta, got %#v", second)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	if events.events[0].Type != eventInventoryDeltaApplied || events.events[0].ReferenceID != "ord-1" {
		t.Fatalf("unexpected event %#v", events.events[0])
	}
}

func TestInventoryServiceApplyDeltaValidatesInput(t *testing.T) {
	svc := newTestInventoryService(t, memory.NewStore().Inventory(), nil)
	cases := []ApplyDeltaCommand{
		{ChangeQty: 1, Reason: "stock received"},
		{VariantID: "var-1", Reason: "stock received"},
		{VariantID: "var-1", ChangeQty: 1},
	}
	for _, cmd := range cases {
		if _, err := svc.ApplyDelta(context.Background(), cmd); !errors.Is(err, ErrInventoryInvalidInput) {
			t.Fatalf("expected invalid input for %#v, got %v", cmd, err)
		}
	}
}

func TestInventoryServiceApplyDeltaMapsUnavailable(t *testing.T) {
	repo := brokenInventoryRepo{err: repositories.Unavailable("variants.apply", errors.New("timeout"))}
	svc := newTestInventoryService(t, repo, nil)
	_, err := svc.ApplyDelta(context.Background(), ApplyDeltaCommand{VariantID: "var-1", ChangeQty: -1, Reason: reasonOrderPlaced})
	if !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("expected ErrInventoryUnavailable, got %v", err)
	}
}

func TestInventoryServiceVerifyVariantFoldsLedger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.SeedVariant(ctx, "var-1", "prod-1", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := newTestInventoryService(t, store.Inventory(), nil)

	moves := []ApplyDeltaCommand{
		{VariantID: "var-1", ChangeQty: -4, Reason: reasonOrderPlaced, Reference: InventoryReference{Type: referenceTypeOrder, ID: "ord-1"}},
		{VariantID: "var-1", ChangeQty: 4, Reason: reasonOrderCancelled, Reference: InventoryReference{Type: referenceTypeOrder, ID: "ord-1"}},
		{VariantID: "var-1", ChangeQty: -7, Reason: reasonOrderPlaced, Reference: InventoryReference{Type: referenceTypeOrder, ID: "ord-2"}},
	}
	for _, move := range moves {
		if _, err := svc.ApplyDelta(ctx, move); err != nil {
			t.Fatalf("apply %#v: %v", move, err)
		}
	}

	verification, err := svc.VerifyVariant(ctx, "var-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verification.Consistent || verification.FoldedQty != 3 || verification.StoredQty != 3 || verification.DeltaCount != 4 {
		t.Fatalf("unexpected verification %#v", verification)
	}
}

func TestFoldDeltasReportsBrokenChain(t *testing.T) {
	deltas := []domain.InventoryDelta{
		{ID: "d1", PreviousQty: 0, NewQty: 5, ChangeQty: 5},
		{ID: "d2", PreviousQty: 4, NewQty: 3, ChangeQty: -1},
	}
	qty, broken := FoldDeltas(deltas)
	if qty != 4 {
		t.Fatalf("expected folded qty 4, got %d", qty)
	}
	if len(broken) != 1 || broken[0] != "d2" {
		t.Fatalf("expected d2 to break the chain, got %v", broken)
	}
}

func TestInventoryServiceStockLevelsSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.SeedVariant(ctx, "var-1", "prod-1", 4); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := newTestInventoryService(t, store.Inventory(), nil)

	levels, err := svc.StockLevels(ctx, []string{"var-1", "var-1", "missing", ""})
	if err != nil {
		t.Fatalf("stock levels: %v", err)
	}
	if len(levels) != 1 || levels["var-1"] != 4 {
		t.Fatalf("unexpected levels %v", levels)
	}
}
