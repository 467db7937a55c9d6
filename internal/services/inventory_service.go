package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/storefront/checkout/internal/repositories"
)

const (
	eventInventoryDeltaApplied = "inventory.delta_applied"
	inventoryDeltaIDPrefix     = "dlt_"

	reasonOrderPlaced    = "order placed"
	reasonOrderReverted  = "order reverted"
	reasonOrderCancelled = "order cancelled"
	reasonOrderRefunded  = "order refunded"
	referenceTypeOrder   = "order"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrOutOfStock indicates a decrement would take stock below zero. Nothing was written.
	ErrOutOfStock = errors.New("inventory: out of stock")
	// ErrInventoryVariantNotFound indicates the variant has no stock row.
	ErrInventoryVariantNotFound = errors.New("inventory: variant not found")
	// ErrInventoryUnavailable indicates the ledger store could not be reached.
	ErrInventoryUnavailable = errors.New("inventory: unavailable")
)

// InventoryEventPublisher accepts ledger notifications for downstream processing.
type InventoryEventPublisher interface {
	PublishInventoryEvent(ctx context.Context, event InventoryEvent) error
}

// InventoryEvent describes an applied ledger row.
type InventoryEvent struct {
	Type          string
	DeltaID       string
	VariantID     string
	ChangeQty     int
	NewQty        int
	Reason        string
	ReferenceType string
	ReferenceID   string
	OccurredAt    time.Time
}

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory   repositories.InventoryRepository
	Events      InventoryEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	events InventoryEventPublisher
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo:   deps.Inventory,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ApplyDelta books a stock movement through the ledger.
func (s *inventoryService) ApplyDelta(ctx context.Context, cmd ApplyDeltaCommand) (DeltaResult, error) {
	variantID := strings.TrimSpace(cmd.VariantID)
	reason := strings.TrimSpace(cmd.Reason)
	switch {
	case variantID == "":
		return DeltaResult{}, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	case cmd.ChangeQty == 0:
		return DeltaResult{}, fmt.Errorf("%w: change quantity must be non-zero", ErrInventoryInvalidInput)
	case reason == "":
		return DeltaResult{}, fmt.Errorf("%w: reason is required", ErrInventoryInvalidInput)
	}

	actor := strings.TrimSpace(cmd.Actor)
	if actor == "" {
		actor = "system"
	}

	result, err := s.repo.ApplyDelta(ctx, repositories.DeltaRequest{
		DeltaID:   inventoryDeltaIDPrefix + s.newID(),
		VariantID: variantID,
		ChangeQty: cmd.ChangeQty,
		Reason:    reason,
		Reference: InventoryReference{
			Type: strings.TrimSpace(cmd.Reference.Type),
			ID:   strings.TrimSpace(cmd.Reference.ID),
		},
		Actor: actor,
		At:    s.clock(),
	})
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrOutOfStock) {
			s.logger(ctx, "inventory.out_of_stock", map[string]any{
				"variantId": variantID,
				"change":    cmd.ChangeQty,
				"reference": cmd.Reference.ID,
			})
		}
		return DeltaResult{}, mapped
	}

	if !result.Replayed {
		s.publish(ctx, result.Delta)
	}

	return DeltaResult{
		DeltaID:     result.Delta.ID,
		PreviousQty: result.Delta.PreviousQty,
		NewQty:      result.Delta.NewQty,
		Replayed:    result.Replayed,
	}, nil
}

// StockLevel reads the materialised stock counter of a variant.
func (s *inventoryService) StockLevel(ctx context.Context, variantID string) (int, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return 0, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}
	variant, err := s.repo.GetVariant(ctx, variantID)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	return variant.StockQuantity, nil
}

// StockLevels reads several counters at once. Unknown variants are absent from the result.
func (s *inventoryService) StockLevels(ctx context.Context, variantIDs []string) (map[string]int, error) {
	ids := make([]string, 0, len(variantIDs))
	seen := make(map[string]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]int{}, nil
	}

	variants, err := s.repo.GetVariants(ctx, ids)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	levels := make(map[string]int, len(variants))
	for id, variant := range variants {
		levels[id] = variant.StockQuantity
	}
	return levels, nil
}

// VerifyVariant folds every ledger row of a variant and compares the result with the stored counter.
// Rows whose NewQty does not follow from the previous row are reported by id.
func (s *inventoryService) VerifyVariant(ctx context.Context, variantID string) (LedgerVerification, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return LedgerVerification{}, fmt.Errorf("%w: variant id is required", ErrInventoryInvalidInput)
	}
	variant, err := s.repo.GetVariant(ctx, variantID)
	if err != nil {
		return LedgerVerification{}, s.mapRepositoryError(err)
	}
	deltas, err := s.repo.ListDeltas(ctx, variantID)
	if err != nil {
		return LedgerVerification{}, s.mapRepositoryError(err)
	}

	folded, broken := FoldDeltas(deltas)
	verification := LedgerVerification{
		VariantID:   variantID,
		StoredQty:   variant.StockQuantity,
		FoldedQty:   folded,
		DeltaCount:  len(deltas),
		BrokenChain: broken,
	}
	verification.Consistent = folded == variant.StockQuantity && len(broken) == 0
	if !verification.Consistent {
		s.logger(ctx, "inventory.ledger_mismatch", map[string]any{
			"variantId": variantID,
			"stored":    variant.StockQuantity,
			"folded":    folded,
			"broken":    len(broken),
		})
	}
	return verification, nil
}

// FoldDeltas replays ledger rows in order from zero and returns the resulting quantity together
// with the ids of rows that break the previousQty/newQty chain.
func FoldDeltas(deltas []InventoryDelta) (int, []string) {
	qty := 0
	var broken []string
	for _, delta := range deltas {
		if delta.PreviousQty != qty || delta.NewQty != delta.PreviousQty+delta.ChangeQty {
			broken = append(broken, delta.ID)
		}
		qty += delta.ChangeQty
	}
	return qty, broken
}

func (s *inventoryService) publish(ctx context.Context, delta InventoryDelta) {
	if s.events == nil {
		return
	}
	event := InventoryEvent{
		Type:          eventInventoryDeltaApplied,
		DeltaID:       delta.ID,
		VariantID:     delta.VariantID,
		ChangeQty:     delta.ChangeQty,
		NewQty:        delta.NewQty,
		Reason:        delta.Reason,
		ReferenceType: delta.Reference.Type,
		ReferenceID:   delta.Reference.ID,
		OccurredAt:    delta.At,
	}
	if err := s.events.PublishInventoryEvent(ctx, event); err != nil {
		s.logger(ctx, "inventory_event_publish_failed", map[string]any{
			"deltaId": delta.ID,
			"error":   err.Error(),
		})
	}
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorOutOfStock:
			return fmt.Errorf("%w: %s", ErrOutOfStock, invErr.Message)
		case repositories.InventoryErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryVariantNotFound, invErr.Message)
		case repositories.InventoryErrorInvalidDelta:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInventoryVariantNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
		}
	}

	return err
}
