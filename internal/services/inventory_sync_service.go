package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storefront/checkout/internal/repositories"
)

const (
	defaultRetryBatchSize   = 50
	defaultMaxRetryAttempts = 8
	defaultRetryBaseDelay   = 30 * time.Second
	maxRetryDelay           = time.Hour
)

// ErrInventorySyncUnavailable indicates the pending queue could not be read.
var ErrInventorySyncUnavailable = errors.New("inventory sync: unavailable")

// InventorySyncServiceDeps bundles the collaborators required by the retry sweep.
type InventorySyncServiceDeps struct {
	Pending     repositories.PendingDeltaRepository
	Inventory   InventoryService
	MaxAttempts int
	BaseDelay   time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventorySyncService struct {
	pending     repositories.PendingDeltaRepository
	inventory   InventoryService
	maxAttempts int
	baseDelay   time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewInventorySyncService constructs an InventorySyncService.
func NewInventorySyncService(deps InventorySyncServiceDeps) (InventorySyncService, error) {
	if deps.Pending == nil {
		return nil, errors.New("inventory sync service: pending delta repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("inventory sync service: inventory service is required")
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetryAttempts
	}
	baseDelay := deps.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &inventorySyncService{
		pending:     deps.Pending,
		inventory:   deps.Inventory,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RetryPending replays due ledger writes. Applied and replayed entries are removed from the queue.
// Entries the ledger rejects outright, or that exhausted their attempts, are dropped and logged
// for manual reconciliation. Everything else is rescheduled with exponential backoff.
func (s *inventorySyncService) RetryPending(ctx context.Context, cmd RetryPendingCommand) (RetryPendingResult, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultRetryBatchSize
	}
	now := s.clock()
	due, err := s.pending.ListDue(ctx, now, limit)
	if err != nil {
		return RetryPendingResult{}, fmt.Errorf("%w: %v", ErrInventorySyncUnavailable, err)
	}

	var result RetryPendingResult
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++

		_, applyErr := s.inventory.ApplyDelta(ctx, ApplyDeltaCommand{
			VariantID: entry.VariantID,
			ChangeQty: entry.ChangeQty,
			Reason:    entry.Reason,
			Reference: entry.Reference,
			Actor:     entry.Actor,
		})

		fields := map[string]any{
			"pendingId": entry.ID,
			"variantId": entry.VariantID,
			"change":    entry.ChangeQty,
			"reason":    entry.Reason,
			"reference": entry.Reference.ID,
			"attempts":  entry.Attempts + 1,
		}

		switch {
		case applyErr == nil:
			result.Applied++
			s.remove(ctx, entry.ID)
			s.logger(ctx, "inventory.pending_delta_applied", fields)
		case permanentLedgerError(applyErr) || entry.Attempts+1 >= s.maxAttempts:
			result.Dropped++
			fields["error"] = applyErr.Error()
			s.remove(ctx, entry.ID)
			s.logger(ctx, "inventory.pending_delta_dropped", fields)
		default:
			result.Failed++
			next := now.Add(retryBackoff(s.baseDelay, entry.Attempts+1))
			fields["error"] = applyErr.Error()
			fields["nextAttemptAt"] = next
			if err := s.pending.MarkAttempt(ctx, entry.ID, applyErr.Error(), next); err != nil {
				fields["markError"] = err.Error()
			}
			s.logger(ctx, "inventory.pending_delta_retry_failed", fields)
		}
	}
	return result, nil
}

func (s *inventorySyncService) remove(ctx context.Context, id string) {
	if err := s.pending.Delete(ctx, id); err != nil && !isRepoNotFound(err) {
		s.logger(ctx, "inventory.pending_delta_delete_failed", map[string]any{
			"pendingId": id,
			"error":     err.Error(),
		})
	}
}

func permanentLedgerError(err error) bool {
	return errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInventoryVariantNotFound) ||
		errors.Is(err, ErrInventoryInvalidInput)
}

// retryBackoff doubles base for every attempt after the first, capped at maxRetryDelay.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
