package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository issues order-number sequences through Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
}

func newCounterRepository(provider *pfirestore.Provider) *CounterRepository {
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
	}
}

// Next atomically increments the counter identified by counterID and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}
	if step <= 0 {
		step = 1
	}

	now := time.Now().UTC()
	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if pfirestore.IsNotFound(err) {
			next = step
			return tx.Create(ref, counterDocument{CurrentValue: step, UpdatedAt: now})
		}
		if err != nil {
			return err
		}
		var doc counterDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode counter %s: %w", id, err)
		}
		value := doc.CurrentValue + step
		if doc.MaxValue != nil && value > *doc.MaxValue {
			return repositories.NewCounterError(repositories.CounterErrorExhausted,
				fmt.Sprintf("counter %s exceeded max value %d", id, *doc.MaxValue))
		}
		next = value
		return tx.Update(ref, []firestore.Update{
			{Path: "currentValue", Value: value},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return 0, passTyped("counters.next", err)
	}
	return next, nil
}
