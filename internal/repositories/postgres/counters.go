package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/storefront/checkout/internal/repositories"
)

type counterRepository struct{ s *Store }

func (r counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if strings.TrimSpace(counterID) == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	var value int64
	err := r.s.atomic(ctx, func(tx pgx.Tx) error {
		var limit *int64
		err := tx.QueryRow(ctx, `
			INSERT INTO counters (id, value) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value
			RETURNING value, max_value`, counterID, step).Scan(&value, &limit)
		if err != nil {
			return mapError("counters.next", err)
		}
		if limit != nil && value > *limit {
			return repositories.NewCounterError(repositories.CounterErrorExhausted,
				fmt.Sprintf("counter %s exceeded max value %d", counterID, *limit))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}
