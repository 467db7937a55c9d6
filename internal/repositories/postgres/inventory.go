package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

const deltaColumns = `id, variant_id, previous_qty, new_qty, change_qty, reason, reference_type, reference_id, actor, at`

type inventoryRepository struct{ s *Store }

// ApplyDelta moves stock with a single conditional UPDATE so concurrent decrements can never
// take a variant below zero, then appends the ledger row in the same transaction.
func (r inventoryRepository) ApplyDelta(ctx context.Context, req repositories.DeltaRequest) (repositories.DeltaResult, error) {
	if req.ChangeQty == 0 {
		return repositories.DeltaResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidDelta, req.VariantID, "change quantity must be non-zero")
	}

	var result repositories.DeltaResult
	err := r.s.atomic(ctx, func(tx pgx.Tx) error {
		if req.Reference.ID != "" {
			existing, err := r.findByReference(ctx, tx, req)
			if err == nil {
				result = repositories.DeltaResult{Delta: existing, Replayed: true}
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return mapError("inventory.apply", err)
			}
		}

		var newQty int
		err := tx.QueryRow(ctx, `
			UPDATE variants SET stock_quantity = stock_quantity + $2, updated_at = $3
			WHERE id = $1 AND stock_quantity + $2 >= 0
			RETURNING stock_quantity`, req.VariantID, req.ChangeQty, req.At).Scan(&newQty)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.explainRejected(ctx, tx, req)
		}
		if err != nil {
			return mapError("inventory.apply", err)
		}

		delta := domain.InventoryDelta{
			ID:          req.DeltaID,
			VariantID:   req.VariantID,
			PreviousQty: newQty - req.ChangeQty,
			NewQty:      newQty,
			ChangeQty:   req.ChangeQty,
			Reason:      req.Reason,
			Reference:   req.Reference,
			Actor:       req.Actor,
			At:          req.At,
		}
		_, err = tx.Exec(ctx, `INSERT INTO inventory_deltas (`+deltaColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			delta.ID, delta.VariantID, delta.PreviousQty, delta.NewQty, delta.ChangeQty, delta.Reason,
			delta.Reference.Type, delta.Reference.ID, delta.Actor, delta.At)
		if err != nil {
			return mapError("inventory.apply", err)
		}
		result = repositories.DeltaResult{Delta: delta}
		return nil
	})
	if err != nil && isUniqueViolation(err) && req.Reference.ID != "" {
		// A concurrent writer recorded the same reference first; its row is the answer.
		existing, findErr := r.findByReference(ctx, r.s.q(ctx), req)
		if findErr == nil {
			return repositories.DeltaResult{Delta: existing, Replayed: true}, nil
		}
	}
	if err != nil {
		return repositories.DeltaResult{}, err
	}
	return result, nil
}

func (r inventoryRepository) findByReference(ctx context.Context, db querier, req repositories.DeltaRequest) (domain.InventoryDelta, error) {
	return scanDelta(db.QueryRow(ctx, `SELECT `+deltaColumns+` FROM inventory_deltas
		WHERE reference_type = $1 AND reference_id = $2 AND variant_id = $3 AND reason = $4`,
		req.Reference.Type, req.Reference.ID, req.VariantID, req.Reason))
}

func (r inventoryRepository) explainRejected(ctx context.Context, tx pgx.Tx, req repositories.DeltaRequest) error {
	var current int
	err := tx.QueryRow(ctx, `SELECT stock_quantity FROM variants WHERE id = $1`, req.VariantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewInventoryError(repositories.InventoryErrorVariantNotFound, req.VariantID, "variant not found")
	}
	if err != nil {
		return mapError("inventory.apply", err)
	}
	return repositories.NewInventoryError(repositories.InventoryErrorOutOfStock, req.VariantID,
		fmt.Sprintf("variant %s has %d units, cannot apply %d", req.VariantID, current, req.ChangeQty))
}

func (r inventoryRepository) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	var v domain.Variant
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT id, product_id, stock_quantity, updated_at FROM variants WHERE id = $1`, variantID).
		Scan(&v.ID, &v.ProductID, &v.StockQuantity, &v.UpdatedAt)
	if err != nil {
		return domain.Variant{}, mapError("variants.get", err)
	}
	return v, nil
}

func (r inventoryRepository) GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	out := make(map[string]domain.Variant, len(variantIDs))
	if len(variantIDs) == 0 {
		return out, nil
	}
	rows, err := r.s.q(ctx).Query(ctx,
		`SELECT id, product_id, stock_quantity, updated_at FROM variants WHERE id = ANY($1)`, variantIDs)
	if err != nil {
		return nil, mapError("variants.get_many", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.StockQuantity, &v.UpdatedAt); err != nil {
			return nil, mapError("variants.get_many", err)
		}
		out[v.ID] = v
	}
	return out, mapError("variants.get_many", rows.Err())
}

func (r inventoryRepository) ListDeltas(ctx context.Context, variantID string) ([]domain.InventoryDelta, error) {
	rows, err := r.s.q(ctx).Query(ctx,
		`SELECT `+deltaColumns+` FROM inventory_deltas WHERE variant_id = $1 ORDER BY seq`, variantID)
	if err != nil {
		return nil, mapError("inventory.list_deltas", err)
	}
	deltas, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.InventoryDelta, error) {
		return scanDelta(row)
	})
	return deltas, mapError("inventory.list_deltas", err)
}

func scanDelta(row pgx.Row) (domain.InventoryDelta, error) {
	var d domain.InventoryDelta
	err := row.Scan(&d.ID, &d.VariantID, &d.PreviousQty, &d.NewQty, &d.ChangeQty, &d.Reason,
		&d.Reference.Type, &d.Reference.ID, &d.Actor, &d.At)
	return d, err
}

const pendingColumns = `id, variant_id, change_qty, reason, reference_type, reference_id, actor,
	attempts, last_error, next_attempt_at, created_at`

type pendingDeltaRepository struct{ s *Store }

func (r pendingDeltaRepository) Enqueue(ctx context.Context, p domain.PendingInventoryDelta) error {
	_, err := r.s.q(ctx).Exec(ctx, `INSERT INTO pending_inventory_deltas (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.VariantID, p.ChangeQty, p.Reason, p.Reference.Type, p.Reference.ID, p.Actor,
		p.Attempts, p.LastError, p.NextAttemptAt, p.CreatedAt)
	return mapError("pending_deltas.enqueue", err)
}

func (r pendingDeltaRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.PendingInventoryDelta, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_inventory_deltas
		WHERE next_attempt_at <= $1 ORDER BY next_attempt_at, id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("pending_deltas.list_due", err)
	}
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PendingInventoryDelta, error) {
		var p domain.PendingInventoryDelta
		err := row.Scan(&p.ID, &p.VariantID, &p.ChangeQty, &p.Reason, &p.Reference.Type, &p.Reference.ID,
			&p.Actor, &p.Attempts, &p.LastError, &p.NextAttemptAt, &p.CreatedAt)
		return p, err
	})
	return due, mapError("pending_deltas.list_due", err)
}

func (r pendingDeltaRepository) MarkAttempt(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error {
	tag, err := r.s.q(ctx).Exec(ctx, `
		UPDATE pending_inventory_deltas
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1`, id, lastError, nextAttemptAt)
	if err != nil {
		return mapError("pending_deltas.mark", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("pending_deltas.mark", fmt.Errorf("pending delta %s not found", id))
	}
	return nil
}

func (r pendingDeltaRepository) Delete(ctx context.Context, id string) error {
	_, err := r.s.q(ctx).Exec(ctx, `DELETE FROM pending_inventory_deltas WHERE id = $1`, id)
	return mapError("pending_deltas.delete", err)
}
