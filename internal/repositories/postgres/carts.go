package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

type cartLineRow struct {
	ProductID    string `json:"productId"`
	VariantID    string `json:"variantId,omitempty"`
	Quantity     int    `json:"quantity"`
	UnitPrice    int64  `json:"unitPrice"`
	StockCeiling int    `json:"stockCeiling"`
	ProductName  string `json:"productName,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`
	Size         string `json:"size,omitempty"`
	Color        string `json:"color,omitempty"`
}

type cartRepository struct{ s *Store }

func (r cartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT lines, updated_at FROM carts WHERE user_id = $1`, userID).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cart{UserID: userID}, nil
	}
	if err != nil {
		return domain.Cart{}, mapError("carts.get", err)
	}
	var rows []cartLineRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return domain.Cart{}, fmt.Errorf("carts.get: decode lines: %w", err)
	}
	cart := domain.Cart{UserID: userID, UpdatedAt: updatedAt.UTC(), Lines: make([]domain.CartLine, 0, len(rows))}
	for _, row := range rows {
		cart.Lines = append(cart.Lines, domain.CartLine(row))
	}
	return cart, nil
}

func (r cartRepository) Replace(ctx context.Context, userID string, lines []domain.CartLine, updatedAt time.Time) (domain.Cart, error) {
	seen := make(map[domain.CartLineKey]struct{}, len(lines))
	rows := make([]cartLineRow, 0, len(lines))
	for _, line := range lines {
		if _, dup := seen[line.Key()]; dup {
			return domain.Cart{}, repositories.Conflict("carts.replace", fmt.Errorf("duplicate line %s/%s", line.ProductID, line.VariantID))
		}
		seen[line.Key()] = struct{}{}
		rows = append(rows, cartLineRow(line))
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("carts.replace: encode lines: %w", err)
	}
	_, err = r.s.q(ctx).Exec(ctx, `
		INSERT INTO carts (user_id, lines, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET lines = EXCLUDED.lines, updated_at = EXCLUDED.updated_at`,
		userID, raw, updatedAt)
	if err != nil {
		return domain.Cart{}, mapError("carts.replace", err)
	}
	return domain.Cart{UserID: userID, Lines: append([]domain.CartLine(nil), lines...), UpdatedAt: updatedAt}, nil
}

func (r cartRepository) Clear(ctx context.Context, userID string) error {
	_, err := r.s.q(ctx).Exec(ctx, `DELETE FROM carts WHERE user_id = $1`, userID)
	return mapError("carts.clear", err)
}
