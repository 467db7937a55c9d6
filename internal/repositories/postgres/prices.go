package postgres

import (
	"context"

	domain "github.com/storefront/checkout/internal/domain"
)

type priceRepository struct{ s *Store }

func (r priceRepository) Upsert(ctx context.Context, price domain.Price) (domain.Price, error) {
	_, err := r.s.q(ctx).Exec(ctx, `
		INSERT INTO prices (product_id, variant_id, unit_price, currency, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, variant_id)
		DO UPDATE SET unit_price = EXCLUDED.unit_price, currency = EXCLUDED.currency, updated_at = EXCLUDED.updated_at`,
		price.ProductID, price.VariantID, price.UnitPrice, price.Currency, price.UpdatedAt)
	if err != nil {
		return domain.Price{}, mapError("prices.upsert", err)
	}
	return price, nil
}

func (r priceRepository) GetMany(ctx context.Context, keys []domain.PriceKey) (map[domain.PriceKey]domain.Price, error) {
	out := make(map[domain.PriceKey]domain.Price, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	products := make([]string, 0, len(keys))
	variants := make([]string, 0, len(keys))
	for _, key := range keys {
		products = append(products, key.ProductID)
		variants = append(variants, key.VariantID)
	}
	rows, err := r.s.q(ctx).Query(ctx, `
		SELECT p.product_id, p.variant_id, p.unit_price, p.currency, p.updated_at
		FROM prices p
		JOIN unnest($1::text[], $2::text[]) AS k (product_id, variant_id)
		  ON p.product_id = k.product_id AND p.variant_id = k.variant_id`,
		products, variants)
	if err != nil {
		return nil, mapError("prices.get_many", err)
	}
	defer rows.Close()
	for rows.Next() {
		var price domain.Price
		if err := rows.Scan(&price.ProductID, &price.VariantID, &price.UnitPrice, &price.Currency, &price.UpdatedAt); err != nil {
			return nil, mapError("prices.get_many", err)
		}
		out[price.Key()] = price
	}
	return out, mapError("prices.get_many", rows.Err())
}
