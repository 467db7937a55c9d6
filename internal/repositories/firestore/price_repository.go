package firestore

import (
	"context"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
)

const pricesCollection = "prices"

type priceDocument struct {
	ProductID string    `firestore:"productId"`
	VariantID string    `firestore:"variantId"`
	UnitPrice int64     `firestore:"unitPrice"`
	Currency  string    `firestore:"currency"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d priceDocument) toDomain() domain.Price {
	return domain.Price{
		ProductID: d.ProductID,
		VariantID: d.VariantID,
		UnitPrice: d.UnitPrice,
		Currency:  d.Currency,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// PriceRepository keeps one document per (product, variant) under a hashed id.
type PriceRepository struct {
	base *pfirestore.Collection[priceDocument]
}

func newPriceRepository(provider *pfirestore.Provider) *PriceRepository {
	return &PriceRepository{base: pfirestore.NewCollection[priceDocument](provider, pricesCollection)}
}

func priceDocID(key domain.PriceKey) string {
	return hashedID(key.ProductID, key.VariantID)
}

func (r *PriceRepository) Upsert(ctx context.Context, price domain.Price) (domain.Price, error) {
	_, err := r.base.Set(ctx, priceDocID(price.Key()), priceDocument{
		ProductID: price.ProductID,
		VariantID: price.VariantID,
		UnitPrice: price.UnitPrice,
		Currency:  price.Currency,
		UpdatedAt: price.UpdatedAt,
	})
	if err != nil {
		return domain.Price{}, err
	}
	return price, nil
}

func (r *PriceRepository) GetMany(ctx context.Context, keys []domain.PriceKey) (map[domain.PriceKey]domain.Price, error) {
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, priceDocID(key))
	}
	docs, err := r.base.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.PriceKey]domain.Price, len(docs))
	for _, doc := range docs {
		price := doc.Data.toDomain()
		out[price.Key()] = price
	}
	return out, nil
}
