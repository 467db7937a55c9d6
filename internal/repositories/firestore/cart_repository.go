package firestore

import (
	"context"
	"fmt"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

type cartDocument struct {
	Lines     []cartLineDocument `firestore:"lines"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ProductID    string `firestore:"productId"`
	VariantID    string `firestore:"variantId,omitempty"`
	Quantity     int    `firestore:"quantity"`
	UnitPrice    int64  `firestore:"unitPrice"`
	StockCeiling int    `firestore:"stockCeiling"`
	ProductName  string `firestore:"productName,omitempty"`
	ImageURL     string `firestore:"imageUrl,omitempty"`
	Size         string `firestore:"size,omitempty"`
	Color        string `firestore:"color,omitempty"`
}

// CartRepository stores one document per user holding the full line set.
type CartRepository struct {
	base *pfirestore.Collection[cartDocument]
}

func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	doc, err := r.base.Get(ctx, userID)
	if pfirestore.IsNotFound(err) {
		return domain.Cart{UserID: userID}, nil
	}
	if err != nil {
		return domain.Cart{}, err
	}
	cart := domain.Cart{UserID: userID, UpdatedAt: doc.Data.UpdatedAt.UTC(), Lines: make([]domain.CartLine, 0, len(doc.Data.Lines))}
	for _, line := range doc.Data.Lines {
		cart.Lines = append(cart.Lines, domain.CartLine(line))
	}
	return cart, nil
}

func (r *CartRepository) Replace(ctx context.Context, userID string, lines []domain.CartLine, updatedAt time.Time) (domain.Cart, error) {
	seen := make(map[domain.CartLineKey]struct{}, len(lines))
	doc := cartDocument{Lines: make([]cartLineDocument, 0, len(lines)), UpdatedAt: updatedAt}
	for _, line := range lines {
		if _, dup := seen[line.Key()]; dup {
			return domain.Cart{}, repositories.Conflict("carts.replace", fmt.Errorf("duplicate line %s/%s", line.ProductID, line.VariantID))
		}
		seen[line.Key()] = struct{}{}
		doc.Lines = append(doc.Lines, cartLineDocument(line))
	}
	if _, err := r.base.Set(ctx, userID, doc); err != nil {
		return domain.Cart{}, err
	}
	return domain.Cart{UserID: userID, Lines: append([]domain.CartLine(nil), lines...), UpdatedAt: updatedAt}, nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	ref, err := r.base.DocumentRef(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}
