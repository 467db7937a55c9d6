package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/checkout/internal/domain"
	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

type variantDocument struct {
	ProductID     string    `firestore:"productId"`
	StockQuantity int       `firestore:"stockQuantity"`
	LedgerSeq     int64     `firestore:"ledgerSeq"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

// deltaDocument rows are ordered by Seq, which the ledger write takes from the variant's
// ledgerSeq in the same transaction. At is caller-stamped and may interleave under retries.
type deltaDocument struct {
	VariantID     string    `firestore:"variantId"`
	Seq           int64     `firestore:"seq"`
	PreviousQty   int       `firestore:"previousQty"`
	NewQty        int       `firestore:"newQty"`
	ChangeQty     int       `firestore:"changeQty"`
	Reason        string    `firestore:"reason"`
	ReferenceType string    `firestore:"referenceType,omitempty"`
	ReferenceID   string    `firestore:"referenceId,omitempty"`
	Actor         string    `firestore:"actor,omitempty"`
	At            time.Time `firestore:"at"`
}

func (d deltaDocument) toDomain(id string) domain.InventoryDelta {
	return domain.InventoryDelta{
		ID:          id,
		VariantID:   d.VariantID,
		PreviousQty: d.PreviousQty,
		NewQty:      d.NewQty,
		ChangeQty:   d.ChangeQty,
		Reason:      d.Reason,
		Reference:   domain.InventoryReference{Type: d.ReferenceType, ID: d.ReferenceID},
		Actor:       d.Actor,
		At:          d.At.UTC(),
	}
}

type deltaRefDocument struct {
	DeltaID string `firestore:"deltaId"`
}

// InventoryRepository is the Firestore inventory ledger. The variant read, the stock update,
// the ledger row and its reference marker are all part of one transaction, so Firestore's
// optimistic concurrency retries a racing buyer against the fresh stock level.
type InventoryRepository struct {
	provider *pfirestore.Provider
	variants *pfirestore.Collection[variantDocument]
	deltas   *pfirestore.Collection[deltaDocument]
	refs     *pfirestore.Collection[deltaRefDocument]
}

func newInventoryRepository(provider *pfirestore.Provider) *InventoryRepository {
	return &InventoryRepository{
		provider: provider,
		variants: pfirestore.NewCollection[variantDocument](provider, variantsCollection),
		deltas:   pfirestore.NewCollection[deltaDocument](provider, deltasCollection),
		refs:     pfirestore.NewCollection[deltaRefDocument](provider, deltaRefsCollection),
	}
}

func (r *InventoryRepository) ApplyDelta(ctx context.Context, req repositories.DeltaRequest) (repositories.DeltaResult, error) {
	if req.ChangeQty == 0 {
		return repositories.DeltaResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidDelta, req.VariantID, "change quantity must be non-zero")
	}

	var result repositories.DeltaResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		variantRef, err := r.variants.DocumentRef(ctx, req.VariantID)
		if err != nil {
			return err
		}
		deltaRef, err := r.deltas.DocumentRef(ctx, req.DeltaID)
		if err != nil {
			return err
		}

		var refRef *firestore.DocumentRef
		if req.Reference.ID != "" {
			if refRef, err = r.refs.DocumentRef(ctx, hashedID(req.Reference.Type, req.Reference.ID, req.VariantID, req.Reason)); err != nil {
				return err
			}
			marker, err := tx.Get(refRef)
			if err == nil {
				ref, err := pfirestore.Decode[deltaRefDocument](marker)
				if err != nil {
					return err
				}
				prior, err := r.deltas.DocumentRef(ctx, ref.Data.DeltaID)
				if err != nil {
					return err
				}
				snap, err := tx.Get(prior)
				if err != nil {
					return err
				}
				doc, err := pfirestore.Decode[deltaDocument](snap)
				if err != nil {
					return err
				}
				result = repositories.DeltaResult{Delta: doc.Data.toDomain(doc.ID), Replayed: true}
				return nil
			}
			if !pfirestore.IsNotFound(err) {
				return err
			}
		}

		snap, err := tx.Get(variantRef)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NewInventoryError(repositories.InventoryErrorVariantNotFound, req.VariantID, "variant not found")
			}
			return err
		}
		variant, err := pfirestore.Decode[variantDocument](snap)
		if err != nil {
			return err
		}
		doc, err := nextLedgerEntry(variant.Data, req)
		if err != nil {
			return err
		}
		if err := tx.Update(variantRef, []firestore.Update{
			{Path: "stockQuantity", Value: doc.NewQty},
			{Path: "ledgerSeq", Value: doc.Seq},
			{Path: "updatedAt", Value: req.At},
		}); err != nil {
			return err
		}
		if err := tx.Create(deltaRef, doc); err != nil {
			return err
		}
		if refRef != nil {
			if err := tx.Create(refRef, deltaRefDocument{DeltaID: req.DeltaID}); err != nil {
				return err
			}
		}
		result = repositories.DeltaResult{Delta: doc.toDomain(req.DeltaID)}
		return nil
	})
	if err != nil {
		return repositories.DeltaResult{}, passTyped("inventory.apply", err)
	}
	return result, nil
}

// nextLedgerEntry builds the ledger row that follows the variant's current state.
func nextLedgerEntry(variant variantDocument, req repositories.DeltaRequest) (deltaDocument, error) {
	newQty := variant.StockQuantity + req.ChangeQty
	if newQty < 0 {
		return deltaDocument{}, repositories.NewInventoryError(repositories.InventoryErrorOutOfStock, req.VariantID,
			fmt.Sprintf("variant %s has %d units, cannot apply %d", req.VariantID, variant.StockQuantity, req.ChangeQty))
	}
	return deltaDocument{
		VariantID:     req.VariantID,
		Seq:           variant.LedgerSeq + 1,
		PreviousQty:   variant.StockQuantity,
		NewQty:        newQty,
		ChangeQty:     req.ChangeQty,
		Reason:        req.Reason,
		ReferenceType: req.Reference.Type,
		ReferenceID:   req.Reference.ID,
		Actor:         req.Actor,
		At:            req.At,
	}, nil
}

func (r *InventoryRepository) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	doc, err := r.variants.Get(ctx, variantID)
	if err != nil {
		return domain.Variant{}, err
	}
	return domain.Variant{
		ID:            doc.ID,
		ProductID:     doc.Data.ProductID,
		StockQuantity: doc.Data.StockQuantity,
		UpdatedAt:     doc.Data.UpdatedAt.UTC(),
	}, nil
}

func (r *InventoryRepository) GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	docs, err := r.variants.GetMany(ctx, variantIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Variant, len(docs))
	for id, doc := range docs {
		out[id] = domain.Variant{
			ID:            id,
			ProductID:     doc.Data.ProductID,
			StockQuantity: doc.Data.StockQuantity,
			UpdatedAt:     doc.Data.UpdatedAt.UTC(),
		}
	}
	return out, nil
}

func (r *InventoryRepository) ListDeltas(ctx context.Context, variantID string) ([]domain.InventoryDelta, error) {
	docs, err := r.deltas.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("variantId", "==", variantID).OrderBy("seq", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.InventoryDelta, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

type pendingDocument struct {
	VariantID     string    `firestore:"variantId"`
	ChangeQty     int       `firestore:"changeQty"`
	Reason        string    `firestore:"reason"`
	ReferenceType string    `firestore:"referenceType,omitempty"`
	ReferenceID   string    `firestore:"referenceId,omitempty"`
	Actor         string    `firestore:"actor,omitempty"`
	Attempts      int       `firestore:"attempts"`
	LastError     string    `firestore:"lastError,omitempty"`
	NextAttemptAt time.Time `firestore:"nextAttemptAt"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

// PendingDeltaRepository queues ledger writes for the retry sweep.
type PendingDeltaRepository struct {
	base *pfirestore.Collection[pendingDocument]
}

func (r *PendingDeltaRepository) Enqueue(ctx context.Context, p domain.PendingInventoryDelta) error {
	ref, err := r.base.DocumentRef(ctx, p.ID)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, pendingDocument{
		VariantID:     p.VariantID,
		ChangeQty:     p.ChangeQty,
		Reason:        p.Reason,
		ReferenceType: p.Reference.Type,
		ReferenceID:   p.Reference.ID,
		Actor:         p.Actor,
		Attempts:      p.Attempts,
		LastError:     p.LastError,
		NextAttemptAt: p.NextAttemptAt,
		CreatedAt:     p.CreatedAt,
	})
	return pfirestore.WrapError("pending_deltas.enqueue", err)
}

func (r *PendingDeltaRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.PendingInventoryDelta, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("nextAttemptAt", "<=", now).
			OrderBy("nextAttemptAt", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PendingInventoryDelta, 0, len(docs))
	for _, doc := range docs {
		d := doc.Data
		out = append(out, domain.PendingInventoryDelta{
			ID:            doc.ID,
			VariantID:     d.VariantID,
			ChangeQty:     d.ChangeQty,
			Reason:        d.Reason,
			Reference:     domain.InventoryReference{Type: d.ReferenceType, ID: d.ReferenceID},
			Actor:         d.Actor,
			Attempts:      d.Attempts,
			LastError:     d.LastError,
			NextAttemptAt: d.NextAttemptAt.UTC(),
			CreatedAt:     d.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (r *PendingDeltaRepository) MarkAttempt(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error {
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "attempts", Value: firestore.Increment(1)},
		{Path: "lastError", Value: lastError},
		{Path: "nextAttemptAt", Value: nextAttemptAt},
	}, firestore.Exists)
	return err
}

func (r *PendingDeltaRepository) Delete(ctx context.Context, id string) error {
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("pending_deltas.delete", err)
}
