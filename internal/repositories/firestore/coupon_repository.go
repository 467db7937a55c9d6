package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/checkout/internal/domain"
	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

type couponDocument struct {
	Code           string     `firestore:"code"`
	Kind           string     `firestore:"kind"`
	Value          int64      `firestore:"value"`
	MinPurchase    *int64     `firestore:"minPurchase,omitempty"`
	MaxDiscount    *int64     `firestore:"maxDiscount,omitempty"`
	MaxUses        *int       `firestore:"maxUses,omitempty"`
	MaxUsesPerUser *int       `firestore:"maxUsesPerUser,omitempty"`
	UsedCount      int        `firestore:"usedCount"`
	StartsAt       *time.Time `firestore:"startsAt,omitempty"`
	EndsAt         *time.Time `firestore:"endsAt,omitempty"`
	IsActive       bool       `firestore:"isActive"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	return domain.Coupon{
		ID:             id,
		Code:           d.Code,
		Kind:           domain.CouponKind(d.Kind),
		Value:          d.Value,
		MinPurchase:    d.MinPurchase,
		MaxDiscount:    d.MaxDiscount,
		MaxUses:        d.MaxUses,
		MaxUsesPerUser: d.MaxUsesPerUser,
		UsedCount:      d.UsedCount,
		StartsAt:       d.StartsAt,
		EndsAt:         d.EndsAt,
		IsActive:       d.IsActive,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// CouponRepository looks coupons up by their upper-cased code field.
type CouponRepository struct {
	base *pfirestore.Collection[couponDocument]
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	if len(docs) == 0 {
		return domain.Coupon{}, repositories.NotFound("coupons.find", fmt.Errorf("coupon %s not found", code))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

type redemptionDocument struct {
	RedemptionID string    `firestore:"redemptionId"`
	CouponID     string    `firestore:"couponId"`
	UserID       string    `firestore:"userId"`
	OrderID      string    `firestore:"orderId"`
	RedeemedAt   time.Time `firestore:"redeemedAt"`
}

func (d redemptionDocument) toDomain() domain.CouponRedemption {
	return domain.CouponRedemption{
		ID:         d.RedemptionID,
		CouponID:   d.CouponID,
		UserID:     d.UserID,
		OrderID:    d.OrderID,
		RedeemedAt: d.RedeemedAt,
	}
}

// RedemptionRepository keys redemption documents by (coupon, order) so a replayed checkout
// finds its own earlier redemption.
type RedemptionRepository struct {
	provider    *pfirestore.Provider
	coupons     *pfirestore.Collection[couponDocument]
	redemptions *pfirestore.Collection[redemptionDocument]
}

func newRedemptionRepository(provider *pfirestore.Provider) *RedemptionRepository {
	return &RedemptionRepository{
		provider:    provider,
		coupons:     pfirestore.NewCollection[couponDocument](provider, couponsCollection),
		redemptions: pfirestore.NewCollection[redemptionDocument](provider, redemptionsCollection),
	}
}

func (r *RedemptionRepository) CountByUser(ctx context.Context, couponID, userID string) (int, error) {
	docs, err := r.redemptions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("couponId", "==", couponID).Where("userId", "==", userID)
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *RedemptionRepository) Redeem(ctx context.Context, req repositories.RedeemRequest) (domain.CouponRedemption, error) {
	red := req.Redemption
	var result domain.CouponRedemption
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		couponRef, err := r.coupons.DocumentRef(ctx, red.CouponID)
		if err != nil {
			return err
		}
		redRef, err := r.redemptions.DocumentRef(ctx, hashedID(red.CouponID, red.OrderID))
		if err != nil {
			return err
		}

		couponSnap, err := tx.Get(couponRef)
		if pfirestore.IsNotFound(err) {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, red.CouponID, "coupon not found")
		}
		if err != nil {
			return err
		}
		var coupon couponDocument
		if err := couponSnap.DataTo(&coupon); err != nil {
			return fmt.Errorf("decode coupon %s: %w", red.CouponID, err)
		}

		existing, err := tx.Get(redRef)
		if err == nil {
			var doc redemptionDocument
			if err := existing.DataTo(&doc); err != nil {
				return fmt.Errorf("decode redemption: %w", err)
			}
			result = doc.toDomain()
			return nil
		}
		if !pfirestore.IsNotFound(err) {
			return err
		}

		if req.MaxUses != nil && coupon.UsedCount >= *req.MaxUses {
			return repositories.NewCouponError(repositories.CouponErrorExhausted, red.CouponID, "coupon usage limit reached")
		}
		if red.UserID != "" && req.MaxUsesPerUser != nil {
			client, err := r.provider.Client(ctx)
			if err != nil {
				return err
			}
			query := client.Collection(redemptionsCollection).
				Where("couponId", "==", red.CouponID).
				Where("userId", "==", red.UserID)
			snaps, err := tx.Documents(query).GetAll()
			if err != nil {
				return err
			}
			if len(snaps) >= *req.MaxUsesPerUser {
				return repositories.NewCouponError(repositories.CouponErrorUserLimit, red.CouponID, "coupon already used by this customer")
			}
		}

		if err := tx.Create(redRef, redemptionDocument{
			RedemptionID: red.ID,
			CouponID:     red.CouponID,
			UserID:       red.UserID,
			OrderID:      red.OrderID,
			RedeemedAt:   red.RedeemedAt,
		}); err != nil {
			return err
		}
		if err := tx.Update(couponRef, []firestore.Update{
			{Path: "usedCount", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: red.RedeemedAt},
		}); err != nil {
			return err
		}
		result = red
		return nil
	})
	if err != nil {
		return domain.CouponRedemption{}, passTyped("redemptions.redeem", err)
	}
	return result, nil
}

func (r *RedemptionRepository) Release(ctx context.Context, couponID, orderID string) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		couponRef, err := r.coupons.DocumentRef(ctx, couponID)
		if err != nil {
			return err
		}
		redRef, err := r.redemptions.DocumentRef(ctx, hashedID(couponID, orderID))
		if err != nil {
			return err
		}
		if _, err := tx.Get(redRef); err != nil {
			if pfirestore.IsNotFound(err) {
				return nil
			}
			return err
		}
		couponSnap, err := tx.Get(couponRef)
		if err != nil && !pfirestore.IsNotFound(err) {
			return err
		}
		if err := tx.Delete(redRef); err != nil {
			return err
		}
		if couponSnap == nil || !couponSnap.Exists() {
			return nil
		}
		var coupon couponDocument
		if err := couponSnap.DataTo(&coupon); err != nil {
			return fmt.Errorf("decode coupon %s: %w", couponID, err)
		}
		if coupon.UsedCount <= 0 {
			return nil
		}
		return tx.Update(couponRef, []firestore.Update{
			{Path: "usedCount", Value: firestore.Increment(-1)},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	return passTyped("redemptions.release", err)
}
