package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

type couponRepository struct{ s *Store }

func (r couponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	var (
		c                      domain.Coupon
		kind                   string
		maxUses, maxUsesPerUsr *int32
	)
	err := r.s.q(ctx).QueryRow(ctx, `
		SELECT id, code, kind, value, min_purchase, max_discount, max_uses, max_uses_per_user,
		       used_count, starts_at, ends_at, is_active, created_at, updated_at
		FROM coupons WHERE code = $1`, strings.ToUpper(strings.TrimSpace(code))).
		Scan(&c.ID, &c.Code, &kind, &c.Value, &c.MinPurchase, &c.MaxDiscount, &maxUses, &maxUsesPerUsr,
			&c.UsedCount, &c.StartsAt, &c.EndsAt, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Coupon{}, mapError("coupons.find", err)
	}
	c.Kind = domain.CouponKind(kind)
	c.MaxUses = intPtr(maxUses)
	c.MaxUsesPerUser = intPtr(maxUsesPerUsr)
	return c, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	out := int(*v)
	return &out
}

type redemptionRepository struct{ s *Store }

func (r redemptionRepository) CountByUser(ctx context.Context, couponID, userID string) (int, error) {
	var count int
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT count(*) FROM coupon_redemptions WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID).Scan(&count)
	return count, mapError("redemptions.count", err)
}

// Redeem locks the coupon row so the global and per-user caps are checked and consumed atomically.
func (r redemptionRepository) Redeem(ctx context.Context, req repositories.RedeemRequest) (domain.CouponRedemption, error) {
	red := req.Redemption
	var result domain.CouponRedemption
	err := r.s.atomic(ctx, func(tx pgx.Tx) error {
		var usedCount int
		err := tx.QueryRow(ctx, `SELECT used_count FROM coupons WHERE id = $1 FOR UPDATE`, red.CouponID).Scan(&usedCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.NewCouponError(repositories.CouponErrorNotFound, red.CouponID, "coupon not found")
		}
		if err != nil {
			return mapError("redemptions.redeem", err)
		}

		existing, err := scanRedemption(tx.QueryRow(ctx, `
			SELECT id, coupon_id, user_id, order_id, redeemed_at
			FROM coupon_redemptions WHERE coupon_id = $1 AND order_id = $2`, red.CouponID, red.OrderID))
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return mapError("redemptions.redeem", err)
		}

		if req.MaxUses != nil && usedCount >= *req.MaxUses {
			return repositories.NewCouponError(repositories.CouponErrorExhausted, red.CouponID, "coupon usage limit reached")
		}
		if red.UserID != "" && req.MaxUsesPerUser != nil {
			var perUser int
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM coupon_redemptions WHERE coupon_id = $1 AND user_id = $2`,
				red.CouponID, red.UserID).Scan(&perUser); err != nil {
				return mapError("redemptions.redeem", err)
			}
			if perUser >= *req.MaxUsesPerUser {
				return repositories.NewCouponError(repositories.CouponErrorUserLimit, red.CouponID, "coupon already used by this customer")
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO coupon_redemptions (id, coupon_id, user_id, order_id, redeemed_at)
			VALUES ($1, $2, $3, $4, $5)`,
			red.ID, red.CouponID, red.UserID, red.OrderID, red.RedeemedAt); err != nil {
			return mapError("redemptions.redeem", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE coupons SET used_count = used_count + 1, updated_at = $2 WHERE id = $1`,
			red.CouponID, red.RedeemedAt); err != nil {
			return mapError("redemptions.redeem", err)
		}
		result = red
		return nil
	})
	return result, err
}

func (r redemptionRepository) Release(ctx context.Context, couponID, orderID string) error {
	return r.s.atomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM coupon_redemptions WHERE coupon_id = $1 AND order_id = $2`, couponID, orderID)
		if err != nil {
			return mapError("redemptions.release", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`UPDATE coupons SET used_count = GREATEST(used_count - 1, 0), updated_at = $2 WHERE id = $1`,
			couponID, time.Now().UTC())
		return mapError("redemptions.release", err)
	})
}

func scanRedemption(row pgx.Row) (domain.CouponRedemption, error) {
	var red domain.CouponRedemption
	err := row.Scan(&red.ID, &red.CouponID, &red.UserID, &red.OrderID, &red.RedeemedAt)
	return red, err
}
