package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

const (
	couponReasonInvalid      = "Invalid coupon code"
	couponReasonNotStarted   = "This coupon is not yet active"
	couponReasonExpired      = "This coupon has expired"
	couponReasonExhausted    = "This coupon has reached its usage limit"
	couponReasonMinPurchase  = "Minimum purchase of %.2f required"
	couponReasonUserLimit    = "You have already used this coupon"
	couponRedemptionIDPrefix = "red_"
)

var (
	// ErrCouponInvalidInput indicates the caller supplied invalid coupon parameters.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponRejected indicates the coupon failed validation or a redemption cap.
	ErrCouponRejected = errors.New("coupon: rejected")
	// ErrCouponUnavailable indicates coupon storage could not be reached.
	ErrCouponUnavailable = errors.New("coupon: unavailable")
)

// CouponRejection carries the shopper-facing reason a coupon could not be applied.
type CouponRejection struct {
	Reason string
}

func (e *CouponRejection) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%v: %s", ErrCouponRejected, e.Reason)
}

func (e *CouponRejection) Unwrap() error {
	return ErrCouponRejected
}

// CouponServiceDeps bundles collaborators required by the coupon engine.
type CouponServiceDeps struct {
	Coupons     repositories.CouponRepository
	Redemptions repositories.RedemptionRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	coupons     repositories.CouponRepository
	redemptions repositories.RedemptionRepository
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewCouponService constructs a CouponService validating required dependencies.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	if deps.Redemptions == nil {
		return nil, errors.New("coupon service: redemption repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &couponService{
		coupons:     deps.Coupons,
		redemptions: deps.Redemptions,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Validate runs the coupon checks in order and stops at the first failure.
// Anonymous callers skip the per-user cap.
func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	code := normalizeCouponCode(cmd.Code)
	if code == "" {
		return rejected(couponReasonInvalid), nil
	}
	if cmd.Subtotal < 0 {
		return CouponValidation{}, fmt.Errorf("%w: subtotal must not be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return rejected(couponReasonInvalid), nil
		}
		s.logger(ctx, "coupon.lookup_failed", map[string]any{
			"code":  code,
			"error": err.Error(),
		})
		return CouponValidation{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}

	if reason := checkCouponWindow(coupon, s.clock()); reason != "" {
		return rejected(reason), nil
	}
	if coupon.MaxUses != nil && coupon.UsedCount >= *coupon.MaxUses {
		return rejected(couponReasonExhausted), nil
	}
	if coupon.MinPurchase != nil && cmd.Subtotal < *coupon.MinPurchase {
		return rejected(fmt.Sprintf(couponReasonMinPurchase, domain.MajorUnits(*coupon.MinPurchase))), nil
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID != "" && coupon.MaxUsesPerUser != nil {
		used, err := s.redemptions.CountByUser(ctx, coupon.ID, userID)
		if err != nil {
			s.logger(ctx, "coupon.count_failed", map[string]any{
				"couponId": coupon.ID,
				"userId":   userID,
				"error":    err.Error(),
			})
			return CouponValidation{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
		}
		if used >= *coupon.MaxUsesPerUser {
			return rejected(couponReasonUserLimit), nil
		}
	}

	discount, freeShipping := DiscountFor(coupon, cmd.Subtotal)
	return CouponValidation{
		OK:             true,
		DiscountAmount: discount,
		FreeShipping:   freeShipping,
		Coupon:         &coupon,
	}, nil
}

// ApplyToOrder records one redemption and increments the coupon's used count atomically.
// The caps are re-checked by the repository inside the same write.
func (s *couponService) ApplyToOrder(ctx context.Context, cmd ApplyCouponCommand) (CouponRedemption, error) {
	code := normalizeCouponCode(cmd.Code)
	orderID := strings.TrimSpace(cmd.OrderID)
	if code == "" || orderID == "" {
		return CouponRedemption{}, fmt.Errorf("%w: code and order id are required", ErrCouponInvalidInput)
	}

	coupon, err := s.coupons.FindByCode(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return CouponRedemption{}, &CouponRejection{Reason: couponReasonInvalid}
		}
		return CouponRedemption{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	if reason := checkCouponWindow(coupon, s.clock()); reason != "" {
		return CouponRedemption{}, &CouponRejection{Reason: reason}
	}

	now := s.clock()
	redemption, err := s.redemptions.Redeem(ctx, repositories.RedeemRequest{
		Redemption: domain.CouponRedemption{
			ID:         couponRedemptionIDPrefix + s.newID(),
			CouponID:   coupon.ID,
			UserID:     strings.TrimSpace(cmd.UserID),
			OrderID:    orderID,
			RedeemedAt: now,
		},
		MaxUses:        coupon.MaxUses,
		MaxUsesPerUser: coupon.MaxUsesPerUser,
	})
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) {
			switch couponErr.Code {
			case repositories.CouponErrorExhausted:
				return CouponRedemption{}, &CouponRejection{Reason: couponReasonExhausted}
			case repositories.CouponErrorUserLimit:
				return CouponRedemption{}, &CouponRejection{Reason: couponReasonUserLimit}
			case repositories.CouponErrorNotFound:
				return CouponRedemption{}, &CouponRejection{Reason: couponReasonInvalid}
			}
		}
		s.logger(ctx, "coupon.redeem_failed", map[string]any{
			"couponId": coupon.ID,
			"orderId":  orderID,
			"error":    err.Error(),
		})
		return CouponRedemption{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}

	s.logger(ctx, "coupon.redeemed", map[string]any{
		"couponId": coupon.ID,
		"orderId":  orderID,
		"userId":   redemption.UserID,
	})
	return redemption, nil
}

// ReleaseForOrder undoes the redemption recorded for an order.
func (s *couponService) ReleaseForOrder(ctx context.Context, couponID, orderID string) error {
	couponID = strings.TrimSpace(couponID)
	orderID = strings.TrimSpace(orderID)
	if couponID == "" || orderID == "" {
		return fmt.Errorf("%w: coupon id and order id are required", ErrCouponInvalidInput)
	}
	if err := s.redemptions.Release(ctx, couponID, orderID); err != nil {
		return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	return nil
}

// DiscountFor computes the discount a coupon grants on a subtotal, in minor units.
// Percentage discounts round half up and respect MaxDiscount; fixed discounts never exceed
// the subtotal; free shipping grants no line discount and reports freeShipping instead.
func DiscountFor(coupon Coupon, subtotal int64) (discount int64, freeShipping bool) {
	if subtotal <= 0 {
		return 0, coupon.Kind == domain.CouponKindFreeShipping
	}
	switch coupon.Kind {
	case domain.CouponKindPercentage:
		discount = (subtotal*coupon.Value + 50) / 100
		if coupon.MaxDiscount != nil && discount > *coupon.MaxDiscount {
			discount = *coupon.MaxDiscount
		}
	case domain.CouponKindFixed:
		discount = coupon.Value
	case domain.CouponKindFreeShipping:
		return 0, true
	}
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount, false
}

func checkCouponWindow(coupon Coupon, now time.Time) string {
	if !coupon.IsActive {
		return couponReasonInvalid
	}
	if coupon.StartsAt != nil && now.Before(*coupon.StartsAt) {
		return couponReasonNotStarted
	}
	if coupon.EndsAt != nil && now.After(*coupon.EndsAt) {
		return couponReasonExpired
	}
	return ""
}

func rejected(reason string) CouponValidation {
	return CouponValidation{OK: false, Reason: reason}
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
