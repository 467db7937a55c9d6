package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories/memory"
)

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func newTestCouponService(t *testing.T, store *memory.Store, now time.Time) CouponService {
	t.Helper()
	svc, err := NewCouponService(CouponServiceDeps{
		Coupons:     store.Coupons(),
		Redemptions: store.Redemptions(),
		Clock:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new coupon service: %v", err)
	}
	return svc
}

func TestDiscountForPercentageCapsAtMaxDiscount(t *testing.T) {
	coupon := Coupon{Kind: domain.CouponKindPercentage, Value: 20, MinPurchase: int64Ptr(0), MaxDiscount: int64Ptr(1000)}
	discount, free := DiscountFor(coupon, 10000)
	if discount != 1000 || free {
		t.Fatalf("expected capped discount 1000, got %d (free=%v)", discount, free)
	}
}

func TestDiscountForFixedClampsToSubtotal(t *testing.T) {
	coupon := Coupon{Kind: domain.CouponKindFixed, Value: 500}
	discount, _ := DiscountFor(coupon, 300)
	if discount != 300 {
		t.Fatalf("expected discount clamped to 300, got %d", discount)
	}
	totals := domain.ComputeTotals(300, discount, 0)
	if totals.Total != 0 {
		t.Fatalf("expected total 0, got %d", totals.Total)
	}
}

func TestDiscountForPercentageRoundsHalfUp(t *testing.T) {
	coupon := Coupon{Kind: domain.CouponKindPercentage, Value: 15}
	// 15% of 1.30 is 0.195, which rounds to 0.20.
	discount, _ := DiscountFor(coupon, 130)
	if discount != 20 {
		t.Fatalf("expected 20, got %d", discount)
	}
}

func TestDiscountForFreeShipping(t *testing.T) {
	discount, free := DiscountFor(Coupon{Kind: domain.CouponKindFreeShipping}, 5000)
	if discount != 0 || !free {
		t.Fatalf("expected free shipping with no discount, got %d/%v", discount, free)
	}
}

func TestCouponValidateChecksInOrder(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)

	cases := []struct {
		name     string
		coupon   domain.Coupon
		subtotal int64
		reason   string
	}{
		{
			name:     "inactive",
			coupon:   domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100},
			subtotal: 1000,
			reason:   couponReasonInvalid,
		},
		{
			name:     "not started",
			coupon:   domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, StartsAt: &future},
			subtotal: 1000,
			reason:   couponReasonNotStarted,
		},
		{
			name:     "expired",
			coupon:   domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, EndsAt: &past},
			subtotal: 1000,
			reason:   couponReasonExpired,
		},
		{
			name:     "exhausted before min purchase",
			coupon:   domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, MaxUses: intPtr(3), UsedCount: 3, MinPurchase: int64Ptr(5000)},
			subtotal: 1000,
			reason:   couponReasonExhausted,
		},
		{
			name:     "below minimum",
			coupon:   domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, MinPurchase: int64Ptr(5000)},
			subtotal: 1000,
			reason:   "Minimum purchase of 50.00 required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			store.PutCoupon(tc.coupon)
			svc := newTestCouponService(t, store, now)

			result, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "off", Subtotal: tc.subtotal})
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if result.OK {
				t.Fatalf("expected rejection")
			}
			if result.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, result.Reason)
			}
		})
	}
}

func TestCouponValidateUnknownCode(t *testing.T) {
	svc := newTestCouponService(t, memory.NewStore(), time.Now())
	result, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "nope", Subtotal: 100})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.OK || result.Reason != couponReasonInvalid {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestCouponValidateSummer20(t *testing.T) {
	store := memory.NewStore()
	store.PutCoupon(domain.Coupon{
		ID: "c-summer", Code: "SUMMER20", Kind: domain.CouponKindPercentage, Value: 20,
		MinPurchase: int64Ptr(0), MaxDiscount: int64Ptr(1000), IsActive: true,
	})
	svc := newTestCouponService(t, store, time.Now())

	result, err := svc.Validate(context.Background(), ValidateCouponCommand{Code: "summer20", Subtotal: 10000})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.OK || result.DiscountAmount != 1000 {
		t.Fatalf("expected discount 1000, got %#v", result)
	}
	if result.Coupon == nil || result.Coupon.ID != "c-summer" {
		t.Fatalf("expected coupon to be returned")
	}
}

func TestCouponValidatePerUserCapSkipsAnonymous(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCoupon(domain.Coupon{ID: "c1", Code: "ONCE", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, MaxUsesPerUser: intPtr(1)})
	svc := newTestCouponService(t, store, time.Now())

	if _, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "ONCE", OrderID: "ord-1", UserID: "user-1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	result, err := svc.Validate(ctx, ValidateCouponCommand{Code: "ONCE", Subtotal: 1000, UserID: "user-1"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.OK || result.Reason != couponReasonUserLimit {
		t.Fatalf("expected user limit rejection, got %#v", result)
	}

	anon, err := svc.Validate(ctx, ValidateCouponCommand{Code: "ONCE", Subtotal: 1000})
	if err != nil {
		t.Fatalf("validate anonymous: %v", err)
	}
	if !anon.OK {
		t.Fatalf("expected anonymous validation to pass, got %q", anon.Reason)
	}
}

func TestCouponApplyToOrderEnforcesMaxUses(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCoupon(domain.Coupon{ID: "c1", Code: "TWICE", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, MaxUses: intPtr(2)})
	svc := newTestCouponService(t, store, time.Now())

	for _, orderID := range []string{"ord-1", "ord-2"} {
		if _, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "twice", OrderID: orderID, UserID: "u-" + orderID}); err != nil {
			t.Fatalf("apply %s: %v", orderID, err)
		}
	}

	_, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "twice", OrderID: "ord-3", UserID: "u-3"})
	var rejection *CouponRejection
	if !errors.As(err, &rejection) || rejection.Reason != couponReasonExhausted {
		t.Fatalf("expected exhausted rejection, got %v", err)
	}
	if !errors.Is(err, ErrCouponRejected) {
		t.Fatalf("expected ErrCouponRejected in chain")
	}

	coupon, _ := store.Coupon("c1")
	if coupon.UsedCount != 2 {
		t.Fatalf("expected used count 2, got %d", coupon.UsedCount)
	}
}

func TestCouponApplyToOrderIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCoupon(domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100, IsActive: true})
	svc := newTestCouponService(t, store, time.Now())

	first, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "OFF", OrderID: "ord-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "OFF", OrderID: "ord-1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same redemption, got %s and %s", first.ID, second.ID)
	}
	coupon, _ := store.Coupon("c1")
	if coupon.UsedCount != 1 {
		t.Fatalf("expected used count 1, got %d", coupon.UsedCount)
	}
}

func TestCouponApplyToOrderConcurrentPerUserCap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCoupon(domain.Coupon{ID: "c1", Code: "ONCE", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, MaxUsesPerUser: intPtr(1)})
	svc := newTestCouponService(t, store, time.Now())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejects   int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "ONCE", OrderID: "ord-" + string(rune('a'+i)), UserID: "user-1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCouponRejected):
				rejects++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || rejects != 5 {
		t.Fatalf("expected 1 success and 5 rejections, got %d/%d", successes, rejects)
	}
}

func TestCouponReleaseForOrderRestoresUsage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.PutCoupon(domain.Coupon{ID: "c1", Code: "OFF", Kind: domain.CouponKindFixed, Value: 100, IsActive: true, MaxUses: intPtr(1)})
	svc := newTestCouponService(t, store, time.Now())

	if _, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "OFF", OrderID: "ord-1", UserID: "user-1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := svc.ReleaseForOrder(ctx, "c1", "ord-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.ApplyToOrder(ctx, ApplyCouponCommand{Code: "OFF", OrderID: "ord-2", UserID: "user-2"}); err != nil {
		t.Fatalf("apply after release: %v", err)
	}
}
