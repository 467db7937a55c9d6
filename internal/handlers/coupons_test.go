package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/services"
)

func TestCouponHandlersValidateSuccess(t *testing.T) {
	service := &stubCouponService{
		validateFunc: func(_ context.Context, cmd services.ValidateCouponCommand) (services.CouponValidation, error) {
			if cmd.Code != "SUMMER20" || cmd.Subtotal != 5000 || cmd.UserID != "user-1" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			return services.CouponValidation{
				OK:             true,
				DiscountAmount: 1000,
				Coupon:         &services.Coupon{Code: "SUMMER20", Kind: domain.CouponKindPercentage, Value: 20},
			}, nil
		},
	}
	handler := NewCouponHandlers(nil, service)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/coupons:validate", `{"code":" SUMMER20 ","subtotal":50}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body validateCouponResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.DiscountAmount != 10 || body.Coupon == nil || body.Coupon.Kind != "percentage" {
		t.Fatalf("unexpected response %+v", body)
	}
}

func TestCouponHandlersValidateRejection(t *testing.T) {
	service := &stubCouponService{
		validateFunc: func(context.Context, services.ValidateCouponCommand) (services.CouponValidation, error) {
			return services.CouponValidation{OK: false, Reason: "Coupon has expired"}, nil
		},
	}
	handler := NewCouponHandlers(nil, service)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/coupons:validate", `{"code":"OLD","subtotal":10}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != false || body["reason"] != "Coupon has expired" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["coupon"]; ok {
		t.Fatalf("rejection must not expose coupon details")
	}
}

func TestCouponHandlersRateLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	service := &stubCouponService{
		validateFunc: func(context.Context, services.ValidateCouponCommand) (services.CouponValidation, error) {
			return services.CouponValidation{Reason: "Invalid coupon code"}, nil
		},
	}
	handler := NewCouponHandlers(nil, service, WithCouponRateLimit(2, time.Minute, func() time.Time { return now }))
	identity := &auth.Identity{UID: "user-1"}

	for i := 0; i < 2; i++ {
		if rr := serve(t, handler.Routes, identity, http.MethodPost, "/coupons:validate", `{"code":"X"}`, nil); rr.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, rr.Code)
		}
	}
	if rr := serve(t, handler.Routes, identity, http.MethodPost, "/coupons:validate", `{"code":"X"}`, nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr := serve(t, handler.Routes, &auth.Identity{UID: "user-2"}, http.MethodPost, "/coupons:validate", `{"code":"X"}`, nil); rr.Code != http.StatusOK {
		t.Fatalf("other users are not limited, got %d", rr.Code)
	}

	now = now.Add(time.Minute)
	if rr := serve(t, handler.Routes, identity, http.MethodPost, "/coupons:validate", `{"code":"X"}`, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected window reset, got %d", rr.Code)
	}
}

func TestCouponHandlersUnavailable(t *testing.T) {
	service := &stubCouponService{
		validateFunc: func(context.Context, services.ValidateCouponCommand) (services.CouponValidation, error) {
			return services.CouponValidation{}, fmt.Errorf("%w: timeout", services.ErrCouponUnavailable)
		},
	}
	handler := NewCouponHandlers(nil, service)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/coupons:validate", `{"code":"X","subtotal":1}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestCouponHandlersNegativeSubtotal(t *testing.T) {
	handler := NewCouponHandlers(nil, &stubCouponService{})
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/coupons:validate", `{"code":"X","subtotal":-1}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
