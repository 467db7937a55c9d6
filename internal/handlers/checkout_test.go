package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/platform/idempotency"
	"github.com/storefront/checkout/internal/services"
)

const checkoutBody = `{
	"lines":[{"productId":"prod-1","variantId":"var-1","quantity":2,"unitPrice":25}],
	"shippingAddress":{"recipient":"Ada","line1":"1 Road","city":"London","postalCode":"N1","country":"GB"},
	"shipping":{"method":"standard","cost":5},
	"paymentProvider":"Stripe",
	"currency":"gbp",
	"couponCode":"SUMMER20"
}`

func TestCheckoutHandlersCreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	service := &stubCheckoutService{
		createFunc: func(_ context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	handler := NewCheckoutHandlers(nil, service)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1", Email: "shopper@example.com"},
		http.MethodPost, "/checkout/orders", checkoutBody, map[string]string{"Idempotency-Key": "key-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}

	if captured.UserID != "user-1" || captured.Email != "shopper@example.com" {
		t.Fatalf("identity not propagated: %+v", captured)
	}
	if captured.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key, got %q", captured.IdempotencyKey)
	}
	if captured.PaymentProvider != "stripe" || captured.Currency != "GBP" {
		t.Fatalf("expected normalised provider and currency, got %q %q", captured.PaymentProvider, captured.Currency)
	}
	if captured.Shipping.Cost != 500 || captured.Lines[0].UnitPrice != 2500 {
		t.Fatalf("expected minor units, got shipping %d unit %d", captured.Shipping.Cost, captured.Lines[0].UnitPrice)
	}
	if captured.ShippingAddress == nil || captured.ShippingAddress.City != "London" {
		t.Fatalf("expected shipping address, got %+v", captured.ShippingAddress)
	}

	var body struct {
		Order struct {
			ID     string `json:"id"`
			Totals struct {
				Total    float64 `json:"total"`
				Discount float64 `json:"discount"`
			} `json:"totals"`
			Lines []struct {
				Name string `json:"name"`
			} `json:"lines"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Order.ID != "ord_1" || body.Order.Totals.Total != 45 || body.Order.Totals.Discount != 10 {
		t.Fatalf("unexpected order payload %+v", body.Order)
	}
	if len(body.Order.Lines) != 1 || body.Order.Lines[0].Name != "Tee" {
		t.Fatalf("expected product snapshot in lines, got %+v", body.Order.Lines)
	}
}

func TestCheckoutHandlersCouponRejection(t *testing.T) {
	service := &stubCheckoutService{
		createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, &services.CouponRejection{Reason: "Coupon usage limit reached"}
		},
	}
	handler := NewCheckoutHandlers(nil, service)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/checkout/orders", checkoutBody, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != false || body["reason"] != "Coupon usage limit reached" || body["error"] != "coupon_rejected" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: var-1", services.ErrCheckoutOutOfStock), http.StatusConflict, "out_of_stock"},
		{fmt.Errorf("%w: empty cart", services.ErrCheckoutInvalidInput), http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("%w: raced", services.ErrCheckoutConflict), http.StatusConflict, "checkout_conflict"},
		{fmt.Errorf("%w: store down", services.ErrCheckoutUnavailable), http.StatusServiceUnavailable, "checkout_unavailable"},
		{services.ErrCheckoutUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		handler := NewCheckoutHandlers(nil, &stubCheckoutService{
			createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
				return services.Order{}, tc.err
			},
		})
		rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/checkout/orders", checkoutBody, nil)
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != tc.code {
			t.Fatalf("%v: expected code %s, got %v", tc.err, tc.code, body["error"])
		}
	}
}

func TestCheckoutHandlersIdempotentReplay(t *testing.T) {
	service := &stubCheckoutService{
		createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder(), nil
		},
	}
	handler := NewCheckoutHandlers(nil, service,
		WithCheckoutIdempotency(idempotency.Middleware(idempotency.NewMemoryStore()), "Idempotency-Key"))
	identity := &auth.Identity{UID: "user-1"}
	headers := map[string]string{"Idempotency-Key": "same-key"}

	first := serve(t, handler.Routes, identity, http.MethodPost, "/checkout/orders", checkoutBody, headers)
	second := serve(t, handler.Routes, identity, http.MethodPost, "/checkout/orders", checkoutBody, headers)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected both 201, got %d and %d", first.Code, second.Code)
	}
	if service.calls != 1 {
		t.Fatalf("expected one order creation, got %d", service.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected replayed body to match")
	}
}

func TestCheckoutHandlersIdempotencyKeyRequired(t *testing.T) {
	service := &stubCheckoutService{
		createFunc: func(context.Context, services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder(), nil
		},
	}
	handler := NewCheckoutHandlers(nil, service,
		WithCheckoutIdempotency(idempotency.Middleware(idempotency.NewMemoryStore()), ""))

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/checkout/orders", checkoutBody, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", rr.Code)
	}
	if service.calls != 0 {
		t.Fatalf("service must not run without key")
	}
}

func TestCheckoutHandlersRejectsNegativeShipping(t *testing.T) {
	service := &stubCheckoutService{}
	handler := NewCheckoutHandlers(nil, service)
	body := `{"lines":[{"productId":"p","quantity":1,"unitPrice":1}],"shipping":{"method":"x","cost":-1}}`
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/checkout/orders", body, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
