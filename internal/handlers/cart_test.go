package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/services"
)

func TestCartHandlersGetCartSuccess(t *testing.T) {
	updated := time.Date(2024, 5, 12, 10, 0, 0, 0, time.UTC)
	service := &stubCartService{
		getFunc: func(_ context.Context, userID string) (services.Cart, error) {
			if userID != "user-7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return services.Cart{
				UserID: "user-7",
				Lines: []services.CartLine{
					{ProductID: "prod-1", VariantID: "var-1", Quantity: 2, UnitPrice: 1250, StockCeiling: 4, ProductName: "Tee"},
				},
				UpdatedAt: updated,
			}, nil
		},
	}
	handler := NewCartHandlers(nil, service)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-7"}, http.MethodGet, "/cart", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Cart struct {
			UserID string `json:"userId"`
			Lines  []struct {
				ProductID string  `json:"productId"`
				Quantity  int     `json:"quantity"`
				UnitPrice float64 `json:"unitPrice"`
			} `json:"lines"`
			Subtotal  float64 `json:"subtotal"`
			UpdatedAt string  `json:"updatedAt"`
		} `json:"cart"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Cart.Lines) != 1 || body.Cart.Lines[0].UnitPrice != 12.5 {
		t.Fatalf("unexpected lines %+v", body.Cart.Lines)
	}
	if body.Cart.Subtotal != 25 {
		t.Fatalf("expected subtotal 25, got %v", body.Cart.Subtotal)
	}
	if body.Cart.UpdatedAt != "2024-05-12T10:00:00Z" {
		t.Fatalf("unexpected updatedAt %q", body.Cart.UpdatedAt)
	}
}

func TestCartHandlersRequireIdentity(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	rr := serve(t, handler.Routes, nil, http.MethodGet, "/cart", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCartHandlersMergeConvertsPrices(t *testing.T) {
	var captured services.MergeCartCommand
	service := &stubCartService{
		mergeFunc: func(_ context.Context, cmd services.MergeCartCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{UserID: cmd.UserID, Lines: cmd.Lines}, nil
		},
	}
	handler := NewCartHandlers(nil, service)

	body := `{"lines":[{"productId":"prod-1","variantId":"var-1","quantity":3,"unitPrice":19.99,"stockCeiling":5}]}`
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/cart:merge", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || len(captured.Lines) != 1 {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Lines[0].UnitPrice != 1999 {
		t.Fatalf("expected unit price 1999 minor units, got %d", captured.Lines[0].UnitPrice)
	}
}

func TestCartHandlersMergeAcceptsEmptyBody(t *testing.T) {
	called := false
	service := &stubCartService{
		mergeFunc: func(_ context.Context, cmd services.MergeCartCommand) (services.Cart, error) {
			called = true
			if len(cmd.Lines) != 0 {
				t.Fatalf("expected no lines, got %d", len(cmd.Lines))
			}
			return services.Cart{UserID: cmd.UserID}, nil
		},
	}
	handler := NewCartHandlers(nil, service)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/cart:merge", "", nil)
	if rr.Code != http.StatusOK || !called {
		t.Fatalf("expected merge to run, got %d", rr.Code)
	}
}

func TestCartHandlersReplaceRejectsUnknownFields(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPut, "/cart", `{"lines":[],"extra":true}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCartHandlersReplaceRequiresProductID(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPut, "/cart", `{"lines":[{"quantity":1}]}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCartHandlersClear(t *testing.T) {
	cleared := ""
	handler := NewCartHandlers(nil, &stubCartService{
		clearFunc: func(_ context.Context, userID string) error {
			cleared = userID
			return nil
		},
	})
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-3"}, http.MethodDelete, "/cart", "", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if cleared != "user-3" {
		t.Fatalf("expected cart of user-3 cleared, got %q", cleared)
	}
}

func TestCartHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad", services.ErrCartInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: raced", services.ErrCartConflict), http.StatusConflict},
		{fmt.Errorf("%w: down", services.ErrCartUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handler := NewCartHandlers(nil, &stubCartService{
			getFunc: func(context.Context, string) (services.Cart, error) { return services.Cart{}, tc.err },
		})
		rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodGet, "/cart", "", nil)
		if rr.Code != tc.status {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}
}
