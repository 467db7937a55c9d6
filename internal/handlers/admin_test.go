package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/services"
)

func TestAdminHandlersTransition(t *testing.T) {
	var captured services.TransitionStatusCommand
	service := &stubOrderService{
		transitionFunc: func(_ context.Context, cmd services.TransitionStatusCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = cmd.TargetStatus
			return order, nil
		},
	}
	handler := NewAdminHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "staff-1", Roles: []string{"staff"}}, http.MethodPost, "/admin/orders/ord_1:transition", `{"status":"Shipped"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.TargetStatus != domain.OrderStatusShipped || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestAdminHandlersTransitionUnknownStatus(t *testing.T) {
	handler := NewAdminHandlers(nil, &stubOrderService{}, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "staff-1"}, http.MethodPost, "/admin/orders/ord_1:transition", `{"status":"teleported"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminHandlersRefund(t *testing.T) {
	service := &stubOrderService{
		refundFunc: func(_ context.Context, cmd services.RefundOrderCommand) (services.Order, error) {
			if cmd.OrderID != "ord_1" || cmd.ActorID != "staff-1" || cmd.Reason != "damaged" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			order := sampleOrder()
			order.Status = domain.OrderStatusRefunded
			order.PaymentStatus = domain.PaymentStatusRefunded
			return order, nil
		},
	}
	handler := NewAdminHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "staff-1"}, http.MethodPost, "/admin/orders/ord_1:refund", `{"reason":"damaged"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Order.PaymentStatus != "refunded" {
		t.Fatalf("expected refunded, got %s", body.Order.PaymentStatus)
	}
}

func TestAdminHandlersListOrdersAcrossUsers(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFunc: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{}, nil
		},
	}
	handler := NewAdminHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "staff-1"}, http.MethodGet, "/admin/orders?userId=user-9&status=pending", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.UserID != "user-9" || len(captured.Status) != 1 || captured.Status[0] != domain.OrderStatusPending {
		t.Fatalf("unexpected filter %+v", captured)
	}
}

func TestAdminHandlersAdjustStock(t *testing.T) {
	var captured services.ApplyDeltaCommand
	inventory := &stubInventoryService{
		applyFunc: func(_ context.Context, cmd services.ApplyDeltaCommand) (services.DeltaResult, error) {
			captured = cmd
			return services.DeltaResult{DeltaID: "dlt_1", PreviousQty: 2, NewQty: 12}, nil
		},
	}
	handler := NewAdminHandlers(nil, nil, inventory)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "staff-1"}, http.MethodPost, "/admin/inventory/var-1/deltas",
		`{"changeQty":10,"reason":"restock"}`, map[string]string{"Idempotency-Key": "po-77"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.VariantID != "var-1" || captured.ChangeQty != 10 || captured.Actor != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Reference.Type != "adjustment" || captured.Reference.ID != "po-77" {
		t.Fatalf("expected header reference, got %+v", captured.Reference)
	}
}

func TestAdminHandlersAdjustStockReplayAndErrors(t *testing.T) {
	inventory := &stubInventoryService{
		applyFunc: func(_ context.Context, cmd services.ApplyDeltaCommand) (services.DeltaResult, error) {
			if cmd.ChangeQty < -5 {
				return services.DeltaResult{}, fmt.Errorf("%w: var-1", services.ErrOutOfStock)
			}
			return services.DeltaResult{DeltaID: "dlt_1", Replayed: true}, nil
		},
	}
	handler := NewAdminHandlers(nil, nil, inventory)
	identity := &auth.Identity{UID: "staff-1"}

	rr := serve(t, handler.Routes, identity, http.MethodPost, "/admin/inventory/var-1/deltas", `{"changeQty":1,"reason":"count","referenceId":"c-1"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rr.Code)
	}
	rr = serve(t, handler.Routes, identity, http.MethodPost, "/admin/inventory/var-1/deltas", `{"changeQty":-9,"reason":"shrink","referenceId":"c-2"}`, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 out of stock, got %d", rr.Code)
	}
	rr = serve(t, handler.Routes, identity, http.MethodPost, "/admin/inventory/var-1/deltas", `{"changeQty":1,"reason":"count"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reference, got %d", rr.Code)
	}
}

func TestAdminHandlersVerifyLedger(t *testing.T) {
	inventory := &stubInventoryService{
		verifyFunc: func(_ context.Context, variantID string) (services.LedgerVerification, error) {
			if variantID == "missing" {
				return services.LedgerVerification{}, services.ErrInventoryVariantNotFound
			}
			return services.LedgerVerification{VariantID: variantID, StoredQty: 4, FoldedQty: 4, DeltaCount: 3, Consistent: true}, nil
		},
	}
	handler := NewAdminHandlers(nil, nil, inventory)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "staff-1"}, http.MethodGet, "/admin/inventory/var-1:verify", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body ledgerVerificationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Consistent || body.DeltaCount != 3 {
		t.Fatalf("unexpected body %+v", body)
	}

	rr = serve(t, handler.Routes, &auth.Identity{UID: "staff-1"}, http.MethodGet, "/admin/inventory/missing:verify", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminHandlersSetPrice(t *testing.T) {
	var captured services.SetPriceCommand
	prices := &stubPriceService{
		setFunc: func(_ context.Context, cmd services.SetPriceCommand) (services.Price, error) {
			captured = cmd
			if cmd.Currency == "XXX1" {
				return services.Price{}, fmt.Errorf("%w: unsupported currency", services.ErrPriceInvalidInput)
			}
			return services.Price{ProductID: cmd.ProductID, VariantID: cmd.VariantID, UnitPrice: cmd.UnitPrice, Currency: "GBP"}, nil
		},
	}
	handler := NewAdminHandlers(nil, nil, nil, WithAdminPrices(prices))
	identity := &auth.Identity{UID: "staff-1"}

	rr := serve(t, handler.Routes, identity, http.MethodPut, "/admin/prices/prod-1", `{"variantId":"var-1","unitPrice":24.99,"currency":"gbp"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "prod-1" || captured.VariantID != "var-1" || captured.UnitPrice != 2499 || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var body priceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UnitPrice != 24.99 || body.Currency != "GBP" {
		t.Fatalf("unexpected body %+v", body)
	}

	rr = serve(t, handler.Routes, identity, http.MethodPut, "/admin/prices/prod-1", `{"unitPrice":-1,"currency":"GBP"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative price, got %d", rr.Code)
	}
	rr = serve(t, handler.Routes, identity, http.MethodPut, "/admin/prices/prod-1", `{"unitPrice":1,"currency":"XXX1"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid currency, got %d", rr.Code)
	}

	rr = serve(t, NewAdminHandlers(nil, nil, nil).Routes, identity, http.MethodPut, "/admin/prices/prod-1", `{"unitPrice":1,"currency":"GBP"}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a price service, got %d", rr.Code)
	}
}
