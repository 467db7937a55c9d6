package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"testing"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/services"
)

func TestOrderHandlersListScopesToUser(t *testing.T) {
	var captured services.OrderListFilter
	service := &stubOrderService{
		listFunc: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder()}, NextPageToken: "10"}, nil
		},
	}
	handler := NewOrderHandlers(nil, service, nil)

	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodGet, "/orders?pageSize=10&status=paid,confirmed&status=shipped", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown status rejected, got %d", rr.Code)
	}

	rr = serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodGet, "/orders?pageSize=10&pageToken=20&status=confirmed,shipped", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.Pagination.PageSize != 10 || captured.Pagination.PageToken != "20" {
		t.Fatalf("unexpected filter %+v", captured)
	}
	want := []services.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusShipped}
	if !reflect.DeepEqual(captured.Status, want) {
		t.Fatalf("expected statuses %v, got %v", want, captured.Status)
	}

	var body orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.NextPageToken != "10" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestOrderHandlersListInvalidToken(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{}, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodGet, "/orders?pageToken=abc", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	service := &stubOrderService{
		getFunc: func(_ context.Context, query services.GetOrderQuery) (services.Order, error) {
			if query.OrderID != "ord_1" || query.UserID != "user-1" || query.Staff {
				t.Fatalf("unexpected query %+v", query)
			}
			return sampleOrder(), nil
		},
	}
	handler := NewOrderHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodGet, "/orders/ord_1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Order.PaymentReference != "cs_test_1" || body.Order.ShippingAddress.City != "London" {
		t.Fatalf("unexpected order %+v", body.Order)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFunc: func(context.Context, services.GetOrderQuery) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: ord_9", services.ErrOrderNotFound)
		},
	}
	handler := NewOrderHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodGet, "/orders/ord_9", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFunc: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	handler := NewOrderHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/orders/ord_1:cancel", `{"reason":"changed my mind"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.ActorID != "user-1" || captured.Reason != "changed my mind" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersCancelInvalidState(t *testing.T) {
	service := &stubOrderService{
		cancelFunc: func(context.Context, services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: paid", services.ErrOrderInvalidState)
		},
	}
	handler := NewOrderHandlers(nil, service, nil)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/orders/ord_1:cancel", "", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestOrderHandlersCreatePaymentSession(t *testing.T) {
	expires := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	var captured services.CreatePaymentSessionCommand
	payments := &stubPaymentService{
		sessionFunc: func(_ context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSession, error) {
			captured = cmd
			return services.PaymentSession{
				Provider:    domain.PaymentProviderPaystack,
				RedirectURL: "https://checkout.paystack.com/abc",
				Reference:   "psk_01",
				ExpiresAt:   &expires,
			}, nil
		},
	}
	handler := NewOrderHandlers(nil, nil, payments)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/orders/ord_1/payments",
		`{"provider":"Paystack","successUrl":"https://shop/ok","cancelUrl":"https://shop/cancel"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Provider != domain.PaymentProviderPaystack || captured.SuccessURL != "https://shop/ok" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var body paymentSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RedirectURL != "https://checkout.paystack.com/abc" || body.ExpiresAt != "2024-06-01T12:30:00Z" {
		t.Fatalf("unexpected response %+v", body)
	}
}

func TestOrderHandlersPaymentProviderErrorKeepsMessage(t *testing.T) {
	svc := &stubPaymentService{
		sessionFunc: func(context.Context, services.CreatePaymentSessionCommand) (services.PaymentSession, error) {
			return services.PaymentSession{}, &payments.ProviderError{Provider: "stripe", Code: "card_declined", Message: "Your card was declined."}
		},
	}
	handler := NewOrderHandlers(nil, nil, svc)
	rr := serve(t, handler.Routes, &auth.Identity{UID: "user-1"}, http.MethodPost, "/orders/ord_1/payments", `{"successUrl":"https://shop/ok"}`, nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != "Your card was declined." || body["provider"] != "stripe" {
		t.Fatalf("unexpected body %v", body)
	}
}
