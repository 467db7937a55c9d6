package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/platform/pagination"
	"github.com/storefront/checkout/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes the current user's orders and their payment sessions.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	payments services.PaymentService
}

// NewOrderHandlers constructs handlers for the authenticated order endpoints.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireUser())
		}
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderId}", h.getOrder)
		r.Post("/orders/{orderId}:cancel", h.cancelOrder)
		r.Post("/orders/{orderId}/payments", h.createPaymentSession)
	})
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type paymentSessionRequest struct {
	Provider   string `json:"provider"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type paymentSessionResponse struct {
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirectUrl"`
	Reference   string `json:"reference"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
		AllowedFilters:  []string{"status"},
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	statuses, err := parseStatusFilter(params.Values("status"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID: identity.UID,
		Status: statuses,
		Pagination: domain.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderListResponse{
		Items:         make([]orderPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		UserID:  identity.UID,
		Staff:   identity.IsStaff(),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		UserID:  identity.UID,
		ActorID: identity.UID,
		Staff:   identity.IsStaff(),
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) createPaymentSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		serviceUnavailable(ctx, w, "payment")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req paymentSessionRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	session, err := h.payments.CreatePaymentSession(ctx, services.CreatePaymentSessionCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderId")),
		UserID:         identity.UID,
		Provider:       services.PaymentProvider(strings.ToLower(strings.TrimSpace(req.Provider))),
		SuccessURL:     strings.TrimSpace(req.SuccessURL),
		CancelURL:      strings.TrimSpace(req.CancelURL),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(defaultIdempotencyHeader)),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := paymentSessionResponse{
		Provider:    string(session.Provider),
		RedirectURL: session.RedirectURL,
		Reference:   session.Reference,
		ExpiresAt:   formatTimePtr(session.ExpiresAt),
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func parseStatusFilter(values []string) ([]services.OrderStatus, error) {
	if len(values) == 0 {
		return nil, nil
	}
	statuses := make([]services.OrderStatus, 0, len(values))
	for _, value := range values {
		status, ok := parseOrderStatus(value)
		if !ok {
			return nil, errors.New("unsupported status " + value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func parseOrderStatus(value string) (services.OrderStatus, bool) {
	switch status := services.OrderStatus(strings.ToLower(strings.TrimSpace(value))); status {
	case domain.OrderStatusPending, domain.OrderStatusConfirmed, domain.OrderStatusProcessing,
		domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled,
		domain.OrderStatusRefunded:
		return status, true
	default:
		return "", false
	}
}

// writeOrderError maps order and payment service failures. Provider rejections keep the
// provider's own message so the shopper sees why the payment could not start.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	var providerErr *payments.ProviderError
	switch {
	case errors.As(err, &providerErr):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", providerErr.Error(), http.StatusBadGateway).
			WithDetails(map[string]any{"provider": providerErr.Provider}))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		writeUnexpected(ctx, w, "order request failed", err)
	}
}
