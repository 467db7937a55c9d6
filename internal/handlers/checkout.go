package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/platform/observability"
	"github.com/storefront/checkout/internal/services"
)

const defaultIdempotencyHeader = "Idempotency-Key"

// CheckoutHandlers turns the shopper's cart into an order.
type CheckoutHandlers struct {
	authn             *auth.Authenticator
	checkout          services.CheckoutService
	idempotency       func(http.Handler) http.Handler
	idempotencyHeader string
	metrics           *observability.Metrics
}

// CheckoutHandlersOption customises checkout handler construction.
type CheckoutHandlersOption func(*CheckoutHandlers)

// WithCheckoutIdempotency installs the response replay middleware and the header it reads.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler, header string) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
		if header = strings.TrimSpace(header); header != "" {
			h.idempotencyHeader = header
		}
	}
}

// WithCheckoutMetrics records checkout outcomes.
func WithCheckoutMetrics(metrics *observability.Metrics) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		h.metrics = metrics
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutHandlersOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:             authn,
		checkout:          checkout,
		idempotencyHeader: defaultIdempotencyHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the checkout endpoint. Authentication runs before the idempotency
// middleware so stored responses are scoped to the caller.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireUser())
		}
		if h.idempotency != nil {
			r.Use(h.idempotency)
		}
		r.Post("/checkout/orders", h.createOrder)
	})
}

type shippingPayload struct {
	Method string  `json:"method"`
	Cost   float64 `json:"cost"`
}

type createOrderRequest struct {
	Email           string            `json:"email"`
	Lines           []cartLinePayload `json:"lines"`
	ShippingAddress *addressPayload   `json:"shippingAddress"`
	BillingAddress  *addressPayload   `json:"billingAddress"`
	Shipping        shippingPayload   `json:"shipping"`
	PaymentProvider string            `json:"paymentProvider"`
	Currency        string            `json:"currency"`
	CouponCode      string            `json:"couponCode"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

func (h *CheckoutHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeRequest(w, r, &req, false) {
		h.metrics.RecordCheckout(ctx, "invalid")
		return
	}
	lines, err := parseCartLines(req.Lines)
	if err != nil {
		h.metrics.RecordCheckout(ctx, "invalid")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if req.Shipping.Cost < 0 {
		h.metrics.RecordCheckout(ctx, "invalid")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping.cost must not be negative", http.StatusBadRequest))
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = identity.Email
	}

	order, err := h.checkout.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UID,
		Email:           email,
		Lines:           lines,
		ShippingAddress: req.ShippingAddress.toAddress(),
		BillingAddress:  req.BillingAddress.toAddress(),
		Shipping: services.ShippingSelection{
			Method: strings.TrimSpace(req.Shipping.Method),
			Cost:   domain.MinorUnits(req.Shipping.Cost),
		},
		PaymentProvider: services.PaymentProvider(strings.ToLower(strings.TrimSpace(req.PaymentProvider))),
		Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
		CouponCode:      strings.TrimSpace(req.CouponCode),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(h.idempotencyHeader)),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	h.metrics.RecordCheckout(ctx, "created")
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var rejection *services.CouponRejection
	switch {
	case errors.As(err, &rejection):
		h.metrics.RecordCheckout(ctx, "coupon_rejected")
		httpx.WriteError(ctx, w, httpx.NewError("coupon_rejected", rejection.Reason, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"success": false, "reason": rejection.Reason}))
	case errors.Is(err, services.ErrCheckoutUnauthenticated):
		h.metrics.RecordCheckout(ctx, "invalid")
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		h.metrics.RecordCheckout(ctx, "invalid")
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutOutOfStock):
		h.metrics.RecordCheckout(ctx, "out_of_stock")
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", "one or more items are no longer available in the requested quantity", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		h.metrics.RecordCheckout(ctx, "conflict")
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "order could not be created, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		h.metrics.RecordCheckout(ctx, "failed")
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		h.metrics.RecordCheckout(ctx, "failed")
		writeUnexpected(ctx, w, "checkout failed", err)
	}
}
