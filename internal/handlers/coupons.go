package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/services"
)

const (
	defaultCouponAttemptLimit  = 20
	defaultCouponAttemptWindow = time.Minute
)

// CouponHandlers exposes coupon validation for the checkout page.
type CouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
	limiter rateLimiter
}

// CouponHandlersOption customises coupon handler construction.
type CouponHandlersOption func(*CouponHandlers)

// WithCouponRateLimit bounds validation attempts per user. A non-positive limit disables limiting.
func WithCouponRateLimit(limit int, window time.Duration, clock func() time.Time) CouponHandlersOption {
	return func(h *CouponHandlers) {
		h.limiter = newWindowRateLimiter(limit, window, clock)
	}
}

// NewCouponHandlers constructs coupon handlers. Code guessing is throttled per user by default.
func NewCouponHandlers(authn *auth.Authenticator, coupons services.CouponService, opts ...CouponHandlersOption) *CouponHandlers {
	h := &CouponHandlers{
		authn:   authn,
		coupons: coupons,
		limiter: newWindowRateLimiter(defaultCouponAttemptLimit, defaultCouponAttemptWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the coupon endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireUser())
		}
		r.Post("/coupons:validate", h.validateCoupon)
	})
}

type validateCouponRequest struct {
	Code     string  `json:"code"`
	Subtotal float64 `json:"subtotal"`
}

type couponPayload struct {
	Code  string `json:"code"`
	Kind  string `json:"kind"`
	Value int64  `json:"value"`
}

type validateCouponResponse struct {
	Success        bool           `json:"success"`
	Reason         string         `json:"reason,omitempty"`
	DiscountAmount float64        `json:"discountAmount"`
	FreeShipping   bool           `json:"freeShipping"`
	Coupon         *couponPayload `json:"coupon,omitempty"`
}

// validateCoupon answers 200 for both outcomes; a rejection carries the shopper-facing reason.
func (h *CouponHandlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		serviceUnavailable(ctx, w, "coupon")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many coupon attempts, try again later", http.StatusTooManyRequests))
		return
	}

	var req validateCouponRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	if req.Subtotal < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subtotal must not be negative", http.StatusBadRequest))
		return
	}

	result, err := h.coupons.Validate(ctx, services.ValidateCouponCommand{
		Code:     strings.TrimSpace(req.Code),
		Subtotal: domain.MinorUnits(req.Subtotal),
		UserID:   identity.UID,
	})
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}

	resp := validateCouponResponse{Success: result.OK, Reason: result.Reason}
	if result.OK {
		resp.DiscountAmount = domain.MajorUnits(result.DiscountAmount)
		resp.FreeShipping = result.FreeShipping
		if result.Coupon != nil {
			resp.Coupon = &couponPayload{
				Code:  result.Coupon.Code,
				Kind:  string(result.Coupon.Kind),
				Value: result.Coupon.Value,
			}
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *CouponHandlers) writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_unavailable", "coupon lookup is unavailable", http.StatusServiceUnavailable))
	default:
		writeUnexpected(ctx, w, "coupon validation failed", err)
	}
}
