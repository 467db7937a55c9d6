package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/services"
)

// CartHandlers exposes the authenticated server cart of the current user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireUser())
		}
		r.Get("/cart", h.getCart)
		r.Put("/cart", h.replaceCart)
		r.Delete("/cart", h.clearCart)
		r.Post("/cart:merge", h.mergeCart)
	})
}

type cartLinesRequest struct {
	Lines []cartLinePayload `json:"lines"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(ctx, identity.UID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

// mergeCart folds the guest cart collected before sign-in into the server cart.
func (h *CartHandlers) mergeCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req cartLinesRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	lines, err := parseCartLines(req.Lines)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cart, err := h.carts.MergeCart(ctx, services.MergeCartCommand{UserID: identity.UID, Lines: lines})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) replaceCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req cartLinesRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	lines, err := parseCartLines(req.Lines)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cart, err := h.carts.ReplaceCart(ctx, services.ReplaceCartCommand{UserID: identity.UID, Lines: lines})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, identity.UID); err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart was modified concurrently, retry the request", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_unavailable", "cart storage is unavailable", http.StatusServiceUnavailable))
	default:
		writeUnexpected(ctx, w, "cart request failed", err)
	}
}
