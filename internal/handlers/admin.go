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
	"github.com/storefront/checkout/internal/platform/pagination"
	"github.com/storefront/checkout/internal/services"
)

const referenceTypeAdjustment = "adjustment"

// AdminHandlers exposes staff-only order lifecycle and stock endpoints.
type AdminHandlers struct {
	authn     *auth.Authenticator
	orders    services.OrderService
	inventory services.InventoryService
	prices    services.PriceService
}

// AdminOption customises AdminHandlers.
type AdminOption func(*AdminHandlers)

// WithAdminPrices enables the list price endpoint.
func WithAdminPrices(prices services.PriceService) AdminOption {
	return func(h *AdminHandlers) {
		h.prices = prices
	}
}

// NewAdminHandlers constructs staff handlers.
func NewAdminHandlers(authn *auth.Authenticator, orders services.OrderService, inventory services.InventoryService, opts ...AdminOption) *AdminHandlers {
	h := &AdminHandlers{
		authn:     authn,
		orders:    orders,
		inventory: inventory,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /admin endpoints onto the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireStaff())
		}
		r.Get("/admin/orders", h.listOrders)
		r.Post("/admin/orders/{orderId}:transition", h.transitionOrder)
		r.Post("/admin/orders/{orderId}:refund", h.refundOrder)
		r.Post("/admin/inventory/{variantId}/deltas", h.adjustStock)
		r.Get("/admin/inventory/{variantId}:verify", h.verifyLedger)
		r.Put("/admin/prices/{productId}", h.setPrice)
	})
}

type transitionOrderRequest struct {
	Status string `json:"status"`
}

type refundOrderRequest struct {
	Reason string `json:"reason"`
}

type adjustStockRequest struct {
	ChangeQty   int    `json:"changeQty"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"referenceId"`
}

type adjustStockResponse struct {
	DeltaID     string `json:"deltaId"`
	VariantID   string `json:"variantId"`
	PreviousQty int    `json:"previousQty"`
	NewQty      int    `json:"newQty"`
	Replayed    bool   `json:"replayed"`
}

type setPriceRequest struct {
	VariantID string  `json:"variantId"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
}

type priceResponse struct {
	ProductID string  `json:"productId"`
	VariantID string  `json:"variantId,omitempty"`
	UnitPrice float64 `json:"unitPrice"`
	Currency  string  `json:"currency"`
	UpdatedAt string  `json:"updatedAt"`
}

type ledgerVerificationResponse struct {
	VariantID   string   `json:"variantId"`
	StoredQty   int      `json:"storedQty"`
	FoldedQty   int      `json:"foldedQty"`
	DeltaCount  int      `json:"deltaCount"`
	Consistent  bool     `json:"consistent"`
	BrokenChain []string `json:"brokenChain,omitempty"`
}

// listOrders lists orders across all users, optionally narrowed by userId and status.
func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	if _, ok := currentUser(ctx, w); !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
		AllowedFilters:  []string{"status", "userId"},
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
	var userID string
	if users := params.Values("userId"); len(users) > 0 {
		userID = users[0]
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID: userID,
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

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req transitionOrderRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	target, valid := parseOrderStatus(req.Status)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is not a known order status", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.TransitionStatusCommand{
		OrderID:      strings.TrimSpace(chi.URLParam(r, "orderId")),
		TargetStatus: target,
		ActorID:      identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req refundOrderRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}

	order, err := h.orders.RefundOrder(ctx, services.RefundOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		ActorID: identity.UID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// adjustStock records a manual ledger row. The reference id makes retries replay instead of
// applying twice; it falls back to the Idempotency-Key header.
func (h *AdminHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req adjustStockRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	reference := strings.TrimSpace(req.ReferenceID)
	if reference == "" {
		reference = strings.TrimSpace(r.Header.Get(defaultIdempotencyHeader))
	}
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "referenceId or "+defaultIdempotencyHeader+" header is required", http.StatusBadRequest))
		return
	}

	result, err := h.inventory.ApplyDelta(ctx, services.ApplyDeltaCommand{
		VariantID: strings.TrimSpace(chi.URLParam(r, "variantId")),
		ChangeQty: req.ChangeQty,
		Reason:    strings.TrimSpace(req.Reason),
		Reference: services.InventoryReference{Type: referenceTypeAdjustment, ID: reference},
		Actor:     identity.UID,
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, adjustStockResponse{
		DeltaID:     result.DeltaID,
		VariantID:   strings.TrimSpace(chi.URLParam(r, "variantId")),
		PreviousQty: result.PreviousQty,
		NewQty:      result.NewQty,
		Replayed:    result.Replayed,
	})
}

func (h *AdminHandlers) verifyLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	if _, ok := currentUser(ctx, w); !ok {
		return
	}

	result, err := h.inventory.VerifyVariant(ctx, strings.TrimSpace(chi.URLParam(r, "variantId")))
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ledgerVerificationResponse{
		VariantID:   result.VariantID,
		StoredQty:   result.StoredQty,
		FoldedQty:   result.FoldedQty,
		DeltaCount:  result.DeltaCount,
		Consistent:  result.Consistent,
		BrokenChain: result.BrokenChain,
	})
}

// setPrice records the list price checkout charges for a product or one of its variants.
func (h *AdminHandlers) setPrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.prices == nil {
		serviceUnavailable(ctx, w, "price")
		return
	}
	identity, ok := currentUser(ctx, w)
	if !ok {
		return
	}

	var req setPriceRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}
	if req.UnitPrice < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unitPrice must not be negative", http.StatusBadRequest))
		return
	}

	price, err := h.prices.SetPrice(ctx, services.SetPriceCommand{
		ProductID: strings.TrimSpace(chi.URLParam(r, "productId")),
		VariantID: strings.TrimSpace(req.VariantID),
		UnitPrice: domain.MinorUnits(req.UnitPrice),
		Currency:  req.Currency,
		ActorID:   identity.UID,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrPriceInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrPriceUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("price_unavailable", "price store is unavailable", http.StatusServiceUnavailable))
		default:
			writeUnexpected(ctx, w, "price update failed", err)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, priceResponse{
		ProductID: price.ProductID,
		VariantID: price.VariantID,
		UnitPrice: domain.MajorUnits(price.UnitPrice),
		Currency:  price.Currency,
		UpdatedAt: formatTime(price.UpdatedAt),
	})
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "variant not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", "adjustment would take stock below zero", http.StatusConflict))
	case errors.Is(err, services.ErrInventoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory ledger is unavailable", http.StatusServiceUnavailable))
	default:
		writeUnexpected(ctx, w, "inventory request failed", err)
	}
}
