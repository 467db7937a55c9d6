package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/platform/observability"
	"github.com/storefront/checkout/internal/services"
)

// InternalInventoryHandlers exposes maintenance endpoints invoked by Cloud Scheduler.
// Authentication is applied by the internal route group.
type InternalInventoryHandlers struct {
	sync      services.InventorySyncService
	metrics   *observability.Metrics
	batchSize int
}

// NewInternalInventoryHandlers constructs internal handlers. A non-positive batchSize lets the
// service choose.
func NewInternalInventoryHandlers(sync services.InventorySyncService, metrics *observability.Metrics, batchSize int) *InternalInventoryHandlers {
	return &InternalInventoryHandlers{
		sync:      sync,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// Routes wires the /internal endpoints onto the provided router.
func (h *InternalInventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/internal/inventory:retry", h.retryPending)
}

type retryPendingRequest struct {
	Limit int `json:"limit"`
}

type retryPendingResponse struct {
	Attempted int `json:"attempted"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
}

func (h *InternalInventoryHandlers) retryPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sync == nil {
		serviceUnavailable(ctx, w, "inventory_sync")
		return
	}

	var req retryPendingRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}
	if req.Limit < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must not be negative", http.StatusBadRequest))
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = h.batchSize
	}

	result, err := h.sync.RetryPending(ctx, services.RetryPendingCommand{Limit: limit})
	h.metrics.RecordInventoryRetry(ctx, result.Applied, result.Failed, result.Dropped)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInventorySyncUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("inventory_sync_unavailable", "pending ledger queue is unavailable", http.StatusServiceUnavailable))
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			httpx.WriteError(ctx, w, httpx.NewError("inventory_sync_interrupted", "retry sweep was interrupted", http.StatusServiceUnavailable).
				WithDetails(map[string]any{"attempted": result.Attempted, "applied": result.Applied}))
		default:
			writeUnexpected(ctx, w, "inventory retry failed", err)
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, retryPendingResponse{
		Attempted: result.Attempted,
		Applied:   result.Applied,
		Failed:    result.Failed,
		Dropped:   result.Dropped,
	})
}
