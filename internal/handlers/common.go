package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/platform/httpx"
	"github.com/storefront/checkout/internal/platform/requestctx"
)

// currentUser returns the authenticated identity, writing a 401 when it is absent.
func currentUser(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// decodeRequest reads a JSON body into dst. It writes a 400 and returns false on failure.
// Empty bodies are accepted when allowEmpty is set.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := httpx.DecodeJSON(r, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, httpx.ErrEmptyBody) && allowEmpty:
		return true
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
	return false
}

// writeUnexpected logs the cause and answers with a generic 500.
func writeUnexpected(ctx context.Context, w http.ResponseWriter, event string, err error) {
	requestctx.Logger(ctx).Error(event, zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "an unexpected error occurred", http.StatusInternalServerError))
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service is unavailable", http.StatusServiceUnavailable))
}
