package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/repositories"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	healthHandlers := NewHealthHandlers(
		WithHealthRepository(&stubHealthRepository{report: repositories.HealthReport{
			Status: repositories.HealthStatusOK,
			Checks: map[string]repositories.HealthCheck{"store": {Status: repositories.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)

	router := NewRouter(WithHealthHandlers(healthHandlers))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected content-type application/json, got %s", ct)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("unconfigured groups answer not implemented", func(t *testing.T) {
		for _, path := range []string{"/api/v1/cart", "/api/v1/orders/ord_1", "/api/v1/webhooks/payments/stripe"} {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusNotImplemented {
				t.Fatalf("%s: expected 501, got %d", path, rr.Code)
			}
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["error"] != errorNotFoundCode {
			t.Fatalf("expected %s, got %v", errorNotFoundCode, body["error"])
		}
	})
}

func TestNewRouter_GroupMiddlewareIsScoped(t *testing.T) {
	guarded := 0
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guarded++
			w.WriteHeader(http.StatusForbidden)
		})
	}

	cart := NewCartHandlers(nil, &stubCartService{})
	internal := NewInternalInventoryHandlers(&stubInventorySync{}, nil, 0)
	router := NewRouter(
		WithCartRoutes(cart.Routes),
		WithInternalRoutes(internal.Routes),
		WithInternalMiddlewares(guard),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/internal/inventory:retry", nil))
	if rr.Code != http.StatusForbidden || guarded != 1 {
		t.Fatalf("expected internal middleware to run, got %d (calls %d)", rr.Code, guarded)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || guarded != 1 {
		t.Fatalf("cart must not pass through internal middleware, got %d (calls %d)", rr.Code, guarded)
	}
}

func TestNewRouter_ColonVerbsBesideResources(t *testing.T) {
	orders := NewOrderHandlers(nil, &stubOrderService{}, nil)
	router := chi.NewRouter()
	orders.Routes(router)

	var routes []string
	_ = chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	want := map[string]bool{
		"GET /orders":                     false,
		"GET /orders/{orderId}":           false,
		"POST /orders/{orderId}:cancel":   false,
		"POST /orders/{orderId}/payments": false,
	}
	for _, route := range routes {
		if _, ok := want[route]; ok {
			want[route] = true
		}
	}
	for route, seen := range want {
		if !seen {
			t.Fatalf("route %s not registered; have %v", route, routes)
		}
	}
}
