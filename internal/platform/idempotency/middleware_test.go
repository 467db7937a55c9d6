package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/storefront/checkout/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newCheckoutRequest(key, body string, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func TestMiddlewareMissingHeader(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when header is missing")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCheckoutRequest("", `{}`, "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"ord_1"}`))
		}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, newCheckoutRequest("abc-123", `{"currency":"GBP"}`, "user-1"))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, newCheckoutRequest("abc-123", `{"currency":"GBP"}`, "user-1"))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated || rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("unexpected replay %d %s", rr2.Code, rr2.Body.String())
	}
	if rr2.Header().Get(replayHeaderName) != "true" || rr2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay headers %v", rr2.Header())
	}
}

func TestMiddlewareScopesKeysPerUser(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newCheckoutRequest("shared", `{}`, "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), newCheckoutRequest("shared", `{}`, "user-2"))

	if calls != 2 {
		t.Fatalf("expected both users to reach the handler, got %d", calls)
	}
}

func TestMiddlewareConflictingFingerprint(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newCheckoutRequest("same-key", `{"a":1}`, "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCheckoutRequest("same-key", `{"a":2}`, "user-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewarePendingReservation(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler should not be invoked while reservation pending")
		}))

	req := newCheckoutRequest("pending-key", `{}`, "user-1")
	body, err := readAndReplayBody(req)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	fingerprint := requestFingerprint(req, body, "user-1")
	if _, err := store.Reserve(req.Context(), "pending-key|user-1", fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareServerErrorReleasesKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newCheckoutRequest("retry-key", `{}`, "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newCheckoutRequest("retry-key", `{}`, "user-1"))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("expected retry after server error, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMiddlewareSaveFailureReleasesAndResponds(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newCheckoutRequest("fail-key", `{}`, "user-1"))

	if rr.Code != http.StatusCreated || rr.Body.String() != "ok" {
		t.Fatalf("expected handler response to be delivered, got %d %q", rr.Code, rr.Body.String())
	}
	if !store.released {
		t.Fatalf("expected reservation to be released")
	}
}

func TestMemoryStoreExpiryAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected expired key to be reusable, got %+v %v", res, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired record removed, got %d %v", removed, err)
	}
}

type stubStore struct {
	failSave bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
