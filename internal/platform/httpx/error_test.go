package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/storefront/checkout/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	rec := httptest.NewRecorder()

	WriteError(ctx, rec, NewError("coupon_rejected", "Coupon expired\n", http.StatusUnprocessableEntity).
		WithDetails(map[string]any{"success": false, "reason": "Coupon expired"}))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "coupon_rejected" || body["message"] != "Coupon expired" || body["trace_id"] != "abc123" {
		t.Fatalf("unexpected envelope %#v", body)
	}
	if body["success"] != false || body["reason"] != "Coupon expired" {
		t.Fatalf("expected details merged into payload, got %#v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Code string `json:"code"`
	}

	var out payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"SUMMER20"}`))
	if err := DecodeJSON(req, &out); err != nil || out.Code != "SUMMER20" {
		t.Fatalf("decode: %v %#v", err, out)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"A","extra":1}`))
	if err := DecodeJSON(req, &out); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	if err := DecodeJSON(req, &out); err != ErrEmptyBody {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"code":"A"}{"code":"B"}`))
	if err := DecodeJSON(req, &out); err == nil {
		t.Fatalf("expected trailing data to be rejected")
	}
}
