package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, calls: map[string]int{}}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeSecretClient) Close() error { return nil }

func newTestFetcher(t *testing.T, client *fakeSecretClient, opts ...Option) *Fetcher {
	t.Helper()
	opts = append([]Option{
		WithSecretManagerClient(client),
		WithDefaultProject("shop-dev"),
		WithFallbackFile(""),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	}, opts...)
	fetcher, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	return fetcher
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/shop-dev/secrets/stripe-api-key/versions/latest"
	client.values[resource] = "sk_live_123\n"

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := newTestFetcher(t, client, WithClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe-api-key")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "sk_live_123" {
			t.Fatalf("expected trimmed secret, got %q", got)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected a single remote fetch, got %d", client.calls[resource])
	}

	now = now.Add(11 * time.Minute)
	if _, err := fetcher.Resolve(ctx, "secret://stripe-api-key"); err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if client.calls[resource] != 2 {
		t.Fatalf("expected refetch after ttl, got %d", client.calls[resource])
	}
}

func TestResolveProjectAndVersion(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/shop-prod/secrets/paystack/versions/3"] = "sk_paystack"
	fetcher := newTestFetcher(t, client)

	got, err := fetcher.Resolve(context.Background(), "sm://shop-prod/paystack?version=3")
	if err != nil || got != "sk_paystack" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}

func TestResolveNotFound(t *testing.T) {
	fetcher := newTestFetcher(t, newFakeSecretClient())
	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestResolveInvalidReference(t *testing.T) {
	fetcher := newTestFetcher(t, newFakeSecretClient())
	for _, ref := range []string{"", "https://example.com/x", "secret://a/b/c"} {
		if _, err := fetcher.Resolve(context.Background(), ref); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("expected ErrInvalidReference for %q, got %v", ref, err)
		}
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte("stripe-webhook=whsec_local\n"), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	client := newFakeSecretClient()
	client.err = status.Error(codes.Unavailable, "offline")
	fetcher := newTestFetcher(t, client, WithFallbackFile(path))

	got, err := fetcher.Resolve(context.Background(), "secret://stripe-webhook")
	if err != nil || got != "whsec_local" {
		t.Fatalf("expected fallback value, got %q %v", got, err)
	}

	if _, err := fetcher.Resolve(context.Background(), "secret://other"); err == nil {
		t.Fatalf("expected error when fallback has no entry")
	}
}
