//go:build integration

package idempotency

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("CHECKOUT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHECKOUT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewRedisStore(client)
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	key := "redis-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { _ = store.Release(ctx, key) })

	res, err := store.Reserve(ctx, key, "fp", time.Now(), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v %v", res, err)
	}
	if res, err = store.Reserve(ctx, key, "fp", time.Now(), time.Minute); err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %+v %v", res, err)
	}
	if _, err := store.Reserve(ctx, key, "other", time.Now(), time.Minute); err != ErrFingerprintMismatch {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusCreated, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{}`)}
	if err := store.SaveResponse(ctx, key, "fp", resp, time.Now(), time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err = store.Reserve(ctx, key, "fp", time.Now(), time.Minute)
	if err != nil || res.State != ReservationStateCompleted || res.Record.ResponseStatus != http.StatusCreated {
		t.Fatalf("expected completed reservation, got %+v %v", res, err)
	}
}
