package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "checkout:idem:"

// RedisStore implements Store on Redis. Records expire through key TTLs, so CleanupExpired is a no-op.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key string) string {
	return redisKeyPrefix + documentID(key)
}

// Reserve implements Store. SETNX makes the first writer the owner.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := newPendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, err
	}
	created, err := s.client.SetNX(ctx, redisKey(key), payload, ttl).Result()
	if err != nil {
		return Reservation{}, err
	}
	if created {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	existing, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET.
		return s.Reserve(ctx, key, fingerprint, now, ttl)
	}
	if err != nil {
		return Reservation{}, err
	}
	return classify(existing, fingerprint)
}

// SaveResponse implements Store. WATCH guards against a concurrent release or overwrite.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rkey := redisKey(key)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		raw, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &record); err != nil {
				return err
			}
			if record.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		payload, err := json.Marshal(complete(record, resp, now, ttl))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, ttl)
			return nil
		})
		return err
	}, rkey)
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKey(key)).Err()
}

// CleanupExpired implements Store.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}
