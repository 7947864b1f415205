package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "storefront:idem:"

// RedisStore shares idempotency records between storefront replicas. Reservations use SET NX so
// only one replica wins a key; Redis key expiry replaces explicit cleanup.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix falls back to "storefront:idem:".
func NewRedisStore(rdb redis.UniversalClient, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + compositeKey(key)
}

// Reserve implements the Store interface.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = ttlOrDefault(ttl)
	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	id := s.redisKey(key)
	created, err := s.rdb.SetNX(ctx, id, payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if created {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	existing, err := s.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Reserve(ctx, key, fingerprint, now, ttl)
	}
	if err != nil {
		return Reservation{}, err
	}
	return reservationOf(existing, fingerprint)
}

// SaveResponse implements the Store interface.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = ttlOrDefault(ttl)

	id := s.redisKey(key)
	record, err := s.load(ctx, id)
	switch {
	case errors.Is(err, redis.Nil):
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	case err != nil:
		return err
	case record.Fingerprint != fingerprint:
		return ErrFingerprintMismatch
	}

	payload, err := json.Marshal(completedRecord(record, resp, now, ttl))
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.rdb.Set(ctx, id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: save response: %w", err)
	}
	return nil
}

// Release deletes a pending reservation owned by fingerprint.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.redisKey(key)
	record, err := s.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.Fingerprint != fingerprint {
		return nil
	}
	if err := s.rdb.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op; Redis expires keys on its own.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, error) {
	raw, err := s.rdb.Get(ctx, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
