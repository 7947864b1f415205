package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "")
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_ReserveLifecycle(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	first, err := store.Reserve(ctx, "key-1", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, first.State)

	second, err := store.Reserve(ctx, "key-1", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStatePending, second.State)

	_, err = store.Reserve(ctx, "key-1", "fp-other", fixedTime, time.Hour)
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Content-Length", "12")
	err = store.SaveResponse(ctx, "key-1", "fp-1", Response{Status: http.StatusCreated, Headers: headers, Body: []byte(`{"ok":true}`)}, fixedTime, time.Hour)
	require.NoError(t, err)

	replay, err := store.Reserve(ctx, "key-1", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateCompleted, replay.State)
	assert.Equal(t, http.StatusCreated, replay.Record.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, string(replay.Record.ResponseBody))
	assert.Equal(t, []string{"application/json"}, replay.Record.ResponseHeaders["Content-Type"])
	assert.NotContains(t, replay.Record.ResponseHeaders, "Content-Length")
}

func TestRedisStore_ReleaseOnlyForOwner(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-2", "fp-1", fixedTime, time.Hour)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "key-2", "fp-other"))
	assert.True(t, mr.Exists(store.redisKey("key-2")))

	require.NoError(t, store.Release(ctx, "key-2", "fp-1"))
	assert.False(t, mr.Exists(store.redisKey("key-2")))

	require.NoError(t, store.Release(ctx, "missing", "fp-1"))
}

func TestRedisStore_ExpiryAllowsNewReservation(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "key-3", "fp-1", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(store.redisKey("key-3")))

	mr.FastForward(2 * time.Minute)

	res, err := store.Reserve(ctx, "key-3", "fp-2", fixedTime, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ReservationStateNew, res.State)

	removed, err := store.CleanupExpired(ctx, fixedTime, 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRedisStore_RequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil, "")
	assert.Error(t, err)
}
