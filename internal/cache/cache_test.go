package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/Additional-Code/settle/internal/config"
)

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemory(time.Minute, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, OrderKey("o-1"), []byte(`{"id":"o-1"}`), 0))
	got, err := store.Get(ctx, OrderKey("o-1"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"o-1"}`, string(got))

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, OrderKey("o-1"))
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Hour))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.Error(t, store.Set(ctx, "", []byte("v"), 0))
}

func TestNewStoreDrivers(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	ctx := context.Background()

	off, err := NewStore(lc, config.Config{Cache: config.Cache{Enabled: false, Driver: "redis"}}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, off.Set(ctx, "k", []byte("v"), 0))
	_, err = off.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	mem, err := NewStore(lc, config.Config{Cache: config.Cache{Enabled: true, Driver: "memory"}}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	_, err = NewStore(lc, config.Config{Cache: config.Cache{Enabled: true, Driver: "memcached"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	lc := fxtest.NewLifecycle(t)
	store, err := NewStore(lc, config.Config{Cache: config.Cache{Enabled: true, Driver: "redis", DefaultTTL: time.Minute, Redis: config.Redis{Addr: addr}}}, zap.NewNop())
	require.NoError(t, err)
	lc.RequireStart()
	defer lc.RequireStop()

	ctx := context.Background()
	key := OrderKey("redis-test")
	require.NoError(t, store.Set(ctx, key, []byte("v"), 0))
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)
}
