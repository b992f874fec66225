package persist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedis_SetGetRemove(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedis(client, "test:", 0, zap.NewNop())
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v"))
	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, store.Remove(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_SessionTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	session := NewRedis(client, "session:", time.Minute, nil)
	durable := NewRedis(client, "durable:", 0, nil)
	ctx := context.Background()

	require.NoError(t, session.Set(ctx, "k", "s"))
	require.NoError(t, durable.Set(ctx, "k", "d"))

	mr.FastForward(2 * time.Minute)

	_, ok, err := session.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "session key should expire")

	val, ok, err := durable.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "d", val)
}

func TestRedis_GetFailsWhenServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewRedis(client, "test:", 0, nil)
	mr.Close()

	_, _, err = store.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestOpenRedisScopes(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	scopes, closeFn, err := OpenRedisScopes(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	require.NoError(t, scopes.Durable.Set(ctx, "k", "durable"))
	require.NoError(t, scopes.Session.Set(ctx, "k", "session"))

	d, _, _ := scopes.Durable.Get(ctx, "k")
	s, _, _ := scopes.Session.Get(ctx, "k")
	assert.Equal(t, "durable", d)
	assert.Equal(t, "session", s)
	assert.True(t, mr.Exists("fg:durable:k"))
	assert.True(t, mr.Exists("fg:session:k"))
}

func TestRedisScopesNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	a := RedisScopes(client, "a", time.Minute, nil)
	b := RedisScopes(client, "b", time.Minute, nil)

	require.NoError(t, a.Durable.Set(ctx, "k", "1"))
	_, ok, err := b.Durable.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("fg:a:durable:k"))

	require.NoError(t, b.Session.Set(ctx, "k", "2"))
	assert.Equal(t, time.Minute, mr.TTL("fg:b:session:k"))
}

func TestOpenRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = OpenRedis(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1"))
	val, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Remove(ctx, "a"))
	assert.Equal(t, 0, m.Len())
}
