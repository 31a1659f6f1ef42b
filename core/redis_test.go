package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "failed to start miniredis")
	t.Cleanup(mr.Close)

	cache := NewRedisCache(RedisConfig{Addr: mr.Addr(), PoolSize: 4}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = cache.Close() })
	return mr, cache
}

func TestRedisCache_SetGet(t *testing.T) {
	_, cache := newTestRedis(t)
	ctx := context.Background()

	type entry struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	require.NoError(t, cache.Set(ctx, "k", entry{Name: "test", Value: 42}, time.Minute))

	var got entry
	found, err := cache.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, entry{Name: "test", Value: 42}, got)
}

func TestRedisCache_GetMiss(t *testing.T) {
	_, cache := newTestRedis(t)

	var got string
	found, err := cache.Get(context.Background(), "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_Expiration(t *testing.T) {
	mr, cache := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	var got string
	found, err := cache.Get(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_CorruptEntryIsMiss(t *testing.T) {
	mr, cache := newTestRedis(t)
	require.NoError(t, mr.Set("bad", "{not json"))

	var got map[string]any
	found, err := cache.Get(context.Background(), "bad", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("bad"), "corrupt entry should be deleted")
}

type countingIdentityStore struct {
	userCalls    atomic.Int32
	sessionCalls atomic.Int32
}

func (s *countingIdentityStore) GetUser(_ context.Context, id string) (*UserSnapshot, error) {
	s.userCalls.Add(1)
	if id == "ghost" {
		return nil, ErrNotFound
	}
	return &UserSnapshot{ID: id, Role: "user"}, nil
}

func (s *countingIdentityStore) GetSession(_ context.Context, id string) (*SessionContext, error) {
	s.sessionCalls.Add(1)
	return &SessionContext{ID: id, UserID: "alice"}, nil
}

func TestCachedIdentityStore_ReadThrough(t *testing.T) {
	_, cache := newTestRedis(t)
	backing := &countingIdentityStore{}
	store := NewCachedIdentityStore(backing, cache, time.Minute, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u, err := store.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.ID)
	}
	assert.Equal(t, int32(1), backing.userCalls.Load())

	for i := 0; i < 2; i++ {
		s, err := store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "alice", s.UserID)
	}
	assert.Equal(t, int32(1), backing.sessionCalls.Load())
}

func TestCachedIdentityStore_NotFoundIsNotCached(t *testing.T) {
	_, cache := newTestRedis(t)
	backing := &countingIdentityStore{}
	store := NewCachedIdentityStore(backing, cache, time.Minute, zaptest.NewLogger(t).Sugar())

	for i := 0; i < 2; i++ {
		_, err := store.GetUser(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(2), backing.userCalls.Load())
}

func TestCachedIdentityStore_RedisDownFallsThrough(t *testing.T) {
	mr, cache := newTestRedis(t)
	backing := &countingIdentityStore{}
	store := NewCachedIdentityStore(backing, cache, time.Minute, zaptest.NewLogger(t).Sugar())
	mr.Close()

	u, err := store.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.ID)
}
