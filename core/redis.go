package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"warden/metrics"
)

// maxCacheValueSize bounds a single cached value
const maxCacheValueSize = 1024 * 1024

// Cache key prefixes
const (
	CacheKeyUserPrefix    = "warden:user:"
	CacheKeySessionPrefix = "warden:session:"
)

// RedisCache is a JSON-valued cache shared across engine instances
type RedisCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// RedisConfig holds connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NewRedisCache creates a cache. The connection is established lazily by go-redis.
func NewRedisCache(cfg RedisConfig, logger *zap.SugaredLogger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisCache{client: client, logger: logger}
}

// Ping tests the connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the connection pool
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Set stores value as JSON with the given expiration
func (rc *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "marshal").Inc()
		return fmt.Errorf("marshal cache value for %s: %w", key, err)
	}
	if len(data) > maxCacheValueSize {
		metrics.CacheErrors.WithLabelValues("redis", "size_limit").Inc()
		return fmt.Errorf("cache value for %s is %d bytes, limit is %d", key, len(data), maxCacheValueSize)
	}
	if err := rc.client.Set(ctx, key, data, expiration).Err(); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "set").Inc()
		return err
	}
	return nil
}

// Get loads key into dest. found is false on a miss.
func (rc *RedisCache) Get(ctx context.Context, key string, dest any) (found bool, err error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "get").Inc()
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		rc.logger.Warnw("Dropping undecodable cache entry", "key", key, "error", err)
		metrics.CacheErrors.WithLabelValues("redis", "unmarshal").Inc()
		_ = rc.client.Del(ctx, key).Err()
		return false, nil
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	return true, nil
}

// Delete removes a key
func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	return rc.client.Del(ctx, key).Err()
}

// CachedIdentityStore puts a Redis read-through cache in front of an
// IdentityStore. Redis failures fall through to the backing store.
type CachedIdentityStore struct {
	backing IdentityStore
	cache   *RedisCache
	ttl     time.Duration
	logger  *zap.SugaredLogger
}

// NewCachedIdentityStore wraps backing with cache
func NewCachedIdentityStore(backing IdentityStore, cache *RedisCache, ttl time.Duration, logger *zap.SugaredLogger) *CachedIdentityStore {
	return &CachedIdentityStore{backing: backing, cache: cache, ttl: ttl, logger: logger}
}

// GetUser implements IdentityStore
func (s *CachedIdentityStore) GetUser(ctx context.Context, userID string) (*UserSnapshot, error) {
	key := CacheKeyUserPrefix + userID
	var u UserSnapshot
	if found, err := s.cache.Get(ctx, key, &u); err != nil {
		s.logger.Debugw("User cache read failed", "user_id", userID, "error", err)
	} else if found {
		return &u, nil
	}

	user, err := s.backing.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, user, s.ttl); err != nil {
		s.logger.Debugw("User cache write failed", "user_id", userID, "error", err)
	}
	return user, nil
}

// GetSession implements IdentityStore
func (s *CachedIdentityStore) GetSession(ctx context.Context, sessionID string) (*SessionContext, error) {
	key := CacheKeySessionPrefix + sessionID
	var sc SessionContext
	if found, err := s.cache.Get(ctx, key, &sc); err != nil {
		s.logger.Debugw("Session cache read failed", "session_id", sessionID, "error", err)
	} else if found {
		return &sc, nil
	}

	sess, err := s.backing.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, sess, s.ttl); err != nil {
		s.logger.Debugw("Session cache write failed", "session_id", sessionID, "error", err)
	}
	return sess, nil
}
