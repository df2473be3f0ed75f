package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store directly on Redis. Every key is stored under
// a namespace prefix so several deployments can share one instance.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisStore creates a Redis-backed store. An empty namespace defaults
// to "portfolio".
func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "portfolio"
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.nsKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.nsKey(key), value, 0).Err(); err != nil {
		return &PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.nsKey(key)).Err()
}

// Keys walks the keyspace with SCAN so large namespaces never block Redis.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	ns := s.nsKey("")
	iter := s.rdb.Scan(ctx, 0, s.nsKey(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), ns))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *RedisStore) nsKey(key string) string { return s.namespace + ":" + key }

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.primary.Set(ctx, key, value); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, cacheKey(key))
	return nil
}

func (s *CachedStore) Remove(ctx context.Context, key string) error {
	if err := s.primary.Remove(ctx, key); err != nil {
		return err
	}
	s.rdb.Del(ctx, cacheKey(key))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}

	// Cache miss: read from primary.
	data, err = s.primary.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, cacheKey(key), data, s.ttl)
	return data, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.primary.Keys(ctx, prefix)
}

func cacheKey(key string) string { return fmt.Sprintf("kvcache:%s", key) }
