// Package pricecache implements the two-tier TTL cache in front of the
// external price service.
//
// Entries live in an in-memory map and in a durable store.Store, written
// in lock-step. Reads try memory first, then the durable tier (promoting
// hits back into memory). Expired entries are evicted lazily on read and
// in bulk by Cleanup, which the server runs on a schedule.
package pricecache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zave/portfolio-engine/internal/metrics"
	"github.com/zave/portfolio-engine/internal/store"
)

// KeyPrefix namespaces cache entries inside the durable store.
const KeyPrefix = "crypto_cache_"

// Entry is one cached payload. Times are unix milliseconds in the durable
// encoding.
type Entry struct {
	Key       string `msgpack:"key"`
	Payload   []byte `msgpack:"payload"`
	StoredAt  int64  `msgpack:"stored_at"`
	ExpiresAt int64  `msgpack:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

// Stats describes the cache's current footprint.
type Stats struct {
	MemoryEntries  int `json:"memoryEntries"`
	DurableEntries int `json:"durableEntries"`
	DurableBytes   int `json:"durableBytes"`
}

// Cache is a two-tier TTL cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	memory  map[string]Entry
	durable store.Store
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a cache over the given durable store. A nil durable store
// gives a memory-only cache.
func New(durable store.Store, log zerolog.Logger) *Cache {
	return &Cache{
		memory:  make(map[string]Entry),
		durable: durable,
		now:     time.Now,
		log:     log.With().Str("component", "price_cache").Logger(),
	}
}

// WithClock replaces the cache's time source. Used by tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Key builds the cache key for an endpoint call. Parameters are sorted so
// that equivalent calls share an entry.
func Key(endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, k+"="+params[k])
	}
	return KeyPrefix + endpoint + "_" + strings.Join(pairs, "&")
}

// Get returns the payload stored under key if it has not expired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.memory[key]
	c.mu.RUnlock()

	if ok {
		if !e.expired(now) {
			metrics.CacheLookupsTotal.WithLabelValues("memory", "hit").Inc()
			return e.Payload, true
		}
		metrics.CacheLookupsTotal.WithLabelValues("memory", "expired").Inc()
		c.Delete(ctx, key)
		return nil, false
	}
	metrics.CacheLookupsTotal.WithLabelValues("memory", "miss").Inc()

	if c.durable == nil {
		return nil, false
	}

	e, err := c.readDurable(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn().Err(err).Str("key", key).Msg("dropping unreadable cache entry")
			c.durable.Remove(ctx, key)
		}
		metrics.CacheLookupsTotal.WithLabelValues("durable", "miss").Inc()
		return nil, false
	}
	if e.expired(now) {
		metrics.CacheLookupsTotal.WithLabelValues("durable", "expired").Inc()
		c.durable.Remove(ctx, key)
		return nil, false
	}

	metrics.CacheLookupsTotal.WithLabelValues("durable", "hit").Inc()
	c.mu.Lock()
	c.memory[key] = e
	c.mu.Unlock()
	return e.Payload, true
}

// Set stores payload under key for ttl in both tiers. The memory tier is
// always updated; a durable write failure is logged and returned.
func (c *Cache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := c.now()
	e := Entry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		StoredAt:  now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	c.mu.Lock()
	c.memory[key] = e
	c.mu.Unlock()

	if c.durable == nil {
		return nil
	}
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return err
	}
	if err := c.durable.Set(ctx, key, data); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("durable cache write failed")
		return err
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.memory, key)
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.Remove(ctx, key); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("durable cache delete failed")
		}
	}
}

// Cleanup evicts expired entries from both tiers, along with durable
// entries that can no longer be decoded. It returns the number of entries
// removed.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for k, e := range c.memory {
		if e.expired(now) {
			delete(c.memory, k)
			removed++
		}
	}
	c.mu.Unlock()

	if c.durable != nil {
		keys, err := c.durable.Keys(ctx, KeyPrefix)
		if err != nil {
			return removed, err
		}
		for _, k := range keys {
			e, err := c.readDurable(ctx, k)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err == nil && !e.expired(now) {
				continue
			}
			if rmErr := c.durable.Remove(ctx, k); rmErr != nil {
				return removed, rmErr
			}
			removed++
		}
	}

	metrics.CacheEvictionsTotal.Add(float64(removed))
	if removed > 0 {
		c.log.Info().Int("removed", removed).Msg("price cache cleanup")
	}
	return removed, nil
}

// Clear drops every entry from both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.memory = make(map[string]Entry)
	c.mu.Unlock()

	if c.durable == nil {
		return nil
	}
	keys, err := c.durable.Keys(ctx, KeyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.durable.Remove(ctx, k); err != nil {
			return err
		}
	}
	c.log.Info().Int("durable_entries", len(keys)).Msg("price cache cleared")
	return nil
}

// Stats reports entry counts for both tiers and the durable tier's size.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	st := Stats{MemoryEntries: len(c.memory)}
	c.mu.RUnlock()

	if c.durable == nil {
		return st, nil
	}
	keys, err := c.durable.Keys(ctx, KeyPrefix)
	if err != nil {
		return st, err
	}
	for _, k := range keys {
		data, err := c.durable.Get(ctx, k)
		if err != nil {
			continue
		}
		st.DurableEntries++
		st.DurableBytes += len(k) + len(data)
	}
	return st, nil
}

// Close releases the memory tier. Durable entries survive for the next
// process.
func (c *Cache) Close() {
	c.mu.Lock()
	c.memory = make(map[string]Entry)
	c.mu.Unlock()
}

func (c *Cache) readDurable(ctx context.Context, key string) (Entry, error) {
	var e Entry
	data, err := c.durable.Get(ctx, key)
	if err != nil {
		return e, err
	}
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return e, err
	}
	return e, nil
}

// CleanupJob runs Cleanup on a schedule.
type CleanupJob struct {
	Cache   *Cache
	Timeout time.Duration
}

func (j CleanupJob) Name() string { return "price_cache_cleanup" }

func (j CleanupJob) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := j.Cache.Cleanup(ctx)
	return err
}
