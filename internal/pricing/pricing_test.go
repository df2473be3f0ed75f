package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zave/portfolio-engine/internal/pricecache"
	"github.com/zave/portfolio-engine/internal/quote"
	"github.com/zave/portfolio-engine/internal/ratelimit"
	"github.com/zave/portfolio-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeProvider struct {
	mu          sync.Mutex
	prices      map[string]decimal.Decimal
	history     map[string]decimal.Decimal // "coin@YYYY-MM-DD"
	err         error
	failBatches map[int]bool
	calls       map[string]int
	batches     [][]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices:      map[string]decimal.Decimal{},
		history:     map[string]decimal.Decimal{},
		failBatches: map[int]bool{},
		calls:       map[string]int{},
	}
}

func (f *fakeProvider) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

func (f *fakeProvider) Search(_ context.Context, query string, _ int) ([]quote.Coin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["search"]++
	if f.err != nil {
		return nil, f.err
	}
	return []quote.Coin{{ID: "bitcoin", Name: "Bitcoin", Symbol: "btc"}}, nil
}

func (f *fakeProvider) SimplePrice(_ context.Context, ids []string, _ string, _ int) (map[string]quote.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["price"]++
	f.batches = append(f.batches, append([]string(nil), ids...))
	if f.err != nil || f.failBatches[len(f.batches)] {
		return nil, errors.New("upstream down")
	}
	out := map[string]quote.Price{}
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out[id] = quote.Price{Price: p}
		}
	}
	return out, nil
}

func (f *fakeProvider) History(_ context.Context, coinID string, date time.Time, _ string, _ int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["history"]++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	p, ok := f.history[coinID+"@"+date.Format(time.DateOnly)]
	if !ok {
		return decimal.Zero, quote.ErrNoHistoricalData
	}
	return p, nil
}

func (f *fakeProvider) MarketChart(_ context.Context, coinID string, days int, _ string, _ int) ([]quote.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["chart"]++
	return []quote.PricePoint{{Time: time.Unix(0, 0).UTC(), Price: d(1)}}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

type testEnv struct {
	svc      *Service
	provider *fakeProvider
	clock    *fakeClock
	pauses   []time.Duration
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: newFakeProvider(),
		clock:    &fakeClock{t: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)},
	}
	cache := pricecache.New(store.NewMemoryStore(), zerolog.Nop()).WithClock(env.clock.now)
	limiter := ratelimit.NewLimiter(time.Minute).WithClock(env.clock.now)
	env.svc = NewService(env.provider, cache, limiter, cfg, zerolog.Nop()).
		WithClock(env.clock.now).
		WithPause(func(_ context.Context, dur time.Duration) error {
			env.pauses = append(env.pauses, dur)
			return nil
		})
	return env
}

func TestCurrentPrice_CachedWithinTTL(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.provider.prices["bitcoin"] = d(65000)
	ctx := context.Background()

	q1, err := env.svc.CurrentPrice(ctx, "bitcoin")
	require.NoError(t, err)
	q2, err := env.svc.CurrentPrice(ctx, "bitcoin")
	require.NoError(t, err)

	assert.True(t, q1.Price.Equal(d(65000)))
	assert.Equal(t, q1, q2)
	assert.Equal(t, 1, env.provider.count("price"))
}

func TestCurrentPrice_RateLimitedServesStale(t *testing.T) {
	env := newTestEnv(t, Config{CurrentTTL: 10 * time.Second})
	env.provider.prices["bitcoin"] = d(65000)
	ctx := context.Background()

	first, err := env.svc.CurrentPrice(ctx, "bitcoin")
	require.NoError(t, err)

	// Fresh entry expired, still inside the 60s rate-limit window.
	env.clock.advance(20 * time.Second)
	env.provider.prices["bitcoin"] = d(1)

	second, err := env.svc.CurrentPrice(ctx, "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, 1, env.provider.count("price"))
	assert.True(t, second.Price.Equal(first.Price))
}

func TestCurrentPrice_RateLimitedWithoutCacheFails(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// First call spends the window and fails: no price known.
	_, err := env.svc.CurrentPrice(ctx, "dogecoin")
	require.Error(t, err)

	_, err = env.svc.CurrentPrice(ctx, "dogecoin")
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "dogecoin", ue.CoinID)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, env.provider.count("price"))
}

func TestCurrentPrice_FetchErrorServesStale(t *testing.T) {
	env := newTestEnv(t, Config{CurrentTTL: 10 * time.Second})
	env.provider.prices["ethereum"] = d(3000)
	ctx := context.Background()

	_, err := env.svc.CurrentPrice(ctx, "ethereum")
	require.NoError(t, err)

	env.clock.advance(2 * time.Minute)
	env.provider.err = errors.New("boom")

	q, err := env.svc.CurrentPrice(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d(3000)))
	assert.Equal(t, 2, env.provider.count("price"))
}

func TestPriceOn_RoutesByCalendarDay(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.provider.prices["bitcoin"] = d(5000)
	env.provider.history["bitcoin@2026-06-14"] = d(4000)
	ctx := context.Background()

	// Earlier today, even by hours, is still today.
	p, err := env.svc.PriceOn(ctx, "bitcoin", time.Date(2026, 6, 15, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, p.Equal(d(5000)))

	p, err = env.svc.PriceOn(ctx, "bitcoin", time.Date(2026, 6, 14, 23, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, p.Equal(d(4000)))

	assert.Equal(t, 1, env.provider.count("price"))
	assert.Equal(t, 1, env.provider.count("history"))
}

func TestHistoricalPrice_NoData(t *testing.T) {
	env := newTestEnv(t, Config{})

	date := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	_, err := env.svc.HistoricalPrice(context.Background(), "bitcoin", date)

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, date, ue.Date)
	assert.ErrorIs(t, err, quote.ErrNoHistoricalData)
	assert.Contains(t, err.Error(), "2026-01-02")
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	coins, err := env.svc.Search(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, coins)
	assert.Equal(t, 0, env.provider.count("search"))

	coins, err = env.svc.Search(ctx, "Bit")
	require.NoError(t, err)
	require.Len(t, coins, 1)

	_, err = env.svc.Search(ctx, "bit")
	require.NoError(t, err)
	assert.Equal(t, 1, env.provider.count("search"))
}

func TestMarketChart_Cached(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		points, err := env.svc.MarketChart(ctx, "bitcoin", 30)
		require.NoError(t, err)
		assert.Len(t, points, 1)
	}
	assert.Equal(t, 1, env.provider.count("chart"))
}

func TestBatchPrices(t *testing.T) {
	env := newTestEnv(t, Config{BatchSize: 50, BatchPause: time.Second})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("coin-%03d", i)
		ids = append(ids, id)
		env.provider.prices[id] = d(float64(i + 1))
	}
	ids = append(ids, "coin-000") // duplicate

	// Warm one id so it is served from the cache.
	_, err := env.svc.CurrentPrice(ctx, "coin-119")
	require.NoError(t, err)
	env.provider.batches = nil

	// The second batch fails and is skipped.
	env.provider.failBatches[2] = true

	got, err := env.svc.BatchPrices(ctx, ids)
	require.NoError(t, err)

	require.Len(t, env.provider.batches, 3)
	assert.Len(t, env.provider.batches[0], 50)
	assert.Len(t, env.provider.batches[1], 50)
	assert.Len(t, env.provider.batches[2], 19)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, env.pauses)

	assert.Len(t, got, 70)
	assert.Contains(t, got, "coin-119")
	assert.NotContains(t, got, "coin-060")
}

func TestForceRefreshAndStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.provider.prices["bitcoin"] = d(100)
	ctx := context.Background()

	_, err := env.svc.CurrentPrice(ctx, "bitcoin")
	require.NoError(t, err)

	env.clock.advance(2 * time.Minute)
	env.provider.prices["bitcoin"] = d(200)

	q, err := env.svc.ForceRefresh(ctx, "bitcoin")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d(200)))

	st, err := env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.MemoryEntries) // fresh + last known good
	assert.Equal(t, 2, st.DurableEntries)
	assert.Equal(t, 1, st.RateLimitTrackers)

	require.NoError(t, env.svc.ClearCache(ctx))
	st, err = env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.MemoryEntries)
	assert.Zero(t, st.DurableEntries)
	assert.Zero(t, st.RateLimitTrackers)
}
