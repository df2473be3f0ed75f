// Package pricing answers price questions for the portfolio: it puts the
// two-tier price cache and the per-endpoint rate limiter in front of the
// quote client, falls back to last-known-good data when the service is
// rate limited or failing, and refreshes many coins in sequential batches.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/metrics"
	"github.com/zave/portfolio-engine/internal/pricecache"
	"github.com/zave/portfolio-engine/internal/quote"
	"github.com/zave/portfolio-engine/internal/ratelimit"
)

// ErrRateLimited is returned when a lookup is rate limited and nothing is
// cached for it.
var ErrRateLimited = errors.New("pricing: rate limited and no cached data")

// UnavailableError reports that no quote could be obtained for a coin. Date
// is zero for a current-price lookup.
type UnavailableError struct {
	CoinID string
	Date   time.Time
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Date.IsZero() {
		return fmt.Sprintf("pricing: current price for %s unavailable: %v", e.CoinID, e.Err)
	}
	return fmt.Sprintf("pricing: price for %s on %s unavailable: %v",
		e.CoinID, e.Date.Format(time.DateOnly), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Provider is the price collaborator. *quote.Client implements it.
type Provider interface {
	Search(ctx context.Context, query string, maxAttempts int) ([]quote.Coin, error)
	SimplePrice(ctx context.Context, ids []string, currency string, maxAttempts int) (map[string]quote.Price, error)
	History(ctx context.Context, coinID string, date time.Time, currency string, maxAttempts int) (decimal.Decimal, error)
	MarketChart(ctx context.Context, coinID string, days int, currency string, maxAttempts int) ([]quote.PricePoint, error)
}

// Config tunes TTL classes, retries and batching.
type Config struct {
	Currency      string
	MaxAttempts   int
	CurrentTTL    time.Duration
	HistoricalTTL time.Duration
	SearchTTL     time.Duration
	StaleTTL      time.Duration
	BatchSize     int
	BatchPause    time.Duration
}

// DefaultConfig returns the standard TTL classes and batching limits.
func DefaultConfig() Config {
	return Config{
		Currency:      "usd",
		MaxAttempts:   quote.DefaultMaxAttempts,
		CurrentTTL:    time.Hour,
		HistoricalTTL: 24 * time.Hour,
		SearchTTL:     30 * time.Minute,
		StaleTTL:      7 * 24 * time.Hour,
		BatchSize:     50,
		BatchPause:    time.Second,
	}
}

// CurrentQuote is a cached current price.
type CurrentQuote struct {
	CoinID      string          `json:"coinId"`
	Price       decimal.Decimal `json:"price"`
	Change24h   decimal.Decimal `json:"change24h"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Stats combines price cache footprint with rate limiter state.
type Stats struct {
	pricecache.Stats
	RateLimitTrackers int `json:"rateLimitTrackers"`
}

// Service is the cache-aware pricing layer. Safe for concurrent use.
type Service struct {
	provider Provider
	cache    *pricecache.Cache
	limiter  *ratelimit.Limiter
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	pause    func(ctx context.Context, d time.Duration) error
}

// NewService wires the pricing layer. Zero-valued config fields take the
// defaults.
func NewService(p Provider, cache *pricecache.Cache, limiter *ratelimit.Limiter, cfg Config, log zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CurrentTTL <= 0 {
		cfg.CurrentTTL = def.CurrentTTL
	}
	if cfg.HistoricalTTL <= 0 {
		cfg.HistoricalTTL = def.HistoricalTTL
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = def.SearchTTL
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = def.StaleTTL
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > def.BatchSize {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	return &Service{
		provider: p,
		cache:    cache,
		limiter:  limiter,
		cfg:      cfg,
		log:      log.With().Str("component", "pricing").Logger(),
		now:      time.Now,
		pause:    sleep,
	}
}

// WithClock replaces the service's time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithPause replaces the wait between batches. Used by tests.
func (s *Service) WithPause(pause func(ctx context.Context, d time.Duration) error) *Service {
	s.pause = pause
	return s
}

// Today returns the current UTC calendar date at midnight.
func (s *Service) Today() time.Time {
	return CalendarDay(s.now())
}

// CalendarDay truncates t to midnight of its UTC calendar date.
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CurrentPrice returns the current price of coinID.
func (s *Service) CurrentPrice(ctx context.Context, coinID string) (CurrentQuote, error) {
	var q CurrentQuote
	key := pricecache.Key("price", map[string]string{"coinId": coinID})
	err := s.cached(ctx, quote.EndpointSimplePrice+":"+coinID, key, s.cfg.CurrentTTL, &q, func() (any, error) {
		prices, err := s.provider.SimplePrice(ctx, []string{coinID}, s.cfg.Currency, s.cfg.MaxAttempts)
		if err != nil {
			return nil, err
		}
		p, ok := prices[coinID]
		if !ok || !p.Price.IsPositive() {
			return nil, fmt.Errorf("no price data found for %s", coinID)
		}
		return CurrentQuote{CoinID: coinID, Price: p.Price, Change24h: p.Change24h, LastUpdated: s.now().UTC()}, nil
	})
	if err != nil {
		return CurrentQuote{}, &UnavailableError{CoinID: coinID, Err: err}
	}
	return q, nil
}

// HistoricalPrice returns the price of coinID on the UTC calendar date of
// date.
func (s *Service) HistoricalPrice(ctx context.Context, coinID string, date time.Time) (decimal.Decimal, error) {
	day := CalendarDay(date)
	dateStr := day.Format(quote.HistoryDateLayout)

	var price decimal.Decimal
	key := pricecache.Key("historical", map[string]string{"coinId": coinID, "date": dateStr})
	err := s.cached(ctx, quote.EndpointHistory+":"+coinID, key, s.cfg.HistoricalTTL, &price, func() (any, error) {
		return s.provider.History(ctx, coinID, day, s.cfg.Currency, s.cfg.MaxAttempts)
	})
	if err != nil {
		return decimal.Zero, &UnavailableError{CoinID: coinID, Date: day, Err: err}
	}
	return price, nil
}

// PriceOn returns the unit price of coinID for a purchase dated date: the
// historical close for any earlier UTC calendar date, the current price
// for today.
func (s *Service) PriceOn(ctx context.Context, coinID string, date time.Time) (decimal.Decimal, error) {
	if CalendarDay(date).Before(s.Today()) {
		return s.HistoricalPrice(ctx, coinID, date)
	}
	q, err := s.CurrentPrice(ctx, coinID)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Search finds coins matching query. Queries shorter than two characters
// return nothing without calling the service.
func (s *Service) Search(ctx context.Context, query string) ([]quote.Coin, error) {
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return []quote.Coin{}, nil
	}

	var coins []quote.Coin
	key := pricecache.Key("search", map[string]string{"query": strings.ToLower(query)})
	err := s.cached(ctx, quote.EndpointSearch, key, s.cfg.SearchTTL, &coins, func() (any, error) {
		return s.provider.Search(ctx, query, s.cfg.MaxAttempts)
	})
	if err != nil {
		return nil, err
	}
	if coins == nil {
		coins = []quote.Coin{}
	}
	return coins, nil
}

// MarketChart returns the price series of coinID for the last days. Charts
// of a week or less use the current-price TTL, longer ones the historical.
func (s *Service) MarketChart(ctx context.Context, coinID string, days int) ([]quote.PricePoint, error) {
	if days <= 0 {
		days = 30
	}
	ttl := s.cfg.HistoricalTTL
	if days <= 7 {
		ttl = s.cfg.CurrentTTL
	}

	var points []quote.PricePoint
	key := pricecache.Key("chart", map[string]string{
		"coinId":   coinID,
		"days":     strconv.Itoa(days),
		"currency": s.cfg.Currency,
	})
	err := s.cached(ctx, quote.EndpointMarketChart+":"+coinID, key, ttl, &points, func() (any, error) {
		return s.provider.MarketChart(ctx, coinID, days, s.cfg.Currency, s.cfg.MaxAttempts)
	})
	if err != nil {
		return nil, &UnavailableError{CoinID: coinID, Err: err}
	}
	return points, nil
}

// BatchPrices returns current quotes for every id it can price. Cached ids
// are served from the cache; the rest are fetched in sequential batches of
// at most BatchSize with BatchPause between them. A failed batch is logged
// and skipped. Batches are not gated by the rate limiter but are recorded
// against it.
func (s *Service) BatchPrices(ctx context.Context, coinIDs []string) (map[string]CurrentQuote, error) {
	out := make(map[string]CurrentQuote)
	seen := make(map[string]bool)
	var uncached []string

	for _, id := range coinIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		var q CurrentQuote
		if data, ok := s.cache.Get(ctx, currentKey(id)); ok && json.Unmarshal(data, &q) == nil {
			out[id] = q
			continue
		}
		uncached = append(uncached, id)
	}

	for i := 0; i < len(uncached); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		batch := uncached[i:end]

		prices, err := s.provider.SimplePrice(ctx, batch, s.cfg.Currency, s.cfg.MaxAttempts)
		if err != nil {
			s.log.Error().Err(err).Strs("batch", batch).Msg("batch price fetch failed")
		}
		now := s.now().UTC()
		for id, p := range prices {
			if !p.Price.IsPositive() {
				continue
			}
			q := CurrentQuote{CoinID: id, Price: p.Price, Change24h: p.Change24h, LastUpdated: now}
			out[id] = q
			s.store(ctx, currentKey(id), q, s.cfg.CurrentTTL)
			s.limiter.Record(quote.EndpointSimplePrice + ":" + id)
		}

		if end < len(uncached) {
			if err := s.pause(ctx, s.cfg.BatchPause); err != nil {
				return out, err
			}
		}
	}

	s.log.Info().
		Int("total", len(seen)).
		Int("cached", len(seen)-len(uncached)).
		Int("fetched", len(uncached)).
		Int("priced", len(out)).
		Msg("batch price update complete")
	return out, nil
}

// ForceRefresh drops the cached current price of coinID and fetches it
// again.
func (s *Service) ForceRefresh(ctx context.Context, coinID string) (CurrentQuote, error) {
	s.cache.Delete(ctx, currentKey(coinID))
	return s.CurrentPrice(ctx, coinID)
}

// Stats reports cache and rate limiter state.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	cs, err := s.cache.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: cs, RateLimitTrackers: s.limiter.Trackers()}, nil
}

// ClearCache drops every cached price and forgets rate limiter state.
func (s *Service) ClearCache(ctx context.Context) error {
	s.limiter.Reset()
	return s.cache.Clear(ctx)
}

// cached serves key from the cache, or calls fetch when the limiter allows
// it. When the limiter refuses or fetch fails, the last known good value is
// served if one exists.
func (s *Service) cached(ctx context.Context, limitKey, key string, ttl time.Duration, out any, fetch func() (any, error)) error {
	if data, ok := s.cache.Get(ctx, key); ok {
		if err := json.Unmarshal(data, out); err == nil {
			return nil
		}
		s.cache.Delete(ctx, key)
	}

	endpoint := limitKey
	if i := strings.IndexByte(limitKey, ':'); i >= 0 {
		endpoint = limitKey[:i]
	}

	if !s.limiter.Allow(limitKey) {
		metrics.RateLimitedTotal.WithLabelValues(endpoint).Inc()
		if s.stale(ctx, key, out) {
			metrics.StaleFallbacksTotal.WithLabelValues(endpoint).Inc()
			s.log.Debug().Str("key", key).Msg("rate limited, serving stale data")
			return nil
		}
		s.log.Warn().Str("endpoint", limitKey).Msg("rate limited with no cached data")
		return ErrRateLimited
	}

	v, err := fetch()
	if err != nil {
		if s.stale(ctx, key, out) {
			metrics.StaleFallbacksTotal.WithLabelValues(endpoint).Inc()
			s.log.Warn().Err(err).Str("key", key).Msg("fetch failed, serving stale data")
			return nil
		}
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.store(ctx, key, v, ttl)
	return json.Unmarshal(data, out)
}

// store writes v under key and under its last-known-good key. Cache write
// failures only cost a future cache miss, so they are logged and dropped.
func (s *Service) store(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("encode cache payload")
		return
	}
	_ = s.cache.Set(ctx, key, data, ttl)
	_ = s.cache.Set(ctx, staleKey(key), data, s.cfg.StaleTTL)
}

func (s *Service) stale(ctx context.Context, key string, out any) bool {
	data, ok := s.cache.Get(ctx, staleKey(key))
	if !ok {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func currentKey(coinID string) string {
	return pricecache.Key("price", map[string]string{"coinId": coinID})
}

func staleKey(key string) string {
	return pricecache.KeyPrefix + "lastgood_" + strings.TrimPrefix(key, pricecache.KeyPrefix)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
