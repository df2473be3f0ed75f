package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "demo"}, zerolog.Nop())
	c.Backoff = func(int) time.Duration { return 0 }
	return c, &calls
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, ExponentialBackoff(1))
	assert.Equal(t, 4*time.Second, ExponentialBackoff(2))
	assert.Equal(t, 8*time.Second, ExponentialBackoff(3))
}

func TestFetchWithRetry_RecoversAfterFailures(t *testing.T) {
	var n int32
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "demo", r.Header.Get("x-cg-demo-api-key"))
		w.Write([]byte(`{"coins":[{"id":"bitcoin","name":"Bitcoin","symbol":"BTC"}]}`))
	})

	coins, err := c.Search(context.Background(), "bit", 3)
	require.NoError(t, err)
	require.Len(t, coins, 1)
	assert.Equal(t, "bitcoin", coins[0].ID)
	assert.EqualValues(t, 3, *calls)
}

func TestFetchWithRetry_ExhaustsAttempts(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	var waits []time.Duration
	c.Backoff = func(attempt int) time.Duration {
		waits = append(waits, ExponentialBackoff(attempt))
		return 0
	}

	_, err := c.Search(context.Background(), "eth", 3)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.EqualValues(t, 3, *calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, waits)
}

func TestFetchWithRetry_LogsEveryAttempt(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	var buf bytes.Buffer
	c.log = zerolog.New(&buf)

	_, err := c.Search(context.Background(), "sol", 3)
	require.Error(t, err)

	var attempts []int
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		n, ok := line["attempt"].(float64)
		if !ok {
			continue
		}
		assert.Contains(t, line, "latency_ms")
		attempts = append(attempts, int(n))
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestFetchWithRetry_StopsOnCancel(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c.Backoff = func(int) time.Duration { return time.Hour }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Search(ctx, "eth", 3)
	require.Error(t, err)
	assert.EqualValues(t, 1, *calls)
}

func TestSimplePrice(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "bitcoin,ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Write([]byte(`{"bitcoin":{"usd":65000.12,"usd_24h_change":-1.5},"ethereum":{"usd":3200.5,"usd_24h_change":null}}`))
	})

	prices, err := c.SimplePrice(context.Background(), []string{"bitcoin", "ethereum"}, "USD", 1)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.True(t, prices["bitcoin"].Price.Equal(decimal.RequireFromString("65000.12")))
	assert.True(t, prices["bitcoin"].Change24h.Equal(decimal.RequireFromString("-1.5")))
	assert.True(t, prices["ethereum"].Change24h.IsZero())
}

func TestHistory(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/history", r.URL.Path)
		assert.Equal(t, "05-03-2026", r.URL.Query().Get("date"))
		w.Write([]byte(`{"id":"bitcoin","market_data":{"current_price":{"usd":4000}}}`))
	})

	price, err := c.History(context.Background(), "bitcoin", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), "usd", 1)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(4000)))
}

func TestHistory_NoMarketData(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"bitcoin"}`))
	})

	_, err := c.History(context.Background(), "bitcoin", time.Now(), "usd", 3)
	assert.ErrorIs(t, err, ErrNoHistoricalData)
	// A well-formed answer with no data is not retried.
	assert.EqualValues(t, 1, *calls)
}

func TestMarketChart(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart", r.URL.Path)
		assert.Equal(t, "30", r.URL.Query().Get("days"))
		w.Write([]byte(`{"prices":[[1700000000000,35000.5],[1700086400000,36000]]}`))
	})

	points, err := c.MarketChart(context.Background(), "bitcoin", 30, "usd", 1)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), points[0].Time)
	assert.True(t, points[1].Price.Equal(decimal.NewFromInt(36000)))
}
