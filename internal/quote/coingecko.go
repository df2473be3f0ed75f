package quote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoHistoricalData is returned when the service has no price for the
// requested date.
var ErrNoHistoricalData = errors.New("quote: no historical data for date")

// HistoryDateLayout is the DD-MM-YYYY date format of the history endpoint.
const HistoryDateLayout = "02-01-2006"

// Endpoint names used for logging, metrics and rate limiting.
const (
	EndpointSearch      = "search"
	EndpointSimplePrice = "simple/price"
	EndpointHistory     = "coins/history"
	EndpointMarketChart = "coins/market_chart"
)

// Coin is one search hit.
type Coin struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	MarketCapRank int    `json:"market_cap_rank"`
	Thumb         string `json:"thumb"`
	Large         string `json:"large"`
}

// Price is a current quote with its 24h change percentage.
type Price struct {
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
}

// PricePoint is one sample of a market chart.
type PricePoint struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

// Search finds coins by name or symbol.
func (c *Client) Search(ctx context.Context, query string, maxAttempts int) ([]Coin, error) {
	var resp struct {
		Coins []Coin `json:"coins"`
	}
	err := c.FetchWithRetry(ctx, Request{
		Endpoint: EndpointSearch,
		Path:     "/search",
		Params:   url.Values{"query": {query}},
	}, maxAttempts, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Coins, nil
}

// SimplePrice returns current prices for ids in currency. Ids the service
// does not know are absent from the result.
func (c *Client) SimplePrice(ctx context.Context, ids []string, currency string, maxAttempts int) (map[string]Price, error) {
	currency = strings.ToLower(currency)
	var resp map[string]map[string]decimal.Decimal
	err := c.FetchWithRetry(ctx, Request{
		Endpoint: EndpointSimplePrice,
		Path:     "/simple/price",
		Params: url.Values{
			"ids":                 {strings.Join(ids, ",")},
			"vs_currencies":       {currency},
			"include_24hr_change": {"true"},
		},
	}, maxAttempts, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Price, len(resp))
	for id, fields := range resp {
		p, ok := fields[currency]
		if !ok {
			continue
		}
		out[id] = Price{Price: p, Change24h: fields[currency+"_24h_change"]}
	}
	return out, nil
}

// History returns the price of coinID on the given calendar date.
func (c *Client) History(ctx context.Context, coinID string, date time.Time, currency string, maxAttempts int) (decimal.Decimal, error) {
	currency = strings.ToLower(currency)
	var resp struct {
		ID         string `json:"id"`
		MarketData *struct {
			CurrentPrice map[string]decimal.Decimal `json:"current_price"`
		} `json:"market_data"`
	}
	err := c.FetchWithRetry(ctx, Request{
		Endpoint: EndpointHistory,
		Path:     "/coins/" + url.PathEscape(coinID) + "/history",
		Params: url.Values{
			"date":         {date.Format(HistoryDateLayout)},
			"localization": {"false"},
		},
	}, maxAttempts, &resp)
	if err != nil {
		return decimal.Zero, err
	}

	if resp.MarketData == nil {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrNoHistoricalData, coinID, date.Format(time.DateOnly))
	}
	price, ok := resp.MarketData.CurrentPrice[currency]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrNoHistoricalData, coinID, date.Format(time.DateOnly))
	}
	return price, nil
}

// MarketChart returns the price series of coinID over the last days.
func (c *Client) MarketChart(ctx context.Context, coinID string, days int, currency string, maxAttempts int) ([]PricePoint, error) {
	var resp struct {
		Prices [][]decimal.Decimal `json:"prices"`
	}
	err := c.FetchWithRetry(ctx, Request{
		Endpoint: EndpointMarketChart,
		Path:     "/coins/" + url.PathEscape(coinID) + "/market_chart",
		Params: url.Values{
			"vs_currency": {strings.ToLower(currency)},
			"days":        {strconv.Itoa(days)},
		},
	}, maxAttempts, &resp)
	if err != nil {
		return nil, err
	}

	points := make([]PricePoint, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		if len(p) < 2 {
			continue
		}
		points = append(points, PricePoint{
			Time:  time.UnixMilli(p[0].IntPart()).UTC(),
			Price: p[1],
		})
	}
	return points, nil
}
