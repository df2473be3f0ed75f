// Package history flattens investments into a purchase timeline and groups
// it by calendar period.
package history

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/money"
	"github.com/zave/portfolio-engine/internal/performance"
)

// Period is a grouping granularity.
type Period string

const (
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
)

// ErrInvalidPeriod is returned for an unknown grouping period.
var ErrInvalidPeriod = errors.New("history: unsupported period")

// ParsePeriod resolves a period name. Empty means month.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodMonth, nil
	case PeriodMonth, PeriodQuarter, PeriodYear:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
}

// Key returns the bucket label of t: "2024-03", "2024-Q1" or "2024".
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodQuarter:
		return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	case PeriodYear:
		return fmt.Sprintf("%04d", t.Year())
	default:
		return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
	}
}

// Entry is one purchase in the timeline, valued at its holding's current
// price.
type Entry struct {
	PurchaseID              string          `json:"id"`
	Date                    time.Time       `json:"date"`
	InvestmentID            string          `json:"investmentId"`
	InvestmentName          string          `json:"investmentName"`
	Category                model.Category  `json:"category"`
	Amount                  decimal.Decimal `json:"amount"`
	Tokens                  decimal.Decimal `json:"tokens"`
	PricePerToken           decimal.Decimal `json:"pricePerToken"`
	CurrentPricePerToken    decimal.Decimal `json:"currentPricePerToken"`
	Symbol                  string          `json:"symbol,omitempty"`
	CoinThumb               string          `json:"coinThumb,omitempty"`
	CurrentValue            decimal.Decimal `json:"currentValue"`
	CurrentReturn           decimal.Decimal `json:"currentReturn"`
	CurrentReturnPercentage decimal.Decimal `json:"currentReturnPercentage"`
}

// Timeline returns every purchase of every investment, newest first. Ties
// keep purchase entry order.
func Timeline(investments []model.Investment) []Entry {
	var out []Entry
	for _, inv := range investments {
		price := inv.CurrentPrice()
		for _, p := range inv.Purchases {
			perf := performance.Purchase(p, price)
			e := Entry{
				PurchaseID:              p.ID,
				Date:                    p.InvestmentDate,
				InvestmentID:            inv.ID,
				InvestmentName:          inv.Name,
				Category:                inv.Category,
				Amount:                  p.AmountInvested,
				Tokens:                  p.TokensAcquired,
				PricePerToken:           p.PricePerTokenUSD,
				CurrentPricePerToken:    price,
				CurrentValue:            perf.CurrentValue,
				CurrentReturn:           perf.UnrealizedGain,
				CurrentReturnPercentage: perf.UnrealizedGainPercentage,
			}
			if inv.Crypto != nil {
				e.Symbol = inv.Crypto.CoinSymbol
				e.CoinThumb = inv.Crypto.CoinThumb
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out
}

// Filter narrows a timeline. Zero-valued fields do not filter.
type Filter struct {
	Category  model.Category
	From      time.Time // inclusive
	To        time.Time // inclusive
	MinAmount decimal.NullDecimal
	MaxAmount decimal.NullDecimal
}

func (f Filter) match(e Entry) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if !f.From.IsZero() && e.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Date.After(f.To) {
		return false
	}
	if f.MinAmount.Valid && e.Amount.LessThan(f.MinAmount.Decimal) {
		return false
	}
	if f.MaxAmount.Valid && e.Amount.GreaterThan(f.MaxAmount.Decimal) {
		return false
	}
	return true
}

// Apply returns the entries matching f, preserving order.
func (f Filter) Apply(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// CategoryTotal is a per-category breakdown inside a Group.
type CategoryTotal struct {
	TotalInvested decimal.Decimal `json:"totalInvested"`
	Count         int             `json:"count"`
}

// Group is one calendar bucket of the timeline.
type Group struct {
	Period                string                            `json:"period"`
	Entries               []Entry                           `json:"transactions"`
	TotalInvested         decimal.Decimal                   `json:"totalInvested"`
	TotalCurrentValue     decimal.Decimal                   `json:"totalCurrentValue"`
	TotalReturn           decimal.Decimal                   `json:"totalReturn"`
	TotalReturnPercentage decimal.Decimal                   `json:"totalReturnPercentage"`
	Categories            map[model.Category]*CategoryTotal `json:"categories"`
}

// GroupBy buckets entries by period. Groups are returned newest first and
// keep the input order of their entries.
func GroupBy(entries []Entry, period Period) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, e := range entries {
		key := period.Key(e.Date)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{
				Period:            key,
				TotalInvested:     decimal.Zero,
				TotalCurrentValue: decimal.Zero,
				Categories:        make(map[model.Category]*CategoryTotal),
			})
		}
		g := &groups[i]
		g.Entries = append(g.Entries, e)
		g.TotalInvested = money.Add(g.TotalInvested, e.Amount)
		g.TotalCurrentValue = money.Add(g.TotalCurrentValue, e.CurrentValue)

		ct := g.Categories[e.Category]
		if ct == nil {
			ct = &CategoryTotal{TotalInvested: decimal.Zero}
			g.Categories[e.Category] = ct
		}
		ct.TotalInvested = money.Add(ct.TotalInvested, e.Amount)
		ct.Count++
	}

	for i := range groups {
		g := &groups[i]
		g.TotalReturn = money.Sub(g.TotalCurrentValue, g.TotalInvested)
		g.TotalReturnPercentage = money.Percentage(g.TotalReturn, g.TotalInvested)
	}
	// Keys are zero-padded, so lexical order is chronological.
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Period > groups[j].Period
	})
	return groups
}
