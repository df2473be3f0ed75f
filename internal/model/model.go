// Package model defines the core domain types shared across the portfolio
// engine. All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the asset class of an Investment.
type Category string

// Supported categories. The display spelling is the persisted value.
const (
	CategoryStocks         Category = "Stocks"
	CategoryBonds          Category = "Bonds"
	CategoryRealEstate     Category = "Real Estate"
	CategoryCryptocurrency Category = "Cryptocurrency"
	CategoryETF            Category = "ETF"
	CategoryMutualFunds    Category = "Mutual Funds"
	CategoryOther          Category = "Other"
)

// validCategories maps a normalized spelling (lower case, no spaces) to its
// category, so "RealEstate", "real estate" and "Real Estate" all parse.
var validCategories = map[string]Category{
	"stocks":         CategoryStocks,
	"bonds":          CategoryBonds,
	"realestate":     CategoryRealEstate,
	"cryptocurrency": CategoryCryptocurrency,
	"crypto":         CategoryCryptocurrency,
	"etf":            CategoryETF,
	"mutualfunds":    CategoryMutualFunds,
	"other":          CategoryOther,
}

// ErrInvalidCategory is returned for an unknown category name.
var ErrInvalidCategory = errors.New("model: unsupported investment category")

// ParseCategory resolves a category from its display or compact spelling.
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	c, ok := validCategories[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

// IsCrypto reports whether holdings of this category are priced per token.
func (c Category) IsCrypto() bool {
	return c == CategoryCryptocurrency
}

// Purchase is one buy event. It is owned by exactly one Investment.
type Purchase struct {
	ID               string          `json:"id"`
	InvestmentDate   time.Time       `json:"investmentDate"` // value date
	CreatedAt        time.Time       `json:"createdAt"`      // entry timestamp
	AmountInvested   decimal.Decimal `json:"amountInvested"`
	TokensAcquired   decimal.Decimal `json:"tokensAcquired"` // units for non-crypto holdings
	PricePerTokenUSD decimal.Decimal `json:"pricePerTokenUSD"`
}

// CryptoHolding carries the fields that only exist for Cryptocurrency
// investments. CoinID references the external quote service's asset.
type CryptoHolding struct {
	CoinID          string          `json:"coinId"`
	CoinSymbol      string          `json:"coinSymbol"`
	CoinThumb       string          `json:"coinThumb,omitempty"`
	CurrentPriceUSD decimal.Decimal `json:"currentPriceUSD"`
	TotalTokens     decimal.Decimal `json:"totalTokens"`
	LastPriceUpdate *time.Time      `json:"lastPriceUpdate,omitempty"`
}

// Investment is an aggregate holding of one asset built from its purchases.
// TotalInvested, CurrentMarketValue and UnrealizedGains are derived from
// Purchases and recomputed on every mutation.
type Investment struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Category           Category        `json:"category"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          *time.Time      `json:"updatedAt,omitempty"`
	Purchases          []Purchase      `json:"purchases"`
	TotalInvested      decimal.Decimal `json:"totalInvested"`
	CurrentMarketValue decimal.Decimal `json:"currentMarketValue"`
	UnrealizedGains    decimal.Decimal `json:"unrealizedGains"`
	Crypto             *CryptoHolding  `json:"crypto,omitempty"`
}

// CoinID returns the external asset id, or "" for non-crypto holdings.
func (inv *Investment) CoinID() string {
	if inv.Crypto == nil {
		return ""
	}
	return inv.Crypto.CoinID
}

// CurrentPrice returns the last known unit price, or zero when unpriced.
func (inv *Investment) CurrentPrice() decimal.Decimal {
	if inv.Crypto == nil {
		return decimal.Zero
	}
	return inv.Crypto.CurrentPriceUSD
}

// Clone returns a deep copy so callers can derive new values without
// mutating shared state.
func (inv Investment) Clone() Investment {
	out := inv
	out.Purchases = append([]Purchase(nil), inv.Purchases...)
	if out.Purchases == nil {
		out.Purchases = []Purchase{}
	}
	if inv.UpdatedAt != nil {
		t := *inv.UpdatedAt
		out.UpdatedAt = &t
	}
	if inv.Crypto != nil {
		c := *inv.Crypto
		if c.LastPriceUpdate != nil {
			t := *c.LastPriceUpdate
			c.LastPriceUpdate = &t
		}
		out.Crypto = &c
	}
	return out
}

// FindPurchase returns the index of the purchase with the given id, or -1.
func (inv *Investment) FindPurchase(id string) int {
	for i, p := range inv.Purchases {
		if p.ID == id {
			return i
		}
	}
	return -1
}
