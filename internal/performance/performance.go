// Package performance derives presentable figures from purchase ledgers and
// already-fetched prices. Every function is pure: no I/O, no errors.
//
// A price of zero or less means "not priced yet"; unpriced holdings are
// valued at cost, so they show no gain or loss.
package performance

import (
	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/money"
)

// PurchaseResult is the performance of one purchase at a given price.
type PurchaseResult struct {
	CurrentValue             decimal.Decimal `json:"currentValue"`
	UnrealizedGain           decimal.Decimal `json:"unrealizedGain"`
	UnrealizedGainPercentage decimal.Decimal `json:"unrealizedGainPercentage"`
	OriginalPurchasePrice    decimal.Decimal `json:"originalPurchasePrice"`
	PriceChange              decimal.Decimal `json:"priceChange"`
	PriceChangePercentage    decimal.Decimal `json:"priceChangePercentage"`
}

// PurchaseLine pairs a purchase with its performance.
type PurchaseLine struct {
	model.Purchase
	Performance PurchaseResult `json:"performance"`
}

// InvestmentResult aggregates every purchase of one holding.
type InvestmentResult struct {
	TotalInvested            decimal.Decimal `json:"totalInvested"`
	TotalTokens              decimal.Decimal `json:"totalTokens"`
	CurrentMarketValue       decimal.Decimal `json:"currentMarketValue"`
	UnrealizedGains          decimal.Decimal `json:"unrealizedGains"`
	UnrealizedGainPercentage decimal.Decimal `json:"unrealizedGainPercentage"`
	AveragePurchasePrice     decimal.Decimal `json:"averagePurchasePrice"`
	Priced                   bool            `json:"priced"`
	Purchases                []PurchaseLine  `json:"purchasePerformances"`
}

// PortfolioResult rolls up many investments.
type PortfolioResult struct {
	InvestmentCount               int             `json:"investmentCount"`
	TotalInvested                 decimal.Decimal `json:"totalInvested"`
	TotalCurrentValue             decimal.Decimal `json:"totalCurrentValue"`
	TotalUnrealizedGains          decimal.Decimal `json:"totalUnrealizedGains"`
	TotalUnrealizedGainPercentage decimal.Decimal `json:"totalUnrealizedGainPercentage"`
	ProfitableInvestments         int             `json:"profitableInvestments"`
	UnprofitableInvestments       int             `json:"unprofitableInvestments"`
	// UnpricedInvestments counts crypto holdings without a live price.
	// They are valued at cost and so counted as neither profitable nor
	// unprofitable.
	UnpricedInvestments int `json:"unpricedInvestments"`
}

// Purchase computes the performance of p at currentPrice.
func Purchase(p model.Purchase, currentPrice decimal.Decimal) PurchaseResult {
	res := PurchaseResult{
		CurrentValue:             money.Cents(p.AmountInvested),
		UnrealizedGain:           decimal.Zero,
		UnrealizedGainPercentage: decimal.Zero,
		OriginalPurchasePrice:    p.PricePerTokenUSD,
		PriceChange:              decimal.Zero,
		PriceChangePercentage:    decimal.Zero,
	}
	if !currentPrice.IsPositive() {
		return res
	}

	res.CurrentValue = money.Mul(p.TokensAcquired, currentPrice)
	res.UnrealizedGain = money.Sub(res.CurrentValue, p.AmountInvested)
	res.UnrealizedGainPercentage = money.Percentage(res.UnrealizedGain, p.AmountInvested)

	change := currentPrice.Sub(p.PricePerTokenUSD).Round(money.PriceScale)
	res.PriceChange = change
	res.PriceChangePercentage = money.Percentage(change, p.PricePerTokenUSD)
	return res
}

// Investment aggregates purchases at currentPrice. AveragePurchasePrice is
// weighted by the ledger (total invested / total tokens), not a mean of
// per-purchase prices.
func Investment(purchases []model.Purchase, currentPrice decimal.Decimal) InvestmentResult {
	res := InvestmentResult{
		TotalInvested:            decimal.Zero,
		TotalTokens:              decimal.Zero,
		CurrentMarketValue:       decimal.Zero,
		UnrealizedGains:          decimal.Zero,
		UnrealizedGainPercentage: decimal.Zero,
		AveragePurchasePrice:     decimal.Zero,
		Priced:                   currentPrice.IsPositive(),
		Purchases:                make([]PurchaseLine, 0, len(purchases)),
	}
	if len(purchases) == 0 {
		return res
	}

	amounts := make([]decimal.Decimal, 0, len(purchases))
	tokens := make([]decimal.Decimal, 0, len(purchases))
	for _, p := range purchases {
		amounts = append(amounts, p.AmountInvested)
		tokens = append(tokens, p.TokensAcquired)
		res.Purchases = append(res.Purchases, PurchaseLine{Purchase: p, Performance: Purchase(p, currentPrice)})
	}

	res.TotalInvested = money.Sum(amounts...)
	res.TotalTokens = money.SumQuantities(tokens...)
	res.AveragePurchasePrice = money.UnitPrice(res.TotalInvested, res.TotalTokens)

	res.CurrentMarketValue = res.TotalInvested
	if res.Priced {
		res.CurrentMarketValue = money.Mul(res.TotalTokens, currentPrice)
	}
	res.UnrealizedGains = money.Sub(res.CurrentMarketValue, res.TotalInvested)
	res.UnrealizedGainPercentage = money.Percentage(res.UnrealizedGains, res.TotalInvested)
	return res
}

// Portfolio sums stored totals across investments. Gains are counted as
// profitable when strictly positive and unprofitable when strictly
// negative; exactly zero is neither.
func Portfolio(investments []model.Investment) PortfolioResult {
	res := PortfolioResult{InvestmentCount: len(investments)}

	invested := make([]decimal.Decimal, 0, len(investments))
	current := make([]decimal.Decimal, 0, len(investments))
	for _, inv := range investments {
		invested = append(invested, inv.TotalInvested)
		current = append(current, inv.CurrentMarketValue)

		if inv.Crypto != nil && !inv.Crypto.CurrentPriceUSD.IsPositive() && len(inv.Purchases) > 0 {
			res.UnpricedInvestments++
		}
		gain := money.Sub(inv.CurrentMarketValue, inv.TotalInvested)
		switch gain.Sign() {
		case 1:
			res.ProfitableInvestments++
		case -1:
			res.UnprofitableInvestments++
		}
	}

	res.TotalInvested = money.Sum(invested...)
	res.TotalCurrentValue = money.Sum(current...)
	res.TotalUnrealizedGains = money.Sub(res.TotalCurrentValue, res.TotalInvested)
	res.TotalUnrealizedGainPercentage = money.Percentage(res.TotalUnrealizedGains, res.TotalInvested)
	return res
}
