package ledger

import (
	"fmt"

	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/money"
)

// Validate checks that inv is a well-formed ledger record: identity fields
// present, every purchase complete and positive, crypto payload present
// exactly for Cryptocurrency, and totals consistent with the purchases. A
// crypto payload without a coin id is an unpriced holding valued at cost.
// It reports every violation at once.
func Validate(inv model.Investment) error {
	var v violations

	if inv.ID == "" {
		v.add("id", "is required")
	}
	if inv.Name == "" {
		v.add("name", "is required")
	}
	if _, err := model.ParseCategory(string(inv.Category)); err != nil {
		v.add("category", "unsupported category %q", inv.Category)
	}
	if inv.CreatedAt.IsZero() {
		v.add("createdAt", "is required")
	}
	if inv.Purchases == nil {
		v.add("purchases", "must be a list")
	}

	seen := make(map[string]bool, len(inv.Purchases))
	for i, p := range inv.Purchases {
		field := func(name string) string { return fmt.Sprintf("purchases[%d].%s", i, name) }
		if p.ID == "" {
			v.add(field("id"), "is required")
		} else if seen[p.ID] {
			v.add(field("id"), "duplicate purchase id %s", p.ID)
		}
		seen[p.ID] = true
		if p.InvestmentDate.IsZero() {
			v.add(field("investmentDate"), "is required")
		}
		if p.CreatedAt.IsZero() {
			v.add(field("createdAt"), "is required")
		}
		if !p.AmountInvested.IsPositive() {
			v.add(field("amountInvested"), "must be greater than zero")
		}
		if !p.TokensAcquired.IsPositive() {
			v.add(field("tokensAcquired"), "must be greater than zero")
		}
		if p.PricePerTokenUSD.IsNegative() {
			v.add(field("pricePerTokenUSD"), "must not be negative")
		}
	}

	switch {
	case inv.Category.IsCrypto() && inv.Crypto == nil:
		v.add("crypto", "is required for cryptocurrency")
	case !inv.Category.IsCrypto() && inv.Crypto != nil:
		v.add("crypto", "only allowed for cryptocurrency")
	}

	want := RecalculateTotals(inv)
	if !inv.TotalInvested.Equal(want.TotalInvested) {
		v.add("totalInvested", "is %s, purchases sum to %s", inv.TotalInvested, want.TotalInvested)
	}
	if !inv.CurrentMarketValue.Equal(want.CurrentMarketValue) {
		v.add("currentMarketValue", "is %s, expected %s", inv.CurrentMarketValue, want.CurrentMarketValue)
	}
	if !inv.UnrealizedGains.Equal(money.Sub(inv.CurrentMarketValue, inv.TotalInvested)) {
		v.add("unrealizedGains", "does not equal currentMarketValue - totalInvested")
	}

	return v.err()
}
