// Package ledger builds and maintains Investments as ledgers of purchase
// events.
//
// Totals are never stored independently of the purchases: every mutation
// returns a new Investment recomputed by RecalculateTotals, and all money
// arithmetic goes through package money.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/money"
)

// CryptoHistoryLimit is how far back a cryptocurrency purchase may be
// dated; the price service has no older history.
const CryptoHistoryLimit = "1 year"

// FieldError is one violated rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "ledger: validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether field is among the violations.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

type violations []FieldError

func (v *violations) add(field, format string, args ...any) {
	*v = append(*v, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: v}
}

// NewInvestment is the input for CreateInvestment. The coin fields are
// required for Cryptocurrency and ignored otherwise.
type NewInvestment struct {
	Name       string `json:"name"`
	Category   string `json:"category"`
	CoinID     string `json:"coinId,omitempty"`
	CoinSymbol string `json:"coinSymbol,omitempty"`
	CoinThumb  string `json:"coinThumb,omitempty"`
}

// PurchaseInput is the input for one buy event. For non-crypto holdings a
// zero TokensAcquired defaults to one unit priced at the amount invested.
type PurchaseInput struct {
	InvestmentDate   time.Time       `json:"investmentDate"`
	AmountInvested   decimal.Decimal `json:"amountInvested"`
	TokensAcquired   decimal.Decimal `json:"tokensAcquired"`
	PricePerTokenUSD decimal.Decimal `json:"pricePerTokenUSD"`
}

// Factory creates investments and purchases. Now and NewID are injectable
// for tests.
type Factory struct {
	Now   func() time.Time
	NewID func() string
}

// NewFactory returns a factory using the wall clock and random UUIDs.
func NewFactory() *Factory {
	return &Factory{
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// Today returns midnight of the current UTC calendar date.
func (f *Factory) Today() time.Time {
	return calendarDay(f.Now())
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CreateInvestment validates in and returns a new Investment with no
// purchases and zeroed totals.
func (f *Factory) CreateInvestment(in NewInvestment) (model.Investment, error) {
	var v violations

	name := strings.TrimSpace(in.Name)
	if name == "" {
		v.add("name", "is required")
	}

	category, err := model.ParseCategory(in.Category)
	if err != nil {
		if strings.TrimSpace(in.Category) == "" {
			v.add("category", "is required")
		} else {
			v.add("category", "unsupported category %q", in.Category)
		}
	}

	if category.IsCrypto() {
		if strings.TrimSpace(in.CoinID) == "" {
			v.add("coinId", "is required for cryptocurrency")
		}
		if strings.TrimSpace(in.CoinSymbol) == "" {
			v.add("coinSymbol", "is required for cryptocurrency")
		}
	}
	if err := v.err(); err != nil {
		return model.Investment{}, err
	}

	inv := model.Investment{
		ID:                 f.NewID(),
		Name:               name,
		Category:           category,
		CreatedAt:          f.Now().UTC(),
		Purchases:          []model.Purchase{},
		TotalInvested:      decimal.Zero,
		CurrentMarketValue: decimal.Zero,
		UnrealizedGains:    decimal.Zero,
	}
	if category.IsCrypto() {
		inv.Crypto = &model.CryptoHolding{
			CoinID:          strings.TrimSpace(in.CoinID),
			CoinSymbol:      strings.ToUpper(strings.TrimSpace(in.CoinSymbol)),
			CoinThumb:       in.CoinThumb,
			CurrentPriceUSD: decimal.Zero,
			TotalTokens:     decimal.Zero,
		}
	}
	return inv, nil
}

// ValidateDate checks a purchase value date: it may not be after today and,
// for cryptocurrency, may not be more than one year before today. Dates
// are compared as UTC calendar days.
func (f *Factory) ValidateDate(date time.Time, category model.Category) error {
	var v violations
	f.checkDate(&v, "investmentDate", date, category)
	return v.err()
}

func (f *Factory) checkDate(v *violations, field string, date time.Time, category model.Category) {
	if date.IsZero() {
		v.add(field, "is required")
		return
	}
	day := calendarDay(date)
	today := f.Today()
	if day.After(today) {
		v.add(field, "must not be in the future")
		return
	}
	if category.IsCrypto() && day.Before(today.AddDate(-1, 0, 0)) {
		v.add(field, "must be within %s for cryptocurrency", CryptoHistoryLimit)
	}
}

// CheckPurchase validates the parts of in that are known before a price
// is looked up: the value date and the amount.
func (f *Factory) CheckPurchase(in PurchaseInput, category model.Category) error {
	var v violations
	f.checkDate(&v, "investmentDate", in.InvestmentDate, category)
	if !money.Cents(in.AmountInvested).IsPositive() {
		v.add("amountInvested", "must be greater than zero")
	}
	return v.err()
}

// NewPurchase validates in and returns a Purchase for an investment of the
// given category. The amount is quantized to cents.
func (f *Factory) NewPurchase(in PurchaseInput, category model.Category) (model.Purchase, error) {
	var v violations
	f.checkDate(&v, "investmentDate", in.InvestmentDate, category)

	amount := money.Cents(in.AmountInvested)
	if !amount.IsPositive() {
		v.add("amountInvested", "must be greater than zero")
	}

	tokens := in.TokensAcquired
	price := in.PricePerTokenUSD
	if !category.IsCrypto() && tokens.IsZero() {
		tokens = decimal.NewFromInt(1)
		if price.IsZero() {
			price = amount
		}
	}
	if !tokens.IsPositive() {
		v.add("tokensAcquired", "must be greater than zero")
	}
	if price.IsNegative() {
		v.add("pricePerTokenUSD", "must not be negative")
	}
	if err := v.err(); err != nil {
		return model.Purchase{}, err
	}

	return model.Purchase{
		ID:               f.NewID(),
		InvestmentDate:   in.InvestmentDate.UTC(),
		CreatedAt:        f.Now().UTC(),
		AmountInvested:   amount,
		TokensAcquired:   tokens,
		PricePerTokenUSD: price,
	}, nil
}

// AddPurchase returns a copy of inv with a purchase built from in appended
// and totals recomputed. inv is not modified.
func (f *Factory) AddPurchase(inv model.Investment, in PurchaseInput) (model.Investment, error) {
	p, err := f.NewPurchase(in, inv.Category)
	if err != nil {
		return model.Investment{}, err
	}
	out := inv.Clone()
	out.Purchases = append(out.Purchases, p)
	now := f.Now().UTC()
	out.UpdatedAt = &now
	return RecalculateTotals(out), nil
}

// RemovePurchase returns a copy of inv without the purchase id, totals
// recomputed. The boolean is false when no such purchase exists.
func (f *Factory) RemovePurchase(inv model.Investment, purchaseID string) (model.Investment, bool) {
	idx := inv.FindPurchase(purchaseID)
	if idx < 0 {
		return inv, false
	}
	out := inv.Clone()
	out.Purchases = append(out.Purchases[:idx], out.Purchases[idx+1:]...)
	now := f.Now().UTC()
	out.UpdatedAt = &now
	return RecalculateTotals(out), true
}

// RecalculateTotals derives every aggregate from the purchase ledger and
// returns the result; inv is not modified. Crypto holdings with a live
// price are valued at tokens × price; anything unpriced is valued at cost.
// Calling it again on its own output yields the same value.
func RecalculateTotals(inv model.Investment) model.Investment {
	out := inv.Clone()

	amounts := make([]decimal.Decimal, 0, len(out.Purchases))
	tokens := make([]decimal.Decimal, 0, len(out.Purchases))
	for _, p := range out.Purchases {
		amounts = append(amounts, p.AmountInvested)
		tokens = append(tokens, p.TokensAcquired)
	}

	out.TotalInvested = money.Sum(amounts...)
	out.CurrentMarketValue = out.TotalInvested

	if out.Crypto != nil {
		out.Crypto.TotalTokens = money.SumQuantities(tokens...)
		if out.Crypto.CurrentPriceUSD.IsPositive() && out.Crypto.TotalTokens.IsPositive() {
			out.CurrentMarketValue = money.Mul(out.Crypto.TotalTokens, out.Crypto.CurrentPriceUSD)
		}
	}

	out.UnrealizedGains = money.Sub(out.CurrentMarketValue, out.TotalInvested)
	return out
}

// Reprice returns a copy of inv valued at a new unit price.
func Reprice(inv model.Investment, price decimal.Decimal, at time.Time) model.Investment {
	out := inv.Clone()
	if out.Crypto == nil {
		return out
	}
	out.Crypto.CurrentPriceUSD = price
	t := at.UTC()
	out.Crypto.LastPriceUpdate = &t
	return RecalculateTotals(out)
}

// Rename returns a copy of inv with a new display name. Nothing else
// changes.
func (f *Factory) Rename(inv model.Investment, name string) (model.Investment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Investment{}, &ValidationError{Fields: []FieldError{{Field: "name", Message: "is required"}}}
	}
	out := inv.Clone()
	out.Name = name
	now := f.Now().UTC()
	out.UpdatedAt = &now
	return out, nil
}
