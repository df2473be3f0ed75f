// Package portfolio serves the investment operations: it loads the
// persisted collection, prices purchases through the pricing layer, keeps
// every ledger consistent and writes the collection back.
//
// All monetary values use shopspring/decimal; never float64 for money.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/history"
	"github.com/zave/portfolio-engine/internal/ledger"
	"github.com/zave/portfolio-engine/internal/metrics"
	"github.com/zave/portfolio-engine/internal/migrate"
	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/money"
	"github.com/zave/portfolio-engine/internal/performance"
	"github.com/zave/portfolio-engine/internal/pricing"
	"github.com/zave/portfolio-engine/internal/quote"
	"github.com/zave/portfolio-engine/internal/store"
)

var (
	ErrInvestmentNotFound = errors.New("portfolio: investment not found")
	ErrPurchaseNotFound   = errors.New("portfolio: purchase not found")
)

// Pricing is the price lookup surface the service needs. *pricing.Service
// implements it.
type Pricing interface {
	PriceOn(ctx context.Context, coinID string, date time.Time) (decimal.Decimal, error)
	BatchPrices(ctx context.Context, coinIDs []string) (map[string]pricing.CurrentQuote, error)
	ForceRefresh(ctx context.Context, coinID string) (pricing.CurrentQuote, error)
	Search(ctx context.Context, query string) ([]quote.Coin, error)
	MarketChart(ctx context.Context, coinID string, days int) ([]quote.PricePoint, error)
	Stats(ctx context.Context) (pricing.Stats, error)
	ClearCache(ctx context.Context) error
}

// Deps are the collaborators of a Service. Factory and Hub are optional.
type Deps struct {
	Store   store.Store
	Pricing Pricing
	Factory *ledger.Factory
	Hub     *WSHub
	Log     zerolog.Logger
}

// Service handles portfolio operations. A mutex serializes every
// read-modify-write of the collection within this process; quotes are
// fetched before the lock is taken.
type Service struct {
	store   store.Store
	pricing Pricing
	factory *ledger.Factory
	hub     *WSHub
	log     zerolog.Logger
	mu      sync.Mutex
}

// New creates the service, migrating legacy records and repairing stored
// totals before returning.
func New(ctx context.Context, deps Deps) (*Service, error) {
	if deps.Factory == nil {
		deps.Factory = ledger.NewFactory()
	}
	s := &Service{
		store:   deps.Store,
		pricing: deps.Pricing,
		factory: deps.Factory,
		hub:     deps.Hub,
		log:     deps.Log.With().Str("component", "portfolio").Logger(),
	}

	if _, err := migrate.New(s.store, deps.Log).WithClock(s.factory.Now).Run(ctx); err != nil {
		return nil, err
	}
	if err := s.repairTotals(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// --- Request/Response types ---

// AddInvestmentRequest describes a new holding and its first purchase. For
// cryptocurrency the unit price is looked up and the token count derived
// from it; for other categories TokensAcquired is optional.
type AddInvestmentRequest struct {
	ledger.NewInvestment
	ledger.PurchaseInput
}

// AddResult is returned by AddInvestment.
type AddResult struct {
	Investment           model.Investment `json:"investment"`
	IsExistingInvestment bool             `json:"isExistingInvestment"`
	Message              string           `json:"message"`
}

// Details is an investment with its per-purchase performance.
type Details struct {
	Investment  model.Investment             `json:"investment"`
	Performance performance.InvestmentResult `json:"performance"`
}

// Statistics summarizes the whole portfolio. AverageReturn is the
// portfolio-level gain percentage.
type Statistics struct {
	performance.PortfolioResult
	AverageReturn decimal.Decimal `json:"averageReturn"`
}

// RefreshResult reports a crypto price refresh.
type RefreshResult struct {
	Requested int `json:"requested"`
	Updated   int `json:"updated"`
}

// Today is the current UTC calendar day on the service clock.
func (s *Service) Today() time.Time {
	return s.factory.Today()
}

// --- Queries ---

// ListInvestments returns every stored investment.
func (s *Service) ListInvestments(ctx context.Context) ([]model.Investment, error) {
	return s.load(ctx)
}

// GetInvestmentDetails returns one investment with its performance at the
// stored current price.
func (s *Service) GetInvestmentDetails(ctx context.Context, id string) (Details, error) {
	invs, err := s.load(ctx)
	if err != nil {
		return Details{}, err
	}
	i := indexOf(invs, id)
	if i < 0 {
		return Details{}, ErrInvestmentNotFound
	}
	inv := invs[i]
	return Details{
		Investment:  inv,
		Performance: performance.Investment(inv.Purchases, inv.CurrentPrice()),
	}, nil
}

// GetInvestmentStatistics aggregates every investment.
func (s *Service) GetInvestmentStatistics(ctx context.Context) (Statistics, error) {
	invs, err := s.load(ctx)
	if err != nil {
		return Statistics{}, err
	}
	res := performance.Portfolio(invs)
	return Statistics{PortfolioResult: res, AverageReturn: res.TotalUnrealizedGainPercentage}, nil
}

// History returns the purchase timeline matching f, newest first.
func (s *Service) History(ctx context.Context, f history.Filter) ([]history.Entry, error) {
	invs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return f.Apply(history.Timeline(invs)), nil
}

// HistoryByPeriod groups the timeline matching f by period.
func (s *Service) HistoryByPeriod(ctx context.Context, f history.Filter, period history.Period) ([]history.Group, error) {
	entries, err := s.History(ctx, f)
	if err != nil {
		return nil, err
	}
	return history.GroupBy(entries, period), nil
}

// SearchCryptocurrencies finds coins by name or symbol.
func (s *Service) SearchCryptocurrencies(ctx context.Context, query string) ([]quote.Coin, error) {
	return s.pricing.Search(ctx, query)
}

// GetPriceHistory returns the recent price series of a coin.
func (s *Service) GetPriceHistory(ctx context.Context, coinID string, days int) ([]quote.PricePoint, error) {
	return s.pricing.MarketChart(ctx, coinID, days)
}

// CacheStats reports price cache state.
func (s *Service) CacheStats(ctx context.Context) (pricing.Stats, error) {
	return s.pricing.Stats(ctx)
}

// ClearCache drops every cached price.
func (s *Service) ClearCache(ctx context.Context) error {
	return s.pricing.ClearCache(ctx)
}

// --- Mutations ---

// AddInvestment records a purchase. A cryptocurrency purchase of a coin
// that is already held is added to the existing holding instead of
// creating a second one.
func (s *Service) AddInvestment(ctx context.Context, req AddInvestmentRequest) (AddResult, error) {
	created, err := s.factory.CreateInvestment(req.NewInvestment)
	if err != nil {
		return AddResult{}, err
	}
	// Everything that can be rejected locally is rejected before any quote
	// lookup.
	if err := s.factory.CheckPurchase(req.PurchaseInput, created.Category); err != nil {
		return AddResult{}, err
	}

	in, current, err := s.pricePurchase(ctx, created, req.PurchaseInput)
	if err != nil {
		return AddResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	invs, err := s.load(ctx)
	if err != nil {
		return AddResult{}, err
	}

	existing := -1
	if created.Category.IsCrypto() {
		existing = indexOfCoin(invs, created.CoinID())
	}

	var res AddResult
	if existing >= 0 {
		inv, err := s.factory.AddPurchase(invs[existing], in)
		if err != nil {
			return AddResult{}, err
		}
		inv = s.markPrice(inv, in.PricePerTokenUSD, current)
		invs[existing] = inv
		res = AddResult{
			Investment:           inv,
			IsExistingInvestment: true,
			Message: fmt.Sprintf("Added %s %s to your existing investment. You now have %s %s worth $%s.",
				tokens(in.TokensAcquired), inv.Crypto.CoinSymbol,
				tokens(inv.Crypto.TotalTokens), inv.Crypto.CoinSymbol,
				inv.CurrentMarketValue.StringFixed(2)),
		}
	} else {
		inv, err := s.factory.AddPurchase(created, in)
		if err != nil {
			return AddResult{}, err
		}
		inv.UpdatedAt = nil
		inv = s.markPrice(inv, in.PricePerTokenUSD, current)
		invs = append(invs, inv)
		res = AddResult{Investment: inv}
		if inv.Category.IsCrypto() {
			res.Message = fmt.Sprintf("Successfully purchased %s %s at $%s per token.",
				tokens(in.TokensAcquired), inv.Crypto.CoinSymbol, in.PricePerTokenUSD.StringFixed(2))
		} else {
			res.Message = "Successfully added investment: " + inv.Name
		}
	}

	if err := s.save(ctx, invs); err != nil {
		return AddResult{}, err
	}
	metrics.PurchasesTotal.WithLabelValues(string(res.Investment.Category)).Inc()

	s.log.Info().
		Str("investment_id", res.Investment.ID).
		Str("category", string(res.Investment.Category)).
		Str("amount", in.AmountInvested.String()).
		Bool("existing", res.IsExistingInvestment).
		Msg("purchase recorded")
	s.broadcast(WSMessage{Type: MessageInvestmentUpdated, InvestmentID: res.Investment.ID})
	return res, nil
}

// AddPurchaseToInvestment appends a purchase to an existing investment.
func (s *Service) AddPurchaseToInvestment(ctx context.Context, investmentID string, in ledger.PurchaseInput) (model.Investment, error) {
	invs, err := s.load(ctx)
	if err != nil {
		return model.Investment{}, err
	}
	i := indexOf(invs, investmentID)
	if i < 0 {
		return model.Investment{}, ErrInvestmentNotFound
	}
	if err := s.factory.CheckPurchase(in, invs[i].Category); err != nil {
		return model.Investment{}, err
	}

	in, current, err := s.pricePurchase(ctx, invs[i], in)
	if err != nil {
		return model.Investment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reload: the collection may have changed while the quote was fetched.
	if invs, err = s.load(ctx); err != nil {
		return model.Investment{}, err
	}
	if i = indexOf(invs, investmentID); i < 0 {
		return model.Investment{}, ErrInvestmentNotFound
	}

	inv, err := s.factory.AddPurchase(invs[i], in)
	if err != nil {
		return model.Investment{}, err
	}
	inv = s.markPrice(inv, in.PricePerTokenUSD, current)
	invs[i] = inv

	if err := s.save(ctx, invs); err != nil {
		return model.Investment{}, err
	}
	metrics.PurchasesTotal.WithLabelValues(string(inv.Category)).Inc()
	s.log.Info().Str("investment_id", inv.ID).Str("amount", in.AmountInvested.String()).Msg("purchase added")
	s.broadcast(WSMessage{Type: MessageInvestmentUpdated, InvestmentID: inv.ID})
	return inv, nil
}

// UpdateInvestmentMetadata renames an investment. Purchases and totals are
// not touched.
func (s *Service) UpdateInvestmentMetadata(ctx context.Context, id, name string) (model.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invs, err := s.load(ctx)
	if err != nil {
		return model.Investment{}, err
	}
	i := indexOf(invs, id)
	if i < 0 {
		return model.Investment{}, ErrInvestmentNotFound
	}
	inv, err := s.factory.Rename(invs[i], name)
	if err != nil {
		return model.Investment{}, err
	}
	invs[i] = inv
	if err := s.save(ctx, invs); err != nil {
		return model.Investment{}, err
	}
	return inv, nil
}

// DeleteInvestment removes an investment and all of its purchases.
func (s *Service) DeleteInvestment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invs, err := s.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(invs, id)
	if i < 0 {
		return ErrInvestmentNotFound
	}
	invs = append(invs[:i], invs[i+1:]...)
	if err := s.save(ctx, invs); err != nil {
		return err
	}
	s.log.Info().Str("investment_id", id).Msg("investment deleted")
	s.broadcast(WSMessage{Type: MessageInvestmentDeleted, InvestmentID: id})
	return nil
}

// DeletePurchase removes one purchase and recomputes the investment.
func (s *Service) DeletePurchase(ctx context.Context, investmentID, purchaseID string) (model.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invs, err := s.load(ctx)
	if err != nil {
		return model.Investment{}, err
	}
	i := indexOf(invs, investmentID)
	if i < 0 {
		return model.Investment{}, ErrInvestmentNotFound
	}
	inv, ok := s.factory.RemovePurchase(invs[i], purchaseID)
	if !ok {
		return model.Investment{}, ErrPurchaseNotFound
	}
	invs[i] = inv
	if err := s.save(ctx, invs); err != nil {
		return model.Investment{}, err
	}
	s.broadcast(WSMessage{Type: MessageInvestmentUpdated, InvestmentID: inv.ID})
	return inv, nil
}

// UpdateCryptoPrices refreshes the current price of every held coin in
// batches and revalues the holdings that got a price.
func (s *Service) UpdateCryptoPrices(ctx context.Context) (RefreshResult, error) {
	invs, err := s.load(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	var ids []string
	for _, inv := range invs {
		if id := inv.CoinID(); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return RefreshResult{}, nil
	}

	quotes, err := s.pricing.BatchPrices(ctx, ids)
	if err != nil && len(quotes) == 0 {
		return RefreshResult{Requested: len(ids)}, err
	}
	updated, err := s.applyQuotes(ctx, quotes)
	return RefreshResult{Requested: len(ids), Updated: updated}, err
}

// RefreshPrice fetches a fresh price for one coin, bypassing the cache, and
// revalues the holdings of it.
func (s *Service) RefreshPrice(ctx context.Context, coinID string) (pricing.CurrentQuote, error) {
	q, err := s.pricing.ForceRefresh(ctx, coinID)
	if err != nil {
		return pricing.CurrentQuote{}, err
	}
	if _, err := s.applyQuotes(ctx, map[string]pricing.CurrentQuote{coinID: q}); err != nil {
		return q, err
	}
	return q, nil
}

// RefreshJob adapts UpdateCryptoPrices to the scheduler.
type RefreshJob struct {
	Service *Service
	Timeout time.Duration
}

func (j RefreshJob) Name() string { return "crypto_price_refresh" }

func (j RefreshJob) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := j.Service.UpdateCryptoPrices(ctx)
	return err
}

// --- internals ---

// pricePurchase completes in for inv's category. Crypto purchases are
// priced at the quote for their value date and the token count is derived
// from the amount; current reports whether that quote is today's.
func (s *Service) pricePurchase(ctx context.Context, inv model.Investment, in ledger.PurchaseInput) (ledger.PurchaseInput, bool, error) {
	if !inv.Category.IsCrypto() {
		if in.TokensAcquired.IsPositive() && in.PricePerTokenUSD.IsZero() {
			in.PricePerTokenUSD = money.UnitPrice(money.Cents(in.AmountInvested), in.TokensAcquired)
		}
		return in, false, nil
	}

	if inv.CoinID() == "" {
		return in, false, &ledger.ValidationError{Fields: []ledger.FieldError{
			{Field: "coinId", Message: "holding has no coin to price"},
		}}
	}
	price, err := s.pricing.PriceOn(ctx, inv.CoinID(), in.InvestmentDate)
	if err != nil {
		return in, false, err
	}
	in.AmountInvested = money.Cents(in.AmountInvested)
	in.PricePerTokenUSD = price
	in.TokensAcquired = money.Quantity(in.AmountInvested, price)
	current := !pricing.CalendarDay(in.InvestmentDate).Before(s.factory.Today())
	return in, current, nil
}

// markPrice revalues a crypto holding at its purchase price when that price
// is the current quote, or when the holding has no price yet.
func (s *Service) markPrice(inv model.Investment, price decimal.Decimal, current bool) model.Investment {
	if inv.Crypto == nil || !price.IsPositive() {
		return inv
	}
	if !current && inv.Crypto.CurrentPriceUSD.IsPositive() {
		return inv
	}
	return ledger.Reprice(inv, price, s.factory.Now())
}

func (s *Service) applyQuotes(ctx context.Context, quotes map[string]pricing.CurrentQuote) (int, error) {
	if len(quotes) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	invs, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for i, inv := range invs {
		q, ok := quotes[inv.CoinID()]
		if !ok || !q.Price.IsPositive() {
			continue
		}
		invs[i] = ledger.Reprice(inv, q.Price, q.LastUpdated)
		updated++
	}
	if updated == 0 {
		return 0, nil
	}
	if err := s.save(ctx, invs); err != nil {
		return 0, err
	}

	for id, q := range quotes {
		s.broadcast(WSMessage{
			Type:      MessagePriceUpdate,
			CoinID:    id,
			Price:     q.Price.String(),
			Change24h: q.Change24h.String(),
		})
	}
	s.log.Info().Int("updated", updated).Int("quotes", len(quotes)).Msg("crypto holdings revalued")
	return updated, nil
}

// repairTotals recomputes every record and writes the collection back only
// if something changed.
func (s *Service) repairTotals(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invs, err := s.load(ctx)
	if err != nil {
		return err
	}
	fixed := 0
	for i, inv := range invs {
		out := ledger.RecalculateTotals(inv)
		if !sameTotals(inv, out) {
			s.log.Warn().
				Str("investment_id", inv.ID).
				Str("stored_total", inv.TotalInvested.String()).
				Str("total", out.TotalInvested.String()).
				Msg("repaired inconsistent totals")
			invs[i] = out
			fixed++
		}
	}
	if fixed == 0 {
		metrics.Investments.Set(float64(len(invs)))
		return nil
	}
	return s.save(ctx, invs)
}

func sameTotals(a, b model.Investment) bool {
	if a.Purchases == nil ||
		!a.TotalInvested.Equal(b.TotalInvested) ||
		!a.CurrentMarketValue.Equal(b.CurrentMarketValue) ||
		!a.UnrealizedGains.Equal(b.UnrealizedGains) {
		return false
	}
	if a.Crypto != nil && !a.Crypto.TotalTokens.Equal(b.Crypto.TotalTokens) {
		return false
	}
	return true
}

func (s *Service) load(ctx context.Context) ([]model.Investment, error) {
	var invs []model.Investment
	err := store.GetJSON(ctx, s.store, migrate.CollectionKey, &invs)
	if errors.Is(err, store.ErrNotFound) {
		return []model.Investment{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("portfolio: load investments: %w", err)
	}
	if invs == nil {
		invs = []model.Investment{}
	}
	return invs, nil
}

func (s *Service) save(ctx context.Context, invs []model.Investment) error {
	if err := store.SetJSON(ctx, s.store, migrate.CollectionKey, invs); err != nil {
		s.log.Error().Err(err).Int("investments", len(invs)).Msg("failed to persist investments")
		return err
	}
	metrics.Investments.Set(float64(len(invs)))
	return nil
}

func (s *Service) broadcast(msg WSMessage) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

func indexOf(invs []model.Investment, id string) int {
	for i := range invs {
		if invs[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfCoin(invs []model.Investment, coinID string) int {
	for i := range invs {
		if invs[i].Category.IsCrypto() && invs[i].CoinID() == coinID {
			return i
		}
	}
	return -1
}

func tokens(q decimal.Decimal) string {
	return q.Round(8).String()
}
