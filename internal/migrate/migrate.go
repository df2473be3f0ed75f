// Package migrate upgrades legacy flat investment records to the purchase
// ledger form. The transition is one-way: the pre-migration collection is
// backed up, the migrated set is validated, and only a valid set replaces
// the original.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/ledger"
	"github.com/zave/portfolio-engine/internal/metrics"
	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/money"
	"github.com/zave/portfolio-engine/internal/store"
)

const (
	// CollectionKey holds the JSON array of every investment.
	CollectionKey = "zave_investments"

	// BackupPrefix prefixes pre-migration backups; the suffix is the unix
	// time in milliseconds.
	BackupPrefix = "zave_investments_backup_"

	unknownName = "Unknown Investment"
)

// RecordError is a per-record migration or validation failure.
type RecordError struct {
	Index int
	ID    string
	Name  string
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d (id=%q name=%q): %v", e.Index, e.ID, e.Name, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// ValidationFailure reports a migrated set that did not validate. The
// original collection is left in place and BackupKey holds a copy of it.
type ValidationFailure struct {
	BackupKey string
	Errors    []RecordError
}

func (e *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, r := range e.Errors {
		msgs = append(msgs, r.Error())
	}
	return fmt.Sprintf("migrate: %d invalid records, data left untouched (backup %s): %s",
		len(e.Errors), e.BackupKey, strings.Join(msgs, "; "))
}

// Result summarizes a Run. Normalized counts ledger records rewritten from
// the flat crypto layout.
type Result struct {
	Migrated   int
	Normalized int
	Unchanged  int
	Failed     []RecordError
	BackupKey  string
}

// Migrator owns the migration of one store's investments collection.
type Migrator struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

// New creates a migrator over s.
func New(s store.Store, log zerolog.Logger) *Migrator {
	return &Migrator{
		store: s,
		log:   log.With().Str("component", "migrator").Logger(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock overrides the clock used for backup keys and created-at stamps.
func (m *Migrator) WithClock(now func() time.Time) *Migrator {
	m.now = now
	return m
}

// WithIDs overrides the id generator used for synthesized records.
func (m *Migrator) WithIDs(newID func() string) *Migrator {
	m.newID = newID
	return m
}

// Run migrates the collection if any record is still in legacy form or
// keeps its crypto fields in the flat layout. When every record is already a
// nested ledger it does nothing: no backup, no write.
func (m *Migrator) Run(ctx context.Context) (Result, error) {
	raw, err := m.store.Get(ctx, CollectionKey)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("migrate: load collection: %w", err)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Result{}, fmt.Errorf("migrate: collection is not a JSON array: %w", err)
	}

	records := make([]Record, 0, len(elems))
	var res Result
	legacy, normalized := 0, 0
	for i, elem := range elems {
		rec, err := Decode(elem)
		if err != nil {
			res.Failed = append(res.Failed, RecordError{Index: i, Err: err})
			continue
		}
		switch {
		case rec.Kind == KindLegacy:
			legacy++
		case rec.Normalized:
			normalized++
		}
		records = append(records, rec)
	}
	if legacy == 0 && normalized == 0 && len(res.Failed) == 0 {
		metrics.MigrationRecordsTotal.WithLabelValues("unchanged").Add(float64(len(records)))
		return Result{Unchanged: len(records)}, nil
	}

	m.log.Info().
		Int("records", len(elems)).
		Int("legacy", legacy).
		Int("flat_crypto", normalized).
		Msg("investment records need migrating")

	res.BackupKey = fmt.Sprintf("%s%d", BackupPrefix, m.now().UnixMilli())
	if err := m.store.Set(ctx, res.BackupKey, raw); err != nil {
		return res, fmt.Errorf("migrate: write backup %s: %w", res.BackupKey, err)
	}
	m.log.Info().Str("key", res.BackupKey).Msg("pre-migration backup written")

	migrated, failed := m.MigrateAll(records)
	res.Failed = append(res.Failed, failed...)
	res.Migrated = legacy - len(failed)
	res.Normalized = normalized
	res.Unchanged = len(records) - legacy - normalized
	for _, f := range res.Failed {
		m.log.Error().Err(f.Err).Int("index", f.Index).Str("id", f.ID).Str("name", f.Name).
			Msg("record skipped by migration")
	}
	if len(migrated) != len(elems) {
		m.log.Warn().
			Int("original", len(elems)).
			Int("migrated", len(migrated)).
			Msg("investment count changed during migration")
	}

	if errs := ValidateMigration(migrated); len(errs) > 0 {
		for _, e := range errs {
			m.log.Error().Err(e.Err).Int("index", e.Index).Str("id", e.ID).Msg("migrated record invalid")
		}
		return res, &ValidationFailure{BackupKey: res.BackupKey, Errors: errs}
	}

	if err := store.SetJSON(ctx, m.store, CollectionKey, migrated); err != nil {
		return res, fmt.Errorf("migrate: commit: %w", err)
	}

	metrics.MigrationRecordsTotal.WithLabelValues("migrated").Add(float64(res.Migrated + res.Normalized))
	metrics.MigrationRecordsTotal.WithLabelValues("unchanged").Add(float64(res.Unchanged))
	metrics.MigrationRecordsTotal.WithLabelValues("failed").Add(float64(len(res.Failed)))
	m.log.Info().
		Int("migrated", res.Migrated).
		Int("normalized", res.Normalized).
		Int("unchanged", res.Unchanged).
		Int("failed", len(res.Failed)).
		Msg("migration committed")
	return res, nil
}

// MigrateAll converts every legacy record and passes ledger records through
// with their totals recomputed.
// A record that cannot be converted is reported and left out of the result;
// it does not stop the batch.
func (m *Migrator) MigrateAll(records []Record) ([]model.Investment, []RecordError) {
	out := make([]model.Investment, 0, len(records))
	var failed []RecordError
	for i, rec := range records {
		switch rec.Kind {
		case KindLedger:
			out = append(out, ledger.RecalculateTotals(*rec.Ledger))
		default:
			inv, err := m.migrateLegacy(*rec.Legacy)
			if err != nil {
				failed = append(failed, RecordError{Index: i, ID: rec.ID(), Name: rec.Name(), Err: err})
				continue
			}
			out = append(out, inv)
		}
	}
	return out, failed
}

// ValidateMigration validates every migrated record.
func ValidateMigration(migrated []model.Investment) []RecordError {
	var errs []RecordError
	for i, inv := range migrated {
		if err := ledger.Validate(inv); err != nil {
			errs = append(errs, RecordError{Index: i, ID: inv.ID, Name: inv.Name, Err: err})
		}
	}
	return errs
}

func (m *Migrator) migrateLegacy(old LegacyInvestment) (model.Investment, error) {
	now := m.now().UTC()

	category := model.CategoryOther
	if old.Category != "" {
		c, err := model.ParseCategory(old.Category)
		if err != nil {
			return model.Investment{}, err
		}
		category = c
	}

	inv := model.Investment{
		ID:        old.ID,
		Name:      strings.TrimSpace(old.Name),
		Category:  category,
		Purchases: []model.Purchase{},
	}
	if inv.ID == "" {
		inv.ID = m.newID()
	}
	if inv.Name == "" {
		inv.Name = unknownName
	}

	created, ok := parseDate(old.Date)
	if !ok {
		created, ok = parseDate(old.CreatedAt)
	}
	if !ok {
		created = now
	}
	inv.CreatedAt = created

	if category.IsCrypto() {
		inv.Crypto = &model.CryptoHolding{
			CoinID:          old.CoinID,
			CoinSymbol:      strings.ToUpper(old.CoinSymbol),
			CoinThumb:       old.CoinThumb,
			CurrentPriceUSD: positiveOrZero(old.CoinPriceUSD.Decimal),
			TotalTokens:     decimal.Zero,
		}
		if t, ok := parseDate(old.LastUpdated); ok {
			inv.Crypto.LastPriceUpdate = &t
		}
	}

	if len(old.PurchaseHistory) > 0 {
		for _, lp := range old.PurchaseHistory {
			inv.Purchases = append(inv.Purchases, m.convertPurchase(lp, now))
		}
	} else if p, ok := m.synthesizePurchase(old, created, now); ok {
		inv.Purchases = append(inv.Purchases, p)
	}

	return ledger.RecalculateTotals(inv), nil
}

// synthesizePurchase builds the single purchase implied by a flat record.
// Records with nothing invested produce no purchase.
func (m *Migrator) synthesizePurchase(old LegacyInvestment, date, now time.Time) (model.Purchase, bool) {
	amount := old.InitialInvestment.Decimal
	if !amount.IsPositive() {
		amount = old.CurrentValue.Decimal
	}
	amount = money.Cents(amount)
	if !amount.IsPositive() {
		return model.Purchase{}, false
	}

	units := old.InitialAmount.Decimal
	if !units.IsPositive() {
		units = decimal.NewFromInt(1)
	}

	return model.Purchase{
		ID:               m.newID(),
		InvestmentDate:   date,
		CreatedAt:        now,
		AmountInvested:   amount,
		TokensAcquired:   units,
		PricePerTokenUSD: money.UnitPrice(amount, units),
	}, true
}

func (m *Migrator) convertPurchase(lp LegacyPurchase, now time.Time) model.Purchase {
	p := model.Purchase{
		ID:               lp.ID,
		CreatedAt:        now,
		AmountInvested:   money.Cents(lp.Amount.Decimal),
		TokensAcquired:   lp.Tokens.Decimal,
		PricePerTokenUSD: lp.PricePerToken.Decimal,
	}
	if p.ID == "" {
		p.ID = m.newID()
	}
	if d, ok := parseDate(lp.Date); ok {
		p.InvestmentDate = d
	} else {
		p.InvestmentDate = now
	}
	if !p.TokensAcquired.IsPositive() {
		p.TokensAcquired = lp.Amount.Decimal
	}
	if !p.PricePerTokenUSD.IsPositive() {
		p.PricePerTokenUSD = decimal.NewFromInt(1)
	}
	return p
}

func positiveOrZero(d decimal.Decimal) decimal.Decimal {
	if d.IsPositive() {
		return d
	}
	return decimal.Zero
}
