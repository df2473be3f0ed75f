package migrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/model"
)

// Kind tags the shape of a persisted investment record.
type Kind int

const (
	KindLegacy Kind = iota
	KindLedger
)

func (k Kind) String() string {
	if k == KindLedger {
		return "ledger"
	}
	return "legacy"
}

// Record is one decoded element of the investments collection. Exactly one
// of Legacy and Ledger is set, according to Kind. Normalized marks a ledger
// record whose crypto fields were read from the flat top-level layout and
// must be rewritten in the nested form.
type Record struct {
	Kind       Kind
	Legacy     *LegacyInvestment
	Ledger     *model.Investment
	Normalized bool
}

// ID returns the record's identifier, whichever shape it has.
func (r Record) ID() string {
	if r.Ledger != nil {
		return r.Ledger.ID
	}
	if r.Legacy != nil {
		return r.Legacy.ID
	}
	return ""
}

// Name returns the record's display name, whichever shape it has.
func (r Record) Name() string {
	if r.Ledger != nil {
		return r.Ledger.Name
	}
	if r.Legacy != nil {
		return r.Legacy.Name
	}
	return ""
}

// LegacyInvestment is the flat pre-ledger record: one amount, one optional
// unit count and, for crypto, the coin fields inline.
type LegacyInvestment struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Category          string           `json:"category"`
	Date              string           `json:"date"`
	CreatedAt         string           `json:"createdAt"`
	LastUpdated       string           `json:"lastUpdated"`
	InitialInvestment Number           `json:"initialInvestment"`
	CurrentValue      Number           `json:"currentValue"`
	InitialAmount     Number           `json:"initialAmount"`
	CoinID            string           `json:"coinId"`
	CoinSymbol        string           `json:"coinSymbol"`
	CoinThumb         string           `json:"coinThumb"`
	CoinPriceUSD      Number           `json:"coinPriceUSD"`
	PurchaseHistory   []LegacyPurchase `json:"purchaseHistory"`
}

// flatCrypto reads the coin fields of a ledger record that keeps them at the
// top level instead of under "crypto".
type flatCrypto struct {
	CoinID          string `json:"coinId"`
	CoinSymbol      string `json:"coinSymbol"`
	CoinThumb       string `json:"coinThumb"`
	CurrentPriceUSD Number `json:"currentPriceUSD"`
	TotalTokens     Number `json:"totalTokens"`
	LastPriceUpdate string `json:"lastPriceUpdate"`
}

func (f flatCrypto) holding() *model.CryptoHolding {
	h := &model.CryptoHolding{
		CoinID:          strings.TrimSpace(f.CoinID),
		CoinSymbol:      strings.ToUpper(f.CoinSymbol),
		CoinThumb:       f.CoinThumb,
		CurrentPriceUSD: positiveOrZero(f.CurrentPriceUSD.Decimal),
		TotalTokens:     positiveOrZero(f.TotalTokens.Decimal),
	}
	if t, ok := parseDate(f.LastPriceUpdate); ok {
		h.LastPriceUpdate = &t
	}
	return h
}

// LegacyPurchase is one element of a legacy purchaseHistory array.
type LegacyPurchase struct {
	ID            string `json:"id"`
	Date          string `json:"date"`
	Amount        Number `json:"amount"`
	Tokens        Number `json:"tokens"`
	PricePerToken Number `json:"pricePerToken"`
}

// Number is a decimal that decodes from a JSON number, a numeric string,
// null or the empty string. Absent and empty values decode to zero.
type Number struct {
	decimal.Decimal
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		n.Decimal = decimal.Zero
		return nil
	}
	d, ok := parseNumeric(b)
	if !ok {
		return fmt.Errorf("migrate: %s is not a number", b)
	}
	n.Decimal = d
	return nil
}

// parseNumeric accepts a JSON number or a JSON string holding a decimal.
func parseNumeric(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.Zero, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, false
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

var errNotObject = errors.New("migrate: record is not a JSON object")

// Decode classifies raw as ledger or legacy. A record is in ledger form when
// it carries a purchases array and numeric totalInvested and
// currentMarketValue fields; anything else is legacy.
func Decode(raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Record{}, errNotObject
	}

	if isLedger(fields) {
		var inv model.Investment
		if err := json.Unmarshal(raw, &inv); err != nil {
			return Record{}, fmt.Errorf("migrate: decode ledger record: %w", err)
		}
		rec := Record{Kind: KindLedger, Ledger: &inv}
		if c, err := model.ParseCategory(string(inv.Category)); err == nil && c != inv.Category {
			inv.Category = c
			rec.Normalized = true
		}
		if inv.Category.IsCrypto() && inv.Crypto == nil {
			var flat flatCrypto
			if err := json.Unmarshal(raw, &flat); err != nil {
				return Record{}, fmt.Errorf("migrate: decode crypto fields: %w", err)
			}
			inv.Crypto = flat.holding()
			rec.Normalized = true
		}
		return rec, nil
	}

	var old LegacyInvestment
	if err := json.Unmarshal(raw, &old); err != nil {
		return Record{}, fmt.Errorf("migrate: decode legacy record: %w", err)
	}
	return Record{Kind: KindLegacy, Legacy: &old}, nil
}

func isLedger(fields map[string]json.RawMessage) bool {
	purchases := bytes.TrimSpace(fields["purchases"])
	if len(purchases) == 0 || purchases[0] != '[' {
		return false
	}
	if _, ok := parseNumeric(fields["totalInvested"]); !ok {
		return false
	}
	_, ok := parseNumeric(fields["currentMarketValue"])
	return ok
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDate reads the date formats legacy records were written with.
func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
