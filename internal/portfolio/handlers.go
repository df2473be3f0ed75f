package portfolio

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/zave/portfolio-engine/internal/history"
	"github.com/zave/portfolio-engine/internal/ledger"
	"github.com/zave/portfolio-engine/internal/model"
	"github.com/zave/portfolio-engine/internal/pricing"
	"github.com/zave/portfolio-engine/internal/store"
)

// Handlers exposes a Service over HTTP.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the HTTP handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Routes mounts every portfolio endpoint on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/investments", h.ListInvestments)
	r.Post("/investments", h.AddInvestment)
	r.Get("/investments/statistics", h.GetStatistics)
	r.Get("/investments/{investmentID}", h.GetInvestment)
	r.Patch("/investments/{investmentID}", h.UpdateInvestment)
	r.Delete("/investments/{investmentID}", h.DeleteInvestment)
	r.Post("/investments/{investmentID}/purchases", h.AddPurchase)
	r.Delete("/investments/{investmentID}/purchases/{purchaseID}", h.DeletePurchase)

	r.Get("/history", h.GetHistory)

	r.Get("/crypto/search", h.SearchCrypto)
	r.Get("/crypto/{coinID}/chart", h.GetPriceHistory)
	r.Post("/prices/refresh", h.RefreshPrices)
	r.Post("/prices/{coinID}/refresh", h.RefreshPrice)

	r.Get("/cache/stats", h.GetCacheStats)
	r.Delete("/cache", h.ClearCache)
}

// --- Request types ---

// AddInvestmentBody is the JSON body for POST /investments. Dates are
// YYYY-MM-DD or RFC 3339.
type AddInvestmentBody struct {
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	CoinID         string          `json:"coinId,omitempty"`
	CoinSymbol     string          `json:"coinSymbol,omitempty"`
	CoinThumb      string          `json:"coinThumb,omitempty"`
	InvestmentDate string          `json:"investmentDate"`
	AmountInvested decimal.Decimal `json:"amountInvested"`
	TokensAcquired decimal.Decimal `json:"tokensAcquired"`
}

// AddPurchaseBody is the JSON body for POST /investments/{id}/purchases.
type AddPurchaseBody struct {
	InvestmentDate string          `json:"investmentDate"`
	AmountInvested decimal.Decimal `json:"amountInvested"`
	TokensAcquired decimal.Decimal `json:"tokensAcquired"`
}

// UpdateInvestmentBody is the JSON body for PATCH /investments/{id}.
type UpdateInvestmentBody struct {
	Name string `json:"name"`
}

// --- HTTP Handlers ---

// ListInvestments handles GET /api/v1/investments
func (h *Handlers) ListInvestments(w http.ResponseWriter, r *http.Request) {
	invs, err := h.svc.ListInvestments(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invs)
}

// AddInvestment handles POST /api/v1/investments
func (h *Handlers) AddInvestment(w http.ResponseWriter, r *http.Request) {
	var body AddInvestmentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	date, err := h.purchaseDate(body.InvestmentDate)
	if err != nil {
		writeError(w, "investmentDate must be YYYY-MM-DD or RFC 3339", http.StatusBadRequest)
		return
	}

	res, err := h.svc.AddInvestment(r.Context(), AddInvestmentRequest{
		NewInvestment: ledger.NewInvestment{
			Name:       body.Name,
			Category:   body.Category,
			CoinID:     body.CoinID,
			CoinSymbol: body.CoinSymbol,
			CoinThumb:  body.CoinThumb,
		},
		PurchaseInput: ledger.PurchaseInput{
			InvestmentDate: date,
			AmountInvested: body.AmountInvested,
			TokensAcquired: body.TokensAcquired,
		},
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetStatistics handles GET /api/v1/investments/statistics
func (h *Handlers) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetInvestmentStatistics(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetInvestment handles GET /api/v1/investments/{investmentID}
func (h *Handlers) GetInvestment(w http.ResponseWriter, r *http.Request) {
	details, err := h.svc.GetInvestmentDetails(r.Context(), chi.URLParam(r, "investmentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// UpdateInvestment handles PATCH /api/v1/investments/{investmentID}
func (h *Handlers) UpdateInvestment(w http.ResponseWriter, r *http.Request) {
	var body UpdateInvestmentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inv, err := h.svc.UpdateInvestmentMetadata(r.Context(), chi.URLParam(r, "investmentID"), body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// DeleteInvestment handles DELETE /api/v1/investments/{investmentID}
func (h *Handlers) DeleteInvestment(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteInvestment(r.Context(), chi.URLParam(r, "investmentID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddPurchase handles POST /api/v1/investments/{investmentID}/purchases
func (h *Handlers) AddPurchase(w http.ResponseWriter, r *http.Request) {
	var body AddPurchaseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	date, err := h.purchaseDate(body.InvestmentDate)
	if err != nil {
		writeError(w, "investmentDate must be YYYY-MM-DD or RFC 3339", http.StatusBadRequest)
		return
	}

	inv, err := h.svc.AddPurchaseToInvestment(r.Context(), chi.URLParam(r, "investmentID"), ledger.PurchaseInput{
		InvestmentDate: date,
		AmountInvested: body.AmountInvested,
		TokensAcquired: body.TokensAcquired,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// DeletePurchase handles DELETE /api/v1/investments/{investmentID}/purchases/{purchaseID}
func (h *Handlers) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	inv, err := h.svc.DeletePurchase(r.Context(), chi.URLParam(r, "investmentID"), chi.URLParam(r, "purchaseID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// GetHistory handles GET /api/v1/history
// Query: category, from, to, min, max, groupBy (month|quarter|year).
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f history.Filter
	if c := q.Get("category"); c != "" {
		category, err := model.ParseCategory(c)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Category = category
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := parseDate(v)
			if err != nil {
				writeError(w, p.name+" must be YYYY-MM-DD or RFC 3339", http.StatusBadRequest)
				return
			}
			*p.dst = t
		}
	}
	for _, p := range []struct {
		name string
		dst  *decimal.NullDecimal
	}{{"min", &f.MinAmount}, {"max", &f.MaxAmount}} {
		if v := q.Get(p.name); v != "" {
			amt, err := decimal.NewFromString(v)
			if err != nil {
				writeError(w, p.name+" must be a decimal amount", http.StatusBadRequest)
				return
			}
			*p.dst = decimal.NewNullDecimal(amt)
		}
	}
	// A bare date as upper bound covers the whole day.
	if v := q.Get("to"); len(v) == len(time.DateOnly) {
		f.To = f.To.Add(24*time.Hour - time.Nanosecond)
	}

	if g := q.Get("groupBy"); g != "" {
		period, err := history.ParsePeriod(g)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		groups, err := h.svc.HistoryByPeriod(r.Context(), f, period)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if groups == nil {
			groups = []history.Group{}
		}
		writeJSON(w, http.StatusOK, groups)
		return
	}

	entries, err := h.svc.History(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// SearchCrypto handles GET /api/v1/crypto/search?q=
func (h *Handlers) SearchCrypto(w http.ResponseWriter, r *http.Request) {
	coins, err := h.svc.SearchCryptocurrencies(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coins)
}

// GetPriceHistory handles GET /api/v1/crypto/{coinID}/chart?days=
func (h *Handlers) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}
	points, err := h.svc.GetPriceHistory(r.Context(), chi.URLParam(r, "coinID"), days)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// RefreshPrices handles POST /api/v1/prices/refresh
func (h *Handlers) RefreshPrices(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.UpdateCryptoPrices(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefreshPrice handles POST /api/v1/prices/{coinID}/refresh
func (h *Handlers) RefreshPrice(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.RefreshPrice(r.Context(), chi.URLParam(r, "coinID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetCacheStats handles GET /api/v1/cache/stats
func (h *Handlers) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CacheStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ClearCache handles DELETE /api/v1/cache
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// purchaseDate parses a purchase value date. A blank date means today.
func (h *Handlers) purchaseDate(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return h.svc.Today(), nil
	}
	return parseDate(s)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		verr *ledger.ValidationError
		unav *pricing.UnavailableError
		perr *store.PersistenceError
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, model.ErrInvalidCategory), errors.Is(err, history.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvestmentNotFound), errors.Is(err, ErrPurchaseNotFound):
		return http.StatusNotFound
	case errors.As(err, &unav), errors.Is(err, pricing.ErrRateLimited):
		return http.StatusBadGateway
	case errors.As(err, &perr):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]any{"error": "validation failed", "fields": verr.Fields})
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
