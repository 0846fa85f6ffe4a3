package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/biter777/countries"
	"github.com/shopspring/decimal"

	"github.com/forgecommerce/vatcalc/internal/geo"
	"github.com/forgecommerce/vatcalc/internal/middleware"
	"github.com/forgecommerce/vatcalc/internal/rates"
	"github.com/forgecommerce/vatcalc/internal/vat"
)

// CountryLocator resolves an IP address to an ISO country code.
type CountryLocator interface {
	Lookup(ctx context.Context, ip string) (string, error)
}

// VATHandler serves rate lookups, price calculations, VAT number
// validation and visitor geolocation.
type VATHandler struct {
	calc    *vat.Calculator
	table   *rates.Table
	locator CountryLocator
	logger  *slog.Logger
}

// NewVATHandler creates a VAT API handler. locator may be nil, in which
// case the geolocation route answers 404.
func NewVATHandler(calc *vat.Calculator, table *rates.Table, locator CountryLocator, logger *slog.Logger) *VATHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &VATHandler{
		calc:    calc,
		table:   table,
		locator: locator,
		logger:  logger,
	}
}

// RegisterRoutes registers all VAT API routes on the given mux.
func (h *VATHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("POST /api/v1/vat/calculate", h.Calculate)
	mux.HandleFunc("GET /api/v1/vat/countries", h.ListCountries)
	mux.HandleFunc("GET /api/v1/vat/countries/{code}", h.GetCountry)
	mux.Handle("POST /api/v1/vat/numbers/validate", middleware.ValidationRateLimiter()(http.HandlerFunc(h.ValidateNumber)))
	mux.HandleFunc("GET /api/v1/geo/country", h.LocateCountry)
}

// --- JSON request/response types ---

type calculateRequest struct {
	Amount           string `json:"amount"`
	CountryCode      string `json:"country_code"`
	PostalCode       string `json:"postal_code"`
	Business         bool   `json:"business"`
	RateCategory     string `json:"rate_category"`
	Date             string `json:"date"`
	PricesIncludeVAT bool   `json:"prices_include_vat"`
}

type calculateResponse struct {
	CountryCode   string          `json:"country_code"`
	RateCategory  string          `json:"rate_category"`
	ReverseCharge bool            `json:"reverse_charge"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	GrossAmount   decimal.Decimal `json:"gross_amount"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
}

type countrySummary struct {
	Code               string          `json:"code"`
	Name               string          `json:"name"`
	StandardRate       decimal.Decimal `json:"standard_rate"`
	ShouldCollectVAT   bool            `json:"should_collect_vat"`
	ShouldCollectEUVAT bool            `json:"should_collect_eu_vat"`
}

type exceptionJSON struct {
	Rate       *decimal.Decimal           `json:"rate,omitempty"`
	Categories map[string]decimal.Decimal `json:"categories,omitempty"`
}

type rangeJSON struct {
	From       time.Time                  `json:"from"`
	Rate       decimal.Decimal            `json:"rate"`
	Categories map[string]decimal.Decimal `json:"categories,omitempty"`
}

type countryDetail struct {
	countrySummary
	Categories map[string]decimal.Decimal `json:"categories,omitempty"`
	Exceptions map[string]exceptionJSON   `json:"exceptions,omitempty"`
	Ranges     []rangeJSON                `json:"ranges,omitempty"`
	KnownRates []decimal.Decimal          `json:"known_rates"`
}

type validateRequest struct {
	VATNumber          string `json:"vat_number"`
	RequesterVATNumber string `json:"requester_vat_number"`
}

type locateResponse struct {
	IP               string `json:"ip"`
	CountryCode      string `json:"country_code"`
	ShouldCollectVAT bool   `json:"should_collect_vat"`
}

// --- Handlers ---

// Health handles GET /api/v1/health.
func (h *VATHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Calculate handles POST /api/v1/vat/calculate.
// The amount is net unless prices_include_vat is set.
func (h *VATHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid request body"})
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid amount"})
		return
	}
	country := strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if country == "" {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "country_code is required"})
		return
	}
	category, err := rates.ParseCategory(req.RateCategory)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: err.Error()})
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid date: want YYYY-MM-DD or RFC 3339"})
		return
	}

	q := vat.Query{
		CountryCode: country,
		PostalCode:  strings.TrimSpace(req.PostalCode),
		Business:    req.Business,
		Category:    category,
		Date:        date,
	}

	var result vat.Result
	if req.PricesIncludeVAT {
		result = h.calc.CalculateFromGross(amount, q)
	} else {
		result = h.calc.CalculateFromNet(amount, q)
	}

	writeJSON(w, http.StatusOK, calculateResponse{
		CountryCode:   country,
		RateCategory:  category.String(),
		ReverseCharge: req.Business && country != h.calc.BusinessCountry(),
		TaxRate:       result.TaxRate,
		NetAmount:     result.NetAmount,
		GrossAmount:   result.GrossAmount,
		TaxAmount:     result.TaxAmount,
	})
}

// ListCountries handles GET /api/v1/vat/countries.
func (h *VATHandler) ListCountries(w http.ResponseWriter, r *http.Request) {
	codes := h.table.Countries()
	out := make([]countrySummary, 0, len(codes))
	for _, code := range codes {
		entry, ok := h.table.Country(code)
		if !ok {
			continue
		}
		out = append(out, h.summary(code, entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// GetCountry handles GET /api/v1/vat/countries/{code}.
func (h *VATHandler) GetCountry(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(r.PathValue("code"))
	entry, ok := h.table.Country(code)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: "country not found"})
		return
	}

	_, current, _ := entry.At(h.table.Now())
	detail := countryDetail{
		countrySummary: h.summary(code, entry),
		Categories:     categoriesJSON(current),
		KnownRates:     h.table.AllKnownRates(code),
	}

	if len(entry.Exceptions) > 0 {
		detail.Exceptions = make(map[string]exceptionJSON, len(entry.Exceptions))
		for name, exc := range entry.Exceptions {
			if exc.Categories != nil {
				detail.Exceptions[name] = exceptionJSON{Categories: categoriesJSON(exc.Categories)}
				continue
			}
			rate := exc.Rate
			detail.Exceptions[name] = exceptionJSON{Rate: &rate}
		}
	}
	for _, band := range entry.Since {
		detail.Ranges = append(detail.Ranges, rangeJSON{
			From:       band.From,
			Rate:       band.Rate,
			Categories: categoriesJSON(band.Categories),
		})
	}

	writeJSON(w, http.StatusOK, detail)
}

// ValidateNumber handles POST /api/v1/vat/numbers/validate.
func (h *VATHandler) ValidateNumber(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorJSON{Error: "invalid request body"})
		return
	}

	details, err := h.calc.VATDetails(r.Context(), req.VATNumber, req.RequesterVATNumber)
	if err != nil {
		var unsupported *vat.UnsupportedCountryError
		switch {
		case errors.Is(err, vat.ErrVATNumberTooShort),
			errors.Is(err, vat.ErrInvalidCharacter),
			errors.As(err, &unsupported):
			writeJSON(w, http.StatusUnprocessableEntity, errorJSON{Error: err.Error()})
		case errors.Is(err, vat.ErrValidationServiceUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errorJSON{Error: "VAT number validation service is currently unavailable"})
		default:
			h.logger.Error("validating vat number", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorJSON{Error: "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// LocateCountry handles GET /api/v1/geo/country. The ip query parameter
// overrides the caller's address.
func (h *VATHandler) LocateCountry(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = middleware.ClientIP(r)
	}
	if h.locator == nil {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: "geolocation is not configured"})
		return
	}

	code, err := h.locator.Lookup(r.Context(), ip)
	if errors.Is(err, geo.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: "country not found for address"})
		return
	}
	if err != nil {
		h.logger.Warn("ip geolocation failed", "ip", ip, "error", err)
		writeJSON(w, http.StatusBadGateway, errorJSON{Error: "geolocation service unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, locateResponse{
		IP:               ip,
		CountryCode:      code,
		ShouldCollectVAT: h.calc.ShouldCollectVAT(code),
	})
}

// --- Helpers ---

func (h *VATHandler) summary(code string, entry rates.CountryRates) countrySummary {
	return countrySummary{
		Code:               code,
		Name:               countryName(code, entry.Name),
		StandardRate:       h.table.Rate(code, "", rates.General, time.Time{}),
		ShouldCollectVAT:   h.calc.ShouldCollectVAT(code),
		ShouldCollectEUVAT: h.calc.ShouldCollectEUVAT(code),
	}
}

// countryName prefers the snapshot's name and falls back to the ISO 3166
// English name. Greece's VAT prefix EL is looked up as GR.
func countryName(code, override string) string {
	if override != "" {
		return override
	}
	iso := code
	if iso == "EL" {
		iso = "GR"
	}
	if c := countries.ByName(iso); c != countries.Unknown {
		return c.String()
	}
	return code
}

func categoriesJSON(m map[rates.Category]decimal.Decimal) map[string]decimal.Decimal {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for cat, rate := range m {
		out[cat.String()] = rate
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
