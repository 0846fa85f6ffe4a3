package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgecommerce/vatcalc/internal/geo"
	"github.com/forgecommerce/vatcalc/internal/handlers/api"
	"github.com/forgecommerce/vatcalc/internal/rates"
	"github.com/forgecommerce/vatcalc/internal/vat"
)

var testNow = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeValidator struct {
	details vat.VATDetails
	err     error
	last    vat.ValidationRequest
}

func (f *fakeValidator) Validate(_ context.Context, req vat.ValidationRequest) (vat.VATDetails, error) {
	f.last = req
	if f.err != nil {
		return vat.VATDetails{}, f.err
	}
	d := f.details
	d.CountryCode = req.CountryCode
	d.VATNumber = req.Number
	return d, nil
}

type fakeLocator struct {
	code string
	err  error
}

func (f fakeLocator) Lookup(context.Context, string) (string, error) {
	return f.code, f.err
}

func newTestMux(t *testing.T, v vat.Validator, loc api.CountryLocator) *http.ServeMux {
	t.Helper()
	table, err := rates.Default(rates.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("loading rate table: %v", err)
	}
	opts := []vat.CalculatorOption{
		vat.WithBusinessCountry("DE"),
		vat.WithBusinessVATNumber("DE123456789"),
	}
	if v != nil {
		opts = append(opts, vat.WithValidator(v))
	}
	calc := vat.NewCalculator(table, opts...)

	mux := http.NewServeMux()
	api.NewVATHandler(calc, table, loc, slog.Default()).RegisterRoutes(mux)
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

type calculateResponse struct {
	CountryCode   string `json:"country_code"`
	RateCategory  string `json:"rate_category"`
	ReverseCharge bool   `json:"reverse_charge"`
	TaxRate       string `json:"tax_rate"`
	NetAmount     string `json:"net_amount"`
	GrossAmount   string `json:"gross_amount"`
	TaxAmount     string `json:"tax_amount"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func TestHealth(t *testing.T) {
	rr := doJSON(t, newTestMux(t, nil, nil), http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decode[map[string]string](t, rr)["status"]; got != "ok" {
		t.Errorf("status: want ok, got %q", got)
	}
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name      string
		body      map[string]any
		wantRate  string
		wantNet   string
		wantGross string
		wantTax   string
		reverse   bool
	}{
		{
			name:      "net amount in Germany",
			body:      map[string]any{"amount": "100", "country_code": "de"},
			wantRate:  "0.19",
			wantNet:   "100",
			wantGross: "119",
			wantTax:   "19",
		},
		{
			name:      "gross amount in Germany",
			body:      map[string]any{"amount": "119", "country_code": "DE", "prices_include_vat": true},
			wantRate:  "0.19",
			wantNet:   "100",
			wantGross: "119",
			wantTax:   "19",
		},
		{
			name:      "reduced rate in the Netherlands",
			body:      map[string]any{"amount": "100", "country_code": "NL", "rate_category": "low"},
			wantRate:  "0.09",
			wantNet:   "100",
			wantGross: "109",
			wantTax:   "9",
		},
		{
			name:      "postal exception",
			body:      map[string]any{"amount": "100", "country_code": "AT", "postal_code": "6691"},
			wantRate:  "0.19",
			wantNet:   "100",
			wantGross: "119",
			wantTax:   "19",
		},
		{
			name:      "historical date",
			body:      map[string]any{"amount": "100", "country_code": "DE", "date": "2020-09-01"},
			wantRate:  "0.16",
			wantNet:   "100",
			wantGross: "116",
			wantTax:   "16",
		},
		{
			name:      "foreign business reverse charge",
			body:      map[string]any{"amount": "100", "country_code": "FR", "business": true},
			wantRate:  "0",
			wantNet:   "100",
			wantGross: "100",
			wantTax:   "0",
			reverse:   true,
		},
		{
			name:      "domestic business pays VAT",
			body:      map[string]any{"amount": "100", "country_code": "DE", "business": true},
			wantRate:  "0.19",
			wantNet:   "100",
			wantGross: "119",
			wantTax:   "19",
		},
		{
			name:      "unknown country",
			body:      map[string]any{"amount": "50", "country_code": "US"},
			wantRate:  "0",
			wantNet:   "50",
			wantGross: "50",
			wantTax:   "0",
		},
	}

	mux := newTestMux(t, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, mux, http.MethodPost, "/api/v1/vat/calculate", tt.body)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			got := decode[calculateResponse](t, rr)
			if got.TaxRate != tt.wantRate {
				t.Errorf("tax_rate: want %s, got %s", tt.wantRate, got.TaxRate)
			}
			if got.NetAmount != tt.wantNet {
				t.Errorf("net_amount: want %s, got %s", tt.wantNet, got.NetAmount)
			}
			if got.GrossAmount != tt.wantGross {
				t.Errorf("gross_amount: want %s, got %s", tt.wantGross, got.GrossAmount)
			}
			if got.TaxAmount != tt.wantTax {
				t.Errorf("tax_amount: want %s, got %s", tt.wantTax, got.TaxAmount)
			}
			if got.ReverseCharge != tt.reverse {
				t.Errorf("reverse_charge: want %v, got %v", tt.reverse, got.ReverseCharge)
			}
		})
	}
}

func TestCalculate_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", "{"},
		{"missing amount", map[string]any{"country_code": "DE"}},
		{"invalid amount", map[string]any{"amount": "ten", "country_code": "DE"}},
		{"missing country", map[string]any{"amount": "10"}},
		{"unknown category", map[string]any{"amount": "10", "country_code": "DE", "rate_category": "luxury"}},
		{"invalid date", map[string]any{"amount": "10", "country_code": "DE", "date": "01/02/2024"}},
	}

	mux := newTestMux(t, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, mux, http.MethodPost, "/api/v1/vat/calculate", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if decode[errorResponse](t, rr).Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestListCountries(t *testing.T) {
	rr := doJSON(t, newTestMux(t, nil, nil), http.MethodGet, "/api/v1/vat/countries", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Data []struct {
			Code               string `json:"code"`
			Name               string `json:"name"`
			StandardRate       string `json:"standard_rate"`
			ShouldCollectVAT   bool   `json:"should_collect_vat"`
			ShouldCollectEUVAT bool   `json:"should_collect_eu_vat"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Data) != 30 {
		t.Fatalf("expected 30 active countries, got %d", len(resp.Data))
	}

	byCode := make(map[string]int, len(resp.Data))
	for i, c := range resp.Data {
		byCode[c.Code] = i
		if !c.ShouldCollectVAT || !c.ShouldCollectEUVAT {
			t.Errorf("%s: expected both collect flags", c.Code)
		}
	}
	for code, want := range map[string]struct{ name, rate string }{
		"DE": {"Germany", "0.19"},
		"EL": {"Greece", "0.24"},
		"FI": {"Finland", "0.255"},
	} {
		i, ok := byCode[code]
		if !ok {
			t.Errorf("%s missing from listing", code)
			continue
		}
		if resp.Data[i].Name != want.name {
			t.Errorf("%s name: want %q, got %q", code, want.name, resp.Data[i].Name)
		}
		if resp.Data[i].StandardRate != want.rate {
			t.Errorf("%s standard_rate: want %s, got %s", code, want.rate, resp.Data[i].StandardRate)
		}
	}
	if _, ok := byCode["CH"]; ok {
		t.Error("optional country CH should not be listed before activation")
	}
}

func TestGetCountry(t *testing.T) {
	rr := doJSON(t, newTestMux(t, nil, nil), http.MethodGet, "/api/v1/vat/countries/de", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Code       string            `json:"code"`
		Categories map[string]string `json:"categories"`
		Exceptions map[string]struct {
			Rate *string `json:"rate"`
		} `json:"exceptions"`
		Ranges     []json.RawMessage `json:"ranges"`
		KnownRates []string          `json:"known_rates"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	if resp.Code != "DE" {
		t.Errorf("code: want DE, got %q", resp.Code)
	}
	if resp.Categories["reduced"] != "0.07" {
		t.Errorf("reduced category: want 0.07, got %q", resp.Categories["reduced"])
	}
	exc, ok := resp.Exceptions["Heligoland"]
	if !ok || exc.Rate == nil || *exc.Rate != "0" {
		t.Errorf("Heligoland exception: got %+v", exc)
	}
	if len(resp.Ranges) != 3 {
		t.Errorf("expected 3 effective ranges, got %d", len(resp.Ranges))
	}
	if len(resp.KnownRates) == 0 {
		t.Error("expected known rates")
	}
}

func TestGetCountry_NotFound(t *testing.T) {
	mux := newTestMux(t, nil, nil)
	for _, code := range []string{"US", "CH"} {
		rr := doJSON(t, mux, http.MethodGet, "/api/v1/vat/countries/"+code, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", code, rr.Code)
		}
	}
}

func TestValidateNumber(t *testing.T) {
	v := &fakeValidator{details: vat.VATDetails{Valid: true, Name: "ACME GMBH", RequestID: "WAPIAAAAY"}}
	mux := newTestMux(t, v, nil)

	rr := doJSON(t, mux, http.MethodPost, "/api/v1/vat/numbers/validate", map[string]string{
		"vat_number": "at U 123-456.78",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	got := decode[vat.VATDetails](t, rr)
	if !got.Valid || got.Name != "ACME GMBH" {
		t.Errorf("unexpected details: %+v", got)
	}
	if got.CountryCode != "AT" || got.VATNumber != "U12345678" {
		t.Errorf("number: want AT/U12345678, got %s/%s", got.CountryCode, got.VATNumber)
	}
	if v.last.RequesterCountryCode != "DE" || v.last.RequesterNumber != "123456789" {
		t.Errorf("expected seller as default requester, got %+v", v.last)
	}
}

func TestValidateNumber_Errors(t *testing.T) {
	tests := []struct {
		name       string
		validator  vat.Validator
		vatNumber  string
		wantStatus int
	}{
		{"too short", &fakeValidator{}, "D", http.StatusUnprocessableEntity},
		{"invalid character", &fakeValidator{}, "DE12345#789", http.StatusUnprocessableEntity},
		{"unsupported country", &fakeValidator{}, "US123456789", http.StatusUnprocessableEntity},
		{"service unavailable", &fakeValidator{err: fmt.Errorf("%w: timeout", vat.ErrValidationServiceUnavailable)}, "FR12345678901", http.StatusServiceUnavailable},
		{"no validator", nil, "FR12345678901", http.StatusServiceUnavailable},
		{"unexpected error", &fakeValidator{err: errors.New("boom")}, "FR12345678901", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(t, tt.validator, nil)
			rr := doJSON(t, mux, http.MethodPost, "/api/v1/vat/numbers/validate", map[string]string{"vat_number": tt.vatNumber})
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestValidateNumber_BadBody(t *testing.T) {
	rr := doJSON(t, newTestMux(t, &fakeValidator{}, nil), http.MethodPost, "/api/v1/vat/numbers/validate", "not json")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLocateCountry(t *testing.T) {
	tests := []struct {
		name       string
		locator    api.CountryLocator
		wantStatus int
		wantCode   string
	}{
		{"found", fakeLocator{code: "AT"}, http.StatusOK, "AT"},
		{"not found", fakeLocator{err: geo.ErrNotFound}, http.StatusNotFound, ""},
		{"lookup failure", fakeLocator{err: errors.New("connection refused")}, http.StatusBadGateway, ""},
		{"no locator", nil, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(t, nil, tt.locator)
			rr := doJSON(t, mux, http.MethodGet, "/api/v1/geo/country?ip=81.2.69.160", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				IP               string `json:"ip"`
				CountryCode      string `json:"country_code"`
				ShouldCollectVAT bool   `json:"should_collect_vat"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if resp.CountryCode != tt.wantCode || resp.IP != "81.2.69.160" || !resp.ShouldCollectVAT {
				t.Errorf("unexpected response: %+v", resp)
			}
		})
	}
}
