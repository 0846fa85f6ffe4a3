package vat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/forgecommerce/vatcalc/internal/metrics"
	"github.com/forgecommerce/vatcalc/internal/rates"
)

var one = decimal.NewFromInt(1)

// Calculator computes VAT amounts from a rate table. The seller's home
// country and VAT number are the only mutable state and may be changed
// while calculations run.
//
// Resolution of the rate for a query:
//
//  1. A business customer outside the home country is reverse charged:
//     the rate is zero and the table is not consulted.
//  2. Otherwise the table resolves the rate from country, postal code,
//     category and date.
type Calculator struct {
	table     *rates.Table
	validator Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu              sync.RWMutex
	businessCountry string
	businessNumber  string
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithBusinessCountry sets the seller's home country.
func WithBusinessCountry(code string) CalculatorOption {
	return func(c *Calculator) { c.businessCountry = strings.ToUpper(code) }
}

// WithBusinessVATNumber sets the seller's VAT number, used as the default
// requester for validations.
func WithBusinessVATNumber(number string) CalculatorOption {
	return func(c *Calculator) { c.businessNumber = number }
}

// WithValidator sets the VAT number validator.
func WithValidator(v Validator) CalculatorOption {
	return func(c *Calculator) { c.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CalculatorOption {
	return func(c *Calculator) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) CalculatorOption {
	return func(c *Calculator) { c.metrics = m }
}

// NewCalculator creates a Calculator over table.
func NewCalculator(table *rates.Table, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		table:  table,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetBusinessCountry changes the seller's home country.
func (c *Calculator) SetBusinessCountry(code string) {
	c.mu.Lock()
	c.businessCountry = strings.ToUpper(code)
	c.mu.Unlock()
}

// SetBusinessVATNumber changes the seller's VAT number.
func (c *Calculator) SetBusinessVATNumber(number string) {
	c.mu.Lock()
	c.businessNumber = number
	c.mu.Unlock()
}

// BusinessCountry returns the seller's home country.
func (c *Calculator) BusinessCountry() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.businessCountry
}

// BusinessVATNumber returns the seller's VAT number.
func (c *Calculator) BusinessVATNumber() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.businessNumber
}

// TaxRate returns the rate a calculation for q would apply.
func (c *Calculator) TaxRate(q Query) decimal.Decimal {
	rate, _ := c.taxRate(q)
	return rate
}

func (c *Calculator) taxRate(q Query) (decimal.Decimal, bool) {
	if q.Business && strings.ToUpper(q.CountryCode) != c.BusinessCountry() {
		return decimal.Zero, true
	}
	return c.table.Rate(q.CountryCode, q.PostalCode, q.Category, q.Date), false
}

// CalculateFromNet adds VAT to a net amount.
func (c *Calculator) CalculateFromNet(net decimal.Decimal, q Query) Result {
	rate, reverseCharge := c.taxRate(q)
	c.metrics.ObserveCalculation(c.countryLabel(q.CountryCode), "net", reverseCharge)

	tax := net.Mul(rate)
	return Result{
		NetAmount:   net,
		GrossAmount: net.Add(tax),
		TaxAmount:   tax,
		TaxRate:     rate,
	}
}

// CalculateFromGross extracts the VAT contained in a gross amount.
func (c *Calculator) CalculateFromGross(gross decimal.Decimal, q Query) Result {
	rate, reverseCharge := c.taxRate(q)
	c.metrics.ObserveCalculation(c.countryLabel(q.CountryCode), "gross", reverseCharge)

	tax := decimal.Zero
	if rate.IsPositive() {
		tax = gross.Div(one.Add(rate)).Mul(rate)
	}
	return Result{
		NetAmount:   gross.Sub(tax),
		GrossAmount: gross,
		TaxAmount:   tax,
		TaxRate:     rate,
	}
}

// countryLabel keeps metric cardinality bounded: codes outside the active
// table are counted as "other".
func (c *Calculator) countryLabel(code string) string {
	if !c.table.ShouldCollectVAT(code) {
		return "other"
	}
	return strings.ToUpper(code)
}

// ShouldCollectVAT reports whether VAT is collected for the country.
func (c *Calculator) ShouldCollectVAT(countryCode string) bool {
	return c.table.ShouldCollectVAT(countryCode)
}

// ShouldCollectEUVAT reports whether the country is an EU (or associated)
// country whose VAT numbers can be validated.
func (c *Calculator) ShouldCollectEUVAT(countryCode string) bool {
	return c.table.ShouldCollectEUVAT(countryCode)
}

// VATDetails validates a VAT number. An empty requester falls back to the
// seller's own VAT number.
func (c *Calculator) VATDetails(ctx context.Context, raw, requester string) (VATDetails, error) {
	number, err := ParseVATNumber(raw)
	if err != nil {
		return VATDetails{}, err
	}
	if !c.ShouldCollectEUVAT(number.CountryCode) {
		return VATDetails{}, &UnsupportedCountryError{CountryCode: number.CountryCode}
	}
	if c.validator == nil {
		return VATDetails{}, fmt.Errorf("%w: no validator configured", ErrValidationServiceUnavailable)
	}

	if requester == "" {
		requester = c.BusinessVATNumber()
	}
	reqCountry, reqNumber := splitRequester(requester)

	details, err := c.validator.Validate(ctx, ValidationRequest{
		CountryCode:          number.CountryCode,
		Number:               number.Number,
		RequesterCountryCode: reqCountry,
		RequesterNumber:      reqNumber,
	})
	if err != nil {
		c.logger.Warn("vat number validation failed", "vat_number", number.String(), "error", err)
		return VATDetails{}, err
	}
	return details, nil
}

// IsValidVATNumber reports whether the validator accepts the VAT number.
func (c *Calculator) IsValidVATNumber(ctx context.Context, raw string) (bool, error) {
	details, err := c.VATDetails(ctx, raw, "")
	if err != nil {
		return false, err
	}
	return details.Valid, nil
}
