package rates

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category selects a rate class within a country. The zero value, General,
// means no category was requested and the country's flat rate applies.
type Category string

const (
	General       Category = ""
	Standard      Category = "standard"
	Reduced       Category = "reduced"
	ReducedSecond Category = "reduced_second"
	SuperReduced  Category = "super_reduced"
	Parking       Category = "parking"

	// Two-tier names used by countries that publish a high and a low rate.
	High = Standard
	Low  = Reduced
)

var knownCategories = map[string]Category{
	"":               General,
	"general":        General,
	"standard":       Standard,
	"high":           High,
	"reduced":        Reduced,
	"low":            Low,
	"reduced_second": ReducedSecond,
	"super_reduced":  SuperReduced,
	"parking":        Parking,
}

// ParseCategory parses a category name, case-insensitively. The empty string
// parses to General.
func ParseCategory(s string) (Category, error) {
	c, ok := knownCategories[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return General, fmt.Errorf("unknown rate category %q", s)
	}
	return c, nil
}

func (c Category) String() string {
	if c == General {
		return "general"
	}
	return string(c)
}

// ExceptionRate is the rate of a named territory inside a country. It is
// either flat (Categories is nil) or defined per category.
type ExceptionRate struct {
	Rate       decimal.Decimal
	Categories map[Category]decimal.Decimal
}

// rate resolves the exception for a category. A per-category exception
// answers General with its standard entry and anything missing with zero.
func (e ExceptionRate) rate(category Category) decimal.Decimal {
	if e.Categories == nil {
		return e.Rate
	}
	if category == General {
		category = Standard
	}
	if r, ok := e.Categories[category]; ok {
		return r
	}
	return decimal.Zero
}

// EffectiveRange is a band of rates in force from a given instant until
// the next newer band starts.
type EffectiveRange struct {
	From       time.Time
	Rate       decimal.Decimal
	Categories map[Category]decimal.Decimal
}

// CountryRates is the rate entry of one country.
type CountryRates struct {
	Name       string
	Rate       decimal.Decimal
	Categories map[Category]decimal.Decimal
	Exceptions map[string]ExceptionRate
	// Since is ordered newest-first.
	Since []EffectiveRange
}

// At returns the flat rate and category rates in force at t. ok is false
// when the entry has effective ranges and t predates all of them.
func (c CountryRates) At(t time.Time) (decimal.Decimal, map[Category]decimal.Decimal, bool) {
	if len(c.Since) == 0 {
		return c.Rate, c.Categories, true
	}
	for _, band := range c.Since {
		if !band.From.After(t) {
			return band.Rate, band.Categories, true
		}
	}
	return decimal.Zero, nil, false
}

func (c CountryRates) clone() CountryRates {
	out := CountryRates{
		Name:       c.Name,
		Rate:       c.Rate,
		Categories: cloneCategories(c.Categories),
	}
	if c.Exceptions != nil {
		out.Exceptions = make(map[string]ExceptionRate, len(c.Exceptions))
		for name, exc := range c.Exceptions {
			out.Exceptions[name] = ExceptionRate{Rate: exc.Rate, Categories: cloneCategories(exc.Categories)}
		}
	}
	if c.Since != nil {
		out.Since = make([]EffectiveRange, len(c.Since))
		for i, band := range c.Since {
			out.Since[i] = EffectiveRange{From: band.From, Rate: band.Rate, Categories: cloneCategories(band.Categories)}
		}
	}
	return out
}

func cloneCategories(m map[Category]decimal.Decimal) map[Category]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[Category]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PostalCodeRule redirects a postal code of its parent country to the rates
// of CountryCode, optionally to one of that country's named exceptions.
type PostalCodeRule struct {
	Pattern *regexp.Regexp
	// City is carried from the data file but not evaluated.
	City        *regexp.Regexp
	CountryCode string
	Exception   string
}

// Snapshot is the full rate dataset a Table is built from.
type Snapshot struct {
	Countries           map[string]CountryRates
	Optional            map[string]CountryRates
	PostalCodes         map[string][]PostalCodeRule
	OptionalPostalCodes map[string][]PostalCodeRule
}
