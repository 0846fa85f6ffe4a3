package rates

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Clock returns the current time. Tables use it when a lookup does not
// carry a date.
type Clock func() time.Time

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the clock used for undated lookups.
func WithClock(c Clock) Option {
	return func(t *Table) { t.now = c }
}

// WithLogger sets the logger used for activation events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// Table resolves VAT rates by country, postal code, category and date.
// It is safe for concurrent use; activation takes the write lock while
// lookups share the read lock.
type Table struct {
	mu                  sync.RWMutex
	countries           map[string]CountryRates
	optional            map[string]CountryRates
	postalCodes         map[string][]PostalCodeRule
	optionalPostalCodes map[string][]PostalCodeRule
	// activated records codes that entered the active table through
	// ActivateOptionalCountry.
	activated map[string]bool

	now    Clock
	logger *slog.Logger
}

// New builds a Table from a snapshot. Country codes are normalized to upper
// case and effective ranges are ordered newest-first. The snapshot is
// copied, so later changes to it do not affect the table.
func New(snap Snapshot, opts ...Option) (*Table, error) {
	t := &Table{
		countries:           normalizeCountries(snap.Countries),
		optional:            normalizeCountries(snap.Optional),
		postalCodes:         normalizeRules(snap.PostalCodes),
		optionalPostalCodes: normalizeRules(snap.OptionalPostalCodes),
		activated:           make(map[string]bool),
		now:                 time.Now,
		logger:              slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := validate(Snapshot{
		Countries:           t.countries,
		Optional:            t.optional,
		PostalCodes:         t.postalCodes,
		OptionalPostalCodes: t.optionalPostalCodes,
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// Default builds a Table from the embedded snapshot.
func Default(opts ...Option) (*Table, error) {
	snap, err := EmbeddedSnapshot()
	if err != nil {
		return nil, fmt.Errorf("loading embedded snapshot: %w", err)
	}
	return New(snap, opts...)
}

func normalizeCountries(in map[string]CountryRates) map[string]CountryRates {
	out := make(map[string]CountryRates, len(in))
	for code, entry := range in {
		entry = entry.clone()
		sort.SliceStable(entry.Since, func(i, j int) bool {
			return entry.Since[i].From.After(entry.Since[j].From)
		})
		out[strings.ToUpper(code)] = entry
	}
	return out
}

func normalizeRules(in map[string][]PostalCodeRule) map[string][]PostalCodeRule {
	out := make(map[string][]PostalCodeRule, len(in))
	for parent, rules := range in {
		list := make([]PostalCodeRule, len(rules))
		for i, rule := range rules {
			rule.CountryCode = strings.ToUpper(rule.CountryCode)
			list[i] = rule
		}
		out[strings.ToUpper(parent)] = list
	}
	return out
}

// ShouldCollectVAT reports whether the country is in the active table.
func (t *Table) ShouldCollectVAT(countryCode string) bool {
	code := strings.ToUpper(countryCode)

	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.countries[code]
	return ok
}

// ShouldCollectEUVAT reports whether the country is active and part of the
// base EU set, i.e. it was not added through ActivateOptionalCountry.
func (t *Table) ShouldCollectEUVAT(countryCode string) bool {
	code := strings.ToUpper(countryCode)

	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.countries[code]
	return ok && !t.activated[code]
}

// ActivateOptionalCountry moves an optional country, together with its
// optional postal code rules, into the active table. An existing active
// entry for the same code is replaced.
func (t *Table) ActivateOptionalCountry(countryCode string) error {
	code := strings.ToUpper(countryCode)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.optional[code]
	if !ok {
		return &NoRatesDefinedError{CountryCode: code}
	}

	t.countries[code] = entry.clone()
	if rules, ok := t.optionalPostalCodes[code]; ok {
		t.postalCodes[code] = append([]PostalCodeRule(nil), rules...)
	}
	t.activated[code] = true

	t.logger.Info("optional vat country activated", "country_code", code)
	return nil
}

// Replace swaps in the rates of a new snapshot. Optional countries that
// were activated before stay active when the new snapshot still offers
// them; the rest are dropped with a warning.
func (t *Table) Replace(snap Snapshot) error {
	countries := normalizeCountries(snap.Countries)
	optional := normalizeCountries(snap.Optional)
	postalCodes := normalizeRules(snap.PostalCodes)
	optionalPostalCodes := normalizeRules(snap.OptionalPostalCodes)
	if err := validate(Snapshot{
		Countries:           countries,
		Optional:            optional,
		PostalCodes:         postalCodes,
		OptionalPostalCodes: optionalPostalCodes,
	}); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	activated := make(map[string]bool, len(t.activated))
	for code := range t.activated {
		entry, ok := optional[code]
		if !ok {
			t.logger.Warn("activated vat country missing from new snapshot", "country_code", code)
			continue
		}
		countries[code] = entry.clone()
		if rules, ok := optionalPostalCodes[code]; ok {
			postalCodes[code] = append([]PostalCodeRule(nil), rules...)
		}
		activated[code] = true
	}

	t.countries = countries
	t.optional = optional
	t.postalCodes = postalCodes
	t.optionalPostalCodes = optionalPostalCodes
	t.activated = activated
	return nil
}

// Rate returns the rate for a destination. Resolution order:
//  1. The first postal code rule of the country whose pattern matches the
//     postal code wins. A named exception of the target country gives that
//     exception's rate; otherwise the target's flat rate at the date.
//  2. Unknown countries resolve to zero.
//  3. Effective ranges select the band in force at the date. A date before
//     every band resolves to zero.
//  4. A category other than General selects from the band's category
//     rates, zero when absent; General returns the flat rate.
//
// An empty postal code skips step 1 and a zero date means now.
func (t *Table) Rate(countryCode, postalCode string, category Category, at time.Time) decimal.Decimal {
	code := strings.ToUpper(countryCode)
	if at.IsZero() {
		at = t.now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if postalCode != "" {
		for _, rule := range t.postalCodes[code] {
			if rule.Pattern.MatchString(postalCode) {
				return t.ruleRate(rule, category, at)
			}
		}
	}

	entry, ok := t.countries[code]
	if !ok {
		return decimal.Zero
	}

	rate, categories, ok := entry.At(at)
	if !ok {
		return decimal.Zero
	}
	if category == General {
		return rate
	}
	if r, ok := categories[category]; ok {
		return r
	}
	return decimal.Zero
}

// ruleRate must be called with t.mu held.
func (t *Table) ruleRate(rule PostalCodeRule, category Category, at time.Time) decimal.Decimal {
	target, ok := t.countries[rule.CountryCode]
	if !ok {
		return decimal.Zero
	}
	if rule.Exception != "" {
		if exc, ok := target.Exceptions[rule.Exception]; ok {
			return exc.rate(category)
		}
	}
	rate, _, _ := target.At(at)
	return rate
}

// AllKnownRates lists every distinct rate an active country can produce:
// the flat rate, category rates, exception rates and effective range rates,
// in that order. Unknown countries yield an empty slice.
func (t *Table) AllKnownRates(countryCode string) []decimal.Decimal {
	code := strings.ToUpper(countryCode)

	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.countries[code]
	if !ok {
		return []decimal.Decimal{}
	}

	var out []decimal.Decimal
	add := func(r decimal.Decimal) {
		for _, seen := range out {
			if seen.Equal(r) {
				return
			}
		}
		out = append(out, r)
	}
	addCategories := func(m map[Category]decimal.Decimal) {
		for _, cat := range sortedCategories(m) {
			add(m[cat])
		}
	}

	add(entry.Rate)
	addCategories(entry.Categories)

	names := make([]string, 0, len(entry.Exceptions))
	for name := range entry.Exceptions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		exc := entry.Exceptions[name]
		if exc.Categories == nil {
			add(exc.Rate)
			continue
		}
		addCategories(exc.Categories)
	}

	for _, band := range entry.Since {
		add(band.Rate)
		addCategories(band.Categories)
	}
	return out
}

var categoryOrder = map[Category]int{
	Standard:      0,
	Reduced:       1,
	ReducedSecond: 2,
	SuperReduced:  3,
	Parking:       4,
}

func sortedCategories(m map[Category]decimal.Decimal) []Category {
	cats := make([]Category, 0, len(m))
	for cat := range m {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		return categoryOrder[cats[i]] < categoryOrder[cats[j]]
	})
	return cats
}

// Countries returns the sorted codes of the active countries.
func (t *Table) Countries() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.countries)
}

// OptionalCountries returns the sorted codes of the optional countries,
// activated or not.
func (t *Table) OptionalCountries() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedKeys(t.optional)
}

// Country returns a copy of an active country's entry.
func (t *Table) Country(countryCode string) (CountryRates, bool) {
	code := strings.ToUpper(countryCode)

	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.countries[code]
	if !ok {
		return CountryRates{}, false
	}
	return entry.clone(), true
}

// Now returns the table clock's current time.
func (t *Table) Now() time.Time {
	return t.now()
}

func sortedKeys(m map[string]CountryRates) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
