package rates

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed data/rates.yaml
var embeddedSnapshot []byte

// EmbeddedSnapshot returns the rate snapshot compiled into the binary.
func EmbeddedSnapshot() (Snapshot, error) {
	return Load(bytes.NewReader(embeddedSnapshot))
}

// Load parses a YAML rate snapshot.
func Load(r io.Reader) (Snapshot, error) {
	var file fileSnapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return Snapshot{}, errors.New("parsing rate snapshot: empty document")
		}
		return Snapshot{}, fmt.Errorf("parsing rate snapshot: %w", err)
	}

	snap, err := file.snapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing rate snapshot: %w", err)
	}
	if err := validate(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

type fileSnapshot struct {
	Countries           map[string]fileCountry `yaml:"countries"`
	Optional            map[string]fileCountry `yaml:"optional"`
	PostalCodes         map[string][]fileRule  `yaml:"postal_codes"`
	OptionalPostalCodes map[string][]fileRule  `yaml:"optional_postal_codes"`
}

type fileCountry struct {
	Name       string                   `yaml:"name"`
	Rate       *fileRate                `yaml:"rate"`
	Rates      map[string]fileRate      `yaml:"rates"`
	Exceptions map[string]fileException `yaml:"exceptions"`
	Since      []fileRange              `yaml:"since"`
}

type fileRange struct {
	From  *fileTime           `yaml:"from"`
	Rate  *fileRate           `yaml:"rate"`
	Rates map[string]fileRate `yaml:"rates"`
}

type fileRule struct {
	Pattern   string `yaml:"pattern"`
	City      string `yaml:"city"`
	Country   string `yaml:"country"`
	Exception string `yaml:"exception"`
}

// fileRate keeps decimals exact by parsing the scalar text instead of
// going through float64.
type fileRate struct {
	value decimal.Decimal
}

func (r *fileRate) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rate must be a number", n.Line)
	}
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid rate %q: %w", n.Line, n.Value, err)
	}
	r.value = d
	return nil
}

// fileException is either a scalar rate or a category -> rate mapping.
type fileException struct {
	flat       *decimal.Decimal
	categories map[string]fileRate
	line       int
}

func (e *fileException) UnmarshalYAML(n *yaml.Node) error {
	e.line = n.Line
	switch n.Kind {
	case yaml.ScalarNode:
		var r fileRate
		if err := r.UnmarshalYAML(n); err != nil {
			return err
		}
		e.flat = &r.value
		return nil
	case yaml.MappingNode:
		return n.Decode(&e.categories)
	default:
		return fmt.Errorf("line %d: exception must be a rate or a category mapping", n.Line)
	}
}

type fileTime struct {
	value time.Time
}

func (t *fileTime) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: timestamp must be a scalar", n.Line)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, n.Value); err == nil {
			t.value = parsed
			return nil
		}
	}
	return fmt.Errorf("line %d: invalid timestamp %q", n.Line, n.Value)
}

func (f fileSnapshot) snapshot() (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Countries, err = convertCountries(f.Countries); err != nil {
		return Snapshot{}, err
	}
	if snap.Optional, err = convertCountries(f.Optional); err != nil {
		return Snapshot{}, err
	}
	if snap.PostalCodes, err = convertRules(f.PostalCodes); err != nil {
		return Snapshot{}, err
	}
	if snap.OptionalPostalCodes, err = convertRules(f.OptionalPostalCodes); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func convertCountries(in map[string]fileCountry) (map[string]CountryRates, error) {
	out := make(map[string]CountryRates, len(in))
	for code, fc := range in {
		code = strings.ToUpper(code)
		if fc.Rate == nil {
			return nil, fmt.Errorf("country %s: missing rate", code)
		}

		entry := CountryRates{Name: fc.Name, Rate: fc.Rate.value}

		cats, err := convertCategories(fc.Rates)
		if err != nil {
			return nil, fmt.Errorf("country %s: %w", code, err)
		}
		entry.Categories = cats

		if len(fc.Exceptions) > 0 {
			entry.Exceptions = make(map[string]ExceptionRate, len(fc.Exceptions))
			for name, fe := range fc.Exceptions {
				if fe.flat != nil {
					entry.Exceptions[name] = ExceptionRate{Rate: *fe.flat}
					continue
				}
				cats, err := convertCategories(fe.categories)
				if err != nil {
					return nil, fmt.Errorf("country %s: exception %q: %w", code, name, err)
				}
				if cats == nil {
					cats = map[Category]decimal.Decimal{}
				}
				entry.Exceptions[name] = ExceptionRate{Categories: cats}
			}
		}

		for i, fr := range fc.Since {
			if fr.From == nil {
				return nil, fmt.Errorf("country %s: since[%d]: missing from", code, i)
			}
			if fr.Rate == nil {
				return nil, fmt.Errorf("country %s: since[%d]: missing rate", code, i)
			}
			cats, err := convertCategories(fr.Rates)
			if err != nil {
				return nil, fmt.Errorf("country %s: since[%d]: %w", code, i, err)
			}
			entry.Since = append(entry.Since, EffectiveRange{
				From:       fr.From.value,
				Rate:       fr.Rate.value,
				Categories: cats,
			})
		}

		out[code] = entry
	}
	return out, nil
}

func convertCategories(in map[string]fileRate) (map[Category]decimal.Decimal, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[Category]decimal.Decimal, len(in))
	for key, r := range in {
		cat, err := ParseCategory(key)
		if err != nil || cat == General {
			return nil, fmt.Errorf("unknown rate category %q", key)
		}
		out[cat] = r.value
	}
	return out, nil
}

func convertRules(in map[string][]fileRule) (map[string][]PostalCodeRule, error) {
	out := make(map[string][]PostalCodeRule, len(in))
	for parent, rules := range in {
		parent = strings.ToUpper(parent)
		converted := make([]PostalCodeRule, 0, len(rules))
		for i, fr := range rules {
			pattern, err := regexp.Compile(fr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("postal rule %s[%d]: pattern: %w", parent, i, err)
			}
			rule := PostalCodeRule{
				Pattern:     pattern,
				CountryCode: strings.ToUpper(fr.Country),
				Exception:   fr.Exception,
			}
			if fr.City != "" {
				if rule.City, err = regexp.Compile(fr.City); err != nil {
					return nil, fmt.Errorf("postal rule %s[%d]: city: %w", parent, i, err)
				}
			}
			converted = append(converted, rule)
		}
		out[parent] = converted
	}
	return out, nil
}

// validate checks that every postal rule has a pattern and points at a
// country defined in one of the tables.
func validate(s Snapshot) error {
	check := func(rules map[string][]PostalCodeRule) error {
		for parent, list := range rules {
			for i, rule := range list {
				if rule.Pattern == nil {
					return fmt.Errorf("postal rule %s[%d]: missing pattern", parent, i)
				}
				code := strings.ToUpper(rule.CountryCode)
				_, active := s.Countries[code]
				_, optional := s.Optional[code]
				if !active && !optional {
					return fmt.Errorf("postal rule %s[%d]: target country %q is not defined", parent, i, rule.CountryCode)
				}
			}
		}
		return nil
	}
	if err := check(s.PostalCodes); err != nil {
		return err
	}
	return check(s.OptionalPostalCodes)
}
