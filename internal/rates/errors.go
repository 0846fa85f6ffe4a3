package rates

import (
	"errors"
	"fmt"
)

// ErrNoRatesDefined is matched by errors returned when a country has no
// optional rates to activate.
var ErrNoRatesDefined = errors.New("no vat rates defined for country")

// NoRatesDefinedError reports the country code that could not be activated.
type NoRatesDefinedError struct {
	CountryCode string
}

func (e *NoRatesDefinedError) Error() string {
	return fmt.Sprintf("no vat rates defined for country %q", e.CountryCode)
}

func (e *NoRatesDefinedError) Unwrap() error {
	return ErrNoRatesDefined
}
