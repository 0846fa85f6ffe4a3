package vat

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidationServiceUnavailable is matched by every transport or
	// service failure of the VAT number validator.
	ErrValidationServiceUnavailable = errors.New("vat number validation service unavailable")

	// ErrVATNumberTooShort is returned for identifiers without room for a
	// country prefix and a local number.
	ErrVATNumberTooShort = errors.New("vat number too short")

	// ErrUnsupportedCountry is matched by UnsupportedCountryError.
	ErrUnsupportedCountry = errors.New("unsupported country")

	// ErrInvalidCharacter is matched by InvalidCharacterError.
	ErrInvalidCharacter = errors.New("invalid character in vat number")
)

// InvalidByte is one offending byte of a VAT number and its offset in the
// cleaned identifier.
type InvalidByte struct {
	Char   byte
	Offset int
}

// InvalidCharacterError lists every byte of the local number that is not
// allowed in a VAT number.
type InvalidCharacterError struct {
	VATNumber string
	Invalid   []InvalidByte
}

func (e *InvalidCharacterError) Error() string {
	parts := make([]string, len(e.Invalid))
	for i, b := range e.Invalid {
		parts[i] = fmt.Sprintf("%q (0x%02x) at offset %d", b.Char, b.Char, b.Offset)
	}
	return fmt.Sprintf("vat number %q contains invalid characters: %s", e.VATNumber, strings.Join(parts, ", "))
}

func (e *InvalidCharacterError) Unwrap() error {
	return ErrInvalidCharacter
}

// UnsupportedCountryError is returned when a VAT number's country prefix is
// not one the validator can check.
type UnsupportedCountryError struct {
	CountryCode string
}

func (e *UnsupportedCountryError) Error() string {
	return fmt.Sprintf("unsupported or non-EU country %q", e.CountryCode)
}

func (e *UnsupportedCountryError) Unwrap() error {
	return ErrUnsupportedCountry
}
