package vat

import (
	"strings"
)

// VATNumber is a cleaned VAT identifier split into its two-letter country
// prefix and the local number.
type VATNumber struct {
	CountryCode string
	Number      string
}

func (n VATNumber) String() string {
	return n.CountryCode + n.Number
}

// separators are removed from raw identifiers before parsing. The bare 0xA0
// byte is the Latin-1 non-breaking space.
var separators = strings.NewReplacer(
	" ", "",
	"\u00a0", "",
	"\xa0", "",
	"-", "",
	".", "",
	",", "",
)

// ParseVATNumber cleans a raw VAT identifier and splits it. Spaces,
// non-breaking spaces, hyphens, dots and commas are removed. The country
// prefix is upper-cased; the local number may only contain characters
// accepted by VIES: [0-9A-Za-z+*.].
func ParseVATNumber(raw string) (VATNumber, error) {
	cleaned := separators.Replace(strings.TrimSpace(raw))
	if len(cleaned) < 3 {
		return VATNumber{}, ErrVATNumberTooShort
	}

	var invalid []InvalidByte
	for i := 2; i < len(cleaned); i++ {
		if !isVATNumberByte(cleaned[i]) {
			invalid = append(invalid, InvalidByte{Char: cleaned[i], Offset: i})
		}
	}
	if len(invalid) > 0 {
		return VATNumber{}, &InvalidCharacterError{VATNumber: cleaned, Invalid: invalid}
	}

	return VATNumber{
		CountryCode: strings.ToUpper(cleaned[:2]),
		Number:      cleaned[2:],
	}, nil
}

func isVATNumberByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z':
		return true
	case b == '+', b == '*', b == '.':
		return true
	}
	return false
}

// splitRequester splits a requester VAT number into prefix and local part.
// Identifiers shorter than a prefix yield empty strings.
func splitRequester(vatNumber string) (string, string) {
	cleaned := separators.Replace(strings.TrimSpace(vatNumber))
	if len(cleaned) < 2 {
		return "", ""
	}
	return strings.ToUpper(cleaned[:2]), cleaned[2:]
}
