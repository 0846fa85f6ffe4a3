package vat

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forgecommerce/vatcalc/internal/rates"
)

// Query describes the destination of a sale.
type Query struct {
	CountryCode string
	// PostalCode is optional; empty means not supplied.
	PostalCode string
	// Business marks the customer as a VAT-registered business.
	Business bool
	Category rates.Category
	// Date selects historical rates; the zero value means now.
	Date time.Time
}

// Result is the outcome of a calculation. Amounts are not rounded.
type Result struct {
	NetAmount   decimal.Decimal
	GrossAmount decimal.Decimal
	TaxAmount   decimal.Decimal
	TaxRate     decimal.Decimal
}

// ValidationRequest identifies the VAT number to check and, optionally, the
// requester on whose behalf the check is made.
type ValidationRequest struct {
	CountryCode          string
	Number               string
	RequesterCountryCode string
	RequesterNumber      string
}

// VATDetails is the validator's answer for a VAT number.
type VATDetails struct {
	Valid       bool   `json:"valid"`
	CountryCode string `json:"country_code"`
	VATNumber   string `json:"vat_number"`
	// RequestID is the consultation number issued by VIES when a requester
	// was supplied.
	RequestID string `json:"request_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Validator checks VAT numbers against an authority. Implementations report
// transport and service failures with errors matching
// ErrValidationServiceUnavailable.
type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (VATDetails, error)
}

// ValidationCache stores validator answers keyed by the full VAT number
// (country prefix included). Get reports false on a miss.
type ValidationCache interface {
	Get(ctx context.Context, vatNumber string) (VATDetails, bool, error)
	Put(ctx context.Context, details VATDetails) error
}
