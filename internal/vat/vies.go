package vat

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/forgecommerce/vatcalc/internal/metrics"
)

// DefaultVIESEndpoint is the European Commission's VIES SOAP service.
const DefaultVIESEndpoint = "https://ec.europa.eu/taxation_customs/vies/services/checkVatService"

// VIESClient validates EU VAT numbers with the VIES checkVatApprox
// operation. Answers may be cached; cache failures are logged and do not
// fail the validation.
type VIESClient struct {
	endpoint string
	client   *http.Client
	cache    ValidationCache
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewVIESClient creates a VIES client. An empty endpoint selects the public
// service; cache and m may be nil.
func NewVIESClient(endpoint string, timeout time.Duration, cache ValidationCache, logger *slog.Logger, m *metrics.Metrics) *VIESClient {
	if endpoint == "" {
		endpoint = DefaultVIESEndpoint
	}
	return &VIESClient{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
		cache:   cache,
		logger:  logger,
		metrics: m,
	}
}

// viesSOAPEnvelope is the checkVatApprox request. The last %s holds the
// optional requester elements.
const viesSOAPEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"
                  xmlns:urn="urn:ec.europa.eu:taxud:vies:services:checkVat:types">
  <soapenv:Body>
    <urn:checkVatApprox>
      <urn:countryCode>%s</urn:countryCode>
      <urn:vatNumber>%s</urn:vatNumber>%s
    </urn:checkVatApprox>
  </soapenv:Body>
</soapenv:Envelope>`

const viesRequesterElements = `
      <urn:requesterCountryCode>%s</urn:requesterCountryCode>
      <urn:requesterVatNumber>%s</urn:requesterVatNumber>`

// viesSOAPResponse covers both a checkVatApprox answer and a SOAP fault.
type viesSOAPResponse struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault *struct {
			Code   string `xml:"faultcode"`
			String string `xml:"faultstring"`
		} `xml:"Fault"`
		CheckVatApproxResponse struct {
			CountryCode       string `xml:"countryCode"`
			VATNumber         string `xml:"vatNumber"`
			RequestDate       string `xml:"requestDate"`
			Valid             bool   `xml:"valid"`
			TraderName        string `xml:"traderName"`
			TraderAddress     string `xml:"traderAddress"`
			RequestIdentifier string `xml:"requestIdentifier"`
		} `xml:"checkVatApproxResponse"`
	} `xml:"Body"`
}

// Validate checks a VAT number against VIES. Requests without a requester
// may be answered from the cache; requests with one always go to VIES so
// the answer carries a fresh consultation number.
func (c *VIESClient) Validate(ctx context.Context, req ValidationRequest) (VATDetails, error) {
	req.CountryCode = strings.ToUpper(req.CountryCode)
	full := req.CountryCode + req.Number

	if c.cache != nil && !req.hasRequester() {
		cached, ok, err := c.cache.Get(ctx, full)
		switch {
		case err != nil:
			c.logger.Warn("vies cache lookup failed", "vat_number", full, "error", err)
		case ok:
			c.logger.Debug("vies cache hit", "vat_number", full, "valid", cached.Valid)
			c.metrics.ObserveValidation("cached")
			return cached, nil
		}
	}

	c.logger.Info("vies live validation", "country", req.CountryCode, "number", req.Number)

	start := time.Now()
	details, err := c.callVIES(ctx, req)
	c.metrics.ObserveVIESRequest(time.Since(start))
	if err != nil {
		c.metrics.ObserveValidation("unavailable")
		return VATDetails{}, fmt.Errorf("%w: validating %s: %w", ErrValidationServiceUnavailable, full, err)
	}

	if details.Valid {
		c.metrics.ObserveValidation("valid")
	} else {
		c.metrics.ObserveValidation("invalid")
	}

	if c.cache != nil {
		if cacheErr := c.cache.Put(ctx, details); cacheErr != nil {
			c.logger.Warn("failed to cache vies result", "error", cacheErr, "vat_number", full)
		}
	}

	return details, nil
}

// callVIES performs the SOAP round trip.
func (c *VIESClient) callVIES(ctx context.Context, req ValidationRequest) (VATDetails, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(buildSOAPEnvelope(req)))
	if err != nil {
		return VATDetails{}, fmt.Errorf("creating vies request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")
	httpReq.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return VATDetails{}, fmt.Errorf("calling vies service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return VATDetails{}, fmt.Errorf("reading vies response: %w", err)
	}

	// Faults arrive with HTTP 500, so the body is decoded before the
	// status is judged.
	var soapResp viesSOAPResponse
	decodeErr := xml.Unmarshal(body, &soapResp)
	if decodeErr == nil && soapResp.Body.Fault != nil {
		return VATDetails{}, fmt.Errorf("vies fault %s: %s", soapResp.Body.Fault.Code, strings.TrimSpace(soapResp.Body.Fault.String))
	}
	if resp.StatusCode != http.StatusOK {
		return VATDetails{}, fmt.Errorf("vies returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	if decodeErr != nil {
		return VATDetails{}, fmt.Errorf("parsing vies response XML: %w", decodeErr)
	}

	data := soapResp.Body.CheckVatApproxResponse
	details := VATDetails{
		Valid:       data.Valid,
		CountryCode: strings.TrimSpace(data.CountryCode),
		VATNumber:   strings.TrimSpace(data.VATNumber),
		RequestID:   strings.TrimSpace(data.RequestIdentifier),
		Name:        cleanTraderField(data.TraderName),
		Address:     cleanTraderField(data.TraderAddress),
	}
	if details.CountryCode == "" {
		details.CountryCode = req.CountryCode
	}
	if details.VATNumber == "" {
		details.VATNumber = req.Number
	}
	return details, nil
}

// cleanTraderField drops the "---" placeholder VIES uses for undisclosed
// trader data.
func cleanTraderField(s string) string {
	s = strings.TrimSpace(s)
	if s == "---" {
		return ""
	}
	return s
}

// hasRequester reports whether the request identifies a requester fully
// enough for VIES to issue a consultation number.
func (r ValidationRequest) hasRequester() bool {
	return r.RequesterCountryCode != "" && r.RequesterNumber != ""
}

func buildSOAPEnvelope(req ValidationRequest) string {
	requester := ""
	if req.hasRequester() {
		requester = fmt.Sprintf(viesRequesterElements, escapeXML(req.RequesterCountryCode), escapeXML(req.RequesterNumber))
	}
	return fmt.Sprintf(viesSOAPEnvelope, escapeXML(req.CountryCode), escapeXML(req.Number), requester)
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
