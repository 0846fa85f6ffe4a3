package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/forgecommerce/vatcalc/internal/cache"
	"github.com/forgecommerce/vatcalc/internal/metrics"
)

// DefaultEndpoint is the ip2c.org lookup service. The IP address is
// appended to it.
const DefaultEndpoint = "https://ip2c.org/"

// ErrNotFound is returned when an address cannot be mapped to a country.
var ErrNotFound = errors.New("country not found for ip address")

// Locator maps IP addresses to ISO 3166-1 alpha-2 country codes using an
// ip2c-compatible service. Positive answers may be cached.
type Locator struct {
	endpoint string
	client   *http.Client
	cache    *cache.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewLocator creates a Locator. An empty endpoint selects ip2c.org; store
// and m may be nil.
func NewLocator(endpoint string, timeout time.Duration, store *cache.Store, logger *slog.Logger, m *metrics.Metrics) *Locator {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Locator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		cache:    store,
		logger:   logger,
		metrics:  m,
	}
}

// Lookup returns the country code for ip. Empty or malformed addresses
// yield ErrNotFound without contacting the service.
func (l *Locator) Lookup(ctx context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		l.metrics.ObserveGeoLookup("not_found")
		return "", ErrNotFound
	}
	key := addr.Unmap().String()

	if l.cache != nil {
		var code string
		ok, err := l.cache.Get(ctx, key, &code)
		switch {
		case err != nil:
			l.logger.Warn("geo cache lookup failed", "ip", key, "error", err)
		case ok:
			l.metrics.ObserveGeoLookup("cached")
			return code, nil
		}
	}

	code, err := l.query(ctx, key)
	if errors.Is(err, ErrNotFound) {
		l.metrics.ObserveGeoLookup("not_found")
		return "", err
	}
	if err != nil {
		l.metrics.ObserveGeoLookup("error")
		return "", err
	}
	l.metrics.ObserveGeoLookup("found")

	if l.cache != nil {
		if err := l.cache.Set(ctx, key, code); err != nil {
			l.logger.Warn("failed to cache geo result", "ip", key, "error", err)
		}
	}
	return code, nil
}

func (l *Locator) query(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint+ip, nil)
	if err != nil {
		return "", fmt.Errorf("creating geolocation request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling geolocation service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("reading geolocation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geolocation service returned HTTP %d", resp.StatusCode)
	}

	return parseAnswer(string(body))
}

// parseAnswer decodes "1;DE;DEU;Germany". A leading 0 means the request
// was malformed and 2 that the address is unknown; both are not-found.
func parseAnswer(body string) (string, error) {
	fields := strings.Split(strings.TrimSpace(body), ";")
	switch fields[0] {
	case "1":
		if len(fields) < 2 || len(fields[1]) != 2 {
			return "", fmt.Errorf("unexpected geolocation answer %q", body)
		}
		return strings.ToUpper(fields[1]), nil
	case "0", "2":
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("unexpected geolocation answer %q", body)
	}
}
