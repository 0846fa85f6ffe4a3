package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vatcalc"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so packages can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	calculations       *prometheus.CounterVec
	validations        *prometheus.CounterVec
	validationDuration prometheus.Histogram
	geoLookups         *prometheus.CounterVec
	snapshotReloads    *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculations_total",
			Help:      "VAT calculations by destination country, direction and reverse charge.",
		}, []string{"country", "direction", "reverse_charge"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vat_number_validations_total",
			Help:      "VAT number validations by outcome.",
		}, []string{"outcome"}),
		validationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vies_request_duration_seconds",
			Help:      "Latency of VIES SOAP requests.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		geoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_lookups_total",
			Help:      "IP geolocation lookups by outcome.",
		}, []string{"outcome"}),
		snapshotReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_snapshot_reloads_total",
			Help:      "Rate snapshot reloads by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.calculations,
		m.validations,
		m.validationDuration,
		m.geoLookups,
		m.snapshotReloads,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCalculation counts one calculation. direction is "net" or "gross".
func (m *Metrics) ObserveCalculation(country, direction string, reverseCharge bool) {
	if m == nil {
		return
	}
	m.calculations.WithLabelValues(country, direction, strconv.FormatBool(reverseCharge)).Inc()
}

// ObserveValidation counts one VAT number validation outcome, e.g. "valid",
// "invalid", "unavailable" or "cached".
func (m *Metrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

// ObserveVIESRequest records the duration of one VIES round trip.
func (m *Metrics) ObserveVIESRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.validationDuration.Observe(d.Seconds())
}

// ObserveGeoLookup counts one geolocation outcome: "found", "not_found",
// "cached" or "error".
func (m *Metrics) ObserveGeoLookup(outcome string) {
	if m == nil {
		return
	}
	m.geoLookups.WithLabelValues(outcome).Inc()
}

// ObserveSnapshotReload counts one reload: "ok", "invalid" or "error".
func (m *Metrics) ObserveSnapshotReload(outcome string) {
	if m == nil {
		return
	}
	m.snapshotReloads.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
