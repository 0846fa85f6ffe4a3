package main

import (
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/forgecommerce/vatcalc/internal/config"
	apihandlers "github.com/forgecommerce/vatcalc/internal/handlers/api"
	"github.com/forgecommerce/vatcalc/internal/metrics"
	"github.com/forgecommerce/vatcalc/internal/middleware"
)

// newAPIHandler mounts the API routes and wraps them in the middleware
// stack, outermost last.
func newAPIHandler(cfg *config.Config, vatHandler *apihandlers.VATHandler, m *metrics.Metrics, trusted []netip.Prefix, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	vatHandler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", m.Handler())

	var h http.Handler = mux
	h = middleware.RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)(h)
	h = middleware.CORS(cfg.CORSOrigin)(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.Metrics(m)(h)
	h = middleware.Recover(logger)(h)
	h = middleware.RequestLogger(logger)(h)
	h = middleware.RealIP(trusted)(h)
	h = middleware.RequestID(h)
	return h
}
