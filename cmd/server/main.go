package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgecommerce/vatcalc/internal/cache"
	"github.com/forgecommerce/vatcalc/internal/config"
	"github.com/forgecommerce/vatcalc/internal/database"
	"github.com/forgecommerce/vatcalc/internal/geo"
	apihandlers "github.com/forgecommerce/vatcalc/internal/handlers/api"
	"github.com/forgecommerce/vatcalc/internal/metrics"
	"github.com/forgecommerce/vatcalc/internal/middleware"
	"github.com/forgecommerce/vatcalc/internal/rates"
	"github.com/forgecommerce/vatcalc/internal/storage"
	"github.com/forgecommerce/vatcalc/internal/vat"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	m := metrics.New()

	// Rate table
	s3cfg := storage.S3Config{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	}
	table, err := rates.Open(ctx, cfg.VAT.RatesSource, s3cfg, rates.WithLogger(logger))
	if err != nil {
		slog.Error("failed to load rate table", "error", err, "source", cfg.VAT.RatesSource)
		os.Exit(1)
	}
	for _, code := range cfg.VAT.OptionalCountries {
		if err := table.ActivateOptionalCountry(code); err != nil {
			slog.Error("failed to activate optional country", "error", err, "country", code)
			os.Exit(1)
		}
	}

	slog.Info("rate table loaded", "countries", len(table.Countries()))

	var reloader *rates.Reloader
	if cfg.VAT.RatesSource != "" && cfg.VAT.RatesReload > 0 {
		reloader = rates.NewReloader(table, func(ctx context.Context) (rates.Snapshot, error) {
			return rates.ReadSnapshot(ctx, cfg.VAT.RatesSource, s3cfg)
		}, cfg.VAT.RatesReload, logger, m)
		reloader.Start()
	}

	// Redis is shared by the geolocation cache and, optionally, the
	// validation cache. Without it both run uncached.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewClient(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			if cfg.VAT.VIESCache == "redis" {
				slog.Error("failed to connect to redis", "error", err)
				os.Exit(1)
			}
			slog.Warn("redis unavailable, caching disabled", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			slog.Info("redis connected")
		}
	}

	// VIES validation cache
	var validationCache vat.ValidationCache
	switch cfg.VAT.VIESCache {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.Migrate(cfg.DatabaseURL); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected, migrations complete")
		validationCache = vat.NewPostgresValidationCache(pool, cfg.VAT.VIESCacheTTL)
	case "redis":
		validationCache = vat.NewRedisValidationCache(cache.New(redisClient, "vatcalc:vies:", cfg.VAT.VIESCacheTTL))
	}

	viesClient := vat.NewVIESClient(cfg.VAT.VIESEndpoint, cfg.VAT.VIESTimeout, validationCache, logger, m)
	calc := vat.NewCalculator(table,
		vat.WithBusinessCountry(cfg.VAT.BusinessCountry),
		vat.WithBusinessVATNumber(cfg.VAT.BusinessVATNumber),
		vat.WithValidator(viesClient),
		vat.WithLogger(logger),
		vat.WithMetrics(m),
	)

	var geoCache *cache.Store
	if redisClient != nil {
		geoCache = cache.New(redisClient, "vatcalc:geo:", cfg.Geo.CacheTTL)
	}
	locator := geo.NewLocator(cfg.Geo.Endpoint, cfg.Geo.Timeout, geoCache, logger, m)

	trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		slog.Error("invalid TRUSTED_PROXIES", "error", err)
		os.Exit(1)
	}
	apiChain := newAPIHandler(cfg, apihandlers.NewVATHandler(calc, table, locator, logger), m, trusted, logger)

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      apiChain,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "port", cfg.Port, "business_country", calc.BusinessCountry())
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown error", "error", err)
	}
	if reloader != nil {
		reloader.Stop()
	}

	slog.Info("server stopped")
}
