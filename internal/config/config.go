package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port       int
	LogLevel   string
	CORSOrigin string // empty disables CORS headers
	// TrustedProxies lists the CIDRs or IPs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the peer address is the
	// client.
	TrustedProxies []string

	DatabaseURL string

	Redis RedisConfig
	S3    S3Config

	VAT       VATConfig
	Geo       GeoConfig
	RateLimit RateLimitConfig
}

// VATConfig holds the merchant identity and the validator settings.
type VATConfig struct {
	BusinessCountry   string
	BusinessVATNumber string
	OptionalCountries []string // activated at startup, e.g. "CH,NO"
	RatesSource       string   // path or s3://bucket/key, empty for the embedded snapshot
	// RatesReload re-reads RatesSource at this interval; zero disables it.
	RatesReload time.Duration

	VIESEndpoint string
	VIESTimeout  time.Duration
	VIESCacheTTL time.Duration
	VIESCache    string // "none", "postgres" or "redis"
}

type GeoConfig struct {
	Endpoint string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// S3Config holds settings for S3-compatible object storage (CEPH, MinIO, AWS).
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real env vars win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		CORSOrigin:     getEnv("CORS_ALLOWED_ORIGIN", ""),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},

		S3: S3Config{
			Endpoint:       getEnv("S3_ENDPOINT", ""),
			Region:         getEnv("S3_REGION", "us-east-1"),
			AccessKey:      getEnv("S3_ACCESS_KEY_ID", ""),
			SecretKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle: getEnvBool("S3_FORCE_PATH_STYLE", true),
		},

		VAT: VATConfig{
			BusinessCountry:   strings.ToUpper(getEnv("VAT_BUSINESS_COUNTRY", "")),
			BusinessVATNumber: getEnv("VAT_BUSINESS_NUMBER", ""),
			OptionalCountries: getEnvList("VAT_OPTIONAL_COUNTRIES", nil),
			RatesSource:       getEnv("VAT_RATES_SOURCE", ""),
			RatesReload:       getEnvDuration("VAT_RATES_RELOAD_INTERVAL", 0),
			VIESEndpoint:      getEnv("VIES_ENDPOINT", "https://ec.europa.eu/taxation_customs/vies/services/checkVatService"),
			VIESTimeout:       getEnvDuration("VIES_TIMEOUT", 10*time.Second),
			VIESCacheTTL:      getEnvDuration("VIES_CACHE_TTL", 24*time.Hour),
			VIESCache:         strings.ToLower(getEnv("VIES_CACHE", "none")),
		},

		Geo: GeoConfig{
			Endpoint: getEnv("GEO_ENDPOINT", "https://ip2c.org/"),
			Timeout:  getEnvDuration("GEO_TIMEOUT", 5*time.Second),
			CacheTTL: getEnvDuration("GEO_CACHE_TTL", 24*time.Hour),
		},

		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 10),
			Burst: getEnvInt("RATE_LIMIT_BURST", 20),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.VAT.VIESCache {
	case "none", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when VIES_CACHE=postgres")
		}
	default:
		return fmt.Errorf("VIES_CACHE must be none, postgres or redis, got %q", c.VAT.VIESCache)
	}
	if c.VAT.BusinessCountry != "" && len(c.VAT.BusinessCountry) != 2 {
		return fmt.Errorf("VAT_BUSINESS_COUNTRY must be a two-letter code, got %q", c.VAT.BusinessCountry)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated list of codes, upper-casing each and
// dropping blanks.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.ToUpper(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
