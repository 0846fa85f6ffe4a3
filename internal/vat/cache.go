package vat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgecommerce/vatcalc/internal/cache"
)

// PostgresValidationCache stores VIES answers in the vies_validation_cache
// table. Expired rows are treated as misses and overwritten on the next
// validation.
type PostgresValidationCache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	now  func() time.Time
}

// NewPostgresValidationCache creates a cache whose entries expire after ttl.
func NewPostgresValidationCache(pool *pgxpool.Pool, ttl time.Duration) *PostgresValidationCache {
	return &PostgresValidationCache{pool: pool, ttl: ttl, now: time.Now}
}

// Get looks up a non-expired entry.
func (c *PostgresValidationCache) Get(ctx context.Context, vatNumber string) (VATDetails, bool, error) {
	var (
		details                              VATDetails
		companyName, companyAddress, consNum *string
		expiresAt                            time.Time
	)

	err := c.pool.QueryRow(ctx, `
		SELECT country_code, local_number, is_valid, company_name, company_address, consultation_number, expires_at
		FROM vies_validation_cache
		WHERE vat_number = $1
		LIMIT 1
	`, vatNumber).Scan(&details.CountryCode, &details.VATNumber, &details.Valid,
		&companyName, &companyAddress, &consNum, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VATDetails{}, false, nil
	}
	if err != nil {
		return VATDetails{}, false, fmt.Errorf("querying vies cache: %w", err)
	}

	if c.now().UTC().After(expiresAt) {
		return VATDetails{}, false, nil
	}

	details.Name = derefString(companyName)
	details.Address = derefString(companyAddress)
	details.RequestID = derefString(consNum)
	return details, true, nil
}

// Put upserts an entry with the configured TTL.
func (c *PostgresValidationCache) Put(ctx context.Context, details VATDetails) error {
	now := c.now().UTC()
	expiresAt := now.Add(c.ttl)

	_, err := c.pool.Exec(ctx, `
		INSERT INTO vies_validation_cache (vat_number, country_code, local_number, is_valid, company_name, company_address, consultation_number, validated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vat_number) DO UPDATE SET
			country_code = EXCLUDED.country_code,
			local_number = EXCLUDED.local_number,
			is_valid = EXCLUDED.is_valid,
			company_name = EXCLUDED.company_name,
			company_address = EXCLUDED.company_address,
			consultation_number = EXCLUDED.consultation_number,
			validated_at = EXCLUDED.validated_at,
			expires_at = EXCLUDED.expires_at
	`, details.CountryCode+details.VATNumber, details.CountryCode, details.VATNumber, details.Valid,
		nilIfEmpty(details.Name), nilIfEmpty(details.Address), nilIfEmpty(details.RequestID), now, expiresAt)
	if err != nil {
		return fmt.Errorf("upserting vies cache: %w", err)
	}

	return nil
}

// RedisValidationCache stores VIES answers as JSON in Redis; expiry is left
// to Redis.
type RedisValidationCache struct {
	store *cache.Store
}

// NewRedisValidationCache wraps a Store, typically created with the
// "vies:" prefix.
func NewRedisValidationCache(store *cache.Store) *RedisValidationCache {
	return &RedisValidationCache{store: store}
}

func (c *RedisValidationCache) Get(ctx context.Context, vatNumber string) (VATDetails, bool, error) {
	var details VATDetails
	ok, err := c.store.Get(ctx, vatNumber, &details)
	if err != nil || !ok {
		return VATDetails{}, false, err
	}
	return details, true, nil
}

func (c *RedisValidationCache) Put(ctx context.Context, details VATDetails) error {
	return c.store.Set(ctx, details.CountryCode+details.VATNumber, details)
}

// nilIfEmpty returns nil for empty strings, or a pointer to the string otherwise.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
