// Package testutil provides shared test infrastructure for integration tests.
// It uses testcontainers-go to spin up real PostgreSQL and Redis instances.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forgecommerce/vatcalc/internal/database"
)

// TestDB holds a PostgreSQL test container and connection pool.
type TestDB struct {
	Pool      *pgxpool.Pool
	URL       string
	container testcontainers.Container
}

// SetupTestDB starts a PostgreSQL container, runs all migrations, and
// returns a TestDB with an active connection pool.
func SetupTestDB() (*TestDB, error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vatcalc_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("starting postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("getting connection string: %w", err)
	}

	if err := database.Migrate(connStr); err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Connect(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("connecting: %w", err)
	}

	return &TestDB{
		Pool:      pool,
		URL:       connStr,
		container: container,
	}, nil
}

// PostgresDB starts a database for a single test and terminates it on
// cleanup. The test is skipped under -short.
func PostgresDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	tdb, err := SetupTestDB()
	if err != nil {
		t.Fatalf("setting up test database: %v", err)
	}
	t.Cleanup(tdb.Close)
	return tdb
}

// Close terminates the container and closes the pool.
func (tdb *TestDB) Close() {
	if tdb.Pool != nil {
		tdb.Pool.Close()
	}
	if tdb.container != nil {
		tdb.container.Terminate(context.Background())
	}
}

// Truncate removes all cached validations.
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()

	if _, err := tdb.Pool.Exec(context.Background(), "DELETE FROM vies_validation_cache"); err != nil {
		t.Fatalf("truncating vies_validation_cache: %v", err)
	}
}
