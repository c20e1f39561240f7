// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/escrownow/migrations"
)

// PostgresImage is the image started when POSTGRES_URL is not set.
const PostgresImage = "postgres:16-alpine"

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest opens a migrated test database and returns the *sql.DB plus a
// cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Otherwise a throwaway
// container is started once per test binary when TESTCONTAINERS=1; if
// neither is available the test is skipped. The cleanup function
// truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set and TESTCONTAINERS!=1, skipping integration test")
		}
		containerOnce.Do(startContainer)
		if containerErr != nil {
			t.Fatalf("pgtest: start container: %v", containerErr)
		}
		dbURL = containerURL
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

// startContainer boots a Postgres container that lives until the test
// binary exits; Ryuk reaps it afterwards.
func startContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase("escrownow_test"),
		tcpostgres.WithUsername("escrownow"),
		tcpostgres.WithPassword("escrownow"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		if ctr != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
		containerErr = err
		return
	}
	containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
}

// truncateAll clears application tables. goose's version table is kept.
func truncateAll(ctx context.Context, db *sql.DB) {
	_, _ = db.ExecContext(ctx, `TRUNCATE transaction_messages, transactions, api_keys, users CASCADE`)
}
