package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// ArchiveTables are emptied between archive tests.
var ArchiveTables = []string{"feed_items", "aggregation_runs"}

// TestDB is a PostgreSQL connection for archive tests.
type TestDB struct {
	*sql.DB
	t *testing.T
}

// testDSN prefers SAMACHAR_TEST_DSN and otherwise assembles one from the
// same DB_* variables the server reads.
func testDSN() string {
	if dsn := os.Getenv("SAMACHAR_TEST_DSN"); dsn != "" {
		return dsn
	}

	parts := []string{
		"host=" + envOr("DB_HOST", "localhost"),
		"port=" + envOr("DB_PORT", "5432"),
		"user=" + envOr("DB_USER", "test"),
		"password=" + envOr("DB_PASSWORD", "test"),
		"dbname=" + envOr("DB_NAME", "samachar_test"),
		"sslmode=" + envOr("DB_SSLMODE", "disable"),
	}
	return strings.Join(parts, " ")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// NewTestDB connects to the test database, or skips when none is reachable.
// Callers create the schema themselves; the connection is closed by
// t.Cleanup as well as by Close.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("archive tests need PostgreSQL; skipped in -short mode")
	}

	db, err := sql.Open("postgres", testDSN())
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("postgres unavailable: %v", err)
	}

	tdb := &TestDB{DB: db, t: t}
	t.Cleanup(func() { db.Close() })
	return tdb
}

// Close is safe to call more than once.
func (tdb *TestDB) Close() {
	if err := tdb.DB.Close(); err != nil {
		tdb.t.Logf("close test database: %v", err)
	}
}

// Cleanup truncates ArchiveTables. Missing tables are only logged, so it can
// run before the schema exists.
func (tdb *TestDB) Cleanup(ctx context.Context) {
	tdb.t.Helper()

	for _, table := range ArchiveTables {
		if _, err := tdb.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s RESTART IDENTITY", table)); err != nil {
			tdb.t.Logf("truncate %s: %v", table, err)
		}
	}
}

// Count returns the number of rows in table.
func (tdb *TestDB) Count(ctx context.Context, table string) int {
	tdb.t.Helper()

	var n int
	if err := tdb.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		tdb.t.Fatalf("count %s: %v", table, err)
	}
	return n
}
