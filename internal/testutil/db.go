package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	// Register the pgx driver with database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/target/jobcoord/internal/migrate"
)

// ledgerTables are emptied between tests that share one database. job_events
// cascades from jobs.
var ledgerTables = []string{"jobs", "idempotency_records"}

// TestDBConfig locates the integration-test Postgres.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultTestDBConfig reads TEST_DB_* and falls back to the docker-compose
// test profile on port 55432. CI sets TEST_DB_PORT=5432.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     envOr("TEST_DB_PORT", "55432"),
		User:     envOr("TEST_DB_USER", "jobcoord"),
		Password: envOr("TEST_DB_PASSWORD", "jobcoord"),
		DBName:   envOr("TEST_DB_NAME", "jobcoord"),
		SSLMode:  envOr("TEST_DB_SSL_MODE", "disable"),
	}
}

// DSN returns a connection URL. A non-empty schema is put first on the search_path.
func (c TestDBConfig) DSN(schema string) string {
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if schema != "" {
		q.Set("search_path", schema+",public")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// SkipIfNoTestDB skips t when Postgres is unreachable, or fails it when
// TEST_REQUIRE_DB / TEST_REQUIRE_INFRA is set.
func SkipIfNoTestDB(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in -short mode")
	}
	db, err := sql.Open("pgx", DefaultTestDBConfig().DSN(""))
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = db.PingContext(ctx)
		cancel()
		_ = db.Close()
	}
	if err == nil {
		return
	}
	if envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") {
		t.Fatalf("test database not available: %v", err)
	}
	t.Skipf("test database not available: %v", err)
}

// WithAutoDB runs fn against a migrated database. With TEST_DB_EPHEMERAL set
// each test gets its own schema, dropped afterwards. Otherwise the shared
// database is emptied before and after fn.
func WithAutoDB(t testing.TB, fn func(*sql.DB)) {
	t.Helper()
	if envBool("TEST_DB_EPHEMERAL") {
		fn(ephemeralDB(t))
		return
	}
	db := openMigrated(t, DefaultTestDBConfig().DSN(""))
	truncate(t, db)
	t.Cleanup(func() { truncate(t, db) })
	fn(db)
}

func openMigrated(t testing.TB, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := db.Close(); cerr != nil {
			t.Logf("close test database: %v", cerr)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping test database: %v", err)
	}
	if err := migrate.Run(ctx, db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func ephemeralDB(t testing.TB) *sql.DB {
	t.Helper()
	cfg := DefaultTestDBConfig()

	admin, err := sql.Open("pgx", cfg.DSN(""))
	if err != nil {
		t.Fatalf("open admin connection: %v", err)
	}
	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	// Registered before openMigrated so the schema connection closes first.
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = admin.Close()
	})

	t.Logf("using ephemeral schema %s", schema)
	return openMigrated(t, cfg.DSN(schema))
}

func truncate(t testing.TB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stmt := "TRUNCATE " + strings.Join(ledgerTables, ", ") + " CASCADE"
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		t.Fatalf("empty ledger tables: %v", err)
	}
}

func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "t_" + time.Now().Format("150405000000")
	}
	return "t_" + hex.EncodeToString(b)
}

// TestTime is the fixed clock reading used by integration tests.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// RunConcurrent starts every fn at once, releasing them together, and
// returns their errors in argument order.
func RunConcurrent(funcs ...func() error) []error {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(funcs))
	)
	for i, f := range funcs {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, f)
	}
	close(start)
	wg.Wait()
	return errs
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
