// Package testing provides shared test helpers: migrated scratch
// databases, candle fixtures, and scripted venue fakes.
package testing

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/meridianq/perpcore/internal/database"
)

// NewTestDB creates a migrated scratch database on a temporary file and
// returns it with an idempotent cleanup function. A file (not :memory:)
// keeps the WAL profile identical to production.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp(t.TempDir(), "perpcore_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
	})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if _, err := db.Migrate(zerolog.Nop()); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	}
}

// NewMemoryDB opens an in-memory database with the full migrated schema,
// for repository tests that don't care about the WAL profile. Closed via
// t.Cleanup.
func NewMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	// Every :memory: connection is its own database; the pool must never
	// open a second one.
	conn.SetMaxOpenConns(1)

	if _, err := database.MigrateConn(conn, zerolog.Nop()); err != nil {
		_ = conn.Close()
		t.Fatalf("Failed to migrate in-memory database: %v", err)
	}

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
