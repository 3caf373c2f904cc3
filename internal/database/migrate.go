package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNoMigrations is returned when the embedded migration set is empty,
// which means the binary was built wrong.
var ErrNoMigrations = errors.New("no embedded migrations found")

// Migration is one numbered, forward-only schema step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations reads the embedded migrations directory. Files are named
// NNN_description.sql and applied in ascending numeric order.
func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		base := strings.TrimSuffix(name, ".sql")
		idx := strings.Index(base, "_")
		if idx <= 0 {
			return nil, fmt.Errorf("migration %q is not named NNN_description.sql", name)
		}

		version, err := strconv.Atoi(base[:idx])
		if err != nil {
			return nil, fmt.Errorf("migration %q has a non-numeric prefix: %w", name, err)
		}

		content, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %q: %w", name, err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    base[idx+1:],
			SQL:     string(content),
		})
	}

	if len(migrations) == 0 {
		return nil, ErrNoMigrations
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
		}
	}

	return migrations, nil
}

// ensureVersionTable creates the schema_version bookkeeping table.
func ensureVersionTable(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

// schemaVersion returns the highest applied migration version, 0 if none.
func schemaVersion(conn *sql.DB) (int, error) {
	if err := ensureVersionTable(conn); err != nil {
		return 0, err
	}
	var version int
	err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion returns the highest applied migration version, 0 if none.
func (db *DB) SchemaVersion() (int, error) {
	return schemaVersion(db.conn)
}

// Migrate applies all pending migrations, each inside its own transaction,
// recording the applied set in schema_version. It is idempotent: running it
// again applies nothing and returns 0.
func (db *DB) Migrate(log zerolog.Logger) (int, error) {
	return MigrateConn(db.conn, log)
}

// MigrateConn is Migrate over a bare connection, for callers that bring
// their own driver (tests run the same schema on an in-memory database).
func MigrateConn(conn *sql.DB, log zerolog.Logger) (int, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return 0, err
	}

	current, err := schemaVersion(conn)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		migration := m
		err := WithTransaction(conn, func(tx *sql.Tx) error {
			if _, err := tx.Exec(migration.SQL); err != nil {
				return fmt.Errorf("migration %03d_%s failed: %w", migration.Version, migration.Name, err)
			}
			_, err := tx.Exec(
				`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
				migration.Version, migration.Name, time.Now().UTC().UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("failed to record migration %03d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}

		applied++
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applied migration")
	}

	return applied, nil
}
