package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations is the registry of all database migrations in order.
// Versions are unique and applied in ascending order, each in its own
// transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Rule repository: domains, categories and settings",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS domains (
				domain TEXT NOT NULL,
				list TEXT NOT NULL CHECK (list IN ('blocked', 'allowed')),
				created_at INTEGER NOT NULL,
				PRIMARY KEY (list, domain)
			);

			CREATE TABLE IF NOT EXISTS categories (
				name TEXT PRIMARY KEY,
				enabled BOOLEAN NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS category_domains (
				category TEXT NOT NULL REFERENCES categories(name) ON DELETE CASCADE,
				domain TEXT NOT NULL,
				PRIMARY KEY (category, domain)
			);

			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			);
		`,
	},
	{
		Version:     2,
		Description: "Access log",
		SQL: `
			CREATE TABLE IF NOT EXISTS access_logs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				client_ip TEXT NOT NULL,
				domain TEXT NOT NULL,
				action TEXT NOT NULL,
				rule TEXT,
				source TEXT,
				category TEXT,
				cached BOOLEAN NOT NULL DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_access_logs_timestamp ON access_logs(timestamp);
		`,
	},
	{
		Version:     3,
		Description: "Index access log by domain and action for dashboard filters",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_access_logs_domain ON access_logs(domain);
			CREATE INDEX IF NOT EXISTS idx_access_logs_action_timestamp ON access_logs(action, timestamp);
		`,
	},
}

// getMigrations returns all migrations sorted by version
func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result
}

// getCurrentVersion returns the current schema version from the database.
// Returns 0 for a fresh database.
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

// applyMigration applies a single migration within a transaction
func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// runMigrations applies every migration newer than the database version.
// A failure leaves the database at the last successful migration.
func runMigrations(db *sql.DB) error {
	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf(
				"failed to apply migration v%d (%s): %w",
				migration.Version,
				migration.Description,
				err,
			)
		}
	}

	return nil
}
