package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// FileName is the index database file inside the base directory.
const FileName = "bridge.db"

// Init initializes the SQLite index at baseDir/bridge.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.bridge.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	exportsDir := filepath.Join(baseDir, "exports")
	if err := os.MkdirAll(exportsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection; the watcher, the
	// archiver and an MCP server process may all hold the file open.
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: items index
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS items (
		  id               TEXT PRIMARY KEY,
		  kind             TEXT NOT NULL,
		  stage            TEXT NOT NULL,
		  content          TEXT,
		  content_ref      TEXT,
		  transcript       TEXT,
		  category         TEXT,
		  formatted        TEXT,
		  document_path    TEXT,
		  failure_reason   TEXT,
		  source_json      TEXT,
		  created_at       INTEGER NOT NULL,
		  updated_at       INTEGER NOT NULL,
		  stage_changed_at INTEGER NOT NULL,
		  version          INTEGER NOT NULL DEFAULT 1,
		  attempts         INTEGER NOT NULL DEFAULT 0,
		  last_error       TEXT,
		  last_attempt_at  INTEGER,
		  delivered_at     INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_items_stage_created
		ON items(stage, created_at, id);

		CREATE INDEX IF NOT EXISTS idx_items_stage_kind_created
		ON items(stage, kind, created_at, id);

		CREATE INDEX IF NOT EXISTS idx_items_created
		ON items(created_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: event log
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS item_events (
		  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		  item_id    TEXT,
		  type       TEXT NOT NULL,
		  level      TEXT NOT NULL,
		  message    TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_item_events_item
		ON item_events(item_id, seq);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
