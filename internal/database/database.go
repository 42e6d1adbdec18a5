package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New opens the SQLite database at path and configures the connection.
// The dispatch subsystem assumes a single process owns the outbox, so a
// local SQLite file is the storage engine of record.
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under the concurrent poll cycle.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("✅ SQLite database opened: %s", path)

	return &DB{db}, nil
}

// Initialize creates all required tables and runs schema migrations
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	if err := db.createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.runMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("✅ Database initialized successfully")
	return nil
}

func (db *DB) createTables() error {
	stmts := []string{
		// Append-only log of inbound stimuli. Rows are never updated or
		// deleted — this table is the audit trail.
		`CREATE TABLE IF NOT EXISTS events (
			id            TEXT PRIMARY KEY,
			session_key   TEXT NOT NULL,
			type          TEXT NOT NULL,
			payload       TEXT,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, created_at_ms)`,

		// Durable outbox of pending actions
		`CREATE TABLE IF NOT EXISTS effects (
			id            TEXT PRIMARY KEY,
			session_key   TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			type          TEXT NOT NULL,
			payload       TEXT,
			dedupe_key    TEXT NOT NULL UNIQUE,
			status        TEXT NOT NULL DEFAULT 'pending',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_effects_pending ON effects(status, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_effects_session ON effects(session_key, status)`,

		// Scheduled wake-ups, one row per (session, timer id)
		`CREATE TABLE IF NOT EXISTS timers (
			session_key   TEXT NOT NULL,
			timer_id      TEXT NOT NULL,
			fire_at_ms    INTEGER NOT NULL,
			payload       TEXT,
			fired_at_ms   INTEGER,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_key, timer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(fire_at_ms) WHERE fired_at_ms IS NULL`,

		// Conversation state snapshots, source of autonomy metadata
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id                           TEXT PRIMARY KEY,
			session_key                  TEXT NOT NULL,
			state                        TEXT,
			consecutive_autonomous_sends INTEGER NOT NULL DEFAULT 0,
			last_user_activity_ms        INTEGER,
			created_at_ms                INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_key, created_at_ms)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations runs database migrations for schema updates.
// Uses pragma_table_info to check for column existence (SQLite-compatible).
func (db *DB) runMigrations() error {
	columnExists := func(tableName, columnName string) (bool, error) {
		var count int
		query := `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
		err := db.QueryRow(query, tableName, columnName).Scan(&count)
		if err != nil {
			return false, err
		}
		return count > 0, nil
	}

	// Migration: Add last_error column to effects table (if missing)
	if exists, err := columnExists("effects", "last_error"); err != nil {
		return err
	} else if !exists {
		log.Println("📦 Running migration: Adding last_error to effects table")
		if _, err := db.Exec("ALTER TABLE effects ADD COLUMN last_error TEXT"); err != nil {
			return fmt.Errorf("failed to add last_error to effects: %w", err)
		}
		log.Println("✅ Migration completed: effects.last_error added")
	}

	return nil
}
