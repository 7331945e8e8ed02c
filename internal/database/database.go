package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the SQLite-backed store for connections, mappings, the booking ledger,
// sync logs and the deferred task queue.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// BEGIN IMMEDIATE takes the write lock up front so concurrent commits queue
	// on busy_timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path, logger: logger}
	if err := db.createTables(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// Path returns the file the store was opened from.
func (db *DB) Path() string { return db.path }

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hotel_id INTEGER NOT NULL,
			channel_type TEXT NOT NULL,
			api_credentials TEXT NOT NULL,
			external_property_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			last_sync_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			deleted_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_live
			ON connections(hotel_id, channel_type) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_connections_property
			ON connections(channel_type, external_property_id)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status)`,

		`CREATE TABLE IF NOT EXISTS room_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL REFERENCES connections(id),
			local_room_id TEXT NOT NULL,
			external_room_type_id TEXT NOT NULL,
			external_rate_plan_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(connection_id, local_room_id),
			UNIQUE(connection_id, external_room_type_id)
		)`,

		`CREATE TABLE IF NOT EXISTS bookings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reference TEXT NOT NULL UNIQUE,
			hotel_id INTEGER NOT NULL,
			local_room_id TEXT NOT NULL,
			connection_id INTEGER,
			source TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			external_booking_id TEXT NOT NULL,
			check_in TEXT NOT NULL,
			check_out TEXT NOT NULL,
			guest_name TEXT NOT NULL DEFAULT '',
			guest_email TEXT NOT NULL DEFAULT '',
			guest_phone TEXT NOT NULL DEFAULT '',
			guest_count INTEGER NOT NULL DEFAULT 0,
			total_amount REAL NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			UNIQUE(channel_type, external_booking_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_room ON bookings(hotel_id, local_room_id, check_out)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_connection ON bookings(connection_id, local_room_id)`,

		// One row per claimed night: the primary key is what forbids double-selling.
		`CREATE TABLE IF NOT EXISTS room_nights (
			hotel_id INTEGER NOT NULL,
			local_room_id TEXT NOT NULL,
			night TEXT NOT NULL,
			booking_id INTEGER NOT NULL REFERENCES bookings(id),
			PRIMARY KEY (hotel_id, local_room_id, night)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_room_nights_booking ON room_nights(booking_id)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL,
			operation TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			affected_rooms TEXT NOT NULL DEFAULT '[]',
			error_message TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			external_booking_id TEXT NOT NULL DEFAULT '',
			raw_response TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_connection ON sync_logs(connection_id, id)`,
		`CREATE TRIGGER IF NOT EXISTS sync_logs_no_update BEFORE UPDATE ON sync_logs
			BEGIN SELECT RAISE(ABORT, 'sync_logs is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS sync_logs_no_delete BEFORE DELETE ON sync_logs
			BEGIN SELECT RAISE(ABORT, 'sync_logs is append-only'); END`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_type TEXT NOT NULL,
			connection_id INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL,
			processed_at DATETIME,
			next_retry_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, next_retry_at)`,

		// Latest push sequence each remote value reached the channel with.
		`CREATE TABLE IF NOT EXISTS push_state (
			connection_id INTEGER NOT NULL,
			local_room_id TEXT NOT NULL,
			night TEXT NOT NULL,
			kind TEXT NOT NULL,
			seq INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (connection_id, local_room_id, night, kind)
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// migrate adds columns introduced after the first schema revision.
func (db *DB) migrate() error {
	return db.ensureColumn("sync_logs", "attempt", "INTEGER NOT NULL DEFAULT 1")
}

func (db *DB) ensureColumn(table, column, definition string) error {
	_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
