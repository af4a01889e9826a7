// Package store persists devices, sensor readings, alerts, and users in
// SQLite. Readings are append-only, devices are upserted, and alerts move
// through active -> acknowledged -> resolved transitions. A partial unique
// index keeps at most one open alert per (device, parameter).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const dbFileName = "aquawatch.db"

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the database under dataDir and applies the schema.
// An empty dataDir opens an in-memory database, which tests rely on.
func Open(dataDir string) (*Store, error) {
	var dsn, path string
	if dataDir == "" {
		// Single-connection pool below keeps the in-memory database alive
		// for the lifetime of the store.
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		path = filepath.Join(dataDir, dbFileName)
		dsn = path + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
				"synchronous(NORMAL)",
				"foreign_keys(ON)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("Store opened")
	return s, nil
}

// Ping verifies the database connection and returns the round-trip time.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return 0, classify("ping", err)
	}
	return time.Since(start), nil
}

// StorageSize returns the on-disk size of the database in bytes, or zero for
// in-memory databases.
func (s *Store) StorageSize() int64 {
	if s.dbPath == "" {
		return 0
	}
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id   TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL DEFAULT '',
			firmware    TEXT NOT NULL DEFAULT '',
			mac         TEXT NOT NULL DEFAULT '',
			ip          TEXT NOT NULL DEFAULT '',
			sensors     TEXT NOT NULL DEFAULT '[]',
			status      TEXT NOT NULL DEFAULT 'offline',
			registered  INTEGER NOT NULL DEFAULT 0,
			location    TEXT,
			last_seen   INTEGER,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id       TEXT NOT NULL,
			ph              REAL,
			tds             REAL,
			turbidity       REAL,
			ph_valid        INTEGER NOT NULL DEFAULT 1,
			tds_valid       INTEGER NOT NULL DEFAULT 1,
			turbidity_valid INTEGER NOT NULL DEFAULT 1,
			ts              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device_ts
			ON sensor_readings(device_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id         TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL,
			device_name      TEXT NOT NULL DEFAULT '',
			parameter        TEXT NOT NULL,
			severity         TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			current_value    REAL NOT NULL,
			threshold        REAL NOT NULL,
			message          TEXT NOT NULL DEFAULT '',
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			created_at       INTEGER NOT NULL,
			acknowledged_at  INTEGER,
			resolved_at      INTEGER,
			resolution_notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
			ON alerts(device_id, parameter) WHERE status != 'resolved'`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			id                  TEXT PRIMARY KEY,
			email               TEXT NOT NULL UNIQUE,
			name                TEXT NOT NULL DEFAULT '',
			role                TEXT NOT NULL DEFAULT 'staff',
			status              TEXT NOT NULL DEFAULT 'pending',
			email_notifications INTEGER NOT NULL DEFAULT 1,
			created_at          INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.UnixMilli(ns.Int64).UTC()
	return &t
}

func timeMilli(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
