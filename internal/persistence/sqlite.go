// SPDX-License-Identifier: MIT

// Package persistence stores render jobs and reads locked timelines.
// Schema ownership lives upstream; the worker only bootstraps the tables it
// touches and writes the columns it owns.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 10,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs.
// WAL mode and busy_timeout apply to every connection via the DSN.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	if err := bootstrap(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id                TEXT PRIMARY KEY,
	mix_id            TEXT NOT NULL,
	job_status        TEXT NOT NULL DEFAULT 'queued',
	progress          REAL NOT NULL DEFAULT 0,
	error_log         TEXT NOT NULL DEFAULT '',
	output_asset_path TEXT NOT NULL DEFAULT '',
	metrics_render    TEXT NOT NULL DEFAULT '{}',
	queued_at         INTEGER NOT NULL,
	started_at        INTEGER,
	finished_at       INTEGER
);
CREATE TABLE IF NOT EXISTS timelines (
	mix_id         TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	vocal_start_ms INTEGER NOT NULL DEFAULT 0,
	audio_path     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lyric_lines (
	id                 TEXT PRIMARY KEY,
	mix_id             TEXT NOT NULL,
	line_no            INTEGER NOT NULL,
	text               TEXT NOT NULL,
	start_ms           INTEGER NOT NULL,
	end_ms             INTEGER NOT NULL,
	selected_candidate INTEGER NOT NULL DEFAULT 0,
	candidates         TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_lyric_lines_mix ON lyric_lines(mix_id, line_no);
`

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: bootstrap failed: %w", err)
	}
	return nil
}
