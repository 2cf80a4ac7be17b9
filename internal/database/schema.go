package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL DEFAULT '',
		delivered_at INTEGER NOT NULL,
		retrieved_at INTEGER NOT NULL,
		body TEXT NOT NULL,
		content_kind TEXT NOT NULL DEFAULT 'plain',
		status TEXT NOT NULL DEFAULT 'processed'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_delivered_at ON messages(delivered_at)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		all_day BOOLEAN NOT NULL DEFAULT 0,
		summary TEXT NOT NULL,
		summary_key TEXT NOT NULL,
		message_id TEXT,
		origin_delivered_at INTEGER,
		synced BOOLEAN NOT NULL DEFAULT 0,
		UNIQUE (start_at, end_at, summary)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_summary_key ON occurrences(summary_key)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_synced ON occurrences(synced)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_message_id ON occurrences(message_id)`,
	`CREATE TABLE IF NOT EXISTS message_failures (
		message_id TEXT PRIMARY KEY,
		delivered_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS occurrence_tombstones (
		uid TEXT PRIMARY KEY,
		summary TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		selected INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		pushed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL DEFAULT '',
		delivered_at BIGINT NOT NULL,
		retrieved_at BIGINT NOT NULL,
		body TEXT NOT NULL,
		content_kind VARCHAR(16) NOT NULL DEFAULT 'plain',
		status VARCHAR(16) NOT NULL DEFAULT 'processed'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_delivered_at ON messages(delivered_at)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
		id BIGSERIAL PRIMARY KEY,
		uid VARCHAR(64) NOT NULL,
		start_at BIGINT NOT NULL,
		end_at BIGINT NOT NULL,
		all_day BOOLEAN NOT NULL DEFAULT FALSE,
		summary VARCHAR(512) NOT NULL,
		summary_key VARCHAR(512) NOT NULL,
		message_id TEXT,
		origin_delivered_at BIGINT,
		synced BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (start_at, end_at, summary)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_summary_key ON occurrences(summary_key)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_synced ON occurrences(synced)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_message_id ON occurrences(message_id)`,
	`CREATE TABLE IF NOT EXISTS message_failures (
		message_id TEXT PRIMARY KEY,
		delivered_at BIGINT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS occurrence_tombstones (
		uid VARCHAR(64) PRIMARY KEY,
		summary VARCHAR(512) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cycle_runs (
		id BIGSERIAL PRIMARY KEY,
		started_at BIGINT NOT NULL,
		finished_at BIGINT,
		selected INT NOT NULL DEFAULT 0,
		processed INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		pushed INT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
// Summaries compare byte for byte; the default collation would fold case and accents.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(255) PRIMARY KEY,
		subject VARCHAR(998) NOT NULL DEFAULT '',
		sender VARCHAR(512) NOT NULL DEFAULT '',
		delivered_at BIGINT NOT NULL,
		retrieved_at BIGINT NOT NULL,
		body LONGTEXT NOT NULL,
		content_kind VARCHAR(16) NOT NULL DEFAULT 'plain',
		status VARCHAR(16) NOT NULL DEFAULT 'processed',
		INDEX idx_messages_delivered_at (delivered_at)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS occurrences (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		uid VARCHAR(64) NOT NULL,
		start_at BIGINT NOT NULL,
		end_at BIGINT NOT NULL,
		all_day BOOLEAN NOT NULL DEFAULT FALSE,
		summary VARCHAR(512) COLLATE utf8mb4_bin NOT NULL,
		summary_key VARCHAR(512) COLLATE utf8mb4_bin NOT NULL,
		message_id VARCHAR(255),
		origin_delivered_at BIGINT,
		synced BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE KEY uq_occurrences_triple (start_at, end_at, summary),
		INDEX idx_occurrences_summary_key (summary_key),
		INDEX idx_occurrences_synced (synced),
		INDEX idx_occurrences_message_id (message_id)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS message_failures (
		message_id VARCHAR(255) PRIMARY KEY,
		delivered_at BIGINT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS occurrence_tombstones (
		uid VARCHAR(64) PRIMARY KEY,
		summary VARCHAR(512) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS cycle_runs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		started_at BIGINT NOT NULL,
		finished_at BIGINT,
		selected INT NOT NULL DEFAULT 0,
		processed INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		pushed INT NOT NULL DEFAULT 0,
		error TEXT NOT NULL
	) DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates every table the pipeline needs. Safe to run on each start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var statements []string
	switch db.DriverName() {
	case DriverPostgres:
		statements = postgresSchema
	case DriverMySQL:
		statements = mysqlSchema
	default:
		statements = sqliteSchema
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
