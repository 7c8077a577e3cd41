package storage

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_messages (
		id TEXT PRIMARY KEY,
		original_message JSONB NOT NULL,
		processed_message JSONB NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL,
		processor_version TEXT NOT NULL,
		source_topic TEXT NOT NULL,
		"partition" INTEGER NOT NULL,
		"offset" BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		type TEXT NOT NULL,
		tags JSONB,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id BIGSERIAL PRIMARY KEY,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		service_name TEXT NOT NULL,
		host_name TEXT,
		trace_id TEXT,
		span_id TEXT,
		attributes JSONB,
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS traces (
		id BIGSERIAL PRIMARY KEY,
		trace_id TEXT NOT NULL,
		span_id TEXT NOT NULL,
		parent_span_id TEXT,
		name TEXT NOT NULL,
		service_name TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		status TEXT NOT NULL,
		attributes JSONB,
		events JSONB
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_messages (
		id TEXT PRIMARY KEY,
		original_message TEXT NOT NULL,
		processed_message TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		processor_version TEXT NOT NULL,
		source_topic TEXT NOT NULL,
		"partition" INTEGER NOT NULL,
		"offset" INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		type TEXT NOT NULL,
		tags TEXT,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		service_name TEXT NOT NULL,
		host_name TEXT,
		trace_id TEXT,
		span_id TEXT,
		attributes TEXT,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		span_id TEXT NOT NULL,
		parent_span_id TEXT,
		name TEXT NOT NULL,
		service_name TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		attributes TEXT,
		events TEXT
	)`,
}

// indexes are shared by both dialects.
var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at ON processed_messages (processed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_messages_source_topic ON processed_messages (source_topic)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_messages_processor_version ON processed_messages (processor_version)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_messages_topic_partition_offset ON processed_messages (source_topic, "partition", "offset")`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_name_timestamp ON metrics (name, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_trace_id ON logs (trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_trace_id ON traces (trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_span_id ON traces (span_id)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_start_time ON traces (start_time)`,
}

// Migrate creates the tables and indexes if they do not exist. It is safe to
// run on every start.
func (w *Writer) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if w.driver == DriverSQLite {
		stmts = sqliteSchema
	}
	stmts = append(append([]string(nil), stmts...), indexes...)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.fail("migrate", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return w.fail("migrate", fmt.Errorf("%w (statement: %.60s)", err, stmt))
		}
	}
	if err := tx.Commit(); err != nil {
		return w.fail("migrate", err)
	}
	w.metrics.IncDBOperation("migrate", false)
	w.logger.WithField("driver", w.driver).Info("schema ready")
	return nil
}
