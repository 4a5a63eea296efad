package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements, applied in order. Idempotent so a restart can always
// run them. The unique index on (session_id, student_key) is the durable
// backstop for the engine's in-process uniqueness check.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		course_code TEXT NOT NULL,
		course_name TEXT NOT NULL DEFAULT '',
		lecturer_name TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		expected_count INT NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id),
		student_key TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		scan_time TIMESTAMPTZ NOT NULL,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed_by TEXT,
		UNIQUE (session_id, student_key)
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		index_number TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		program TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_session ON attendance_records (session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
