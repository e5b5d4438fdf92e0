package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Open connects to Postgres with the given DSN and returns a bun handle.
func Open(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// schema is the full DDL. Statements are idempotent so InitSchema can run
// on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS uploaded_files (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT 'blooio',
		processing_total INTEGER NOT NULL DEFAULT 0,
		processing_offset INTEGER NOT NULL DEFAULT 0,
		processing_progress NUMERIC(5,2) NOT NULL DEFAULT 0,
		processing_status TEXT NOT NULL DEFAULT 'uploading',
		can_resume BOOLEAN NOT NULL DEFAULT TRUE,
		last_error TEXT,
		results_url TEXT,
		claimed_until TIMESTAMPTZ,
		uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS processing_chunks (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES uploaded_files (id) ON DELETE CASCADE,
		chunk_offset INTEGER NOT NULL,
		chunk_data TEXT NOT NULL,
		chunk_status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processing_chunks_queue
		ON processing_chunks (file_id, chunk_status, chunk_offset)`,
	`CREATE TABLE IF NOT EXISTS blooio_results (
		id BIGSERIAL PRIMARY KEY,
		file_id TEXT NOT NULL REFERENCES uploaded_files (id) ON DELETE CASCADE,
		phone_number TEXT NOT NULL,
		e164 TEXT NOT NULL,
		is_ios BOOLEAN NOT NULL DEFAULT FALSE,
		supports_imessage BOOLEAN NOT NULL DEFAULT FALSE,
		supports_sms BOOLEAN NOT NULL DEFAULT FALSE,
		contact_type TEXT NOT NULL,
		error TEXT,
		from_cache BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (file_id, e164)
	)`,
}

// InitSchema creates the tables and indexes if they do not exist.
func InitSchema(ctx context.Context, db bun.IDB) error {
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}

// isTransient reports whether a database error is worth retrying: network
// failures and dropped connections, never constraint violations, missing
// rows, or cancelled contexts.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, sql.ErrNoRows):
		return false
	case isUniqueViolation(err):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

// withRetry runs fn up to 3 times in all, retrying transient database errors
// with exponential backoff. Non-transient errors bubble up immediately.
func withRetry(ctx context.Context, fn func() error) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(100<<uint(attempt)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}
