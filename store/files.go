package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Files is the contract over the uploaded-file job records.
type Files interface {
	Create(ctx context.Context, file *File) error
	Get(ctx context.Context, id string) (*File, error)
	// AcquireNext claims the oldest runnable file (initialized or
	// processing, with work remaining) under a row lock, flips it to
	// processing, and stamps a claim lease. A file whose lease has not
	// expired is held by another invocation and is skipped. Returns nil
	// when no file is runnable.
	AcquireNext(ctx context.Context, lease time.Duration) (*File, error)
	// Release clears the claim lease at the end of an invocation.
	Release(ctx context.Context, id string) error
	// AddProgress advances processing_offset by delta and recomputes
	// processing_progress, returning the updated row. The offset never
	// moves backwards and never exceeds processing_total.
	AddProgress(ctx context.Context, id string, delta int) (*File, error)
	// ResetProgress sets processing_offset to an absolute value during
	// repair and recomputes processing_progress.
	ResetProgress(ctx context.Context, id string, offset int) (*File, error)
	SetStatus(ctx context.Context, id, status string) error
	SetLastError(ctx context.Context, id, msg string) error
	// SetCompleted marks the file completed at 100% with its results URL.
	SetCompleted(ctx context.Context, id, resultsURL string) error
	// Active returns files that are initialized or processing, plus
	// resumable files that have not reached 100%.
	Active(ctx context.Context) ([]File, error)
}

// DBFiles implements Files over Postgres.
type DBFiles struct {
	db bun.IDB
}

// NewDBFiles creates a DBFiles over the given handle.
func NewDBFiles(db bun.IDB) *DBFiles {
	return &DBFiles{db: db}
}

// Create inserts a new file record.
func (s *DBFiles) Create(ctx context.Context, file *File) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewInsert().Model(file).Exec(ctx)
		if err != nil {
			return fmt.Errorf("create file: %w", err)
		}
		return nil
	})
}

// Get fetches a file by id. Returns nil when the file does not exist.
func (s *DBFiles) Get(ctx context.Context, id string) (*File, error) {
	file := &File{}
	err := s.db.NewSelect().Model(file).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

// AcquireNext claims the next runnable file. The select and the status flip
// happen in one statement under FOR UPDATE SKIP LOCKED, so two workers
// racing on the same deployment claim different files or none; the claim
// lease keeps a second worker off the file for the length of an invocation
// even after the row lock is released.
func (s *DBFiles) AcquireNext(ctx context.Context, lease time.Duration) (*File, error) {
	file := &File{}
	err := s.db.NewRaw(`WITH next AS (
		SELECT id FROM uploaded_files
		WHERE processing_status IN (?, ?)
			AND processing_offset < processing_total
			AND (claimed_until IS NULL OR claimed_until < now())
		ORDER BY uploaded_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE uploaded_files f
	SET processing_status = ?,
		claimed_until = now() + (? * interval '1 second'),
		updated_at = now()
	FROM next WHERE f.id = next.id
	RETURNING f.*`,
		FileInitialized, FileProcessing, FileProcessing,
		int(lease.Seconds())).Scan(ctx, file)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire file: %w", err)
	}
	return file, nil
}

// Release clears the claim lease so the next invocation can pick the file
// up immediately.
func (s *DBFiles) Release(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewUpdate().Model((*File)(nil)).
			Set("claimed_until = NULL").
			Set("updated_at = now()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("release file: %w", err)
		}
		return nil
	})
}

// AddProgress advances the processed-phone counter. Progress is recomputed
// from the new offset and capped at 100; the offset itself is monotonic
// because deltas are never negative.
func (s *DBFiles) AddProgress(ctx context.Context, id string, delta int) (*File, error) {
	if delta < 0 {
		return nil, fmt.Errorf("progress delta must not be negative: %d", delta)
	}
	file := &File{}
	err := withRetry(ctx, func() error {
		return s.db.NewRaw(`UPDATE uploaded_files
			SET processing_offset = LEAST(processing_total, processing_offset + ?),
				processing_progress = LEAST(100.00, round(
					LEAST(processing_total, processing_offset + ?) * 100.0 / NULLIF(processing_total, 0), 2)),
				updated_at = now()
			WHERE id = ?
			RETURNING *`, delta, delta, id).Scan(ctx, file)
	})
	if err != nil {
		return nil, fmt.Errorf("add progress: %w", err)
	}
	return file, nil
}

// ResetProgress pins the offset to an absolute value, used by repair after
// recomputing what is actually done.
func (s *DBFiles) ResetProgress(ctx context.Context, id string, offset int) (*File, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative: %d", offset)
	}
	file := &File{}
	err := withRetry(ctx, func() error {
		return s.db.NewRaw(`UPDATE uploaded_files
			SET processing_offset = LEAST(processing_total, ?),
				processing_progress = LEAST(100.00, round(
					LEAST(processing_total, ?) * 100.0 / NULLIF(processing_total, 0), 2)),
				updated_at = now()
			WHERE id = ?
			RETURNING *`, offset, offset, id).Scan(ctx, file)
	})
	if err != nil {
		return nil, fmt.Errorf("reset progress: %w", err)
	}
	return file, nil
}

// SetStatus updates the processing status.
func (s *DBFiles) SetStatus(ctx context.Context, id, status string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewUpdate().Model((*File)(nil)).
			Set("processing_status = ?", status).
			Set("updated_at = now()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("set file status: %w", err)
		}
		return nil
	})
}

// SetLastError records the most recent chunk-level error on the file.
func (s *DBFiles) SetLastError(ctx context.Context, id, msg string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewUpdate().Model((*File)(nil)).
			Set("last_error = ?", msg).
			Set("updated_at = now()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("set file error: %w", err)
		}
		return nil
	})
}

// SetCompleted marks the file completed with its downloadable results URL.
// An empty URL leaves results_url NULL.
func (s *DBFiles) SetCompleted(ctx context.Context, id, resultsURL string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewUpdate().Model((*File)(nil)).
			Set("processing_status = ?", FileCompleted).
			Set("processing_progress = 100.00").
			Set("results_url = NULLIF(?, '')", resultsURL).
			Set("updated_at = now()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("set file completed: %w", err)
		}
		return nil
	})
}

// Active lists files a frontend would show as in flight.
func (s *DBFiles) Active(ctx context.Context) ([]File, error) {
	var files []File
	err := s.db.NewSelect().Model(&files).
		Where("processing_status IN (?, ?) OR (can_resume AND processing_progress < 100)",
			FileInitialized, FileProcessing).
		Order("uploaded_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active files: %w", err)
	}
	return files, nil
}
