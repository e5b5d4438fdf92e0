package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
)

// Chunks is the contract over the persistent work queue.
type Chunks interface {
	CreateBatch(ctx context.Context, chunks []*Chunk) error
	// AcquireNext claims the first runnable chunk for a file under a row
	// lock: pending before failed, then by chunk_offset ascending, skipping
	// chunks that have exhausted their retries. Returns nil when no chunk
	// is runnable.
	AcquireNext(ctx context.Context, fileID string, maxRetries int) (*Chunk, error)
	Complete(ctx context.Context, id string) error
	// Fail increments the retry counter and flips the chunk to failed, or
	// failed_permanent once the retry budget is spent.
	Fail(ctx context.Context, id, msg string, maxRetries int) error
	// Split marks the chunk completed and, when remainder is non-nil,
	// inserts it as a fresh pending chunk in the same transaction.
	Split(ctx context.Context, id string, remainder *Chunk) error
	// ResetStuck flips processing chunks back to pending, reclaiming work
	// orphaned by a crashed worker. Returns the number reclaimed.
	ResetStuck(ctx context.Context, fileID string) (int, error)
	ListByFile(ctx context.Context, fileID string) ([]Chunk, error)
	// CountNonTerminal counts chunks still pending, processing, or failed.
	CountNonTerminal(ctx context.Context, fileID string) (int, error)
	MaxOffset(ctx context.Context, fileID string) (int, error)
	DeleteByFile(ctx context.Context, fileID string) error
	// DeletePending removes queued work on cancellation without touching
	// chunks a worker currently holds.
	DeletePending(ctx context.Context, fileID string) (int, error)
}

// DBChunks implements Chunks over Postgres.
type DBChunks struct {
	db bun.IDB
}

// NewDBChunks creates a DBChunks over the given handle.
func NewDBChunks(db bun.IDB) *DBChunks {
	return &DBChunks{db: db}
}

// CreateBatch inserts chunks in one statement.
func (s *DBChunks) CreateBatch(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		_, err := s.db.NewInsert().Model(&chunks).Exec(ctx)
		if err != nil {
			return fmt.Errorf("create chunks: %w", err)
		}
		return nil
	})
}

// AcquireNext claims the next runnable chunk. Select and status flip happen
// in the same statement under FOR UPDATE SKIP LOCKED.
func (s *DBChunks) AcquireNext(ctx context.Context, fileID string, maxRetries int) (*Chunk, error) {
	chunk := &Chunk{}
	err := s.db.NewRaw(`WITH next AS (
		SELECT id FROM processing_chunks
		WHERE file_id = ?
			AND chunk_status IN (?, ?)
			AND retry_count < ?
		ORDER BY CASE chunk_status WHEN ? THEN 0 ELSE 1 END, chunk_offset ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE processing_chunks c
	SET chunk_status = ?, updated_at = now()
	FROM next WHERE c.id = next.id
	RETURNING c.*`,
		fileID, ChunkPending, ChunkFailed, maxRetries, ChunkPending, ChunkProcessing).Scan(ctx, chunk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire chunk: %w", err)
	}
	return chunk, nil
}

// Complete marks a chunk done.
func (s *DBChunks) Complete(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewUpdate().Model((*Chunk)(nil)).
			Set("chunk_status = ?", ChunkCompleted).
			Set("updated_at = now()").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("complete chunk: %w", err)
		}
		return nil
	})
}

// Fail spends one retry. Below the budget the chunk returns to the queue as
// failed; at the budget it parks as failed_permanent.
func (s *DBChunks) Fail(ctx context.Context, id, msg string, maxRetries int) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewRaw(`UPDATE processing_chunks
			SET retry_count = retry_count + 1,
				chunk_status = CASE WHEN retry_count + 1 < ? THEN ? ELSE ? END,
				last_error = ?,
				updated_at = now()
			WHERE id = ?`,
			maxRetries, ChunkFailed, ChunkFailedPermanent, msg, id).Exec(ctx)
		if err != nil {
			return fmt.Errorf("fail chunk: %w", err)
		}
		return nil
	})
}

// Split completes the chunk and queues the unprocessed remainder, if any,
// atomically.
func (s *DBChunks) Split(ctx context.Context, id string, remainder *Chunk) error {
	return withRetry(ctx, func() error {
		err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewUpdate().Model((*Chunk)(nil)).
				Set("chunk_status = ?", ChunkCompleted).
				Set("updated_at = now()").
				Where("id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
			if remainder != nil {
				if _, err := tx.NewInsert().Model(remainder).Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("split chunk: %w", err)
		}
		return nil
	})
}

// ResetStuck reclaims chunks a previous run left in processing.
func (s *DBChunks) ResetStuck(ctx context.Context, fileID string) (int, error) {
	var reclaimed int
	err := withRetry(ctx, func() error {
		res, err := s.db.NewUpdate().Model((*Chunk)(nil)).
			Set("chunk_status = ?", ChunkPending).
			Set("updated_at = now()").
			Where("file_id = ? AND chunk_status = ?", fileID, ChunkProcessing).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("reset stuck chunks: %w", err)
		}
		n, _ := res.RowsAffected()
		reclaimed = int(n)
		return nil
	})
	return reclaimed, err
}

// ListByFile returns all chunks for a file ordered by offset.
func (s *DBChunks) ListByFile(ctx context.Context, fileID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.NewSelect().Model(&chunks).
		Where("file_id = ?", fileID).
		Order("chunk_offset ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	return chunks, nil
}

// CountNonTerminal counts chunks that still represent outstanding work.
func (s *DBChunks) CountNonTerminal(ctx context.Context, fileID string) (int, error) {
	count, err := s.db.NewSelect().Model((*Chunk)(nil)).
		Where("file_id = ? AND chunk_status IN (?, ?, ?)",
			fileID, ChunkPending, ChunkProcessing, ChunkFailed).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// MaxOffset returns the highest chunk_offset for a file, or -1 when the
// file has no chunks.
func (s *DBChunks) MaxOffset(ctx context.Context, fileID string) (int, error) {
	var max sql.NullInt64
	err := s.db.NewRaw(`SELECT max(chunk_offset) FROM processing_chunks WHERE file_id = ?`,
		fileID).Scan(ctx, &max)
	if err != nil {
		return 0, fmt.Errorf("max chunk offset: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// DeleteByFile removes every chunk of a file.
func (s *DBChunks) DeleteByFile(ctx context.Context, fileID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewDelete().Model((*Chunk)(nil)).
			Where("file_id = ?", fileID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		return nil
	})
}

// DeletePending removes queued chunks, leaving in-flight and terminal ones.
func (s *DBChunks) DeletePending(ctx context.Context, fileID string) (int, error) {
	var removed int
	err := withRetry(ctx, func() error {
		res, err := s.db.NewDelete().Model((*Chunk)(nil)).
			Where("file_id = ? AND chunk_status IN (?, ?)", fileID, ChunkPending, ChunkFailed).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete pending chunks: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}
