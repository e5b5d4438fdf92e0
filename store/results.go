package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Results is the contract over the append-only classification log.
type Results interface {
	// InsertBatch inserts all rows or none. A collision on (file_id, e164)
	// fails the whole batch with ErrDuplicateResult.
	InsertBatch(ctx context.Context, rows []*Result) error
	// List streams all rows for a file in insertion order.
	List(ctx context.Context, fileID string) ([]Result, error)
	// DistinctE164 returns the set of phones already recorded for a file.
	DistinctE164(ctx context.Context, fileID string) (map[string]struct{}, error)
	// ExistingE164 returns which of the given phones already have a row.
	ExistingE164(ctx context.Context, fileID string, phones []string) (map[string]struct{}, error)
	Count(ctx context.Context, fileID string) (int, error)
	// Breakdown returns row counts per contact type.
	Breakdown(ctx context.Context, fileID string) (map[string]int, error)
	// DeleteOne removes the row for a single (file, phone) pair so the
	// phone can be reprocessed.
	DeleteOne(ctx context.Context, fileID, e164 string) error
}

// DBResults implements Results over Postgres.
type DBResults struct {
	db bun.IDB
}

// NewDBResults creates a DBResults over the given handle.
func NewDBResults(db bun.IDB) *DBResults {
	return &DBResults{db: db}
}

// InsertBatch writes a batch atomically. Duplicate (file_id, e164) rows
// violate the unique constraint and reject the whole batch; the caller
// dedupes against existing rows first.
func (s *DBResults) InsertBatch(ctx context.Context, rows []*Result) error {
	if len(rows) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		_, err := s.db.NewInsert().Model(&rows).Exec(ctx)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateResult
			}
			return fmt.Errorf("insert results: %w", err)
		}
		return nil
	})
}

// List returns all rows for a file ordered by insertion.
func (s *DBResults) List(ctx context.Context, fileID string) ([]Result, error) {
	var rows []Result
	err := s.db.NewSelect().Model(&rows).
		Where("file_id = ?", fileID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return rows, nil
}

// DistinctE164 returns every phone already recorded for a file.
func (s *DBResults) DistinctE164(ctx context.Context, fileID string) (map[string]struct{}, error) {
	var phones []string
	err := s.db.NewSelect().Model((*Result)(nil)).
		ColumnExpr("DISTINCT e164").
		Where("file_id = ?", fileID).
		Scan(ctx, &phones)
	if err != nil {
		return nil, fmt.Errorf("distinct results: %w", err)
	}
	set := make(map[string]struct{}, len(phones))
	for _, p := range phones {
		set[p] = struct{}{}
	}
	return set, nil
}

// ExistingE164 narrows DistinctE164 to the given phones; used to dedupe a
// re-acquired chunk after a crash without scanning the whole file.
func (s *DBResults) ExistingE164(ctx context.Context, fileID string, phones []string) (map[string]struct{}, error) {
	if len(phones) == 0 {
		return map[string]struct{}{}, nil
	}
	var found []string
	err := s.db.NewSelect().Model((*Result)(nil)).
		Column("e164").
		Where("file_id = ? AND e164 IN (?)", fileID, bun.In(phones)).
		Scan(ctx, &found)
	if err != nil {
		return nil, fmt.Errorf("existing results: %w", err)
	}
	set := make(map[string]struct{}, len(found))
	for _, p := range found {
		set[p] = struct{}{}
	}
	return set, nil
}

// Count returns the number of result rows for a file.
func (s *DBResults) Count(ctx context.Context, fileID string) (int, error) {
	count, err := s.db.NewSelect().Model((*Result)(nil)).
		Where("file_id = ?", fileID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return count, nil
}

// Breakdown aggregates rows per contact type for the completion quality
// check.
func (s *DBResults) Breakdown(ctx context.Context, fileID string) (map[string]int, error) {
	var rows []struct {
		ContactType string `bun:"contact_type"`
		N           int    `bun:"n"`
	}
	err := s.db.NewSelect().Model((*Result)(nil)).
		ColumnExpr("contact_type, count(*) AS n").
		Where("file_id = ?", fileID).
		GroupExpr("contact_type").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("results breakdown: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ContactType] = r.N
	}
	return out, nil
}

// DeleteOne removes a single (file, phone) row.
func (s *DBResults) DeleteOne(ctx context.Context, fileID, e164 string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.NewDelete().Model((*Result)(nil)).
			Where("file_id = ? AND e164 = ?", fileID, e164).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete result: %w", err)
		}
		return nil
	})
}
