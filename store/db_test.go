package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func newMockDB(t *testing.T) (*bun.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var fileColumns = []string{
	"id", "file_name", "service", "processing_total", "processing_offset",
	"processing_progress", "processing_status", "can_resume", "last_error",
	"results_url", "claimed_until", "uploaded_at", "updated_at",
}

func TestDBFiles_AcquireNext_NoRunnable(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`WITH next AS`).WillReturnRows(sqlmock.NewRows(fileColumns))

	files := NewDBFiles(db)
	got, err := files.AcquireNext(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected no file, got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDBFiles_AcquireNext_ClaimsFile(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery(`WITH next AS`).WillReturnRows(
		sqlmock.NewRows(fileColumns).AddRow(
			"f1", "list.csv", "blooio", 1000, 0, 0.0, FileProcessing,
			true, nil, nil, now.Add(5*time.Minute), now, now,
		),
	)

	files := NewDBFiles(db)
	got, err := files.AcquireNext(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got == nil || got.ID != "f1" || got.ProcessingStatus != FileProcessing {
		t.Errorf("unexpected file: %+v", got)
	}
}

func TestDBFiles_AddProgress_RejectsNegativeDelta(t *testing.T) {
	db, _ := newMockDB(t)
	files := NewDBFiles(db)
	if _, err := files.AddProgress(context.Background(), "f1", -1); err == nil {
		t.Errorf("expected error for negative delta")
	}
}

var chunkColumns = []string{
	"id", "file_id", "chunk_offset", "chunk_data", "chunk_status",
	"retry_count", "last_error", "created_at", "updated_at",
}

func TestDBChunks_AcquireNext_EmptyQueue(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`WITH next AS`).WillReturnRows(sqlmock.NewRows(chunkColumns))

	chunks := NewDBChunks(db)
	got, err := chunks.AcquireNext(context.Background(), "f1", 3)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected no chunk, got %+v", got)
	}
}

func TestDBChunks_AcquireNext_DecodesPayload(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	payload := `[{"original":"4155550001","e164":"+14155550001"}]`
	mock.ExpectQuery(`WITH next AS`).WillReturnRows(
		sqlmock.NewRows(chunkColumns).AddRow(
			"c1", "f1", 0, payload, ChunkProcessing, 0, nil, now, now,
		),
	)

	chunks := NewDBChunks(db)
	got, err := chunks.AcquireNext(context.Background(), "f1", 3)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	records, err := got.Payload()
	if err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if len(records) != 1 || records[0].E164 != "+14155550001" {
		t.Errorf("unexpected payload: %+v", records)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"no rows", sql.ErrNoRows, false},
		{"duplicate", ErrDuplicateResult, false},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"other", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return io.EOF
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetry_NonTransientImmediate(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return ErrDuplicateResult
	})
	if !errors.Is(err, ErrDuplicateResult) {
		t.Fatalf("expected ErrDuplicateResult, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-transient error must not retry, got %d calls", calls)
	}
}

func TestWithRetry_Exhaustion(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return io.EOF
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}
