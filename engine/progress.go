package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// Progress is the read surface a frontend polls or streams.
type Progress struct {
	FileID     string  `json:"file_id"`
	Status     string  `json:"status"`
	Offset     int     `json:"offset"`
	Total      int     `json:"total"`
	Progress   float64 `json:"progress"`
	LastError  string  `json:"last_error,omitempty"`
	ResultsURL string  `json:"results_url,omitempty"`
}

// Event types published to subscribers.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
)

// Event is one progress or completion notification.
type Event struct {
	Type string `json:"type"`
	Progress
}

func progressOf(file *store.File) Progress {
	p := Progress{
		FileID:   file.ID,
		Status:   file.ProcessingStatus,
		Offset:   file.ProcessingOffset,
		Total:    file.ProcessingTotal,
		Progress: file.ProcessingProgress,
	}
	if file.LastError != nil {
		p.LastError = *file.LastError
	}
	if file.ResultsURL != nil {
		p.ResultsURL = *file.ResultsURL
	}
	return p
}

// progressCache serves progress snapshots allowed to lag the database by a
// few seconds, keeping frontend polling off the files table.
type progressCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedProgress

	// now is swapped in tests.
	now func() time.Time
}

type cachedProgress struct {
	snapshot Progress
	at       time.Time
}

func newProgressCache(ttl time.Duration) *progressCache {
	return &progressCache{
		ttl:     ttl,
		entries: make(map[string]cachedProgress),
		now:     time.Now,
	}
}

func (c *progressCache) get(fileID string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fileID]
	if !ok || c.now().Sub(entry.at) > c.ttl {
		return Progress{}, false
	}
	return entry.snapshot, true
}

func (c *progressCache) put(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p.FileID] = cachedProgress{snapshot: p, at: c.now()}
}

// Broadcaster fans progress events out to subscribers. Slow subscribers
// drop events rather than stall the worker; the poll surface remains the
// source of truth.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and a cancel function. The channel is
// buffered; events overflowing the buffer are dropped for that subscriber.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Events exposes the engine's broadcaster; an HTTP layer bridges it to SSE.
func (e *Engine) Events() *Broadcaster {
	return e.events
}

func (e *Engine) publishProgress(file *store.File) {
	p := progressOf(file)
	e.progress.put(p)
	e.events.Publish(Event{Type: EventProgress, Progress: p})
}

func (e *Engine) publishCompletion(file *store.File) {
	p := progressOf(file)
	e.progress.put(p)
	e.events.Publish(Event{Type: EventCompleted, Progress: p})
}

// FileProgress returns the progress snapshot for a file, served from a
// cache that may lag the database by up to 3 seconds. Returns nil when the
// file does not exist.
func (e *Engine) FileProgress(ctx context.Context, fileID string) (*Progress, error) {
	if snapshot, ok := e.progress.get(fileID); ok {
		return &snapshot, nil
	}
	file, err := e.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, nil
	}
	p := progressOf(file)
	e.progress.put(p)
	return &p, nil
}

// ActiveFiles lists files that are in flight or resumable.
func (e *Engine) ActiveFiles(ctx context.Context) ([]store.File, error) {
	return e.files.Active(ctx)
}

// Cancel aborts processing for a file: queued chunks are deleted and the
// file is marked failed. A chunk currently held by a worker finishes, and
// the worker observes the failed status on its next progress update.
func (e *Engine) Cancel(ctx context.Context, fileID string) error {
	removed, err := e.chunks.DeletePending(ctx, fileID)
	if err != nil {
		return err
	}
	if err := e.files.SetStatus(ctx, fileID, store.FileFailed); err != nil {
		return err
	}
	if err := e.files.SetLastError(ctx, fileID, "cancelled"); err != nil {
		return err
	}
	e.log.Info("file cancelled",
		slog.String("file_id", fileID),
		slog.Int("chunks_removed", removed))

	file, err := e.files.Get(ctx, fileID)
	if err == nil && file != nil {
		e.publishProgress(file)
	}
	return nil
}

// Resume puts a resumable file back into the worker rotation.
func (e *Engine) Resume(ctx context.Context, fileID string) error {
	file, err := e.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("file %s not found", fileID)
	}
	if !file.CanResume {
		return fmt.Errorf("file %s is not resumable", fileID)
	}
	if file.ProcessingStatus == store.FileCompleted {
		return fmt.Errorf("file %s is already completed", fileID)
	}

	if _, err := e.chunks.ResetStuck(ctx, fileID); err != nil {
		return err
	}
	if err := e.files.SetStatus(ctx, fileID, store.FileProcessing); err != nil {
		return err
	}
	e.Kick()
	return nil
}

// csvHeader is the column order of the result export.
var csvHeader = []string{"phone_number", "e164", "supports_imessage", "supports_sms", "contact_type", "error"}

// WriteResultsCSV streams a completed file's results as CSV in insertion
// order. Fails when the file is not completed.
func (e *Engine) WriteResultsCSV(ctx context.Context, w io.Writer, fileID string) error {
	file, err := e.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("file %s not found", fileID)
	}
	if file.ProcessingStatus != store.FileCompleted {
		return fmt.Errorf("file %s is not completed (status %s)", fileID, file.ProcessingStatus)
	}

	rows, err := e.results.List(ctx, fileID)
	if err != nil {
		return err
	}
	return writeCSV(w, rows)
}

// writeCSV emits the header and one row per result.
func writeCSV(w io.Writer, rows []store.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		errMsg := ""
		if row.Error != nil {
			errMsg = *row.Error
		}
		record := []string{
			row.PhoneNumber,
			row.E164,
			fmt.Sprintf("%t", row.SupportsIMessage),
			fmt.Sprintf("%t", row.SupportsSMS),
			row.ContactType,
			errMsg,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
