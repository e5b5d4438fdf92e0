// Package repair reconciles a file's job record, its chunk queue, and its
// results when they diverge: chunks lost to partial failures, offsets that
// drifted from what is actually recorded, or a single phone that needs a
// fresh verdict. Every operation is idempotent and assumes no worker is
// concurrently processing the file.
package repair

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/brunoagalliu/ios-phone-checker-sub000/cache"
	"github.com/brunoagalliu/ios-phone-checker-sub000/classify"
	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// rebuildChunkSize is the payload size of chunks created during repair.
const rebuildChunkSize = 500

// Repairer runs the administrative reconciliation procedures.
type Repairer struct {
	files      store.Files
	chunks     store.Chunks
	results    store.Results
	cache      cache.Store
	classifier classify.Classifier
	log        *slog.Logger
}

// NewRepairer wires a Repairer. The classifier is only used by
// ReprocessSingle, through Classify. The bulk variant's Classify makes no
// upstream call and yields an error verdict, so a per-phone classifier is
// what re-classifies a phone.
func NewRepairer(
	files store.Files,
	chunks store.Chunks,
	results store.Results,
	cacheStore cache.Store,
	classifier classify.Classifier,
	log *slog.Logger,
) *Repairer {
	return &Repairer{
		files:      files,
		chunks:     chunks,
		results:    results,
		cache:      cacheStore,
		classifier: classifier,
		log:        log.With(slog.String("component", "repair")),
	}
}

// diagnosis is the union-minus-done computation shared by the chunk
// repairs.
type diagnosis struct {
	file        *store.File
	chunks      []store.Chunk
	done        map[string]struct{}
	unprocessed []store.PhoneRecord // payload order, deduplicated
}

func (r *Repairer) diagnose(ctx context.Context, fileID string) (*diagnosis, error) {
	file, err := r.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("file %s not found", fileID)
	}

	chunks, err := r.chunks.ListByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	done, err := r.results.DistinctE164(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// Union all payloads regardless of chunk status; a permanently failed
	// chunk's phones become workable again through repair.
	seen := make(map[string]struct{})
	var unprocessed []store.PhoneRecord
	for i := range chunks {
		payload, err := chunks[i].Payload()
		if err != nil {
			return nil, err
		}
		for _, rec := range payload {
			if _, dup := seen[rec.E164]; dup {
				continue
			}
			seen[rec.E164] = struct{}{}
			if _, ok := done[rec.E164]; ok {
				continue
			}
			unprocessed = append(unprocessed, rec)
		}
	}

	return &diagnosis{
		file:        file,
		chunks:      chunks,
		done:        done,
		unprocessed: unprocessed,
	}, nil
}

// RebuildChunks replaces the whole queue: every chunk payload is unioned,
// phones already recorded are dropped, and the remainder is repartitioned
// into fresh pending chunks. The offset is pinned to the recorded result
// count and the file returns to processing. Running it twice in a row is
// equivalent to running it once.
func (r *Repairer) RebuildChunks(ctx context.Context, fileID string) error {
	d, err := r.diagnose(ctx, fileID)
	if err != nil {
		return err
	}

	// The rebuilt plan may never exceed the file total.
	unprocessed := d.unprocessed
	if room := d.file.ProcessingTotal - len(d.done); len(unprocessed) > room {
		unprocessed = unprocessed[:room]
	}

	if err := r.chunks.DeleteByFile(ctx, fileID); err != nil {
		return err
	}

	fresh, err := partition(fileID, unprocessed, len(d.done), rebuildChunkSize)
	if err != nil {
		return err
	}
	if err := r.chunks.CreateBatch(ctx, fresh); err != nil {
		return err
	}

	if _, err := r.files.ResetProgress(ctx, fileID, len(d.done)); err != nil {
		return err
	}

	// With nothing left to plan the worker would never re-claim the file
	// (it only picks files with work remaining), so settle it here.
	status := store.FileProcessing
	if len(unprocessed) == 0 {
		status = store.FileCompleted
	}
	if err := r.files.SetStatus(ctx, fileID, status); err != nil {
		return err
	}

	r.log.Info("rebuilt chunks",
		slog.String("file_id", fileID),
		slog.String("status", status),
		slog.Int("done", len(d.done)),
		slog.Int("unprocessed", len(unprocessed)),
		slog.Int("chunks", len(fresh)))
	return nil
}

// CreateMissingChunks appends pending chunks for phones that are neither
// recorded nor sitting in a live chunk, leaving the existing queue alone.
// The new chunks take offsets past everything present so they sort last.
func (r *Repairer) CreateMissingChunks(ctx context.Context, fileID string) error {
	d, err := r.diagnose(ctx, fileID)
	if err != nil {
		return err
	}

	// Phones still queued in a workable chunk are not missing; appending
	// them again would plan them twice.
	queued := make(map[string]struct{})
	for i := range d.chunks {
		switch d.chunks[i].ChunkStatus {
		case store.ChunkPending, store.ChunkProcessing, store.ChunkFailed:
			payload, err := d.chunks[i].Payload()
			if err != nil {
				return err
			}
			for _, rec := range payload {
				queued[rec.E164] = struct{}{}
			}
		}
	}

	var missing []store.PhoneRecord
	for _, rec := range d.unprocessed {
		if _, ok := queued[rec.E164]; !ok {
			missing = append(missing, rec)
		}
	}
	if len(missing) == 0 {
		r.log.Info("no missing phones", slog.String("file_id", fileID))
		return nil
	}

	maxOffset, err := r.chunks.MaxOffset(ctx, fileID)
	if err != nil {
		return err
	}
	base := maxOffset + d.file.ProcessingTotal + 1

	fresh, err := partition(fileID, missing, base, rebuildChunkSize)
	if err != nil {
		return err
	}
	if err := r.chunks.CreateBatch(ctx, fresh); err != nil {
		return err
	}

	r.log.Info("created missing chunks",
		slog.String("file_id", fileID),
		slog.Int("missing", len(missing)),
		slog.Int("chunks", len(fresh)))
	return nil
}

// ReprocessSingle discards the recorded verdict and the cached entry for
// one phone, classifies it again upstream, and records the fresh verdict.
func (r *Repairer) ReprocessSingle(ctx context.Context, fileID, e164 string) error {
	file, err := r.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("file %s not found", fileID)
	}

	// Recover the original form from the chunk payloads; fall back to the
	// E.164 itself for chunks that have been rebuilt away.
	original := e164
	chunks, err := r.chunks.ListByFile(ctx, fileID)
	if err != nil {
		return err
	}
	for i := range chunks {
		payload, err := chunks[i].Payload()
		if err != nil {
			continue
		}
		for _, rec := range payload {
			if rec.E164 == e164 {
				original = rec.Original
				break
			}
		}
	}

	if err := r.results.DeleteOne(ctx, fileID, e164); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, e164); err != nil {
		return err
	}

	verdict, err := r.classifier.Classify(ctx, e164)
	if err != nil {
		return err
	}

	row := &store.Result{
		FileID:           fileID,
		PhoneNumber:      original,
		E164:             e164,
		IsIOS:            verdict.IsIOS,
		SupportsIMessage: verdict.SupportsIMessage,
		SupportsSMS:      verdict.SupportsSMS,
		ContactType:      verdict.ContactType,
		FromCache:        verdict.FromCache,
	}
	if verdict.Err != "" {
		msg := verdict.Err
		row.Error = &msg
	}
	if err := r.results.InsertBatch(ctx, []*store.Result{row}); err != nil {
		return err
	}

	r.log.Info("reprocessed phone",
		slog.String("file_id", fileID),
		slog.String("e164", e164),
		slog.String("contact_type", verdict.ContactType))
	return nil
}

// partition slices records into pending chunks of the given size, with
// offsets counting phones from base.
func partition(fileID string, records []store.PhoneRecord, base, size int) ([]*store.Chunk, error) {
	var chunks []*store.Chunk
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunk := &store.Chunk{
			ID:          uuid.NewString(),
			FileID:      fileID,
			ChunkOffset: base + start,
			ChunkStatus: store.ChunkPending,
		}
		if err := chunk.SetPayload(records[start:end]); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
