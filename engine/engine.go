// Package engine drives classification jobs: it claims runnable files and
// chunks under row locks, pushes chunk payloads through a classifier inside
// a bounded wall-clock budget, commits progress chunk by chunk, and settles
// files into completion once every phone has a durable verdict. A crashed
// or interrupted invocation loses at most the phones of the chunk it was
// holding, and those are deduplicated on re-acquire.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brunoagalliu/ios-phone-checker-sub000/classify"
	"github.com/brunoagalliu/ios-phone-checker-sub000/config"
	"github.com/brunoagalliu/ios-phone-checker-sub000/metrics"
	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// Exporter publishes a completed file's results and returns a downloadable
// URL. An implementation failure does not block completion: the download
// surface can always stream straight from the result store.
type Exporter interface {
	Export(ctx context.Context, file *store.File, rows []store.Result) (string, error)
}

// Engine owns the worker loop and the progress surface.
type Engine struct {
	cfg         *config.Config
	files       store.Files
	chunks      store.Chunks
	results     store.Results
	classifiers map[string]classify.Classifier
	exporter    Exporter
	metrics     *metrics.Metrics
	log         *slog.Logger

	progress *progressCache
	events   *Broadcaster
	kick     chan struct{}

	// now is swapped in tests to steer the wall-clock budget.
	now func() time.Time
}

// New wires an Engine. classifiers maps service names to their classifier;
// lookups for unknown services fall back to the rate-limited default.
func New(
	cfg *config.Config,
	files store.Files,
	chunks store.Chunks,
	results store.Results,
	classifiers map[string]classify.Classifier,
	exporter Exporter,
	log *slog.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg,
		files:       files,
		chunks:      chunks,
		results:     results,
		classifiers: classifiers,
		exporter:    exporter,
		metrics:     metrics.NewMetrics(),
		log:         log.With(slog.String("component", "engine")),
		progress:    newProgressCache(3 * time.Second),
		events:      NewBroadcaster(),
		kick:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Metrics exposes the run counters.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Tick runs one bounded worker invocation: claim a file, drain its chunks
// until the wall-clock budget expires or the queue empties, then settle the
// file's terminal state. Safe to call concurrently; the row locks on file
// and chunk acquisition keep invocations from overlapping on the same work.
// Returns false when no file was runnable or the claimed file had no
// workable chunk, so callers can back off instead of spinning on a file
// that only repair can move forward.
func (e *Engine) Tick(ctx context.Context) (bool, error) {
	start := e.now()
	deadline := start.Add(e.cfg.MaxWallTime)

	// The lease outlives the budget slightly so a healthy invocation always
	// finishes before another worker can consider the file abandoned.
	file, err := e.files.AcquireNext(ctx, e.cfg.MaxWallTime+30*time.Second)
	if err != nil {
		return false, err
	}
	if file == nil {
		return false, nil
	}
	worked := false
	defer func() {
		if err := e.files.Release(ctx, file.ID); err != nil {
			e.log.Warn("file release failed",
				slog.String("file_id", file.ID),
				slog.String("error", err.Error()))
		}
	}()

	log := e.log.With(slog.String("file_id", file.ID))
	log.Info("processing file",
		slog.String("service", file.Service),
		slog.Int("offset", file.ProcessingOffset),
		slog.Int("total", file.ProcessingTotal))

	// Reclaim chunks orphaned by a previous crashed or expired run.
	reclaimed, err := e.chunks.ResetStuck(ctx, file.ID)
	if err != nil {
		return worked, err
	}
	if reclaimed > 0 {
		log.Warn("reclaimed stuck chunks", slog.Int("count", reclaimed))
	}

	classifier := e.classifierFor(file.Service)

	for e.now().Before(deadline) {
		chunk, err := e.chunks.AcquireNext(ctx, file.ID, e.cfg.MaxRetries)
		if err != nil {
			return worked, err
		}
		if chunk == nil {
			break
		}
		worked = true

		updated, err := e.processChunk(ctx, file, chunk, classifier, deadline)
		if err != nil {
			// Chunk-level escape: spend a retry, record the error on the
			// file, and stop working this file for the rest of the
			// invocation.
			log.Error("chunk failed",
				slog.String("chunk_id", chunk.ID),
				slog.String("error", err.Error()))
			e.metrics.RecordChunkFailed()
			if failErr := e.chunks.Fail(ctx, chunk.ID, err.Error(), e.cfg.MaxRetries); failErr != nil {
				return worked, failErr
			}
			if setErr := e.files.SetLastError(ctx, file.ID, err.Error()); setErr != nil {
				return worked, setErr
			}
			break
		}
		file = updated

		// A cancellation flips the file to failed; stop picking up work.
		if file.ProcessingStatus == store.FileFailed {
			log.Info("file cancelled, releasing")
			return worked, nil
		}
	}

	return worked, e.settleFile(ctx, file.ID)
}

// processChunk classifies one chunk's payload within the remaining budget.
// Phones already recorded for the file count as processed without
// reclassification, which makes re-acquiring a chunk after a crash safe
// under the append-only result constraint. Returns the refreshed file row.
func (e *Engine) processChunk(ctx context.Context, file *store.File, chunk *store.Chunk, classifier classify.Classifier, deadline time.Time) (*store.File, error) {
	payload, err := chunk.Payload()
	if err != nil {
		return nil, err
	}

	phones := make([]string, len(payload))
	for i, rec := range payload {
		phones[i] = rec.E164
	}

	existing, err := e.results.ExistingE164(ctx, file.ID, phones)
	if err != nil {
		return nil, err
	}

	cached, err := classifier.Prefetch(ctx, phones)
	if err != nil {
		return nil, err
	}

	processed := 0
	rows := make([]*store.Result, 0, len(payload))
	for _, rec := range payload {
		if !e.now().Before(deadline) {
			break
		}
		if _, done := existing[rec.E164]; done {
			processed++
			continue
		}

		verdict, hit := cached[rec.E164]
		if hit {
			e.metrics.RecordCacheHit()
		} else {
			verdict, err = classifier.Classify(ctx, rec.E164)
			if err != nil {
				// Context-level failure; persist what we have before
				// surfacing it so the phones already classified are not
				// re-bought from the upstream. The offset is not advanced
				// here: the re-acquired chunk counts these rows exactly
				// once through the dedupe pass.
				if len(rows) > 0 {
					_ = e.results.InsertBatch(ctx, rows)
				}
				return nil, err
			}
			e.metrics.RecordUpstreamCall()
		}

		if verdict.IsError() {
			e.metrics.RecordErrorVerdict()
		}
		rows = append(rows, resultRow(file.ID, rec, verdict))
		processed++
	}

	if len(rows) > 0 {
		if err := e.results.InsertBatch(ctx, rows); err != nil {
			return nil, err
		}
	}

	if processed == len(payload) {
		if err := e.chunks.Complete(ctx, chunk.ID); err != nil {
			return nil, err
		}
		e.metrics.RecordChunkCompleted()
	} else {
		if err := e.splitChunk(ctx, file, chunk, payload, processed); err != nil {
			return nil, err
		}
	}

	updated, err := e.files.AddProgress(ctx, file.ID, processed)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordProcessed(processed)
	e.publishProgress(updated)

	return updated, nil
}

// splitChunk completes the partially consumed chunk and queues the
// remainder, unless queuing it would plan more phones than the file holds,
// in which case the remainder is dropped and the chunk simply completes.
func (e *Engine) splitChunk(ctx context.Context, file *store.File, chunk *store.Chunk, payload []store.PhoneRecord, processed int) error {
	remainder := payload[processed:]
	offsetAfter := file.ProcessingOffset + processed

	if offsetAfter+len(remainder) > file.ProcessingTotal {
		e.log.Warn("suppressing chunk split past file total",
			slog.String("file_id", file.ID),
			slog.String("chunk_id", chunk.ID),
			slog.Int("remainder", len(remainder)))
		e.metrics.RecordChunkCompleted()
		return e.chunks.Split(ctx, chunk.ID, nil)
	}

	rest := &store.Chunk{
		ID:          uuid.NewString(),
		FileID:      file.ID,
		ChunkOffset: chunk.ChunkOffset + processed,
		ChunkStatus: store.ChunkPending,
	}
	if err := rest.SetPayload(remainder); err != nil {
		return err
	}
	e.metrics.RecordChunkCompleted()
	return e.chunks.Split(ctx, chunk.ID, rest)
}

// settleFile re-reads the file and completes it when every phone is
// accounted for and no chunk remains workable. Otherwise it stays in
// processing for the next invocation to resume.
func (e *Engine) settleFile(ctx context.Context, fileID string) error {
	file, err := e.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil || file.ProcessingStatus == store.FileFailed {
		return nil
	}

	nonTerminal, err := e.chunks.CountNonTerminal(ctx, file.ID)
	if err != nil {
		return err
	}
	if file.ProcessingOffset < file.ProcessingTotal || nonTerminal > 0 {
		e.publishProgress(file)
		return nil
	}

	return e.completeFile(ctx, file)
}

// completeFile exports the results, marks the file completed, and runs the
// advisory quality check.
func (e *Engine) completeFile(ctx context.Context, file *store.File) error {
	log := e.log.With(slog.String("file_id", file.ID))

	rows, err := e.results.List(ctx, file.ID)
	if err != nil {
		return err
	}

	resultsURL := ""
	if e.exporter != nil {
		resultsURL, err = e.exporter.Export(ctx, file, rows)
		if err != nil {
			// Completion does not depend on the export; downloads can
			// stream from the result store directly.
			log.Warn("results export failed", slog.String("error", err.Error()))
			resultsURL = ""
			if setErr := e.files.SetLastError(ctx, file.ID, fmt.Sprintf("export: %v", err)); setErr != nil {
				return setErr
			}
		}
	}

	if err := e.files.SetCompleted(ctx, file.ID, resultsURL); err != nil {
		return err
	}

	breakdown, err := e.results.Breakdown(ctx, file.ID)
	if err != nil {
		log.Warn("quality check skipped", slog.String("error", err.Error()))
	} else {
		quality := metrics.Quality(breakdown)
		if len(quality.Warnings) > 0 {
			log.Warn("quality check flagged results", slog.String("report", quality.String()))
		} else {
			log.Info("quality check clean", slog.String("report", quality.String()))
		}
	}

	completed, err := e.files.Get(ctx, file.ID)
	if err != nil {
		return err
	}
	log.Info("file completed", slog.Int("results", len(rows)))
	e.publishCompletion(completed)
	return nil
}

// classifierFor picks the classifier for a service, defaulting to the
// rate-limited variant.
func (e *Engine) classifierFor(service string) classify.Classifier {
	if c, ok := e.classifiers[service]; ok {
		return c
	}
	return e.classifiers[config.ServiceBlooio]
}

// resultRow converts a verdict into its durable row.
func resultRow(fileID string, rec store.PhoneRecord, verdict classify.Verdict) *store.Result {
	row := &store.Result{
		FileID:           fileID,
		PhoneNumber:      rec.Original,
		E164:             rec.E164,
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
	return row
}
