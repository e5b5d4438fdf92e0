// Package ingest turns an uploaded, validated phone list into a runnable
// job: a file record plus a queue of pending chunks sized for the service
// that will classify them. It also loads validated phone lists back out of
// S3 for first-time initialization. The repair operations do not read these
// lists; they work from the stored chunk payloads.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gurre/s3streamer"

	"github.com/brunoagalliu/ios-phone-checker-sub000/config"
	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// FileMeta describes an upload being initialized.
type FileMeta struct {
	ID       string // generated when empty
	FileName string
	Service  string
}

// Ingestor creates files and their chunk queues.
type Ingestor struct {
	files  store.Files
	chunks store.Chunks
	cfg    *config.Config
	log    *slog.Logger
}

// NewIngestor wires an Ingestor.
func NewIngestor(files store.Files, chunks store.Chunks, cfg *config.Config, log *slog.Logger) *Ingestor {
	return &Ingestor{
		files:  files,
		chunks: chunks,
		cfg:    cfg,
		log:    log.With(slog.String("component", "ingest")),
	}
}

// InitFile creates the file record and partitions the validated phones
// into pending chunks. It must be called exactly once per file; a second
// call for the same id is rejected. An empty phone list completes the file
// immediately.
func (i *Ingestor) InitFile(ctx context.Context, meta FileMeta, phones []store.PhoneRecord) (*store.File, error) {
	if meta.Service == "" {
		meta.Service = config.ServiceBlooio
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}

	if existing, err := i.files.Get(ctx, meta.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("file %s already initialized", meta.ID)
	}

	file := &store.File{
		ID:               meta.ID,
		FileName:         meta.FileName,
		Service:          meta.Service,
		ProcessingTotal:  len(phones),
		ProcessingStatus: store.FileInitialized,
		CanResume:        true,
	}
	if len(phones) == 0 {
		file.ProcessingStatus = store.FileCompleted
		file.ProcessingProgress = 100
	}
	if err := i.files.Create(ctx, file); err != nil {
		return nil, err
	}

	size := i.cfg.ChunkSizeFor(meta.Service)
	var chunks []*store.Chunk
	for start := 0; start < len(phones); start += size {
		end := start + size
		if end > len(phones) {
			end = len(phones)
		}
		chunk := &store.Chunk{
			ID:          uuid.NewString(),
			FileID:      file.ID,
			ChunkOffset: start,
			ChunkStatus: store.ChunkPending,
		}
		if err := chunk.SetPayload(phones[start:end]); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := i.chunks.CreateBatch(ctx, chunks); err != nil {
		return nil, err
	}

	i.log.Info("file initialized",
		slog.String("file_id", file.ID),
		slog.String("service", meta.Service),
		slog.Int("phones", len(phones)),
		slog.Int("chunks", len(chunks)))
	return file, nil
}

// ListLoader reads validated phone lists from S3. Lists are stored as JSON
// lines, one record per line, written at upload time by the ingestion
// frontend.
type ListLoader struct {
	streamer s3streamer.Streamer
	log      *slog.Logger
}

// NewListLoader creates a loader over the given streamer.
func NewListLoader(streamer s3streamer.Streamer, log *slog.Logger) *ListLoader {
	return &ListLoader{
		streamer: streamer,
		log:      log.With(slog.String("component", "list_loader")),
	}
}

// Load streams the list at s3://bucket/key and returns its records.
// Malformed lines and records without a plausible E.164 are skipped with a
// warning rather than failing the whole list.
func (l *ListLoader) Load(ctx context.Context, bucket, key string) ([]store.PhoneRecord, error) {
	var records []store.PhoneRecord
	skipped := 0

	err := l.streamer.Stream(ctx, bucket, key, 0, func(line []byte, offset int64) error {
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			return nil
		}
		var rec store.PhoneRecord
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			skipped++
			return nil
		}
		if !strings.HasPrefix(rec.E164, "+") || len(rec.E164) < 8 {
			skipped++
			return nil
		}
		if rec.Original == "" {
			rec.Original = rec.E164
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream phone list: %w", err)
	}

	if skipped > 0 {
		l.log.Warn("skipped malformed list entries",
			slog.String("key", key),
			slog.Int("skipped", skipped))
	}
	return records, nil
}
