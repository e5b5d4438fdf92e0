// Package store implements the persistent state of the engine over
// Postgres: the uploaded-file job records, the chunk work queue, and the
// append-only classification results. Acquisition paths take row-level
// locks with SKIP LOCKED so concurrent workers never hand out the same
// file or chunk twice.
package store

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/uptrace/bun"
)

// File processing statuses.
const (
	FileUploading   = "uploading"
	FileInitialized = "initialized"
	FileProcessing  = "processing"
	FileCompleted   = "completed"
	FileFailed      = "failed"
)

// Chunk statuses. Completed and failed_permanent are terminal.
const (
	ChunkPending         = "pending"
	ChunkProcessing      = "processing"
	ChunkCompleted       = "completed"
	ChunkFailed          = "failed"
	ChunkFailedPermanent = "failed_permanent"
)

// ErrDuplicateResult is returned when a result batch collides with an
// existing (file_id, e164) row. Results are append-only; callers dedupe
// before inserting instead of upserting.
var ErrDuplicateResult = errors.New("duplicate result for file and phone")

// PhoneRecord is one entry of a chunk payload: the phone as uploaded and
// its validated E.164 form.
type PhoneRecord struct {
	Original string `json:"original"`
	E164     string `json:"e164"`
}

// File is the authoritative job descriptor for one uploaded file.
type File struct {
	bun.BaseModel `bun:"table:uploaded_files,alias:f"`

	ID                 string     `bun:"id,pk"`
	FileName           string     `bun:"file_name"`
	Service            string     `bun:"service"`
	ProcessingTotal    int        `bun:"processing_total"`
	ProcessingOffset   int        `bun:"processing_offset"`
	ProcessingProgress float64    `bun:"processing_progress"`
	ProcessingStatus   string     `bun:"processing_status"`
	CanResume          bool       `bun:"can_resume"`
	LastError          *string    `bun:"last_error"`
	ResultsURL         *string    `bun:"results_url"`
	ClaimedUntil       *time.Time `bun:"claimed_until"`
	UploadedAt         time.Time  `bun:"uploaded_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Chunk is one persistent unit of work: an ordered slice of phone records
// with a status and a retry counter. The payload is stored as opaque JSON
// text so a chunk survives process restarts intact.
type Chunk struct {
	bun.BaseModel `bun:"table:processing_chunks,alias:c"`

	ID          string    `bun:"id,pk"`
	FileID      string    `bun:"file_id"`
	ChunkOffset int       `bun:"chunk_offset"`
	ChunkData   string    `bun:"chunk_data"`
	ChunkStatus string    `bun:"chunk_status"`
	RetryCount  int       `bun:"retry_count"`
	LastError   *string   `bun:"last_error"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// Payload decodes the chunk's phone records.
func (c *Chunk) Payload() ([]PhoneRecord, error) {
	var records []PhoneRecord
	if err := json.Unmarshal([]byte(c.ChunkData), &records); err != nil {
		return nil, fmt.Errorf("chunk %s payload decode: %w", c.ID, err)
	}
	return records, nil
}

// SetPayload encodes phone records into the chunk. The payload is held as
// a string so it travels to and from the TEXT column unchanged rather than
// as a bytea escape literal.
func (c *Chunk) SetPayload(records []PhoneRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("chunk payload encode: %w", err)
	}
	c.ChunkData = string(data)
	return nil
}

// Result is one durable classification outcome, unique per (file, e164).
type Result struct {
	bun.BaseModel `bun:"table:blooio_results,alias:r"`

	ID               int64     `bun:"id,pk,autoincrement"`
	FileID           string    `bun:"file_id"`
	PhoneNumber      string    `bun:"phone_number"`
	E164             string    `bun:"e164"`
	IsIOS            bool      `bun:"is_ios"`
	SupportsIMessage bool      `bun:"supports_imessage"`
	SupportsSMS      bool      `bun:"supports_sms"`
	ContactType      string    `bun:"contact_type"`
	Error            *string   `bun:"error"`
	FromCache        bool      `bun:"from_cache"`
	CreatedAt        time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
