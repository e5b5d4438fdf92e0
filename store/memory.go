package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryFiles implements the Files interface in memory. It mirrors the
// Postgres semantics closely enough to drive the engine in tests.
type MemoryFiles struct {
	mu    sync.Mutex
	files map[string]*File
}

// NewMemoryFiles creates an empty MemoryFiles.
func NewMemoryFiles() *MemoryFiles {
	return &MemoryFiles{files: make(map[string]*File)}
}

func (s *MemoryFiles) Create(ctx context.Context, file *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file.UploadedAt.IsZero() {
		file.UploadedAt = time.Now()
	}
	clone := *file
	s.files[file.ID] = &clone
	return nil
}

func (s *MemoryFiles) Get(ctx context.Context, id string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[id]
	if !ok {
		return nil, nil
	}
	clone := *file
	return &clone, nil
}

func (s *MemoryFiles) AcquireNext(ctx context.Context, lease time.Duration) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*File
	for _, f := range s.files {
		if (f.ProcessingStatus == FileInitialized || f.ProcessingStatus == FileProcessing) &&
			f.ProcessingOffset < f.ProcessingTotal &&
			(f.ClaimedUntil == nil || f.ClaimedUntil.Before(now)) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UploadedAt.Before(candidates[j].UploadedAt)
	})

	picked := candidates[0]
	picked.ProcessingStatus = FileProcessing
	until := now.Add(lease)
	picked.ClaimedUntil = &until
	picked.UpdatedAt = now
	clone := *picked
	return &clone, nil
}

func (s *MemoryFiles) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.files[id]; ok {
		file.ClaimedUntil = nil
		file.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryFiles) AddProgress(ctx context.Context, id string, delta int) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setOffsetLocked(id, s.files[id].ProcessingOffset+delta)
}

func (s *MemoryFiles) ResetProgress(ctx context.Context, id string, offset int) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setOffsetLocked(id, offset)
}

func (s *MemoryFiles) setOffsetLocked(id string, offset int) (*File, error) {
	file := s.files[id]
	if offset > file.ProcessingTotal {
		offset = file.ProcessingTotal
	}
	file.ProcessingOffset = offset
	if file.ProcessingTotal > 0 {
		pct := float64(file.ProcessingOffset) * 100 / float64(file.ProcessingTotal)
		file.ProcessingProgress = math.Min(100, math.Round(pct*100)/100)
	}
	file.UpdatedAt = time.Now()
	clone := *file
	return &clone, nil
}

func (s *MemoryFiles) SetStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.files[id]; ok {
		file.ProcessingStatus = status
		file.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryFiles) SetLastError(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.files[id]; ok {
		m := msg
		file.LastError = &m
		file.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryFiles) SetCompleted(ctx context.Context, id, resultsURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.files[id]; ok {
		file.ProcessingStatus = FileCompleted
		file.ProcessingProgress = 100
		if resultsURL != "" {
			u := resultsURL
			file.ResultsURL = &u
		}
		file.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryFiles) Active(ctx context.Context) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []File
	for _, f := range s.files {
		if f.ProcessingStatus == FileInitialized || f.ProcessingStatus == FileProcessing ||
			(f.CanResume && f.ProcessingProgress < 100) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

// MemoryChunks implements the Chunks interface in memory.
type MemoryChunks struct {
	mu     sync.Mutex
	chunks map[string]*Chunk
}

// NewMemoryChunks creates an empty MemoryChunks.
func NewMemoryChunks() *MemoryChunks {
	return &MemoryChunks{chunks: make(map[string]*Chunk)}
}

func (s *MemoryChunks) CreateBatch(ctx context.Context, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		clone := *c
		s.chunks[c.ID] = &clone
	}
	return nil
}

func (s *MemoryChunks) AcquireNext(ctx context.Context, fileID string, maxRetries int) (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Chunk
	for _, c := range s.chunks {
		if c.FileID != fileID {
			continue
		}
		if (c.ChunkStatus == ChunkPending || c.ChunkStatus == ChunkFailed) && c.RetryCount < maxRetries {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := 1, 1
		if candidates[i].ChunkStatus == ChunkPending {
			ri = 0
		}
		if candidates[j].ChunkStatus == ChunkPending {
			rj = 0
		}
		if ri != rj {
			return ri < rj
		}
		return candidates[i].ChunkOffset < candidates[j].ChunkOffset
	})

	picked := candidates[0]
	picked.ChunkStatus = ChunkProcessing
	picked.UpdatedAt = time.Now()
	clone := *picked
	return &clone, nil
}

func (s *MemoryChunks) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[id]; ok {
		c.ChunkStatus = ChunkCompleted
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryChunks) Fail(ctx context.Context, id, msg string, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[id]; ok {
		c.RetryCount++
		if c.RetryCount < maxRetries {
			c.ChunkStatus = ChunkFailed
		} else {
			c.ChunkStatus = ChunkFailedPermanent
		}
		m := msg
		c.LastError = &m
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryChunks) Split(ctx context.Context, id string, remainder *Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chunks[id]; ok {
		c.ChunkStatus = ChunkCompleted
		c.UpdatedAt = time.Now()
	}
	if remainder != nil {
		clone := *remainder
		s.chunks[remainder.ID] = &clone
	}
	return nil
}

func (s *MemoryChunks) ResetStuck(ctx context.Context, fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for _, c := range s.chunks {
		if c.FileID == fileID && c.ChunkStatus == ChunkProcessing {
			c.ChunkStatus = ChunkPending
			c.UpdatedAt = time.Now()
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryChunks) ListByFile(ctx context.Context, fileID string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Chunk
	for _, c := range s.chunks {
		if c.FileID == fileID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkOffset < out[j].ChunkOffset })
	return out, nil
}

func (s *MemoryChunks) CountNonTerminal(ctx context.Context, fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.chunks {
		if c.FileID != fileID {
			continue
		}
		switch c.ChunkStatus {
		case ChunkPending, ChunkProcessing, ChunkFailed:
			count++
		}
	}
	return count, nil
}

func (s *MemoryChunks) MaxOffset(ctx context.Context, fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := -1
	for _, c := range s.chunks {
		if c.FileID == fileID && c.ChunkOffset > max {
			max = c.ChunkOffset
		}
	}
	return max, nil
}

func (s *MemoryChunks) DeleteByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.FileID == fileID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *MemoryChunks) DeletePending(ctx context.Context, fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.chunks {
		if c.FileID == fileID && (c.ChunkStatus == ChunkPending || c.ChunkStatus == ChunkFailed) {
			delete(s.chunks, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryResults implements the Results interface in memory.
type MemoryResults struct {
	mu   sync.Mutex
	rows []Result
	seen map[string]struct{} // file_id + "\x00" + e164
	next int64
}

// NewMemoryResults creates an empty MemoryResults.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{seen: make(map[string]struct{})}
}

func resultKey(fileID, e164 string) string {
	return fileID + "\x00" + e164
}

func (s *MemoryResults) InsertBatch(ctx context.Context, rows []*Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// All-or-nothing: check the whole batch before touching state.
	batch := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		key := resultKey(r.FileID, r.E164)
		if _, dup := s.seen[key]; dup {
			return ErrDuplicateResult
		}
		if _, dup := batch[key]; dup {
			return ErrDuplicateResult
		}
		batch[key] = struct{}{}
	}

	for _, r := range rows {
		s.next++
		clone := *r
		clone.ID = s.next
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now()
		}
		s.rows = append(s.rows, clone)
		s.seen[resultKey(r.FileID, r.E164)] = struct{}{}
	}
	return nil
}

func (s *MemoryResults) List(ctx context.Context, fileID string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, r := range s.rows {
		if r.FileID == fileID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryResults) DistinctE164(ctx context.Context, fileID string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, r := range s.rows {
		if r.FileID == fileID {
			set[r.E164] = struct{}{}
		}
	}
	return set, nil
}

func (s *MemoryResults) ExistingE164(ctx context.Context, fileID string, phones []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, p := range phones {
		if _, ok := s.seen[resultKey(fileID, p)]; ok {
			set[p] = struct{}{}
		}
	}
	return set, nil
}

func (s *MemoryResults) Count(ctx context.Context, fileID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.rows {
		if r.FileID == fileID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryResults) Breakdown(ctx context.Context, fileID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, r := range s.rows {
		if r.FileID == fileID {
			out[r.ContactType]++
		}
	}
	return out, nil
}

func (s *MemoryResults) DeleteOne(ctx context.Context, fileID, e164 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey(fileID, e164)
	if _, ok := s.seen[key]; !ok {
		return nil
	}
	delete(s.seen, key)
	for i, r := range s.rows {
		if r.FileID == fileID && r.E164 == e164 {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			break
		}
	}
	return nil
}

// Compile-time interface checks
var (
	_ Files   = (*MemoryFiles)(nil)
	_ Chunks  = (*MemoryChunks)(nil)
	_ Results = (*MemoryResults)(nil)

	_ Files   = (*DBFiles)(nil)
	_ Chunks  = (*DBChunks)(nil)
	_ Results = (*DBResults)(nil)
)
