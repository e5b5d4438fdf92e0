package repair

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/brunoagalliu/ios-phone-checker-sub000/cache"
	"github.com/brunoagalliu/ios-phone-checker-sub000/classify"
	"github.com/brunoagalliu/ios-phone-checker-sub000/store"
)

// fakeClassifier answers every phone with a fixed verdict.
type fakeClassifier struct {
	verdict classify.Verdict
	calls   int
}

func (f *fakeClassifier) Prefetch(ctx context.Context, phones []string) (map[string]classify.Verdict, error) {
	return map[string]classify.Verdict{}, nil
}

func (f *fakeClassifier) Classify(ctx context.Context, e164 string) (classify.Verdict, error) {
	f.calls++
	return f.verdict, nil
}

type fixture struct {
	repairer   *Repairer
	files      *store.MemoryFiles
	chunks     *store.MemoryChunks
	results    *store.MemoryResults
	cache      *cache.MemoryCache
	classifier *fakeClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	files := store.NewMemoryFiles()
	chunks := store.NewMemoryChunks()
	results := store.NewMemoryResults()
	memCache := cache.NewMemoryCache(time.Hour)
	classifier := &fakeClassifier{verdict: classify.Verdict{
		SupportsIMessage: true, IsIOS: true, ContactType: classify.ContactIPhone,
	}}
	return &fixture{
		repairer:   NewRepairer(files, chunks, results, memCache, classifier, slog.Default()),
		files:      files,
		chunks:     chunks,
		results:    results,
		cache:      memCache,
		classifier: classifier,
	}
}

func records(start, n int) []store.PhoneRecord {
	out := make([]store.PhoneRecord, n)
	for i := range out {
		out[i] = store.PhoneRecord{
			Original: phone(start + i)[1:],
			E164:     phone(start + i),
		}
	}
	return out
}

func phone(i int) string {
	return "+1415555" + pad4(i)
}

func pad4(i int) string {
	digits := []byte{'0', '0', '0', '0'}
	for pos := 3; pos >= 0 && i > 0; pos-- {
		digits[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(digits)
}

func seedChunk(t *testing.T, f *fixture, id, fileID, status string, offset int, recs []store.PhoneRecord) {
	t.Helper()
	chunk := &store.Chunk{ID: id, FileID: fileID, ChunkOffset: offset, ChunkStatus: status}
	if err := chunk.SetPayload(recs); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := f.chunks.CreateBatch(context.Background(), []*store.Chunk{chunk}); err != nil {
		t.Fatalf("create chunk: %v", err)
	}
}

func seedResults(t *testing.T, f *fixture, fileID string, recs []store.PhoneRecord) {
	t.Helper()
	rows := make([]*store.Result, len(recs))
	for i, rec := range recs {
		rows[i] = &store.Result{
			FileID: fileID, PhoneNumber: rec.Original, E164: rec.E164,
			ContactType: classify.ContactIPhone, IsIOS: true, SupportsIMessage: true,
		}
	}
	if err := f.results.InsertBatch(context.Background(), rows); err != nil {
		t.Fatalf("seed results: %v", err)
	}
}

func TestRebuildChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 100 phones: the first 50 are recorded, the second 50 sit in a chunk
	// that exhausted its retries. The offset drifted to a bogus value.
	_ = f.files.Create(ctx, &store.File{ID: "f1", ProcessingTotal: 100,
		ProcessingOffset: 37, ProcessingStatus: store.FileProcessing, CanResume: true})
	done := records(0, 50)
	seedChunk(t, f, "c1", "f1", store.ChunkCompleted, 0, done)
	seedChunk(t, f, "c2", "f1", store.ChunkFailedPermanent, 50, records(50, 50))
	seedResults(t, f, "f1", done)

	if err := f.repairer.RebuildChunks(ctx, "f1"); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	file, _ := f.files.Get(ctx, "f1")
	if file.ProcessingOffset != 50 {
		t.Errorf("expected offset pinned to 50, got %d", file.ProcessingOffset)
	}
	if file.ProcessingProgress != 50 {
		t.Errorf("expected 50%% progress, got %.2f", file.ProcessingProgress)
	}
	if file.ProcessingStatus != store.FileProcessing {
		t.Errorf("expected processing status, got %s", file.ProcessingStatus)
	}

	chunks, _ := f.chunks.ListByFile(ctx, "f1")
	if len(chunks) != 1 {
		t.Fatalf("expected a single rebuilt chunk, got %d", len(chunks))
	}
	if chunks[0].ChunkStatus != store.ChunkPending {
		t.Errorf("rebuilt chunk must be pending, got %s", chunks[0].ChunkStatus)
	}
	payload, _ := chunks[0].Payload()
	if len(payload) != 50 {
		t.Fatalf("expected 50 unprocessed phones, got %d", len(payload))
	}
	seen := make(map[string]struct{})
	for _, rec := range payload {
		if _, dup := seen[rec.E164]; dup {
			t.Errorf("duplicate phone in rebuilt payload: %s", rec.E164)
		}
		seen[rec.E164] = struct{}{}
	}

	// Permanently failed work is re-eligible after a rebuild.
	if got, _ := f.chunks.AcquireNext(ctx, "f1", 3); got == nil {
		t.Errorf("rebuilt chunk must be acquirable")
	}
}

func TestRebuildChunks_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.files.Create(ctx, &store.File{ID: "f1", ProcessingTotal: 1200,
		ProcessingStatus: store.FileProcessing, CanResume: true})
	seedChunk(t, f, "c1", "f1", store.ChunkPending, 0, records(0, 1200))

	if err := f.repairer.RebuildChunks(ctx, "f1"); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}
	first, _ := f.chunks.ListByFile(ctx, "f1")
	if len(first) != 3 {
		t.Fatalf("expected 3 chunks of 500, got %d", len(first))
	}

	if err := f.repairer.RebuildChunks(ctx, "f1"); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	second, _ := f.chunks.ListByFile(ctx, "f1")
	if len(second) != 3 {
		t.Fatalf("expected rebuild to be stable, got %d chunks", len(second))
	}

	total := 0
	for i := range second {
		payload, _ := second[i].Payload()
		total += len(payload)
	}
	if total != 1200 {
		t.Errorf("expected 1200 planned phones, got %d", total)
	}

	file, _ := f.files.Get(ctx, "f1")
	if file.ProcessingOffset != 0 {
		t.Errorf("expected offset 0 with nothing recorded, got %d", file.ProcessingOffset)
	}
}

func TestRebuildChunks_AllRecordedCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Every phone already has a result; the rebuild has nothing to plan,
	// and a worker would never re-claim a file with no work remaining.
	done := records(0, 100)
	_ = f.files.Create(ctx, &store.File{ID: "f1", ProcessingTotal: 100,
		ProcessingOffset: 73, ProcessingStatus: store.FileProcessing, CanResume: true})
	seedChunk(t, f, "c1", "f1", store.ChunkFailedPermanent, 0, done)
	seedResults(t, f, "f1", done)

	if err := f.repairer.RebuildChunks(ctx, "f1"); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	file, _ := f.files.Get(ctx, "f1")
	if file.ProcessingStatus != store.FileCompleted {
		t.Errorf("expected completed, got %s", file.ProcessingStatus)
	}
	if file.ProcessingOffset != 100 || file.ProcessingProgress != 100 {
		t.Errorf("expected offset 100 / 100%%, got %d / %.2f", file.ProcessingOffset, file.ProcessingProgress)
	}
	chunks, _ := f.chunks.ListByFile(ctx, "f1")
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for a fully recorded file, got %d", len(chunks))
	}
}

func TestCreateMissingChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A chunk completed without recording all its phones: 70 planned, only
	// 30 recorded. Another 30 phones are still queued and must not be
	// planned twice.
	_ = f.files.Create(ctx, &store.File{ID: "f1", ProcessingTotal: 100,
		ProcessingOffset: 30, ProcessingStatus: store.FileProcessing, CanResume: true})
	all := records(0, 70)
	seedChunk(t, f, "c1", "f1", store.ChunkCompleted, 0, all)
	seedChunk(t, f, "c2", "f1", store.ChunkPending, 70, records(70, 30))
	seedResults(t, f, "f1", all[:30])

	if err := f.repairer.CreateMissingChunks(ctx, "f1"); err != nil {
		t.Fatalf("create-missing failed: %v", err)
	}

	chunks, _ := f.chunks.ListByFile(ctx, "f1")
	if len(chunks) != 3 {
		t.Fatalf("expected 1 appended chunk, got %d total", len(chunks))
	}

	appended := chunks[2]
	if appended.ChunkOffset <= 70 {
		t.Errorf("appended chunk must sort after existing ones, offset %d", appended.ChunkOffset)
	}
	payload, _ := appended.Payload()
	if len(payload) != 40 {
		t.Fatalf("expected the 40 dropped phones, got %d", len(payload))
	}
	for _, rec := range payload {
		if rec.E164 >= phone(70) && rec.E164 < phone(100) {
			t.Errorf("queued phone %s must not be re-planned", rec.E164)
		}
	}

	// The untouched chunks are still there.
	if chunks[0].ID != "c1" || chunks[1].ID != "c2" {
		t.Errorf("existing chunks disturbed: %s, %s", chunks[0].ID, chunks[1].ID)
	}

	// A second run finds nothing missing.
	if err := f.repairer.CreateMissingChunks(ctx, "f1"); err != nil {
		t.Fatalf("second create-missing failed: %v", err)
	}
	chunks, _ = f.chunks.ListByFile(ctx, "f1")
	if len(chunks) != 3 {
		t.Errorf("second run must append nothing, got %d chunks", len(chunks))
	}
}

func TestReprocessSingle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := records(0, 1)[0]
	_ = f.files.Create(ctx, &store.File{ID: "f1", ProcessingTotal: 1,
		ProcessingOffset: 1, ProcessingStatus: store.FileCompleted, CanResume: true})
	seedChunk(t, f, "c1", "f1", store.ChunkCompleted, 0, []store.PhoneRecord{target})

	// The stale state says Android; the upstream now says iPhone.
	errRows := []*store.Result{{
		FileID: "f1", PhoneNumber: target.Original, E164: target.E164,
		ContactType: classify.ContactAndroid, SupportsSMS: true,
	}}
	_ = f.results.InsertBatch(ctx, errRows)
	_ = f.cache.Upsert(ctx, cache.Entry{E164: target.E164, SupportsSMS: true, ContactType: classify.ContactAndroid})

	if err := f.repairer.ReprocessSingle(ctx, "f1", target.E164); err != nil {
		t.Fatalf("reprocess failed: %v", err)
	}

	if f.classifier.calls != 1 {
		t.Errorf("expected one fresh classification, got %d", f.classifier.calls)
	}

	rows, _ := f.results.List(ctx, "f1")
	if len(rows) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(rows))
	}
	if rows[0].ContactType != classify.ContactIPhone {
		t.Errorf("expected refreshed verdict, got %s", rows[0].ContactType)
	}
	if rows[0].PhoneNumber != target.Original {
		t.Errorf("expected original form preserved, got %s", rows[0].PhoneNumber)
	}
}

func TestReprocessSingle_UnknownFile(t *testing.T) {
	f := newFixture(t)
	if err := f.repairer.ReprocessSingle(context.Background(), "ghost", "+14155550000"); err == nil {
		t.Errorf("expected error for unknown file")
	}
}
