package metrics

import (
	"strings"
	"testing"
)

func TestGenerateReport(t *testing.T) {
	m := NewMetrics()
	m.RecordProcessed(100)
	m.RecordProcessed(50)
	for i := 0; i < 40; i++ {
		m.RecordCacheHit()
	}
	for i := 0; i < 110; i++ {
		m.RecordUpstreamCall()
	}
	m.RecordErrorVerdict()
	m.RecordChunkCompleted()
	m.RecordChunkFailed()

	r := m.GenerateReport()
	if r.PhonesProcessed != 150 {
		t.Errorf("expected 150 processed, got %d", r.PhonesProcessed)
	}
	if r.CacheHits != 40 || r.UpstreamCalls != 110 {
		t.Errorf("unexpected counters: hits=%d calls=%d", r.CacheHits, r.UpstreamCalls)
	}
	if r.ErrorVerdicts != 1 || r.ChunksCompleted != 1 || r.ChunksFailed != 1 {
		t.Errorf("unexpected counters: %+v", r)
	}
	if r.Duration <= 0 {
		t.Errorf("expected positive duration")
	}
}

func TestReportString(t *testing.T) {
	m := NewMetrics()
	m.RecordProcessed(10)
	s := m.GenerateReport().String()
	if !strings.Contains(s, "Processed 10 phones") {
		t.Errorf("unexpected report string: %s", s)
	}
}

func TestQuality_Clean(t *testing.T) {
	q := Quality(map[string]int{"iPhone": 50, "Android": 40, "Unknown": 10})
	if q.Total != 100 {
		t.Fatalf("expected total 100, got %d", q.Total)
	}
	if q.IPhonePct != 50 || q.AndroidPct != 40 || q.UnknownPct != 10 || q.ErrorPct != 0 {
		t.Errorf("unexpected shares: %+v", q)
	}
	if len(q.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", q.Warnings)
	}
}

func TestQuality_LowIPhoneShare(t *testing.T) {
	q := Quality(map[string]int{"iPhone": 10, "Android": 90})
	if len(q.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", q.Warnings)
	}
	if !strings.Contains(q.Warnings[0], "iPhone share") {
		t.Errorf("unexpected warning: %s", q.Warnings[0])
	}
}

func TestQuality_HighIPhoneShare(t *testing.T) {
	q := Quality(map[string]int{"iPhone": 95, "Android": 5})
	if len(q.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %v", q.Warnings)
	}
}

func TestQuality_HighErrorShare(t *testing.T) {
	q := Quality(map[string]int{"iPhone": 44, "Android": 40, "ERROR": 16})
	if len(q.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", q.Warnings)
	}
	if !strings.Contains(q.Warnings[0], "error share") {
		t.Errorf("unexpected warning: %s", q.Warnings[0])
	}
}

func TestQuality_Empty(t *testing.T) {
	q := Quality(map[string]int{})
	if q.Total != 0 || len(q.Warnings) != 0 {
		t.Errorf("empty breakdown must be silent: %+v", q)
	}
}

func TestQuality_BoundaryShares(t *testing.T) {
	// Exactly 30% and 70% are inside the band; exactly 10% errors is fine.
	q := Quality(map[string]int{"iPhone": 30, "Android": 60, "ERROR": 10})
	if len(q.Warnings) != 0 {
		t.Errorf("boundary values must not warn: %v", q.Warnings)
	}
	q = Quality(map[string]int{"iPhone": 70, "Android": 30})
	if len(q.Warnings) != 0 {
		t.Errorf("boundary values must not warn: %v", q.Warnings)
	}
}
