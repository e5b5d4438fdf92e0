// Package metrics collects counters during classification runs and builds
// the per-file quality report evaluated at completion.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects run counters. It uses atomic operations for thread-safe
// updates across worker lanes.
type Metrics struct {
	phonesProcessed int64 // Phones with a durably recorded verdict
	cacheHits       int64 // Verdicts answered from cache
	upstreamCalls   int64 // Upstream lookups performed
	errorVerdicts   int64 // Phones recorded with an ERROR verdict
	chunksCompleted int64 // Chunks driven to completed
	chunksFailed    int64 // Chunk-level failures

	startTime time.Time
}

// NewMetrics creates a Metrics instance with the clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordProcessed adds n durably recorded phones.
func (m *Metrics) RecordProcessed(n int) {
	atomic.AddInt64(&m.phonesProcessed, int64(n))
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
}

// RecordUpstreamCall increments the upstream lookup counter.
func (m *Metrics) RecordUpstreamCall() {
	atomic.AddInt64(&m.upstreamCalls, 1)
}

// RecordErrorVerdict increments the error verdict counter.
func (m *Metrics) RecordErrorVerdict() {
	atomic.AddInt64(&m.errorVerdicts, 1)
}

// RecordChunkCompleted increments the completed chunk counter.
func (m *Metrics) RecordChunkCompleted() {
	atomic.AddInt64(&m.chunksCompleted, 1)
}

// RecordChunkFailed increments the failed chunk counter.
func (m *Metrics) RecordChunkFailed() {
	atomic.AddInt64(&m.chunksFailed, 1)
}

// Report is a point-in-time summary of a run.
type Report struct {
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	PhonesProcessed int64         `json:"phonesProcessed"`
	CacheHits       int64         `json:"cacheHits"`
	UpstreamCalls   int64         `json:"upstreamCalls"`
	ErrorVerdicts   int64         `json:"errorVerdicts"`
	ChunksCompleted int64         `json:"chunksCompleted"`
	ChunksFailed    int64         `json:"chunksFailed"`
	Duration        time.Duration `json:"duration"`
	Throughput      float64       `json:"throughput"`
}

// GenerateReport snapshots the counters into a Report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	var throughput float64
	if duration > 0 {
		throughput = float64(atomic.LoadInt64(&m.phonesProcessed)) / duration.Seconds()
	}

	return Report{
		StartTime:       m.startTime,
		EndTime:         endTime,
		PhonesProcessed: atomic.LoadInt64(&m.phonesProcessed),
		CacheHits:       atomic.LoadInt64(&m.cacheHits),
		UpstreamCalls:   atomic.LoadInt64(&m.upstreamCalls),
		ErrorVerdicts:   atomic.LoadInt64(&m.errorVerdicts),
		ChunksCompleted: atomic.LoadInt64(&m.chunksCompleted),
		ChunksFailed:    atomic.LoadInt64(&m.chunksFailed),
		Duration:        duration,
		Throughput:      throughput,
	}
}

// MarshalJSON formats the report with a human-readable duration.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Processed %d phones in %s\n"+
			"Cache hits: %d\n"+
			"Upstream calls: %d\n"+
			"Error verdicts: %d\n"+
			"Chunks: %d completed, %d failed\n"+
			"Throughput: %.2f phones/sec",
		r.PhonesProcessed,
		r.Duration,
		r.CacheHits,
		r.UpstreamCalls,
		r.ErrorVerdicts,
		r.ChunksCompleted,
		r.ChunksFailed,
		r.Throughput,
	)
}

// Quality thresholds. A completed file whose iPhone share falls outside
// the expected band, or whose error share exceeds the ceiling, is flagged
// for review but never fails.
const (
	iPhonePctFloor   = 30.0
	iPhonePctCeiling = 70.0
	errorPctCeiling  = 10.0
)

// QualityReport is the advisory completion check over a file's results.
type QualityReport struct {
	Total      int      `json:"total"`
	IPhonePct  float64  `json:"iphonePct"`
	AndroidPct float64  `json:"androidPct"`
	UnknownPct float64  `json:"unknownPct"`
	ErrorPct   float64  `json:"errorPct"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Quality evaluates a contact-type breakdown against the expected shape.
func Quality(breakdown map[string]int) QualityReport {
	report := QualityReport{}
	for _, n := range breakdown {
		report.Total += n
	}
	if report.Total == 0 {
		return report
	}

	pct := func(n int) float64 {
		return float64(n) * 100 / float64(report.Total)
	}
	report.IPhonePct = pct(breakdown["iPhone"])
	report.AndroidPct = pct(breakdown["Android"])
	report.UnknownPct = pct(breakdown["Unknown"])
	report.ErrorPct = pct(breakdown["ERROR"])

	if report.IPhonePct < iPhonePctFloor || report.IPhonePct > iPhonePctCeiling {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("iPhone share %.2f%% outside expected 30-70%% band", report.IPhonePct))
	}
	if report.ErrorPct > errorPctCeiling {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("error share %.2f%% above 10%% ceiling", report.ErrorPct))
	}

	return report
}

// String returns a one-line summary of the quality report.
func (q QualityReport) String() string {
	s := fmt.Sprintf("iPhone %.2f%%, Android %.2f%%, Unknown %.2f%%, ERROR %.2f%% over %d results",
		q.IPhonePct, q.AndroidPct, q.UnknownPct, q.ErrorPct, q.Total)
	if len(q.Warnings) > 0 {
		s += " (" + strings.Join(q.Warnings, "; ") + ")"
	}
	return s
}
