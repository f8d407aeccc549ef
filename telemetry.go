package slidewise

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// StepEventType is the lifecycle stage a step event records.
type StepEventType string

const (
	StepStarted   StepEventType = "step_started"
	StepSucceeded StepEventType = "step_succeeded"
	StepFailed    StepEventType = "step_failed"
	StepSkipped   StepEventType = "step_skipped"
)

// StepEvent is one structured telemetry record. The engine emits one
// started event and one terminal event per executed step.
type StepEvent struct {
	TraceID          string        `json:"trace_id"`
	StepID           string        `json:"step_id"`
	Worker           string        `json:"worker,omitempty"`
	Type             StepEventType `json:"type"`
	StartedAt        time.Time     `json:"started_at"`
	DurationMS       int64         `json:"duration_ms"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Cost             float64       `json:"cost,omitempty"`
	Attempts         int           `json:"attempts,omitempty"`
	Status           string        `json:"status,omitempty"`
	Error            string        `json:"error,omitempty"`
	Item             int           `json:"item,omitempty"` // foreach item index, -1 otherwise
}

// TelemetrySink receives step events. Implementations must be safe for
// concurrent use; the engine records from parallel branches.
type TelemetrySink interface {
	Record(ev StepEvent)
}

// WorkerStats is the aggregated rollup for one worker kind.
type WorkerStats struct {
	Calls            int     `json:"calls"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
	P50LatencyMS     int64   `json:"p50_latency_ms"`
	P95LatencyMS     int64   `json:"p95_latency_ms"`
	P99LatencyMS     int64   `json:"p99_latency_ms"`
}

// MemorySink keeps events in memory and serves per-worker rollups with
// percentile latencies.
type MemorySink struct {
	mu     sync.Mutex
	events []StepEvent
}

var _ TelemetrySink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends an event.
func (m *MemorySink) Record(ev StepEvent) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

// Events returns a copy of all recorded events in arrival order.
func (m *MemorySink) Events() []StepEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepEvent(nil), m.events...)
}

// ByTrace returns the events for one trace in arrival order.
func (m *MemorySink) ByTrace(traceID string) []StepEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StepEvent
	for _, ev := range m.events {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	return out
}

// Rollup aggregates terminal events into per-worker stats.
func (m *MemorySink) Rollup() map[string]WorkerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	latencies := make(map[string][]int64)
	stats := make(map[string]WorkerStats)
	for _, ev := range m.events {
		if ev.Worker == "" || ev.Type == StepStarted || ev.Type == StepSkipped {
			continue
		}
		st := stats[ev.Worker]
		st.Calls++
		if ev.Type == StepFailed {
			st.Failures++
		}
		st.PromptTokens += ev.PromptTokens
		st.CompletionTokens += ev.CompletionTokens
		st.Cost += ev.Cost
		stats[ev.Worker] = st
		latencies[ev.Worker] = append(latencies[ev.Worker], ev.DurationMS)
	}

	for worker, lats := range latencies {
		sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
		st := stats[worker]
		st.P50LatencyMS = percentile(lats, 50)
		st.P95LatencyMS = percentile(lats, 95)
		st.P99LatencyMS = percentile(lats, 99)
		stats[worker] = st
	}
	return stats
}

// percentile returns the p-th percentile of sorted latencies using
// nearest-rank.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// FileSink appends events as JSON lines to a local log file. Write errors
// are dropped; telemetry must never fail a workflow run.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

var _ TelemetrySink = (*FileSink)(nil)

// NewFileSink opens (or creates) an append-only event log at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileSink{f: f}, nil
}

// Record appends one JSON line.
func (s *FileSink) Record(ev StepEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	_, _ = s.f.Write(append(b, '\n'))
	s.mu.Unlock()
}

// Close flushes and closes the log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MultiSink fans events out to several sinks.
type MultiSink []TelemetrySink

var _ TelemetrySink = (MultiSink)(nil)

// Record forwards the event to every sink.
func (m MultiSink) Record(ev StepEvent) {
	for _, s := range m {
		s.Record(ev)
	}
}
