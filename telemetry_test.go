package slidewise

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMemorySinkRollup(t *testing.T) {
	sink := NewMemorySink()
	durations := []int64{10, 20, 30, 40}
	for _, d := range durations {
		sink.Record(StepEvent{TraceID: "t1", StepID: "outline", Worker: WorkerOutline,
			Type: StepSucceeded, DurationMS: d, PromptTokens: 100, CompletionTokens: 50, Cost: 0.01})
	}
	sink.Record(StepEvent{TraceID: "t1", StepID: "outline", Worker: WorkerOutline,
		Type: StepFailed, DurationMS: 50})
	// Ignored by the rollup: lifecycle noise and engine-level events.
	sink.Record(StepEvent{TraceID: "t1", StepID: "outline", Worker: WorkerOutline, Type: StepStarted})
	sink.Record(StepEvent{TraceID: "t1", StepID: "retrieve", Worker: WorkerRetrieve, Type: StepSkipped})
	sink.Record(StepEvent{TraceID: "t1", StepID: "fanout", Type: StepSucceeded})

	rollup := sink.Rollup()
	st, ok := rollup[WorkerOutline]
	if !ok {
		t.Fatal("no rollup entry for the outline worker")
	}
	if st.Calls != 5 || st.Failures != 1 {
		t.Errorf("calls = %d failures = %d, want 5 and 1", st.Calls, st.Failures)
	}
	if st.PromptTokens != 400 || st.CompletionTokens != 200 {
		t.Errorf("tokens = %d/%d, want 400/200", st.PromptTokens, st.CompletionTokens)
	}
	if st.P50LatencyMS != 30 {
		t.Errorf("p50 = %d, want 30", st.P50LatencyMS)
	}
	if st.P95LatencyMS != 50 {
		t.Errorf("p95 = %d, want 50", st.P95LatencyMS)
	}
	if st.P99LatencyMS != 50 {
		t.Errorf("p99 = %d, want 50", st.P99LatencyMS)
	}
	if _, ok := rollup[WorkerRetrieve]; ok {
		t.Error("skipped events counted in the rollup")
	}
}

func TestMemorySinkByTrace(t *testing.T) {
	sink := NewMemorySink()
	sink.Record(StepEvent{TraceID: "t1", StepID: "a", Type: StepStarted})
	sink.Record(StepEvent{TraceID: "t2", StepID: "b", Type: StepStarted})
	sink.Record(StepEvent{TraceID: "t1", StepID: "a", Type: StepSucceeded})

	got := sink.ByTrace("t1")
	if len(got) != 2 {
		t.Fatalf("events for t1 = %d, want 2", len(got))
	}
	if got[0].Type != StepStarted || got[1].Type != StepSucceeded {
		t.Errorf("arrival order not preserved: %v %v", got[0].Type, got[1].Type)
	}
	if len(sink.ByTrace("t3")) != 0 {
		t.Error("unknown trace returned events")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []int64{10, 20, 30, 40, 50}
	tests := []struct {
		p    int
		want int64
	}{
		{50, 30},
		{95, 50},
		{99, 50},
		{1, 10},
	}
	for _, tc := range tests {
		if got := percentile(sorted, tc.p); got != tc.want {
			t.Errorf("percentile(%d) = %d, want %d", tc.p, got, tc.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("percentile of empty = %d, want 0", got)
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	sink.Record(StepEvent{TraceID: "t1", StepID: "outline", Type: StepSucceeded, DurationMS: 12})
	sink.Record(StepEvent{TraceID: "t1", StepID: "script", Type: StepFailed, Error: "boom"})
	if err := sink.Close(); err != nil {
		t.Fatalf("close sink: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var events []StepEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev StepEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("logged events = %d, want 2", len(events))
	}
	if events[0].StepID != "outline" || events[1].Error != "boom" {
		t.Errorf("events = %+v", events)
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	MultiSink{a, b}.Record(StepEvent{TraceID: "t1", StepID: "x", Type: StepStarted})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan-out = %d/%d events, want 1 each", len(a.Events()), len(b.Events()))
	}
}
