package observer

import (
	"context"

	slidewise "github.com/slidewise/slidewise"

	"go.opentelemetry.io/otel/metric"
)

// MetricSink mirrors step events into OTEL metrics. It composes with the
// in-memory rollup sink: wrap both with slidewise.MultiSink to get local
// percentiles and exported counters from the same event stream.
type MetricSink struct {
	inst *Instruments
}

var _ slidewise.TelemetrySink = (*MetricSink)(nil)

// NewMetricSink creates a sink over the given instruments.
func NewMetricSink(inst *Instruments) *MetricSink {
	return &MetricSink{inst: inst}
}

// Record converts one step event into counter and histogram updates.
// Started events are skipped; only terminal events carry durations.
func (s *MetricSink) Record(ev slidewise.StepEvent) {
	if ev.Type == slidewise.StepStarted {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		AttrStepID.String(ev.StepID),
		AttrWorker.String(ev.Worker),
		AttrEventType.String(string(ev.Type)),
	)

	s.inst.StepExecutions.Add(ctx, 1, attrs)
	if ev.Type == slidewise.StepFailed {
		s.inst.StepFailures.Add(ctx, 1, attrs)
	}
	s.inst.StepDuration.Record(ctx, float64(ev.DurationMS), attrs)

	if tokens := ev.PromptTokens + ev.CompletionTokens; tokens > 0 {
		s.inst.TokenUsage.Add(ctx, int64(tokens), attrs)
	}
	if ev.Cost > 0 {
		s.inst.CostTotal.Add(ctx, ev.Cost, attrs)
	}
}
