package observer

import (
	"context"
	"fmt"

	slidewise "github.com/slidewise/slidewise"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// runTracer adapts the global OTEL TracerProvider to slidewise.Tracer. The
// engine opens one span per workflow run; presentation, step, and worker
// identity travel as span attributes (keys in attributes.go).
type runTracer struct {
	tracer trace.Tracer
}

// NewTracer returns the tracer the engine takes via WithTracer. Call Init
// first so the global provider exports spans; without it they are no-ops.
func NewTracer() slidewise.Tracer {
	return &runTracer{tracer: otel.Tracer(scopeName)}
}

func (t *runTracer) Start(ctx context.Context, name string, attrs ...slidewise.SpanAttr) (context.Context, slidewise.Span) {
	ctx, sp := t.tracer.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, runSpan{sp}
}

// runSpan carries one OTEL span behind the slidewise.Span contract.
type runSpan struct {
	otel trace.Span
}

func (s runSpan) SetAttr(attrs ...slidewise.SpanAttr) {
	s.otel.SetAttributes(convertAttrs(attrs)...)
}

func (s runSpan) Event(name string, attrs ...slidewise.SpanAttr) {
	s.otel.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (s runSpan) Error(err error) {
	s.otel.RecordError(err)
	s.otel.SetStatus(codes.Error, err.Error())
}

func (s runSpan) End() {
	s.otel.End()
}

// convertAttrs maps engine span attributes onto OTEL key-values. The engine
// produces string, int, int64, float64, and bool values; anything else is
// stringified rather than dropped.
func convertAttrs(attrs []slidewise.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ slidewise.Tracer = (*runTracer)(nil)
	_ slidewise.Span   = runSpan{}
)
