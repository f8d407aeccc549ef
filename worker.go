package slidewise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Worker is one remote (or co-located) transformation: (input) -> (result,
// usage). Transports implement it; reliability wrappers compose around it.
type Worker interface {
	// Invoke sends a request and returns the worker's response or a typed
	// *WorkerError / *ErrHTTP.
	Invoke(ctx context.Context, req WorkerRequest) (WorkerResponse, error)
	// Name returns the worker kind (e.g. "outline", "write-slide").
	Name() string
}

// Func adapts an in-process function to the Worker interface. Used for
// co-located workers and tests; it honors the same wire contract as the
// HTTP transport.
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context, req WorkerRequest) (WorkerResponse, error)
}

var _ Worker = (*Func)(nil)

func (f *Func) Name() string { return f.WorkerName }

func (f *Func) Invoke(ctx context.Context, req WorkerRequest) (WorkerResponse, error) {
	return f.Fn(ctx, req)
}

// Known worker kinds. The registry is a closed set: a definition that names
// any other worker fails at load time.
const (
	WorkerClarify     = "clarify"
	WorkerOutline     = "outline"
	WorkerWriteSlide  = "write-slide"
	WorkerCritique    = "critique"
	WorkerPolishNotes = "polish-notes"
	WorkerDesign      = "design"
	WorkerScript      = "script"
	WorkerResearch    = "research"
	WorkerIngest      = "ingest"
	WorkerRetrieve    = "retrieve"
)

// DefaultTimeout returns the per-call deadline for a worker kind: 60s for
// text workers, 120s for heavy design/research, 300s for ingest.
func DefaultTimeout(worker string) time.Duration {
	switch worker {
	case WorkerDesign, WorkerResearch:
		return 120 * time.Second
	case WorkerIngest:
		return 300 * time.Second
	default:
		return 60 * time.Second
	}
}

// EstimateTokens approximates token count as ceil(len(text)/4). Used when a
// worker does not report usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// normalizeUsage fills in missing usage fields from the raw result text.
func normalizeUsage(u Usage, result json.RawMessage) Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		u.CompletionTokens = EstimateTokens(string(result))
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Registry holds the configured worker for each kind and applies the
// reliability envelope on every call: per-kind timeout, retry with backoff,
// and schema validation. Circuit breaking is layered onto the workers
// themselves at registration time (WithBreaker).
type Registry struct {
	workers map[string]Worker
	schemas *SchemaSet
	retry   RetryPolicy
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSchemas enables JSON-schema validation of worker inputs and results.
// Schema violations surface as validation errors and are never retried.
func WithSchemas(s *SchemaSet) RegistryOption {
	return func(r *Registry) { r.schemas = s }
}

// WithRetryPolicy overrides the default retry envelope for all workers.
func WithRetryPolicy(p RetryPolicy) RegistryOption {
	return func(r *Registry) { r.retry = p }
}

// WithRegistryLogger sets the structured logger for retry and dispatch events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty worker registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		workers: make(map[string]Worker),
		retry:   DefaultRetryPolicy(),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a worker under its name, replacing any previous entry.
func (r *Registry) Register(w Worker) {
	r.workers[w.Name()] = w
}

// Names returns the registered worker names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the worker registered under name.
func (r *Registry) Lookup(name string) (Worker, bool) {
	w, ok := r.workers[name]
	return w, ok
}

// Invoke dispatches a call to the named worker: validates the input against
// the configured schema, bounds the call with the per-kind timeout (the
// session deadline on ctx still applies; whichever fires first wins), runs
// the retry loop, validates the result, and normalizes usage accounting.
func (r *Registry) Invoke(ctx context.Context, name string, req WorkerRequest) (InvokeResult, error) {
	w, ok := r.workers[name]
	if !ok {
		return InvokeResult{}, &WorkerError{Worker: name, Code: CodeValidation, Message: "unknown worker"}
	}

	if r.schemas != nil {
		if err := r.schemas.ValidateInput(name, req.Input); err != nil {
			return InvokeResult{}, &WorkerError{Worker: name, Code: CodeValidation, Message: err.Error()}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, DefaultTimeout(name))
	defer cancel()

	start := time.Now()
	resp, attempts, err := retryInvoke(callCtx, w, req, r.retry, r.logger)
	elapsed := time.Since(start)
	if err != nil {
		return InvokeResult{Attempts: attempts, DurationMS: elapsed.Milliseconds()}, err
	}

	if r.schemas != nil {
		if err := r.schemas.ValidateResult(name, resp.Result); err != nil {
			return InvokeResult{Attempts: attempts, DurationMS: elapsed.Milliseconds()}, &WorkerError{Worker: name, Code: CodeSchema, Message: err.Error()}
		}
	}

	return InvokeResult{
		Result:     resp.Result,
		Usage:      normalizeUsage(resp.Usage, resp.Result),
		DurationMS: elapsed.Milliseconds(),
		Attempts:   attempts,
	}, nil
}

// MarshalInput is a convenience for building WorkerRequest inputs from typed
// values. Marshal failures are programmer errors.
func MarshalInput(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal worker input: %v", err))
	}
	return b
}
