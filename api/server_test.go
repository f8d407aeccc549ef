package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	slidewise "github.com/slidewise/slidewise"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]*slidewise.WorkflowState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]*slidewise.WorkflowState)}
}

func (s *memStore) Load(_ context.Context, presentationID string) (*slidewise.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[presentationID]
	if !ok {
		return nil, slidewise.ErrStateNotFound
	}
	return st.Clone(), nil
}

func (s *memStore) Save(_ context.Context, state *slidewise.WorkflowState, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var have int64
	if st, ok := s.states[state.PresentationID]; ok {
		have = st.Version
	}
	if have != expectVersion {
		return slidewise.ErrConflict
	}
	s.states[state.PresentationID] = state.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, presentationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, presentationID)
	return nil
}

// testServer wires a server with only a clarify worker: enough to drive the
// presentation workflow down its follow-up branch.
func testServer(t *testing.T, clarify slidewise.Worker, opts ...ServerOption) *Server {
	t.Helper()

	registry := slidewise.NewRegistry()
	registry.Register(clarify)

	store := newMemStore()
	muts := slidewise.DefaultMutations()
	engine := slidewise.NewEngine(registry, muts,
		slidewise.WithCommitter(func(ctx context.Context, state *slidewise.WorkflowState) error {
			return store.Save(ctx, state, state.Version-1)
		}))
	wf, err := slidewise.BuildPresentationWorkflow(muts, slidewise.DefaultInputs(), slidewise.DefaultPredicates())
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	orch := slidewise.NewOrchestrator(slidewise.NewSessionManager(store), engine, wf)
	return NewServer(orch, registry, opts...)
}

func clarifyWorker(result slidewise.ClarifyResult) slidewise.Worker {
	return &slidewise.Func{
		WorkerName: slidewise.WorkerClarify,
		Fn: func(context.Context, slidewise.WorkerRequest) (slidewise.WorkerResponse, error) {
			return slidewise.WorkerResponse{
				Result: slidewise.MarshalInput(result),
				Usage:  slidewise.Usage{TotalTokens: 10},
			}, nil
		},
	}
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t, clarifyWorker(slidewise.ClarifyResult{}),
		WithHealthCheck("clarify", func(context.Context) error { return nil }),
		WithHealthCheck("outline", func(context.Context) error { return errors.New("connection refused") }),
	)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 with a failing probe", rec.Code)
	}

	var body struct {
		Status  string            `json:"status"`
		Workers map[string]string `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "unhealthy" || body.Workers["clarify"] != "ok" {
		t.Errorf("body = %+v", body)
	}

	healthy := testServer(t, clarifyWorker(slidewise.ClarifyResult{}),
		WithHealthCheck("clarify", func(context.Context) error { return nil }))
	rec = doJSON(t, healthy.Router(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with all probes passing", rec.Code)
	}
}

func TestRunPresentationEndpoint(t *testing.T) {
	srv := testServer(t, clarifyWorker(slidewise.ClarifyResult{
		Response: "Who is the audience?",
		Finished: false,
	}))
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/workflow/presentation",
		`{"initial_input": "make slides about otters"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp slidewise.RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Final {
		t.Error("final = true for an unfinished clarify")
	}
	if resp.PresentationID == "" {
		t.Error("no presentation id assigned")
	}
	if resp.State == nil || resp.State.Clarify.Response != "Who is the audience?" {
		t.Errorf("state = %+v", resp.State)
	}
}

func TestRunPresentationRejectsEmptyInput(t *testing.T) {
	srv := testServer(t, clarifyWorker(slidewise.ClarifyResult{}))
	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/workflow/presentation", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a missing initial_input", rec.Code)
	}
}

func TestRunPresentationMapsRunErrors(t *testing.T) {
	failing := &slidewise.Func{
		WorkerName: slidewise.WorkerClarify,
		Fn: func(context.Context, slidewise.WorkerRequest) (slidewise.WorkerResponse, error) {
			return slidewise.WorkerResponse{}, &slidewise.WorkerError{
				Worker:  slidewise.WorkerClarify,
				Code:    slidewise.CodeValidation,
				Message: "prompt rejected",
			}
		},
	}
	srv := testServer(t, failing)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/workflow/presentation",
		`{"initial_input": "make slides"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a validation failure", rec.Code)
	}
	var body struct {
		Code slidewise.ErrorCode `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != slidewise.CodeValidation {
		t.Errorf("code = %q, want %q", body.Code, slidewise.CodeValidation)
	}
}

func TestInvokeWorkerEndpoint(t *testing.T) {
	srv := testServer(t, clarifyWorker(slidewise.ClarifyResult{Response: "ready", Finished: true}))
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/worker/clarify",
		`{"input": {"topic": "otters"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Result   slidewise.ClarifyResult `json:"result"`
		Attempts int                     `json:"attempts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Result.Response != "ready" || body.Attempts != 1 {
		t.Errorf("body = %+v", body)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/worker/no-such-worker",
		`{"input": {}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown worker status = %d, want 400", rec.Code)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		code slidewise.ErrorCode
		want int
	}{
		{slidewise.CodeValidation, http.StatusBadRequest},
		{slidewise.CodeBadRequest, http.StatusBadRequest},
		{slidewise.CodeSchema, http.StatusBadRequest},
		{slidewise.CodeAuth, http.StatusUnauthorized},
		{slidewise.CodeConflict, http.StatusConflict},
		{slidewise.CodeBudgetExceeded, http.StatusTooManyRequests},
		{slidewise.CodeRateLimit, http.StatusTooManyRequests},
		{slidewise.CodeTimeout, http.StatusGatewayTimeout},
		{slidewise.CodeWorkerUnavailable, http.StatusServiceUnavailable},
		{slidewise.CodeWorkerTransient, http.StatusBadGateway},
		{slidewise.CodeTransient, http.StatusBadGateway},
		{slidewise.CodeCancelled, http.StatusRequestTimeout},
		{slidewise.CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusOf(tc.code); got != tc.want {
			t.Errorf("statusOf(%q) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
