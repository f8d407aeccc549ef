package slidewise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memStateStore is the in-memory StateStore used across the engine,
// session, and orchestrator tests.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]*WorkflowState
	saves  int
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*WorkflowState)}
}

func (m *memStateStore) Load(_ context.Context, presentationID string) (*WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[presentationID]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

func (m *memStateStore) Save(_ context.Context, state *WorkflowState, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[state.PresentationID]
	if ok {
		if cur.Version != expectVersion {
			return ErrConflict
		}
	} else if expectVersion != 0 {
		return ErrConflict
	}
	m.states[state.PresentationID] = state.Clone()
	m.saves++
	return nil
}

func (m *memStateStore) Delete(_ context.Context, presentationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, presentationID)
	return nil
}

func (m *memStateStore) version(presentationID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[presentationID]
	if !ok {
		return -1
	}
	return st.Version
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func openTestSession(t *testing.T, store StateStore, presentationID string, opts ...SessionOption) *Session {
	t.Helper()
	mgr := NewSessionManager(store, opts...)
	sess, err := mgr.Open(context.Background(), presentationID)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { mgr.Close(sess) })
	return sess
}

func staticWorker(name string, result any) *Func {
	return &Func{WorkerName: name, Fn: func(context.Context, WorkerRequest) (WorkerResponse, error) {
		return WorkerResponse{
			Result: MarshalInput(result),
			Usage:  Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
		}, nil
	}}
}

func failingWorker(name string, code ErrorCode) *Func {
	return &Func{WorkerName: name, Fn: func(context.Context, WorkerRequest) (WorkerResponse, error) {
		return WorkerResponse{}, &WorkerError{Worker: name, Code: code, Message: "boom"}
	}}
}

func staticInput(v any) InputFunc {
	return func(*WorkflowState, any) (json.RawMessage, error) {
		return MarshalInput(v), nil
	}
}

func itemInput(_ *WorkflowState, item any) (json.RawMessage, error) {
	return MarshalInput(item), nil
}

func traceTypes(trace []StepEvent, stepID string) []StepEventType {
	var out []StepEventType
	for _, ev := range trace {
		if ev.StepID == stepID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestEngineVersionAdvancesPerBarrier(t *testing.T) {
	store := newMemStateStore()
	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(staticWorker(WorkerClarify, ClarifyResult{Response: "a deck about otters", Finished: true}))
	registry.Register(staticWorker(WorkerOutline, OutlineResult{Sections: []OutlineSection{
		{Title: "Habitat", Bullets: []string{"rivers", "coasts"}},
		{Title: "Diet", Bullets: []string{"fish", "crabs"}},
	}}))

	muts := DefaultMutations()
	wf, err := NewWorkflow("two-steps", "1", muts,
		Step{ID: "clarify", Kind: KindWorker, Worker: WorkerClarify,
			Input: staticInput(ClarifyInput{Text: "otters"}), Mutation: MutStoreClarifyResult},
		Step{ID: "outline", Kind: KindWorker, Worker: WorkerOutline,
			Input: staticInput(OutlineInput{Brief: "otters"}), Mutation: MutStoreOutlineResult},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	sess := openTestSession(t, store, "pres-1")
	engine := NewEngine(registry, muts, WithCommitter(func(ctx context.Context, state *WorkflowState) error {
		return store.Save(ctx, state, state.Version-1)
	}))

	result, err := engine.Run(context.Background(), wf, sess)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.State.Version != 2 {
		t.Errorf("state version = %d, want 2 (one bump per barrier)", result.State.Version)
	}
	if got := store.version("pres-1"); got != 2 {
		t.Errorf("stored version = %d, want 2", got)
	}
	if !result.State.Clarify.Finished {
		t.Error("clarify result not applied")
	}
	if len(result.State.Outline.Sections) != 2 {
		t.Fatalf("outline sections = %d, want 2", len(result.State.Outline.Sections))
	}
	for i, sec := range result.State.Outline.Sections {
		if sec.ID == "" {
			t.Errorf("section %d has no id", i)
		}
	}
	// The engine works on a clone; the session keeps the pre-run state.
	if sess.State.Version != 0 {
		t.Errorf("session state version = %d, want 0", sess.State.Version)
	}
	if result.Usage.TotalTokens != 20 {
		t.Errorf("aggregate usage = %d tokens, want 20", result.Usage.TotalTokens)
	}
}

func TestEngineCommitConflictRollsBack(t *testing.T) {
	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(staticWorker(WorkerClarify, ClarifyResult{Response: "brief", Finished: true}))

	muts := DefaultMutations()
	wf, err := NewWorkflow("conflicted", "1", muts,
		Step{ID: "clarify", Kind: KindWorker, Worker: WorkerClarify,
			Input: staticInput(ClarifyInput{Text: "x"}), Mutation: MutStoreClarifyResult},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	sess := openTestSession(t, newMemStateStore(), "pres-1")
	engine := NewEngine(registry, muts, WithCommitter(func(context.Context, *WorkflowState) error {
		return ErrConflict
	}))

	result, err := engine.Run(context.Background(), wf, sess)
	if CodeOf(err) != CodeConflict {
		t.Fatalf("error code = %v, want %v", CodeOf(err), CodeConflict)
	}
	if result.State.Version != 0 {
		t.Errorf("version = %d after failed commit, want 0", result.State.Version)
	}
}

func TestForeachAppliesMutationsInItemOrder(t *testing.T) {
	const n = 6
	sections := make([]OutlineSection, n)
	for i := range sections {
		sections[i] = OutlineSection{ID: fmt.Sprintf("s%d", i), Title: fmt.Sprintf("Section %d", i)}
	}

	// Later items finish first; the barrier must still apply mutations in
	// declaration (item) order.
	writeSlide := &Func{WorkerName: WorkerWriteSlide, Fn: func(_ context.Context, req WorkerRequest) (WorkerResponse, error) {
		var sec OutlineSection
		if err := json.Unmarshal(req.Input, &sec); err != nil {
			return WorkerResponse{}, &WorkerError{Worker: WorkerWriteSlide, Code: CodeBadRequest, Message: err.Error()}
		}
		var idx int
		fmt.Sscanf(sec.ID, "s%d", &idx)
		time.Sleep(time.Duration(n-idx) * 3 * time.Millisecond)
		return WorkerResponse{Result: MarshalInput(SlideResult{Slide: Slide{Title: sec.Title}})}, nil
	}}

	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(writeSlide)

	muts := DefaultMutations()
	wf, err := NewWorkflow("fanout", "1", muts,
		Step{ID: "write_slides", Kind: KindForeach, ItemsPath: "outline.sections", Concurrency: n,
			Child: &Step{ID: "write_slide", Kind: KindWorker, Worker: WorkerWriteSlide,
				Input: itemInput, Mutation: MutUpsertSlide}},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	sess := openTestSession(t, newMemStateStore(), "pres-1")
	sess.State.Outline.Sections = sections

	engine := NewEngine(registry, muts)
	result, err := engine.Run(context.Background(), wf, sess)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.State.Slides) != n {
		t.Fatalf("slides = %d, want %d", len(result.State.Slides), n)
	}
	for i, sl := range result.State.Slides {
		if want := fmt.Sprintf("s%d", i); sl.ID != want {
			t.Errorf("slide %d id = %q, want %q (item order)", i, sl.ID, want)
		}
	}
	if result.State.Version != 1 {
		t.Errorf("version = %d, want 1 (foreach is one barrier)", result.State.Version)
	}
}

func TestForeachCancellationKeepsCompletedItems(t *testing.T) {
	sections := make([]OutlineSection, 5)
	for i := range sections {
		sections[i] = OutlineSection{ID: fmt.Sprintf("s%d", i), Title: fmt.Sprintf("Section %d", i)}
	}

	store := newMemStateStore()
	sess := openTestSession(t, store, "pres-1")
	sess.State.Outline.Sections = sections
	if err := store.Save(context.Background(), sess.State, 0); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	var calls atomic.Int32
	writeSlide := &Func{WorkerName: WorkerWriteSlide, Fn: func(ctx context.Context, req WorkerRequest) (WorkerResponse, error) {
		if ctx.Err() != nil {
			return WorkerResponse{}, &WorkerError{Worker: WorkerWriteSlide, Code: CodeCancelled, Message: ctx.Err().Error()}
		}
		var sec OutlineSection
		if err := json.Unmarshal(req.Input, &sec); err != nil {
			return WorkerResponse{}, &WorkerError{Worker: WorkerWriteSlide, Code: CodeBadRequest, Message: err.Error()}
		}
		if calls.Add(1) == 3 {
			// Third item completes, then the run is cancelled.
			defer sess.Cancel()
		}
		return WorkerResponse{Result: MarshalInput(SlideResult{Slide: Slide{Title: sec.Title}})}, nil
	}}

	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(writeSlide)

	muts := DefaultMutations()
	wf, err := NewWorkflow("fanout", "1", muts,
		Step{ID: "write_slides", Kind: KindForeach, ItemsPath: "outline.sections", Concurrency: 1,
			Child: &Step{ID: "write_slide", Kind: KindWorker, Worker: WorkerWriteSlide,
				Input: itemInput, Mutation: MutUpsertSlide}},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	engine := NewEngine(registry, muts, WithCommitter(func(ctx context.Context, state *WorkflowState) error {
		return store.Save(ctx, state, state.Version-1)
	}))
	result, err := engine.Run(sess.Context(), wf, sess)
	if CodeOf(err) != CodeCancelled {
		t.Fatalf("error code = %v, want %v", CodeOf(err), CodeCancelled)
	}
	if len(result.State.Slides) != 3 {
		t.Fatalf("slides = %d, want 3 (completed items committed)", len(result.State.Slides))
	}
	for i, sl := range result.State.Slides {
		if want := fmt.Sprintf("s%d", i); sl.ID != want {
			t.Errorf("slide %d id = %q, want %q", i, sl.ID, want)
		}
	}
	if result.State.Version != 1 {
		t.Errorf("version = %d, want 1 (barrier committed despite cancellation)", result.State.Version)
	}
	if got := store.version("pres-1"); got != 1 {
		t.Errorf("stored version = %d, want 1", got)
	}
}

func TestContinueOnFailureSkipsStep(t *testing.T) {
	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(failingWorker(WorkerRetrieve, CodeTransient))

	muts := DefaultMutations()
	wf, err := NewWorkflow("tolerant", "1", muts,
		Step{ID: "retrieve", Kind: KindWorker, Worker: WorkerRetrieve,
			Input: staticInput(RetrieveInput{PresentationID: "p", Query: "q"}),
			Mutation: MutCachePresentationRAG, OnFailure: ContinueRun},
		Step{ID: "after", Kind: KindNoop},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	sess := openTestSession(t, newMemStateStore(), "pres-1")
	engine := NewEngine(registry, muts)
	result, err := engine.Run(context.Background(), wf, sess)
	if err != nil {
		t.Fatalf("run: %v (continue must swallow the failure)", err)
	}
	if got := traceTypes(result.Trace, "retrieve"); len(got) != 2 || got[1] != StepSkipped {
		t.Errorf("retrieve events = %v, want started then skipped", got)
	}
	if got := traceTypes(result.Trace, "after"); len(got) != 2 || got[1] != StepSucceeded {
		t.Errorf("after events = %v, want started then succeeded (run continued)", got)
	}
	if result.State.Version != 0 {
		t.Errorf("version = %d, want 0 (skipped step has no barrier)", result.State.Version)
	}
}

func TestStepFailureCodes(t *testing.T) {
	tests := []struct {
		name       string
		workerCode ErrorCode
		wantCode   ErrorCode
	}{
		{"transient maps to worker_transient", CodeTransient, CodeWorkerTransient},
		{"timeout maps to worker_transient", CodeTimeout, CodeWorkerTransient},
		{"open circuit surfaces as worker_unavailable", CodeWorkerUnavailable, CodeWorkerUnavailable},
		{"validation passes through", CodeValidation, CodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			registry := NewRegistry(WithRetryPolicy(fastRetry()))
			registry.Register(failingWorker(WorkerOutline, tc.workerCode))

			muts := DefaultMutations()
			wf, err := NewWorkflow("failing", "1", muts,
				Step{ID: "outline", Kind: KindWorker, Worker: WorkerOutline,
					Input: staticInput(OutlineInput{Brief: "x"}), Mutation: MutStoreOutlineResult},
			)
			if err != nil {
				t.Fatalf("build workflow: %v", err)
			}

			sess := openTestSession(t, newMemStateStore(), "pres-1")
			result, err := NewEngine(registry, muts).Run(context.Background(), wf, sess)
			var re *RunError
			if !errors.As(err, &re) {
				t.Fatalf("error = %v, want *RunError", err)
			}
			if re.Code != tc.wantCode {
				t.Errorf("code = %v, want %v", re.Code, tc.wantCode)
			}
			if re.StepID != "outline" {
				t.Errorf("step id = %q, want outline", re.StepID)
			}
			if result.State.Version != 0 {
				t.Errorf("version = %d, want 0 (failed step leaves last barrier state)", result.State.Version)
			}
		})
	}
}

func TestParallelAppliesMutationsInDeclarationOrder(t *testing.T) {
	appendTag := func(tag string) MutationFunc {
		return func(state *WorkflowState, _ MutationArgs) error {
			prev, _ := state.Metadata["order"].(string)
			state.Metadata["order"] = prev + tag
			return nil
		}
	}
	muts := NewMutationRegistry()
	muts.Register("tag_a", appendTag("a"))
	muts.Register("tag_b", appendTag("b"))

	slow := &Func{WorkerName: "wa", Fn: func(context.Context, WorkerRequest) (WorkerResponse, error) {
		time.Sleep(20 * time.Millisecond)
		return WorkerResponse{Result: json.RawMessage(`{}`)}, nil
	}}
	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(slow)
	registry.Register(staticWorker("wb", map[string]any{}))

	wf, err := NewWorkflow("fanout", "1", muts,
		Step{ID: "refine", Kind: KindParallel, Children: []Step{
			{ID: "a", Kind: KindWorker, Worker: "wa", Input: staticInput(map[string]any{}), Mutation: "tag_a"},
			{ID: "b", Kind: KindWorker, Worker: "wb", Input: staticInput(map[string]any{}), Mutation: "tag_b"},
		}},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	sess := openTestSession(t, newMemStateStore(), "pres-1")
	result, err := NewEngine(registry, muts).Run(context.Background(), wf, sess)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, _ := result.State.Metadata["order"].(string); got != "ab" {
		t.Errorf("mutation order = %q, want \"ab\" regardless of completion order", got)
	}
	if result.State.Version != 1 {
		t.Errorf("version = %d, want 1 (parallel is one barrier)", result.State.Version)
	}
}

func TestBudgetExhaustionSurfacesAfterBarrier(t *testing.T) {
	store := newMemStateStore()
	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(staticWorker(WorkerClarify, ClarifyResult{Response: "brief", Finished: true}))

	muts := DefaultMutations()
	wf, err := NewWorkflow("budgeted", "1", muts,
		Step{ID: "clarify", Kind: KindWorker, Worker: WorkerClarify,
			Input: staticInput(ClarifyInput{Text: "x"}), Mutation: MutStoreClarifyResult},
		Step{ID: "never", Kind: KindNoop},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	// staticWorker reports 10 tokens; a 5 token budget overruns on the first
	// charge, but the completed step's mutation still commits.
	sess := openTestSession(t, store, "pres-1", WithSessionBudget(Budget{MaxTokens: 5}))
	engine := NewEngine(registry, muts, WithCommitter(func(ctx context.Context, state *WorkflowState) error {
		return store.Save(ctx, state, state.Version-1)
	}))
	result, err := engine.Run(context.Background(), wf, sess)
	if CodeOf(err) != CodeBudgetExceeded {
		t.Fatalf("error code = %v, want %v", CodeOf(err), CodeBudgetExceeded)
	}
	if !result.State.Clarify.Finished {
		t.Error("clarify mutation not applied before the budget stop")
	}
	if result.State.Version != 1 {
		t.Errorf("version = %d, want 1", result.State.Version)
	}
	if got := traceTypes(result.Trace, "never"); got != nil {
		t.Errorf("step after budget stop ran: %v", got)
	}
	if sess.BudgetRemaining() != 0 {
		t.Errorf("budget remaining = %d, want 0 (clamped on overrun)", sess.BudgetRemaining())
	}
}

func TestConditionalBranches(t *testing.T) {
	tests := []struct {
		name     string
		finished bool
		wantStep string
	}{
		{"then branch when finished", true, "then_noop"},
		{"else branch when unfinished", false, "else_noop"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			muts := DefaultMutations()
			wf, err := NewWorkflow("branching", "1", muts,
				Step{ID: "branch", Kind: KindConditional,
					Predicate: func(state *WorkflowState) bool { return state.Clarify.Finished },
					Then:      []Step{{ID: "then_noop", Kind: KindNoop}},
					Else:      []Step{{ID: "else_noop", Kind: KindNoop}},
				},
			)
			if err != nil {
				t.Fatalf("build workflow: %v", err)
			}

			sess := openTestSession(t, newMemStateStore(), "pres-1")
			sess.State.Clarify.Finished = tc.finished

			result, err := NewEngine(NewRegistry(), muts).Run(context.Background(), wf, sess)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got := traceTypes(result.Trace, tc.wantStep); len(got) == 0 {
				t.Errorf("branch step %q did not run", tc.wantStep)
			}
			other := "else_noop"
			if tc.wantStep == "else_noop" {
				other = "then_noop"
			}
			if got := traceTypes(result.Trace, other); got != nil {
				t.Errorf("untaken branch step %q ran: %v", other, got)
			}
		})
	}
}

func TestForeachNeverStartsItemsAfterCancellation(t *testing.T) {
	sections := make([]OutlineSection, 6)
	for i := range sections {
		sections[i] = OutlineSection{ID: fmt.Sprintf("s%d", i), Title: fmt.Sprintf("Section %d", i)}
	}

	store := newMemStateStore()
	sess := openTestSession(t, store, "pres-1")
	sess.State.Outline.Sections = sections
	if err := store.Save(context.Background(), sess.State, 0); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	var calls atomic.Int32
	writeSlide := &Func{WorkerName: WorkerWriteSlide, Fn: func(ctx context.Context, req WorkerRequest) (WorkerResponse, error) {
		n := calls.Add(1)
		if ctx.Err() != nil {
			return WorkerResponse{}, &WorkerError{Worker: WorkerWriteSlide, Code: CodeCancelled, Message: ctx.Err().Error()}
		}
		var sec OutlineSection
		if err := json.Unmarshal(req.Input, &sec); err != nil {
			return WorkerResponse{}, &WorkerError{Worker: WorkerWriteSlide, Code: CodeBadRequest, Message: err.Error()}
		}
		if n == 2 {
			// Cancel while this item is still in flight: its semaphore slot
			// frees at the same moment the cancellation lands, and the
			// launcher must not pick up the next item.
			sess.Cancel()
		}
		return WorkerResponse{Result: MarshalInput(SlideResult{Slide: Slide{Title: sec.Title}})}, nil
	}}

	registry := NewRegistry(WithRetryPolicy(fastRetry()))
	registry.Register(writeSlide)

	muts := DefaultMutations()
	wf, err := NewWorkflow("fanout", "1", muts,
		Step{ID: "write_slides", Kind: KindForeach, ItemsPath: "outline.sections", Concurrency: 1,
			Child: &Step{ID: "write_slide", Kind: KindWorker, Worker: WorkerWriteSlide,
				Input: itemInput, Mutation: MutUpsertSlide}},
	)
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}

	engine := NewEngine(registry, muts, WithCommitter(func(ctx context.Context, state *WorkflowState) error {
		return store.Save(ctx, state, state.Version-1)
	}))
	result, err := engine.Run(sess.Context(), wf, sess)
	if CodeOf(err) != CodeCancelled {
		t.Fatalf("error code = %v, want %v", CodeOf(err), CodeCancelled)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("worker calls = %d, want 2 (no item may start after cancellation)", got)
	}
	if len(result.State.Slides) != 2 {
		t.Errorf("slides = %d, want the two completed items committed", len(result.State.Slides))
	}
	if got := store.version("pres-1"); got != 1 {
		t.Errorf("stored version = %d, want 1", got)
	}
}
