package slidewise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Engine executes workflow definitions against a session's state. It never
// mutates state directly: every transition goes through a registered
// mutation, applied at a step barrier, committed through the session.
type Engine struct {
	workers   *Registry
	mutations *MutationRegistry
	telemetry TelemetrySink
	tracer    Tracer
	logger    *slog.Logger
	commit    CommitFunc
}

// CommitFunc persists the state at a successful step barrier.
type CommitFunc func(ctx context.Context, state *WorkflowState) error

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTelemetry sets the sink receiving one event per step transition.
func WithTelemetry(sink TelemetrySink) EngineOption {
	return func(e *Engine) { e.telemetry = sink }
}

// WithTracer sets the span tracer for workflow and step execution.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineLogger sets the structured logger for step lifecycle events.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithCommitter sets the barrier persistence hook. Without one, barriers
// only bump the in-memory version.
func WithCommitter(fn CommitFunc) EngineOption {
	return func(e *Engine) { e.commit = fn }
}

// NewEngine creates an Engine over the given worker and mutation registries.
func NewEngine(workers *Registry, mutations *MutationRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		workers:   workers,
		mutations: mutations,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is the per-run bookkeeping: the working state, the event trace,
// and aggregate usage. The working state is only advanced at barriers, so
// it always equals the last barrier state when a step fails.
type runState struct {
	traceID string
	sess    *Session
	state   *WorkflowState
	usage   Usage

	mu    sync.Mutex
	trace []StepEvent
}

func (r *runState) emit(e *Engine, ev StepEvent) {
	ev.TraceID = r.traceID
	r.mu.Lock()
	r.trace = append(r.trace, ev)
	r.mu.Unlock()
	if e.telemetry != nil {
		e.telemetry.Record(ev)
	}
}

// Run walks the workflow's steps in order against the session state. The
// returned RunResult always carries the state from the last successful
// barrier, also on failure; the error (if any) is a *RunError.
func (e *Engine) Run(ctx context.Context, wf *Workflow, sess *Session) (RunResult, error) {
	if span := e.tracer; span != nil {
		var s Span
		ctx, s = span.Start(ctx, "workflow.run",
			StringAttr("workflow.name", wf.Name),
			StringAttr("presentation_id", sess.PresentationID),
			IntAttr("step_count", len(wf.Steps)))
		defer s.End()
	}

	rs := &runState{
		traceID: sess.ID,
		sess:    sess,
		state:   sess.State.Clone(),
	}

	err := e.runSteps(ctx, wf.Steps, rs)
	result := RunResult{State: rs.state, Trace: rs.trace, Usage: rs.usage}
	if err != nil {
		return result, err
	}
	return result, nil
}

// runSteps executes steps sequentially, stopping at the first terminal
// failure.
func (e *Engine) runSteps(ctx context.Context, steps []Step, rs *runState) error {
	for i := range steps {
		if err := e.runStep(ctx, &steps[i], rs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, s *Step, rs *runState) error {
	if err := ctx.Err(); err != nil {
		return &RunError{Code: CodeCancelled, StepID: s.ID, Message: "run cancelled", Cause: err}
	}

	rs.sess.SetActiveStep(s.ID)
	defer rs.sess.SetActiveStep("")

	switch s.Kind {
	case KindNoop:
		now := time.Now()
		rs.emit(e, StepEvent{StepID: s.ID, Type: StepStarted, StartedAt: now})
		rs.emit(e, StepEvent{StepID: s.ID, Type: StepSucceeded, StartedAt: now, Item: -1})
		return nil

	case KindWorker:
		return e.runWorkerStep(ctx, s, rs)

	case KindParallel:
		return e.runParallelStep(ctx, s, rs)

	case KindForeach:
		return e.runForeachStep(ctx, s, rs)

	case KindConditional:
		return e.runConditionalStep(ctx, s, rs)
	}
	return &RunError{Code: CodeInternal, StepID: s.ID, Message: fmt.Sprintf("unknown step kind %q", s.Kind)}
}

// invokeChild performs one worker invocation for a step (or foreach item)
// without touching state. The mutation is applied later, at the barrier.
type childOutcome struct {
	input    []byte
	result   InvokeResult
	err      error
	started  time.Time
	duration time.Duration
}

func (e *Engine) invokeChild(ctx context.Context, s *Step, rs *runState, item any, itemIndex int) childOutcome {
	out := childOutcome{started: time.Now()}

	if rs.sess.BudgetRemaining() <= 0 {
		out.err = ErrBudgetExceeded
		return out
	}

	input, err := s.Input(rs.state, item)
	if err != nil {
		out.err = &WorkerError{Worker: s.Worker, Code: CodeValidation, Message: fmt.Sprintf("input mapping: %v", err)}
		return out
	}
	out.input = input

	req := WorkerRequest{
		Input: input,
		Metadata: WorkerMetadata{
			TraceID:        rs.traceID,
			StepID:         s.ID,
			PresentationID: rs.sess.PresentationID,
		},
	}
	res, err := e.workers.Invoke(ctx, s.Worker, req)
	out.duration = time.Since(out.started)
	out.result = res
	out.err = err
	return out
}

// applyBarrier applies one mutation, bumps the version, and commits. This
// is the only place the working state advances.
func (e *Engine) applyBarrier(ctx context.Context, rs *runState, apply func(*WorkflowState) error) error {
	if apply != nil {
		if err := apply(rs.state); err != nil {
			return err
		}
	}
	rs.state.Version++
	if e.commit != nil {
		if err := e.commit(ctx, rs.state); err != nil {
			rs.state.Version--
			if errors.Is(err, ErrConflict) {
				return &RunError{Code: CodeConflict, Message: "state commit conflict", Cause: err}
			}
			return &RunError{Code: CodeInternal, Message: "state commit failed", Cause: err}
		}
	}
	return nil
}

func (e *Engine) runWorkerStep(ctx context.Context, s *Step, rs *runState) error {
	rs.emit(e, StepEvent{StepID: s.ID, Worker: s.Worker, Type: StepStarted, StartedAt: time.Now(), Item: -1})

	out := e.invokeChild(ctx, s, rs, nil, -1)
	if out.err != nil {
		return e.stepFailure(ctx, s, rs, out, -1)
	}

	budgetErr := rs.sess.ChargeTokens(out.result.Usage.TotalTokens)
	rs.usage.Add(out.result.Usage)

	err := e.applyBarrier(ctx, rs, func(st *WorkflowState) error {
		if s.Mutation == "" {
			return nil
		}
		return e.mutations.Apply(s.Mutation, st, MutationArgs{
			Result:    out.result.Result,
			Input:     out.input,
			ItemIndex: -1,
		})
	})
	if err != nil {
		return e.wrapStepError(s, err)
	}

	rs.emit(e, e.successEvent(s, out, -1))
	e.logger.Info("step succeeded",
		"step_id", s.ID, "worker", s.Worker,
		"duration_ms", out.result.DurationMS,
		"tokens", out.result.Usage.TotalTokens,
		"attempts", out.result.Attempts)

	if budgetErr != nil {
		// The step's output is kept; the run stops here.
		return &RunError{Code: CodeBudgetExceeded, StepID: s.ID, Message: "token budget exhausted", Cause: budgetErr}
	}
	return nil
}

func (e *Engine) successEvent(s *Step, out childOutcome, item int) StepEvent {
	return StepEvent{
		StepID:           s.ID,
		Worker:           s.Worker,
		Type:             StepSucceeded,
		StartedAt:        out.started,
		DurationMS:       out.duration.Milliseconds(),
		PromptTokens:     out.result.Usage.PromptTokens,
		CompletionTokens: out.result.Usage.CompletionTokens,
		Cost:             out.result.Usage.Cost,
		Attempts:         out.result.Attempts,
		Status:           "ok",
		Item:             item,
	}
}

func (e *Engine) failureEvent(s *Step, out childOutcome, item int) StepEvent {
	return StepEvent{
		StepID:     s.ID,
		Worker:     s.Worker,
		Type:       StepFailed,
		StartedAt:  out.started,
		DurationMS: out.duration.Milliseconds(),
		Attempts:   out.result.Attempts,
		Status:     string(CodeOf(out.err)),
		Error:      out.err.Error(),
		Item:       item,
	}
}

// stepFailure resolves a worker failure against the step's on_failure
// policy. continue swallows the error; everything else terminates the run
// with a typed RunError and the last barrier state intact.
func (e *Engine) stepFailure(ctx context.Context, s *Step, rs *runState, out childOutcome, item int) error {
	policy := s.OnFailure
	if policy == RetryThenFail {
		// The worker client already ran the retry envelope.
		policy = s.AfterRetry
	}

	if policy == ContinueRun && !errors.Is(out.err, ErrBudgetExceeded) && ctx.Err() == nil {
		rs.emit(e, StepEvent{
			StepID: s.ID, Worker: s.Worker, Type: StepSkipped,
			StartedAt: out.started, DurationMS: out.duration.Milliseconds(),
			Status: string(CodeOf(out.err)), Error: out.err.Error(), Item: item,
		})
		e.logger.Warn("step failed, continuing", "step_id", s.ID, "worker", s.Worker, "error", out.err)
		return nil
	}

	rs.emit(e, e.failureEvent(s, out, item))
	e.logger.Error("step failed", "step_id", s.ID, "worker", s.Worker, "error", out.err)
	return e.terminalError(ctx, s, out.err)
}

func (e *Engine) terminalError(ctx context.Context, s *Step, err error) error {
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return &RunError{Code: CodeBudgetExceeded, StepID: s.ID, Message: "token budget exhausted", Cause: err}
	case ctx.Err() != nil:
		return &RunError{Code: CodeCancelled, StepID: s.ID, Message: "run cancelled", Cause: err}
	}
	code := CodeOf(err)
	switch code {
	case CodeWorkerUnavailable, CodeValidation, CodeSchema, CodeCancelled:
		return &RunError{Code: code, StepID: s.ID, Message: err.Error(), Cause: err}
	case CodeTimeout, CodeRateLimit, CodeTransient:
		return &RunError{Code: CodeWorkerTransient, StepID: s.ID, Message: err.Error(), Cause: err}
	}
	return &RunError{Code: CodeInternal, StepID: s.ID, Message: err.Error(), Cause: err}
}

func (e *Engine) wrapStepError(s *Step, err error) error {
	var re *RunError
	if errors.As(err, &re) {
		if re.StepID == "" {
			re.StepID = s.ID
		}
		return re
	}
	return &RunError{Code: CodeInternal, StepID: s.ID, Message: err.Error(), Cause: err}
}

// runParallelStep fans out a static set of child worker steps, waits for
// all of them (barrier), then applies their mutations in declaration order
// so the resulting state is deterministic regardless of completion order.
func (e *Engine) runParallelStep(ctx context.Context, s *Step, rs *runState) error {
	rs.emit(e, StepEvent{StepID: s.ID, Type: StepStarted, StartedAt: time.Now(), Item: -1})

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]childOutcome, len(s.Children))
	var wg sync.WaitGroup
	for i := range s.Children {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			child := &s.Children[idx]
			out := e.invokeChild(branchCtx, child, rs, nil, -1)
			outcomes[idx] = out
			if out.err != nil && child.OnFailure != ContinueRun {
				// Signal, don't force: in-flight siblings observe the
				// cancelled context at their next suspension point.
				cancel()
			}
		}(i)
	}
	wg.Wait()

	// First fail-policy failure aborts the step before any mutation applies.
	for i := range s.Children {
		child := &s.Children[i]
		out := outcomes[i]
		if out.err == nil {
			continue
		}
		if err := e.stepFailure(ctx, child, rs, out, -1); err != nil {
			return err
		}
	}

	var budgetErr error
	err := e.applyBarrier(ctx, rs, func(st *WorkflowState) error {
		for i := range s.Children {
			child := &s.Children[i]
			out := outcomes[i]
			if out.err != nil || child.Mutation == "" {
				continue
			}
			if err := e.mutations.Apply(child.Mutation, st, MutationArgs{
				Result:    out.result.Result,
				Input:     out.input,
				ItemIndex: -1,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.wrapStepError(s, err)
	}

	for i := range s.Children {
		out := outcomes[i]
		if out.err != nil {
			continue
		}
		if chargeErr := rs.sess.ChargeTokens(out.result.Usage.TotalTokens); chargeErr != nil {
			budgetErr = chargeErr
		}
		rs.usage.Add(out.result.Usage)
		rs.emit(e, e.successEvent(&s.Children[i], out, -1))
	}
	rs.emit(e, StepEvent{StepID: s.ID, Type: StepSucceeded, StartedAt: time.Now(), Item: -1})

	if budgetErr != nil {
		return &RunError{Code: CodeBudgetExceeded, StepID: s.ID, Message: "token budget exhausted", Cause: budgetErr}
	}
	return nil
}

// runForeachStep resolves the items sequence and runs the child step once
// per item, at most Concurrency in flight. Completion order is undefined;
// mutations are applied in item order at the barrier. On cancellation the
// items not yet started stay unstarted and the mutations of completed items
// are committed before returning cancelled.
func (e *Engine) runForeachStep(ctx context.Context, s *Step, rs *runState) error {
	items := resolveItems(rs.state, s.ItemsPath)
	rs.emit(e, StepEvent{StepID: s.ID, Type: StepStarted, StartedAt: time.Now(), Item: -1})
	if len(items) == 0 {
		rs.emit(e, StepEvent{StepID: s.ID, Type: StepSucceeded, StartedAt: time.Now(), Item: -1})
		return nil
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	child := s.Child
	outcomes := make([]childOutcome, len(items))
	started := make([]bool, len(items))
	sem := make(chan struct{}, s.Concurrency)
	var wg sync.WaitGroup

launch:
	for i, item := range items {
		select {
		case <-batchCtx.Done():
			break launch
		case sem <- struct{}{}:
			// Both cases can be ready at once; never launch an item on a
			// dead context.
			if batchCtx.Err() != nil {
				<-sem
				break launch
			}
		}
		started[i] = true
		wg.Add(1)
		go func(idx int, it any) {
			defer wg.Done()
			defer func() { <-sem }()
			out := e.invokeChild(batchCtx, child, rs, it, idx)
			outcomes[idx] = out
			if out.err != nil && child.OnFailure != ContinueRun {
				cancel()
			}
		}(i, item)
	}
	wg.Wait()

	cancelled := ctx.Err() != nil

	// On outside cancellation, keep what completed; otherwise a fail-policy
	// child failure aborts the step before any mutation applies.
	if !cancelled {
		for i := range items {
			if !started[i] || outcomes[i].err == nil {
				continue
			}
			if err := e.stepFailure(ctx, child, rs, outcomes[i], i); err != nil {
				return err
			}
		}
	}

	var budgetErr error
	commitCtx := ctx
	if cancelled {
		commitCtx = context.WithoutCancel(ctx)
	}
	err := e.applyBarrier(commitCtx, rs, func(st *WorkflowState) error {
		for i := range items {
			if !started[i] || outcomes[i].err != nil || child.Mutation == "" {
				continue
			}
			if err := e.mutations.Apply(child.Mutation, st, MutationArgs{
				Result:    outcomes[i].result.Result,
				Input:     outcomes[i].input,
				Item:      items[i],
				ItemIndex: i,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.wrapStepError(s, err)
	}

	for i := range items {
		if !started[i] || outcomes[i].err != nil {
			continue
		}
		if chargeErr := rs.sess.ChargeTokens(outcomes[i].result.Usage.TotalTokens); chargeErr != nil {
			budgetErr = chargeErr
		}
		rs.usage.Add(outcomes[i].result.Usage)
		rs.emit(e, e.successEvent(child, outcomes[i], i))
	}

	if cancelled {
		rs.emit(e, StepEvent{StepID: s.ID, Type: StepFailed, StartedAt: time.Now(), Status: string(CodeCancelled), Item: -1})
		return &RunError{Code: CodeCancelled, StepID: s.ID, Message: "run cancelled", Cause: ctx.Err()}
	}

	rs.emit(e, StepEvent{StepID: s.ID, Type: StepSucceeded, StartedAt: time.Now(), Item: -1})
	if budgetErr != nil {
		return &RunError{Code: CodeBudgetExceeded, StepID: s.ID, Message: "token budget exhausted", Cause: budgetErr}
	}
	return nil
}

// runConditionalStep evaluates the predicate and runs one branch. Branch
// steps execute with their own barriers, exactly like top-level steps.
func (e *Engine) runConditionalStep(ctx context.Context, s *Step, rs *runState) error {
	now := time.Now()
	rs.emit(e, StepEvent{StepID: s.ID, Type: StepStarted, StartedAt: now, Item: -1})

	branch := s.Then
	taken := "then"
	if !s.Predicate(rs.state) {
		branch = s.Else
		taken = "else"
	}
	if len(branch) == 0 {
		rs.emit(e, StepEvent{StepID: s.ID, Type: StepSkipped, StartedAt: now, Status: taken, Item: -1})
		return nil
	}

	if err := e.runSteps(ctx, branch, rs); err != nil {
		rs.emit(e, StepEvent{StepID: s.ID, Type: StepFailed, StartedAt: now, Status: taken, Error: err.Error(), Item: -1})
		return err
	}
	rs.emit(e, StepEvent{StepID: s.ID, Type: StepSucceeded, StartedAt: now, Status: taken, Item: -1})
	return nil
}
