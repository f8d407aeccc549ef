package slidewise

import (
	"context"
	"errors"
	"log/slog"
)

// RunRequest is one presentation authoring request. A missing presentation
// id starts a fresh presentation.
type RunRequest struct {
	PresentationID string         `json:"presentation_id,omitempty"`
	History        []HistoryTurn  `json:"history,omitempty"`
	InitialInput   string         `json:"initial_input"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RunResponse is the outcome handed back to the API caller. Final is true
// once the request was clear enough to author the deck; false means the
// clarify worker produced a follow-up question and the caller should come
// back with more history.
type RunResponse struct {
	PresentationID string         `json:"presentation_id"`
	State          *WorkflowState `json:"state"`
	Trace          []StepEvent    `json:"trace"`
	Usage          Usage          `json:"usage"`
	Final          bool           `json:"final"`
}

// Orchestrator wires sessions, the engine, the workflow, and the quality
// gate into the one entry point the API surface calls.
type Orchestrator struct {
	sessions *SessionManager
	engine   *Engine
	workflow *Workflow
	gate     *QualityGate
	logger   *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithQualityGate enables post-run slide assessment.
func WithQualityGate(g *QualityGate) OrchestratorOption {
	return func(o *Orchestrator) { o.gate = g }
}

// WithOrchestratorLogger sets the structured logger for run lifecycle events.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates the orchestrator for one workflow.
func NewOrchestrator(sessions *SessionManager, engine *Engine, wf *Workflow, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		engine:   engine,
		workflow: wf,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunPresentation executes the authoring workflow for one request: opens a
// session (rejecting a second concurrent run on the same presentation),
// seeds the state with the request, runs the workflow, and assesses slide
// quality on success. The returned state is always the last barrier state,
// also when the run errored.
func (o *Orchestrator) RunPresentation(ctx context.Context, req RunRequest) (RunResponse, error) {
	presentationID := req.PresentationID
	if presentationID == "" {
		presentationID = NewID()
	}

	sess, err := o.sessions.Open(ctx, presentationID)
	if err != nil {
		return RunResponse{PresentationID: presentationID}, err
	}
	defer o.sessions.Close(sess)

	seedRequest(sess.State, req)

	result, runErr := o.engine.Run(sess.Context(), o.workflow, sess)
	resp := RunResponse{
		PresentationID: presentationID,
		State:          result.State,
		Trace:          result.Trace,
		Usage:          result.Usage,
	}
	if runErr != nil {
		o.logger.Error("presentation run failed",
			"presentation_id", presentationID,
			"session_id", sess.ID,
			"error", runErr)
		return resp, runErr
	}

	resp.Final = result.State.Clarify.Finished
	if o.gate != nil && resp.Final && len(result.State.Slides) > 0 {
		summary := o.gate.Assess(ctx, result.State)
		result.State.Version++
		if err := o.sessions.Commit(ctx, sess, result.State); err != nil {
			result.State.Version--
			if errors.Is(err, ErrConflict) {
				return resp, &RunError{Code: CodeConflict, Message: "quality summary commit conflict", Cause: err}
			}
			return resp, &RunError{Code: CodeInternal, Message: "quality summary commit failed", Cause: err}
		}
		if summary.ManualReviewRequired {
			o.logger.Warn("presentation flagged for manual review",
				"presentation_id", presentationID,
				"score", summary.OverallPresentationScore)
		}
	}

	o.logger.Info("presentation run completed",
		"presentation_id", presentationID,
		"session_id", sess.ID,
		"final", resp.Final,
		"slides", len(result.State.Slides),
		"tokens", resp.Usage.TotalTokens)
	return resp, nil
}

// seedRequest folds the request into the working state before the run.
func seedRequest(state *WorkflowState, req RunRequest) {
	state.History = append(state.History, req.History...)
	if req.InitialInput != "" {
		state.History = append(state.History, HistoryTurn{Role: "user", Content: req.InitialInput})
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]any)
	}
	if req.InitialInput != "" {
		state.Metadata["topic"] = req.InitialInput
	}
	for k, v := range req.Metadata {
		state.Metadata[k] = v
	}
}
