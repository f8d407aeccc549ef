package slidewise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Budget caps one workflow run. Zero values fall back to the defaults.
type Budget struct {
	MaxTokens int           // default 180000
	MaxTime   time.Duration // default 180s
}

// DefaultBudget returns the documented per-trace caps.
func DefaultBudget() Budget {
	return Budget{
		MaxTokens: 180000,
		MaxTime:   180 * time.Second,
	}
}

// Session binds one workflow run to a presentation: it carries the working
// state, the remaining budget, the deadline, and the cancellation signal.
// Sessions are discarded when the run completes or times out.
type Session struct {
	ID             string
	PresentationID string
	State          *WorkflowState

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	tokensUsed   int
	maxTokens    int
	activeStepID string
}

// Context returns the session context. It is cancelled by Cancel, by the
// session deadline, or when the manager closes the session.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel signals cancellation. Blocking calls observe it at the next
// suspension point.
func (s *Session) Cancel() { s.cancel() }

// SetActiveStep records the step currently executing, for introspection.
func (s *Session) SetActiveStep(stepID string) {
	s.mu.Lock()
	s.activeStepID = stepID
	s.mu.Unlock()
}

// ActiveStep returns the id of the step currently executing, if any.
func (s *Session) ActiveStep() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeStepID
}

// BudgetRemaining returns the tokens still available to this session.
func (s *Session) BudgetRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTokens - s.tokensUsed
}

// ChargeTokens reserves n tokens against the budget. It fails with
// ErrBudgetExceeded when the reservation would overrun the cap; the tokens
// already consumed stay charged.
func (s *Session) ChargeTokens(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokensUsed+n > s.maxTokens {
		s.tokensUsed = s.maxTokens
		return ErrBudgetExceeded
	}
	s.tokensUsed += n
	return nil
}

// TokensUsed returns the tokens charged so far.
func (s *Session) TokensUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensUsed
}

// SessionManager opens, commits, and closes sessions. At most one session
// may be active per presentation; a second Open for the same presentation
// fails with conflict.
type SessionManager struct {
	store  StateStore
	budget Budget
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Session
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionBudget overrides the default per-trace budget.
func WithSessionBudget(b Budget) SessionOption {
	return func(m *SessionManager) { m.budget = b }
}

// WithSessionLogger sets the structured logger for session lifecycle events.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = l }
}

// NewSessionManager creates a SessionManager backed by the given state store.
func NewSessionManager(store StateStore, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		store:  store,
		budget: DefaultBudget(),
		logger: nopLogger,
		active: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open loads (or creates) the state for a presentation and binds a new
// session to it. The parent context bounds the run alongside the session
// deadline. Fails with conflict when a session is already active for the
// presentation.
func (m *SessionManager) Open(ctx context.Context, presentationID string) (*Session, error) {
	m.mu.Lock()
	if _, busy := m.active[presentationID]; busy {
		m.mu.Unlock()
		return nil, &RunError{Code: CodeConflict, Message: fmt.Sprintf("presentation %s has an active run", presentationID)}
	}
	// Reserve the slot before the store round-trip so concurrent opens race
	// on the map, not on the database.
	m.active[presentationID] = nil
	m.mu.Unlock()

	state, err := m.store.Load(ctx, presentationID)
	if err != nil {
		if !errors.Is(err, ErrStateNotFound) {
			m.release(presentationID)
			return nil, fmt.Errorf("load state: %w", err)
		}
		state = NewWorkflowState(presentationID)
	}

	maxTime := m.budget.MaxTime
	if maxTime <= 0 {
		maxTime = DefaultBudget().MaxTime
	}
	maxTokens := m.budget.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultBudget().MaxTokens
	}

	sctx, cancel := context.WithTimeout(ctx, maxTime)
	sess := &Session{
		ID:             NewID(),
		PresentationID: presentationID,
		State:          state,
		ctx:            sctx,
		cancel:         cancel,
		maxTokens:      maxTokens,
	}

	m.mu.Lock()
	m.active[presentationID] = sess
	m.mu.Unlock()

	m.logger.Info("session opened",
		"session_id", sess.ID,
		"presentation_id", presentationID,
		"state_version", state.Version)
	return sess, nil
}

// Commit persists the state at its already-bumped version with optimistic
// concurrency: the store must still hold the previous version or Commit
// fails with ErrConflict. Same convention as the engine's barrier committer.
func (m *SessionManager) Commit(ctx context.Context, sess *Session, state *WorkflowState) error {
	if err := m.store.Save(ctx, state, state.Version-1); err != nil {
		return err
	}
	sess.State = state
	return nil
}

// Close cancels the session and releases the presentation slot.
func (m *SessionManager) Close(sess *Session) {
	sess.cancel()
	m.release(sess.PresentationID)
	m.logger.Info("session closed",
		"session_id", sess.ID,
		"presentation_id", sess.PresentationID,
		"tokens_used", sess.TokensUsed())
}

func (m *SessionManager) release(presentationID string) {
	m.mu.Lock()
	delete(m.active, presentationID)
	m.mu.Unlock()
}

// Active returns the session currently bound to a presentation, if any.
func (m *SessionManager) Active(presentationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[presentationID]
	return s, ok && s != nil
}
