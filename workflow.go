package slidewise

import (
	"encoding/json"
	"fmt"
)

// StepKind discriminates the five step shapes the engine executes.
type StepKind string

const (
	KindWorker      StepKind = "worker"
	KindParallel    StepKind = "parallel"
	KindForeach     StepKind = "foreach"
	KindConditional StepKind = "conditional"
	KindNoop        StepKind = "noop"
)

// OnFailure selects what the engine does when a step fails after the worker
// client's retry envelope is exhausted.
type OnFailure string

const (
	// FailRun aborts the workflow; in-flight siblings are cancelled and the
	// state from the last successful barrier is returned.
	FailRun OnFailure = "fail"
	// ContinueRun logs the failure and moves to the next step with the
	// state unchanged.
	ContinueRun OnFailure = "continue"
	// RetryThenFail lets the worker client retry; after exhaustion the step
	// falls through to the policy named by Step.AfterRetry.
	RetryThenFail OnFailure = "retry"
)

// InputFunc maps the current state (and foreach item, when applicable) to a
// worker input document. It must be pure: no I/O, no state mutation.
type InputFunc func(state *WorkflowState, item any) (json.RawMessage, error)

// PredicateFunc is a pure condition over state used by conditional steps.
type PredicateFunc func(state *WorkflowState) bool

// Step is one node of a workflow definition. Exactly the fields for its
// Kind are consulted; the rest stay zero.
type Step struct {
	ID   string
	Kind StepKind

	// worker steps
	Worker    string
	InputName string
	Input     InputFunc
	Mutation  string

	OnFailure  OnFailure
	AfterRetry OnFailure // consulted when OnFailure == RetryThenFail

	// parallel steps
	Children []Step

	// foreach steps
	Child       *Step
	ItemsPath   string
	Concurrency int // default 4, min 1

	// conditional steps
	PredicateName string
	Predicate     PredicateFunc
	Then          []Step
	Else          []Step
}

// Workflow is a validated, executable workflow definition. Steps run in
// declaration order; parallel and foreach steps fan out internally and
// commit their mutations deterministically at a barrier.
type Workflow struct {
	Name    string
	Version string
	Steps   []Step
}

const (
	defaultForeachConcurrency = 4
	maxForeachConcurrency     = 64
)

// NewWorkflow validates a workflow definition. Duplicate step ids, unknown
// mutation names, missing pieces for a kind, and out-of-range concurrency
// are all load-time errors, never runtime surprises.
func NewWorkflow(name, version string, muts *MutationRegistry, steps ...Step) (*Workflow, error) {
	w := &Workflow{Name: name, Version: version, Steps: steps}
	seen := make(map[string]bool)
	for i := range w.Steps {
		if err := validateStep(&w.Steps[i], muts, seen); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", name, err)
		}
	}
	return w, nil
}

func validateStep(s *Step, muts *MutationRegistry, seen map[string]bool) error {
	if s.ID == "" {
		return fmt.Errorf("step with empty id")
	}
	if seen[s.ID] {
		return fmt.Errorf("duplicate step id %q", s.ID)
	}
	seen[s.ID] = true

	if s.OnFailure == "" {
		s.OnFailure = FailRun
	}
	switch s.OnFailure {
	case FailRun, ContinueRun, RetryThenFail:
	default:
		return fmt.Errorf("step %q: unknown on_failure %q", s.ID, s.OnFailure)
	}
	if s.OnFailure == RetryThenFail {
		if s.AfterRetry == "" {
			s.AfterRetry = FailRun
		}
		if s.AfterRetry != FailRun && s.AfterRetry != ContinueRun {
			return fmt.Errorf("step %q: after_retry must be fail or continue, got %q", s.ID, s.AfterRetry)
		}
	}

	switch s.Kind {
	case KindWorker:
		if s.Worker == "" {
			return fmt.Errorf("step %q: worker step without worker name", s.ID)
		}
		if s.Input == nil {
			return fmt.Errorf("step %q: worker step without input mapping", s.ID)
		}
		if s.Mutation != "" && !muts.Has(s.Mutation) {
			return fmt.Errorf("step %q: unknown mutation %q", s.ID, s.Mutation)
		}

	case KindParallel:
		if len(s.Children) == 0 {
			return fmt.Errorf("step %q: parallel step without children", s.ID)
		}
		for i := range s.Children {
			if err := validateStep(&s.Children[i], muts, seen); err != nil {
				return err
			}
		}

	case KindForeach:
		if s.Child == nil {
			return fmt.Errorf("step %q: foreach step without child", s.ID)
		}
		if s.ItemsPath == "" {
			return fmt.Errorf("step %q: foreach step without items_path", s.ID)
		}
		if !knownItemsPath(s.ItemsPath) {
			return fmt.Errorf("step %q: unknown items_path %q", s.ID, s.ItemsPath)
		}
		if s.Concurrency == 0 {
			s.Concurrency = defaultForeachConcurrency
		}
		if s.Concurrency < 1 || s.Concurrency > maxForeachConcurrency {
			return fmt.Errorf("step %q: concurrency %d out of range [1,%d]", s.ID, s.Concurrency, maxForeachConcurrency)
		}
		if err := validateStep(s.Child, muts, seen); err != nil {
			return err
		}

	case KindConditional:
		if s.Predicate == nil {
			return fmt.Errorf("step %q: conditional step without predicate", s.ID)
		}
		if len(s.Then) == 0 {
			return fmt.Errorf("step %q: conditional step without then branch", s.ID)
		}
		for i := range s.Then {
			if err := validateStep(&s.Then[i], muts, seen); err != nil {
				return err
			}
		}
		for i := range s.Else {
			if err := validateStep(&s.Else[i], muts, seen); err != nil {
				return err
			}
		}

	case KindNoop:
		// explicit barrier / placeholder, nothing to check

	default:
		return fmt.Errorf("step %q: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// knownItemsPath reports whether the path names one of the sequences the
// engine can iterate. The set is closed so definitions fail at load time.
func knownItemsPath(path string) bool {
	switch path {
	case "outline.sections", "slides", "research.findings", "rag.presentation":
		return true
	}
	return false
}

// resolveItems returns the sequence at path as []any. Paths are validated
// at load time; an unknown path here is a programmer error.
func resolveItems(state *WorkflowState, path string) []any {
	switch path {
	case "outline.sections":
		items := make([]any, len(state.Outline.Sections))
		for i, sec := range state.Outline.Sections {
			items[i] = sec
		}
		return items
	case "slides":
		items := make([]any, len(state.Slides))
		for i, sl := range state.Slides {
			items[i] = sl
		}
		return items
	case "research.findings":
		items := make([]any, len(state.Research.Findings))
		for i, f := range state.Research.Findings {
			items[i] = f
		}
		return items
	case "rag.presentation":
		items := make([]any, len(state.RAG.Presentation))
		for i, c := range state.RAG.Presentation {
			items[i] = c
		}
		return items
	}
	panic(fmt.Sprintf("unvalidated items_path %q", path))
}
