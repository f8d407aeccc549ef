package slidewise

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// WorkflowDefinition is the declarative form of a workflow, loadable from
// TOML. Definitions reference workers, input mappings, mutations, and
// predicates by name; FromDefinition binds the names against the registries
// and rejects anything unknown before the first step runs.
type WorkflowDefinition struct {
	Name    string           `toml:"name" json:"name"`
	Version string           `toml:"version" json:"version"`
	Steps   []StepDefinition `toml:"steps" json:"steps"`
}

// StepDefinition is one declarative step. Exactly the fields for its kind
// are consulted.
type StepDefinition struct {
	ID   string `toml:"id" json:"id"`
	Kind string `toml:"kind" json:"kind"`

	Worker   string `toml:"worker,omitempty" json:"worker,omitempty"`
	Input    string `toml:"input,omitempty" json:"input,omitempty"`
	Mutation string `toml:"mutation,omitempty" json:"mutation,omitempty"`

	OnFailure  string `toml:"on_failure,omitempty" json:"on_failure,omitempty"`
	AfterRetry string `toml:"after_retry,omitempty" json:"after_retry,omitempty"`

	Children []StepDefinition `toml:"children,omitempty" json:"children,omitempty"`

	Child       *StepDefinition `toml:"child,omitempty" json:"child,omitempty"`
	ItemsPath   string          `toml:"items_path,omitempty" json:"items_path,omitempty"`
	Concurrency int             `toml:"concurrency,omitempty" json:"concurrency,omitempty"`

	Predicate string           `toml:"predicate,omitempty" json:"predicate,omitempty"`
	Then      []StepDefinition `toml:"then,omitempty" json:"then,omitempty"`
	Else      []StepDefinition `toml:"else,omitempty" json:"else,omitempty"`
}

// DefinitionRegistry bundles the closed name sets a definition may draw
// from. Workers is the set of registered worker kinds; the other three bind
// names to code.
type DefinitionRegistry struct {
	Workers    *Registry
	Mutations  *MutationRegistry
	Inputs     *InputRegistry
	Predicates *PredicateRegistry
}

// LoadDefinition reads and decodes one TOML workflow definition.
func LoadDefinition(path string) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	b, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read definition: %w", err)
	}
	if err := toml.Unmarshal(b, &def); err != nil {
		return def, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return def, nil
}

// FromDefinition creates an executable *Workflow from a declarative
// definition. Every name the definition uses is resolved here: unknown
// workers, input mappings, mutations, predicates, item paths, and malformed
// step shapes are all load-time errors, never runtime surprises.
func FromDefinition(def WorkflowDefinition, reg DefinitionRegistry) (*Workflow, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("workflow definition without a name")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow definition %q: no steps", def.Name)
	}

	steps := make([]Step, 0, len(def.Steps))
	for i := range def.Steps {
		s, err := bindStep(&def.Steps[i], reg)
		if err != nil {
			return nil, fmt.Errorf("workflow definition %q: %w", def.Name, err)
		}
		steps = append(steps, s)
	}
	return NewWorkflow(def.Name, def.Version, reg.Mutations, steps...)
}

// bindStep resolves one step definition's names against the registries and
// recurses into children. Structural validation (duplicate ids, per-kind
// requirements, concurrency range) stays with NewWorkflow.
func bindStep(d *StepDefinition, reg DefinitionRegistry) (Step, error) {
	s := Step{
		ID:          d.ID,
		Kind:        StepKind(d.Kind),
		Worker:      d.Worker,
		InputName:   d.Input,
		Mutation:    d.Mutation,
		OnFailure:   OnFailure(d.OnFailure),
		AfterRetry:  OnFailure(d.AfterRetry),
		ItemsPath:   d.ItemsPath,
		Concurrency: d.Concurrency,
	}

	if d.Worker != "" && reg.Workers != nil {
		if _, ok := reg.Workers.Lookup(d.Worker); !ok {
			return s, fmt.Errorf("step %q: unknown worker %q", d.ID, d.Worker)
		}
	}
	if d.Input != "" {
		fn, ok := reg.Inputs.Lookup(d.Input)
		if !ok {
			return s, fmt.Errorf("step %q: unknown input mapping %q", d.ID, d.Input)
		}
		s.Input = fn
	}
	if d.Predicate != "" {
		fn, ok := reg.Predicates.Lookup(d.Predicate)
		if !ok {
			return s, fmt.Errorf("step %q: unknown predicate %q", d.ID, d.Predicate)
		}
		s.PredicateName = d.Predicate
		s.Predicate = fn
	}

	for i := range d.Children {
		child, err := bindStep(&d.Children[i], reg)
		if err != nil {
			return s, err
		}
		s.Children = append(s.Children, child)
	}
	if d.Child != nil {
		child, err := bindStep(d.Child, reg)
		if err != nil {
			return s, err
		}
		s.Child = &child
	}
	for i := range d.Then {
		st, err := bindStep(&d.Then[i], reg)
		if err != nil {
			return s, err
		}
		s.Then = append(s.Then, st)
	}
	for i := range d.Else {
		st, err := bindStep(&d.Else[i], reg)
		if err != nil {
			return s, err
		}
		s.Else = append(s.Else, st)
	}
	return s, nil
}
