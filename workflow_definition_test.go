package slidewise

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func definitionRegistry() DefinitionRegistry {
	workers := NewRegistry()
	for _, name := range []string{WorkerClarify, WorkerOutline, WorkerRetrieve, WorkerWriteSlide} {
		workers.Register(staticWorker(name, map[string]any{}))
	}
	return DefinitionRegistry{
		Workers:    workers,
		Mutations:  DefaultMutations(),
		Inputs:     DefaultInputs(),
		Predicates: DefaultPredicates(),
	}
}

func TestFromDefinitionRejectsUnknownNames(t *testing.T) {
	base := func() WorkflowDefinition {
		return WorkflowDefinition{Name: "wf", Version: "1", Steps: []StepDefinition{
			{ID: "outline", Kind: "worker", Worker: WorkerOutline, Input: InOutline, Mutation: MutStoreOutlineResult},
		}}
	}

	tests := []struct {
		name    string
		mutate  func(*WorkflowDefinition)
		wantErr string
	}{
		{
			name:    "unknown worker",
			mutate:  func(d *WorkflowDefinition) { d.Steps[0].Worker = "summarize" },
			wantErr: "unknown worker",
		},
		{
			name:    "unknown input mapping",
			mutate:  func(d *WorkflowDefinition) { d.Steps[0].Input = "mystery_input" },
			wantErr: "unknown input mapping",
		},
		{
			name:    "unknown mutation",
			mutate:  func(d *WorkflowDefinition) { d.Steps[0].Mutation = "mystery_mutation" },
			wantErr: "unknown mutation",
		},
		{
			name: "unknown predicate",
			mutate: func(d *WorkflowDefinition) {
				d.Steps = append(d.Steps, StepDefinition{
					ID: "branch", Kind: "conditional", Predicate: "mystery_predicate",
					Then: []StepDefinition{{ID: "t", Kind: "noop"}},
				})
			},
			wantErr: "unknown predicate",
		},
		{
			name: "unknown items path",
			mutate: func(d *WorkflowDefinition) {
				d.Steps = append(d.Steps, StepDefinition{
					ID: "fanout", Kind: "foreach", ItemsPath: "outline.bogus",
					Child: &StepDefinition{ID: "c", Kind: "noop"},
				})
			},
			wantErr: "unknown items_path",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := base()
			tc.mutate(&def)
			_, err := FromDefinition(def, definitionRegistry())
			if err == nil {
				t.Fatal("invalid definition accepted")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestFromDefinitionRequiresNameAndSteps(t *testing.T) {
	if _, err := FromDefinition(WorkflowDefinition{}, definitionRegistry()); err == nil {
		t.Error("nameless definition accepted")
	}
	if _, err := FromDefinition(WorkflowDefinition{Name: "wf"}, definitionRegistry()); err == nil {
		t.Error("stepless definition accepted")
	}
}

func TestFromDefinitionBindsNames(t *testing.T) {
	def := WorkflowDefinition{Name: "custom", Version: "2", Steps: []StepDefinition{
		{ID: "clarify", Kind: "worker", Worker: WorkerClarify, Input: InClarify,
			Mutation: MutStoreClarifyResult, OnFailure: "retry", AfterRetry: "fail"},
		{ID: "branch", Kind: "conditional", Predicate: PredClarifyFinished,
			Then: []StepDefinition{
				{ID: "fanout", Kind: "foreach", ItemsPath: "outline.sections",
					Child: &StepDefinition{ID: "write", Kind: "worker", Worker: WorkerWriteSlide,
						Input: InWriteSlide, Mutation: MutUpsertSlide}},
			},
			Else: []StepDefinition{{ID: "wait", Kind: "noop"}},
		},
	}}

	wf, err := FromDefinition(def, definitionRegistry())
	if err != nil {
		t.Fatalf("bind definition: %v", err)
	}
	if wf.Name != "custom" || wf.Version != "2" {
		t.Errorf("identity = %s/%s", wf.Name, wf.Version)
	}
	if wf.Steps[0].Input == nil {
		t.Error("input mapping not bound to code")
	}
	if wf.Steps[0].OnFailure != RetryThenFail || wf.Steps[0].AfterRetry != FailRun {
		t.Errorf("failure policy = %s/%s", wf.Steps[0].OnFailure, wf.Steps[0].AfterRetry)
	}
	branch := wf.Steps[1]
	if branch.Predicate == nil {
		t.Fatal("predicate not bound")
	}
	fanout := branch.Then[0]
	if fanout.Concurrency != defaultForeachConcurrency {
		t.Errorf("concurrency = %d, want default %d", fanout.Concurrency, defaultForeachConcurrency)
	}
	if fanout.Child == nil || fanout.Child.Input == nil {
		t.Fatal("foreach child not bound")
	}
}

func TestLoadDefinitionTOML(t *testing.T) {
	src := `
name = "custom"
version = "1"

[[steps]]
id = "clarify"
kind = "worker"
worker = "clarify"
input = "clarify_input"
mutation = "store_clarify_result"

[[steps]]
id = "fanout"
kind = "foreach"
items_path = "outline.sections"
concurrency = 2

[steps.child]
id = "write"
kind = "worker"
worker = "write-slide"
input = "write_slide_input"
mutation = "upsert_slide"
`
	path := filepath.Join(t.TempDir(), "workflow.toml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.Name != "custom" || len(def.Steps) != 2 {
		t.Fatalf("definition = %+v", def)
	}
	if def.Steps[1].Child == nil || def.Steps[1].Child.Worker != WorkerWriteSlide {
		t.Errorf("child step = %+v", def.Steps[1].Child)
	}

	wf, err := FromDefinition(def, definitionRegistry())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if wf.Steps[1].Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", wf.Steps[1].Concurrency)
	}

	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
}
