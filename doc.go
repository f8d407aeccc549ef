// Package slidewise orchestrates multi-stage presentation authoring.
//
// It provides the building blocks of the authoring gateway: a declarative
// workflow engine with deterministic fan-out, a session manager with token
// and time budgets, a typed worker client with retry and circuit breaking,
// a graph-backed evidence store with hybrid retrieval, a quality gate, and
// structured telemetry.
//
// # Quick Start
//
// Wire the registries, open the store, and run the built-in pipeline:
//
//	store := sqlite.New("slidewise.db")
//	workers := slidewise.NewRegistry(slidewise.WithSchemas(schemas))
//	workers.Register(httpjson.New(slidewise.WorkerClarify, clarifyURL))
//
//	sessions := slidewise.NewSessionManager(store)
//	engine := slidewise.NewEngine(workers, slidewise.DefaultMutations())
//	wf, _ := slidewise.BuildPresentationWorkflow(
//		slidewise.DefaultMutations(), slidewise.DefaultInputs(), slidewise.DefaultPredicates())
//
//	orch := slidewise.NewOrchestrator(sessions, engine, wf)
//	resp, err := orch.RunPresentation(ctx, slidewise.RunRequest{InitialInput: "Q3 results"})
//
// # Core Interfaces
//
// The root package defines the contracts the subpackages implement:
//
//   - [Worker]: one remote transformation (input) -> (result, usage)
//   - [EvidenceStore]: document/chunk persistence with hybrid retrieval
//   - [StateStore]: workflow state persistence with optimistic versioning
//   - [TelemetrySink]: per-step event recording
//   - [Embedder]: text-to-vector embedding for retrieval
//   - [Tracer]: span creation for workflow and step execution
package slidewise
