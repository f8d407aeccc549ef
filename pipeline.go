package slidewise

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Typed documents for the worker wire protocol. Every worker consumes and
// produces JSON; these are the shapes the built-in pipeline exchanges with
// them. The schemas in schema.go guard the same contracts at the boundary.

// ClarifyInput asks the clarify worker to refine the user's request.
type ClarifyInput struct {
	Text     string        `json:"text"`
	Audience string        `json:"audience,omitempty"`
	Tone     string        `json:"tone,omitempty"`
	History  []HistoryTurn `json:"history,omitempty"`
}

// ClarifyResult is either a follow-up question (finished=false) or the
// final restated brief.
type ClarifyResult struct {
	Response string `json:"response"`
	Finished bool   `json:"finished"`
}

// OutlineInput asks the outline worker to plan the deck.
type OutlineInput struct {
	Brief    string `json:"brief"`
	Audience string `json:"audience,omitempty"`
	Tone     string `json:"tone,omitempty"`
}

// OutlineResult is the planned section list.
type OutlineResult struct {
	Sections []OutlineSection `json:"sections"`
	Raw      string           `json:"raw,omitempty"`
}

// RetrieveFilter narrows retrieval to one document kind.
type RetrieveFilter struct {
	DocumentKind string `json:"document_kind,omitempty"`
}

// RetrieveInput queries the evidence store through the retrieve worker.
type RetrieveInput struct {
	PresentationID string          `json:"presentation_id"`
	Query          string          `json:"query"`
	Limit          int             `json:"limit,omitempty"`
	Filter         *RetrieveFilter `json:"filter,omitempty"`
}

// RetrieveResult carries the scored chunks for one query.
type RetrieveResult struct {
	Chunks []RetrievedChunk `json:"chunks"`
}

// WriteSlideInput authors one slide from a section and its evidence.
type WriteSlideInput struct {
	Section  OutlineSection   `json:"section"`
	Evidence []RetrievedChunk `json:"evidence,omitempty"`
	Audience string           `json:"audience,omitempty"`
	Tone     string           `json:"tone,omitempty"`
}

// SlideResult wraps one authored slide.
type SlideResult struct {
	Slide Slide `json:"slide"`
}

// SlidesResult replaces the full slide list at once.
type SlidesResult struct {
	Slides []Slide `json:"slides"`
}

// CritiqueInput sends the current deck for review.
type CritiqueInput struct {
	Slides []Slide `json:"slides"`
}

// CriticNote is the critique worker's feedback for one slide.
type CriticNote struct {
	SlideID     string   `json:"slide_id"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// CritiqueResult is the full deck review.
type CritiqueResult struct {
	Feedback []CriticNote `json:"feedback"`
}

// PolishInput rewrites one slide's speaker notes.
type PolishInput struct {
	Slide Slide `json:"slide"`
}

// PolishResult is the polished speaker notes text.
type PolishResult struct {
	SpeakerNotes string `json:"speaker_notes"`
}

// DesignInput asks the design worker for layout and imagery choices.
type DesignInput struct {
	Slides []Slide        `json:"slides"`
	Brand  map[string]any `json:"brand,omitempty"`
}

// SlideDesign is the design decision for one slide.
type SlideDesign struct {
	SlideID     string         `json:"slide_id"`
	Design      map[string]any `json:"design,omitempty"`
	ImagePrompt string         `json:"image_prompt,omitempty"`
}

// DesignResult is the per-slide design set.
type DesignResult struct {
	Designs []SlideDesign `json:"designs"`
}

// ScriptInput asks for a spoken narration across the deck.
type ScriptInput struct {
	Outline Outline `json:"outline"`
	Slides  []Slide `json:"slides"`
	Tone    string  `json:"tone,omitempty"`
}

// ScriptResult is the narration text.
type ScriptResult struct {
	Script string `json:"script"`
}

// ResearchInput asks the research worker to investigate one topic.
type ResearchInput struct {
	Topic string `json:"topic"`
}

// ResearchResult is the findings list for one topic.
type ResearchResult struct {
	Findings []Finding `json:"findings"`
}

// IngestFile is one asset submitted for ingestion.
type IngestFile struct {
	Name          string `json:"name"`
	ContentBase64 string `json:"content_base64,omitempty"`
	URL           string `json:"url,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

// IngestInput submits files to the ingest worker.
type IngestInput struct {
	PresentationID string       `json:"presentation_id"`
	Files          []IngestFile `json:"files"`
}

// IngestResult reports how much the ingest produced.
type IngestResult struct {
	DocCount   int      `json:"doc_count"`
	ChunkCount int      `json:"chunk_count"`
	Warnings   []string `json:"warnings,omitempty"`
}

// --- Named input mappings and predicates ---
//
// Declarative definitions reference inputs and predicates by name; the
// closed registries below bind the names to code, and unknown names fail at
// definition load time exactly like unknown mutations.

// InputRegistry is the closed set of named input mappings.
type InputRegistry struct {
	funcs map[string]InputFunc
}

// NewInputRegistry creates an empty registry.
func NewInputRegistry() *InputRegistry {
	return &InputRegistry{funcs: make(map[string]InputFunc)}
}

// Register adds a named input mapping. Re-registering a name is a
// programmer error.
func (r *InputRegistry) Register(name string, fn InputFunc) {
	if _, dup := r.funcs[name]; dup {
		panic(fmt.Sprintf("input mapping %q registered twice", name))
	}
	r.funcs[name] = fn
}

// Lookup returns the named mapping.
func (r *InputRegistry) Lookup(name string) (InputFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *InputRegistry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PredicateRegistry is the closed set of named conditional predicates.
type PredicateRegistry struct {
	funcs map[string]PredicateFunc
}

// NewPredicateRegistry creates an empty registry.
func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{funcs: make(map[string]PredicateFunc)}
}

// Register adds a named predicate. Re-registering a name is a programmer
// error.
func (r *PredicateRegistry) Register(name string, fn PredicateFunc) {
	if _, dup := r.funcs[name]; dup {
		panic(fmt.Sprintf("predicate %q registered twice", name))
	}
	r.funcs[name] = fn
}

// Lookup returns the named predicate.
func (r *PredicateRegistry) Lookup(name string) (PredicateFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *PredicateRegistry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Built-in input mapping names.
const (
	InClarify         = "clarify_input"
	InOutline         = "outline_input"
	InPresentationRAG = "presentation_rag_query"
	InSectionRAG      = "section_rag_query"
	InWriteSlide      = "write_slide_input"
	InCritique        = "critique_input"
	InPolish          = "polish_input"
	InDesign          = "design_input"
	InScript          = "script_input"
	InResearch        = "research_input"
)

// Built-in predicate names.
const (
	PredClarifyFinished = "clarify_finished"
	PredHasSlides       = "has_slides"
)

func metaString(state *WorkflowState, key string) string {
	if v, ok := state.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// brief returns the best available restatement of the request: the clarify
// worker's final response when it finished, the raw topic otherwise.
func brief(state *WorkflowState) string {
	if state.Clarify.Finished && state.Clarify.Response != "" {
		return state.Clarify.Response
	}
	return metaString(state, "topic")
}

// slideEvidence stitches the evidence for one section: the section's own
// cached chunks first, then presentation-wide chunks not already present.
func slideEvidence(state *WorkflowState, sectionID string) []RetrievedChunk {
	var out []RetrievedChunk
	seen := make(map[string]bool)
	if sec, ok := state.RAG.Sections[sectionID]; ok {
		for _, c := range sec.Chunks {
			out = append(out, c)
			seen[c.ChunkKey] = true
		}
	}
	for _, c := range state.RAG.Presentation {
		if !seen[c.ChunkKey] {
			out = append(out, c)
		}
	}
	return out
}

// DefaultInputs returns the registry with every built-in input mapping.
func DefaultInputs() *InputRegistry {
	r := NewInputRegistry()

	r.Register(InClarify, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		text := metaString(state, "topic")
		for _, turn := range state.History {
			if turn.Role == "user" {
				text = turn.Content
			}
		}
		if text == "" {
			return nil, fmt.Errorf("no topic or user turn to clarify")
		}
		return MarshalInput(ClarifyInput{
			Text:     text,
			Audience: metaString(state, "audience"),
			Tone:     metaString(state, "tone"),
			History:  state.History,
		}), nil
	})

	r.Register(InOutline, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		b := brief(state)
		if b == "" {
			return nil, fmt.Errorf("no brief available for outline")
		}
		return MarshalInput(OutlineInput{
			Brief:    b,
			Audience: metaString(state, "audience"),
			Tone:     metaString(state, "tone"),
		}), nil
	})

	r.Register(InPresentationRAG, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		b := brief(state)
		if b == "" {
			return nil, fmt.Errorf("no brief available for retrieval")
		}
		return MarshalInput(RetrieveInput{
			PresentationID: state.PresentationID,
			Query:          b,
			Limit:          8,
		}), nil
	})

	r.Register(InSectionRAG, func(state *WorkflowState, item any) (json.RawMessage, error) {
		sec, ok := item.(OutlineSection)
		if !ok {
			return nil, fmt.Errorf("section_rag_query requires an outline section item, got %T", item)
		}
		query := sec.Title
		if sec.Description != "" {
			query += " " + sec.Description
		}
		return MarshalInput(RetrieveInput{
			PresentationID: state.PresentationID,
			Query:          query,
			Limit:          5,
		}), nil
	})

	r.Register(InWriteSlide, func(state *WorkflowState, item any) (json.RawMessage, error) {
		sec, ok := item.(OutlineSection)
		if !ok {
			return nil, fmt.Errorf("write_slide_input requires an outline section item, got %T", item)
		}
		return MarshalInput(WriteSlideInput{
			Section:  sec,
			Evidence: slideEvidence(state, sec.ID),
			Audience: metaString(state, "audience"),
			Tone:     metaString(state, "tone"),
		}), nil
	})

	r.Register(InCritique, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		if len(state.Slides) == 0 {
			return nil, fmt.Errorf("no slides to critique")
		}
		return MarshalInput(CritiqueInput{Slides: state.Slides}), nil
	})

	r.Register(InPolish, func(state *WorkflowState, item any) (json.RawMessage, error) {
		sl, ok := item.(Slide)
		if !ok {
			return nil, fmt.Errorf("polish_input requires a slide item, got %T", item)
		}
		// Re-read the live slide so critique feedback applied at an earlier
		// barrier is visible to the polish worker.
		if cur := state.FindSlide(sl.ID); cur != nil {
			sl = *cur
		}
		return MarshalInput(PolishInput{Slide: sl}), nil
	})

	r.Register(InDesign, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		if len(state.Slides) == 0 {
			return nil, fmt.Errorf("no slides to design")
		}
		var brand map[string]any
		if b, ok := state.Metadata["brand"].(map[string]any); ok {
			brand = b
		}
		return MarshalInput(DesignInput{Slides: state.Slides, Brand: brand}), nil
	})

	r.Register(InScript, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		if len(state.Slides) == 0 {
			return nil, fmt.Errorf("no slides to script")
		}
		return MarshalInput(ScriptInput{
			Outline: state.Outline,
			Slides:  state.Slides,
			Tone:    metaString(state, "tone"),
		}), nil
	})

	r.Register(InResearch, func(state *WorkflowState, _ any) (json.RawMessage, error) {
		topic := brief(state)
		if topic == "" {
			return nil, fmt.Errorf("no topic available for research")
		}
		return MarshalInput(ResearchInput{Topic: topic}), nil
	})

	return r
}

// DefaultPredicates returns the registry with every built-in predicate.
func DefaultPredicates() *PredicateRegistry {
	r := NewPredicateRegistry()
	r.Register(PredClarifyFinished, func(state *WorkflowState) bool {
		return state.Clarify.Finished
	})
	r.Register(PredHasSlides, func(state *WorkflowState) bool {
		return len(state.Slides) > 0
	})
	return r
}

// BuildPresentationWorkflow assembles the built-in authoring pipeline:
// clarify, then (once the request is clear) outline, evidence retrieval,
// per-section slide writing, a critique/design fan-out, per-slide note
// polish, and the narration script. Retrieval and refinement steps continue
// on failure; the deck is still usable without them.
func BuildPresentationWorkflow(muts *MutationRegistry, inputs *InputRegistry, preds *PredicateRegistry) (*Workflow, error) {
	in := func(name string) InputFunc {
		fn, ok := inputs.Lookup(name)
		if !ok {
			panic(fmt.Sprintf("unknown input mapping %q", name))
		}
		return fn
	}
	pred, ok := preds.Lookup(PredClarifyFinished)
	if !ok {
		panic(fmt.Sprintf("unknown predicate %q", PredClarifyFinished))
	}

	return NewWorkflow("presentation", "1", muts,
		Step{
			ID: "clarify", Kind: KindWorker,
			Worker: WorkerClarify, InputName: InClarify, Input: in(InClarify),
			Mutation:  MutStoreClarifyResult,
			OnFailure: RetryThenFail, AfterRetry: FailRun,
		},
		Step{
			ID: "branch_on_clarity", Kind: KindConditional,
			PredicateName: PredClarifyFinished, Predicate: pred,
			Then: []Step{
				{
					ID: "outline", Kind: KindWorker,
					Worker: WorkerOutline, InputName: InOutline, Input: in(InOutline),
					Mutation:  MutStoreOutlineResult,
					OnFailure: RetryThenFail, AfterRetry: FailRun,
				},
				{
					ID: "retrieve_presentation", Kind: KindWorker,
					Worker: WorkerRetrieve, InputName: InPresentationRAG, Input: in(InPresentationRAG),
					Mutation:  MutCachePresentationRAG,
					OnFailure: ContinueRun,
				},
				{
					ID: "retrieve_sections", Kind: KindForeach,
					ItemsPath: "outline.sections", Concurrency: 4,
					Child: &Step{
						ID: "retrieve_section", Kind: KindWorker,
						Worker: WorkerRetrieve, InputName: InSectionRAG, Input: in(InSectionRAG),
						Mutation:  MutCacheSectionRAG,
						OnFailure: ContinueRun,
					},
				},
				{
					ID: "write_slides", Kind: KindForeach,
					ItemsPath: "outline.sections", Concurrency: 4,
					Child: &Step{
						ID: "write_slide", Kind: KindWorker,
						Worker: WorkerWriteSlide, InputName: InWriteSlide, Input: in(InWriteSlide),
						Mutation:  MutUpsertSlide,
						OnFailure: RetryThenFail, AfterRetry: FailRun,
					},
				},
				{
					ID: "refine", Kind: KindParallel,
					Children: []Step{
						{
							ID: "critique", Kind: KindWorker,
							Worker: WorkerCritique, InputName: InCritique, Input: in(InCritique),
							Mutation:  MutMergeCriticFeedback,
							OnFailure: ContinueRun,
						},
						{
							ID: "design", Kind: KindWorker,
							Worker: WorkerDesign, InputName: InDesign, Input: in(InDesign),
							Mutation:  MutApplyDesign,
							OnFailure: RetryThenFail, AfterRetry: ContinueRun,
						},
					},
				},
				{
					ID: "polish_all", Kind: KindForeach,
					ItemsPath: "slides", Concurrency: 4,
					Child: &Step{
						ID: "polish", Kind: KindWorker,
						Worker: WorkerPolishNotes, InputName: InPolish, Input: in(InPolish),
						Mutation:  MutPolishNotes,
						OnFailure: ContinueRun,
					},
				},
				{
					ID: "script", Kind: KindWorker,
					Worker: WorkerScript, InputName: InScript, Input: in(InScript),
					Mutation:  MutSetScript,
					OnFailure: RetryThenFail, AfterRetry: ContinueRun,
				},
			},
			Else: []Step{
				{ID: "await_clarification", Kind: KindNoop},
			},
		},
	)
}
