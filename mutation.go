package slidewise

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MutationArgs carries everything a mutation may consult besides the state:
// the worker result, the input that produced it, and the foreach item.
type MutationArgs struct {
	Result    json.RawMessage
	Input     json.RawMessage
	Item      any
	ItemIndex int
}

// MutationFunc applies a worker result to the state. Mutations are pure
// state transitions: they never touch external I/O. The engine is the only
// caller and serializes applications at step barriers.
type MutationFunc func(state *WorkflowState, args MutationArgs) error

// MutationRegistry is the closed set of named mutations a workflow
// definition may reference. Unknown names fail at definition load time.
type MutationRegistry struct {
	funcs map[string]MutationFunc
}

// NewMutationRegistry creates an empty registry.
func NewMutationRegistry() *MutationRegistry {
	return &MutationRegistry{funcs: make(map[string]MutationFunc)}
}

// Register adds a named mutation. Re-registering a name is a programmer
// error.
func (r *MutationRegistry) Register(name string, fn MutationFunc) {
	if _, dup := r.funcs[name]; dup {
		panic(fmt.Sprintf("mutation %q registered twice", name))
	}
	r.funcs[name] = fn
}

// Has reports whether name is registered.
func (r *MutationRegistry) Has(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Names returns the registered mutation names, sorted.
func (r *MutationRegistry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply runs the named mutation against the state.
func (r *MutationRegistry) Apply(name string, state *WorkflowState, args MutationArgs) error {
	fn, ok := r.funcs[name]
	if !ok {
		return fmt.Errorf("unknown mutation %q", name)
	}
	if err := fn(state, args); err != nil {
		return fmt.Errorf("mutation %s: %w", name, err)
	}
	return nil
}

// Built-in mutation names.
const (
	MutStoreClarifyResult   = "store_clarify_result"
	MutStoreOutlineResult   = "store_outline_result"
	MutCachePresentationRAG = "cache_presentation_rag"
	MutCacheSectionRAG      = "cache_section_rag"
	MutUpsertSlide          = "upsert_slide"
	MutSetSlides            = "set_slides"
	MutMergeCriticFeedback  = "merge_critic_feedback"
	MutPolishNotes          = "polish_notes"
	MutApplyDesign          = "apply_design"
	MutSetScript            = "set_script"
	MutStoreResearch        = "store_research"
	MutStoreQualitySummary  = "store_quality_summary"
)

// DefaultMutations returns the registry with every built-in mutation.
func DefaultMutations() *MutationRegistry {
	r := NewMutationRegistry()
	r.Register(MutStoreClarifyResult, storeClarifyResult)
	r.Register(MutStoreOutlineResult, storeOutlineResult)
	r.Register(MutCachePresentationRAG, cachePresentationRAG)
	r.Register(MutCacheSectionRAG, cacheSectionRAG)
	r.Register(MutUpsertSlide, upsertSlide)
	r.Register(MutSetSlides, setSlides)
	r.Register(MutMergeCriticFeedback, mergeCriticFeedback)
	r.Register(MutPolishNotes, polishNotes)
	r.Register(MutApplyDesign, applyDesign)
	r.Register(MutSetScript, setScript)
	r.Register(MutStoreResearch, storeResearch)
	r.Register(MutStoreQualitySummary, storeQualitySummary)
	return r
}

func storeClarifyResult(state *WorkflowState, args MutationArgs) error {
	var res ClarifyResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode clarify result: %w", err)
	}
	state.Clarify.Response = res.Response
	state.Clarify.Finished = res.Finished
	state.History = append(state.History, HistoryTurn{Role: "assistant", Content: res.Response})
	return nil
}

// storeOutlineResult stores the planned sections. Section ids are stable:
// a section that arrives without an id reuses the id at the same index from
// a previous run, and only gets a fresh one when none exists.
func storeOutlineResult(state *WorkflowState, args MutationArgs) error {
	var res OutlineResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode outline result: %w", err)
	}
	prev := state.Outline.Sections
	for i := range res.Sections {
		if res.Sections[i].ID != "" {
			continue
		}
		if i < len(prev) && prev[i].ID != "" {
			res.Sections[i].ID = prev[i].ID
		} else {
			res.Sections[i].ID = NewID()
		}
	}
	state.Outline = Outline{Sections: res.Sections, Raw: res.Raw}
	return nil
}

func cachePresentationRAG(state *WorkflowState, args MutationArgs) error {
	var res RetrieveResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode retrieve result: %w", err)
	}
	state.RAG.Presentation = res.Chunks
	return nil
}

func cacheSectionRAG(state *WorkflowState, args MutationArgs) error {
	sec, ok := args.Item.(OutlineSection)
	if !ok {
		return fmt.Errorf("cache_section_rag requires an outline section item, got %T", args.Item)
	}
	var res RetrieveResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode retrieve result: %w", err)
	}
	if state.RAG.Sections == nil {
		state.RAG.Sections = make(map[string]SectionEvidence)
	}
	state.RAG.Sections[sec.ID] = SectionEvidence{Title: sec.Title, Chunks: res.Chunks}
	return nil
}

// upsertSlide stores one authored slide. The slide id defaults to the
// section id it was written for, which also keys the section RAG cache.
func upsertSlide(state *WorkflowState, args MutationArgs) error {
	var res SlideResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode slide result: %w", err)
	}
	sl := res.Slide
	if sl.ID == "" {
		if sec, ok := args.Item.(OutlineSection); ok {
			sl.ID = sec.ID
		} else {
			sl.ID = NewID()
		}
	}
	state.UpsertSlide(sl)
	return nil
}

func setSlides(state *WorkflowState, args MutationArgs) error {
	var res SlidesResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode slides result: %w", err)
	}
	state.Slides = res.Slides
	return nil
}

func mergeCriticFeedback(state *WorkflowState, args MutationArgs) error {
	var res CritiqueResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode critique result: %w", err)
	}
	for _, note := range res.Feedback {
		sl := state.FindSlide(note.SlideID)
		if sl == nil {
			continue
		}
		if sl.Metadata == nil {
			sl.Metadata = make(map[string]any)
		}
		sl.Metadata["critique_issues"] = note.Issues
		sl.Metadata["critique_suggestions"] = note.Suggestions
	}
	return nil
}

func polishNotes(state *WorkflowState, args MutationArgs) error {
	sl, ok := args.Item.(Slide)
	if !ok {
		return fmt.Errorf("polish_notes requires a slide item, got %T", args.Item)
	}
	var res PolishResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode polish result: %w", err)
	}
	if target := state.FindSlide(sl.ID); target != nil {
		target.SpeakerNotes = res.SpeakerNotes
	}
	return nil
}

func applyDesign(state *WorkflowState, args MutationArgs) error {
	var res DesignResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode design result: %w", err)
	}
	for _, d := range res.Designs {
		sl := state.FindSlide(d.SlideID)
		if sl == nil {
			continue
		}
		if d.Design != nil {
			sl.Design = d.Design
		}
		if d.ImagePrompt != "" {
			sl.ImagePrompt = d.ImagePrompt
		}
	}
	return nil
}

func setScript(state *WorkflowState, args MutationArgs) error {
	var res ScriptResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode script result: %w", err)
	}
	state.Script = res.Script
	return nil
}

func storeResearch(state *WorkflowState, args MutationArgs) error {
	var res ResearchResult
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode research result: %w", err)
	}
	state.Research.Findings = append(state.Research.Findings, res.Findings...)
	return nil
}

func storeQualitySummary(state *WorkflowState, args MutationArgs) error {
	var res WorkflowQualityState
	if err := json.Unmarshal(args.Result, &res); err != nil {
		return fmt.Errorf("decode quality summary: %w", err)
	}
	state.Quality = res
	return nil
}
