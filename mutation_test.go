package slidewise

import (
	"testing"
)

func applyMutation(t *testing.T, name string, state *WorkflowState, args MutationArgs) {
	t.Helper()
	if err := DefaultMutations().Apply(name, state, args); err != nil {
		t.Fatalf("apply %s: %v", name, err)
	}
}

func TestStoreOutlineResultKeepsStableSectionIDs(t *testing.T) {
	state := NewWorkflowState("pres-1")
	state.Outline.Sections = []OutlineSection{
		{ID: "sec-a", Title: "Old intro"},
		{ID: "sec-b", Title: "Old body"},
	}

	result := OutlineResult{Sections: []OutlineSection{
		{Title: "New intro"},
		{Title: "New body"},
		{Title: "New close"},
	}}
	applyMutation(t, MutStoreOutlineResult, state, MutationArgs{Result: MarshalInput(result), ItemIndex: -1})

	secs := state.Outline.Sections
	if len(secs) != 3 {
		t.Fatalf("sections = %d, want 3", len(secs))
	}
	if secs[0].ID != "sec-a" || secs[1].ID != "sec-b" {
		t.Errorf("ids = [%s %s], want previous ids reused by index", secs[0].ID, secs[1].ID)
	}
	if secs[2].ID == "" {
		t.Error("new section without a fresh id")
	}
	if secs[0].Title != "New intro" {
		t.Errorf("title = %q, want the rerun content", secs[0].Title)
	}

	// Sections arriving with their own id keep it.
	result = OutlineResult{Sections: []OutlineSection{{ID: "explicit", Title: "Pinned"}}}
	applyMutation(t, MutStoreOutlineResult, state, MutationArgs{Result: MarshalInput(result), ItemIndex: -1})
	if state.Outline.Sections[0].ID != "explicit" {
		t.Errorf("explicit id replaced: %q", state.Outline.Sections[0].ID)
	}
}

func TestUpsertSlideDefaultsToSectionID(t *testing.T) {
	state := NewWorkflowState("pres-1")
	sec := OutlineSection{ID: "sec-a", Title: "Intro"}

	applyMutation(t, MutUpsertSlide, state, MutationArgs{
		Result: MarshalInput(SlideResult{Slide: Slide{Title: "Intro"}}),
		Item:   sec, ItemIndex: 0,
	})
	if len(state.Slides) != 1 || state.Slides[0].ID != "sec-a" {
		t.Fatalf("slides = %+v, want one slide keyed by its section", state.Slides)
	}

	// A rerun for the same section replaces, never duplicates.
	applyMutation(t, MutUpsertSlide, state, MutationArgs{
		Result: MarshalInput(SlideResult{Slide: Slide{Title: "Intro v2"}}),
		Item:   sec, ItemIndex: 0,
	})
	if len(state.Slides) != 1 {
		t.Fatalf("slides = %d after rerun, want 1", len(state.Slides))
	}
	if state.Slides[0].Title != "Intro v2" {
		t.Errorf("title = %q, want the rerun content", state.Slides[0].Title)
	}
}

func TestCacheSectionRAG(t *testing.T) {
	state := NewWorkflowState("pres-1")
	sec := OutlineSection{ID: "sec-a", Title: "Intro"}
	result := RetrieveResult{Chunks: []RetrievedChunk{{ChunkKey: "c1", Text: "evidence"}}}

	applyMutation(t, MutCacheSectionRAG, state, MutationArgs{Result: MarshalInput(result), Item: sec, ItemIndex: 0})

	ev, ok := state.RAG.Sections["sec-a"]
	if !ok {
		t.Fatal("section evidence not cached")
	}
	if ev.Title != "Intro" || len(ev.Chunks) != 1 {
		t.Errorf("cached evidence = %+v", ev)
	}

	err := DefaultMutations().Apply(MutCacheSectionRAG, state, MutationArgs{Result: MarshalInput(result), Item: "not-a-section"})
	if err == nil {
		t.Error("non-section item accepted")
	}
}

func TestMergeCriticFeedback(t *testing.T) {
	state := NewWorkflowState("pres-1")
	state.Slides = []Slide{{ID: "s1", Title: "Intro"}}

	result := CritiqueResult{Feedback: []CriticNote{
		{SlideID: "s1", Issues: []string{"too dense"}, Suggestions: []string{"split it"}},
		{SlideID: "missing", Issues: []string{"ignored"}},
	}}
	applyMutation(t, MutMergeCriticFeedback, state, MutationArgs{Result: MarshalInput(result), ItemIndex: -1})

	meta := state.Slides[0].Metadata
	if meta == nil {
		t.Fatal("no metadata written")
	}
	if issues, _ := meta["critique_issues"].([]string); len(issues) != 1 || issues[0] != "too dense" {
		t.Errorf("issues = %v", meta["critique_issues"])
	}
}

func TestPolishNotes(t *testing.T) {
	state := NewWorkflowState("pres-1")
	state.Slides = []Slide{{ID: "s1", Title: "Intro"}}

	applyMutation(t, MutPolishNotes, state, MutationArgs{
		Result: MarshalInput(PolishResult{SpeakerNotes: "welcome everyone"}),
		Item:   Slide{ID: "s1"}, ItemIndex: 0,
	})
	if got := state.Slides[0].SpeakerNotes; got != "welcome everyone" {
		t.Errorf("speaker notes = %q", got)
	}
}

func TestApplyDesign(t *testing.T) {
	state := NewWorkflowState("pres-1")
	state.Slides = []Slide{{ID: "s1"}, {ID: "s2"}}

	result := DesignResult{Designs: []SlideDesign{
		{SlideID: "s1", Design: map[string]any{"background": "#ffffff"}, ImagePrompt: "an otter"},
	}}
	applyMutation(t, MutApplyDesign, state, MutationArgs{Result: MarshalInput(result), ItemIndex: -1})

	if state.Slides[0].Design == nil || state.Slides[0].ImagePrompt != "an otter" {
		t.Errorf("design not applied: %+v", state.Slides[0])
	}
	if state.Slides[1].Design != nil {
		t.Error("design leaked onto an unmentioned slide")
	}
}

func TestStoreClarifyResultAppendsHistory(t *testing.T) {
	state := NewWorkflowState("pres-1")
	applyMutation(t, MutStoreClarifyResult, state, MutationArgs{
		Result:    MarshalInput(ClarifyResult{Response: "Which audience?", Finished: false}),
		ItemIndex: -1,
	})
	if state.Clarify.Finished {
		t.Error("finished flag set on a follow-up question")
	}
	if len(state.History) != 1 || state.History[0].Role != "assistant" {
		t.Errorf("history = %+v, want one assistant turn", state.History)
	}
}

func TestUnknownMutation(t *testing.T) {
	err := DefaultMutations().Apply("definitely_not_registered", NewWorkflowState("p"), MutationArgs{})
	if err == nil {
		t.Fatal("unknown mutation accepted")
	}
}

func TestDuplicateMutationRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration did not panic")
		}
	}()
	r := NewMutationRegistry()
	r.Register("x", func(*WorkflowState, MutationArgs) error { return nil })
	r.Register("x", func(*WorkflowState, MutationArgs) error { return nil })
}
