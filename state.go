package slidewise

import "maps"

// NewWorkflowState creates an empty state for a presentation.
func NewWorkflowState(presentationID string) *WorkflowState {
	return &WorkflowState{
		PresentationID: presentationID,
		Metadata:       make(map[string]any),
		RAG:            RAGState{Sections: make(map[string]SectionEvidence)},
	}
}

// Clone returns a deep copy of the state. The engine mutates a working copy
// and only publishes it at step barriers, so the last committed state stays
// intact when a step fails mid-flight.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	out := *s

	out.History = append([]HistoryTurn(nil), s.History...)
	out.Outline.Sections = cloneSections(s.Outline.Sections)
	out.Slides = cloneSlides(s.Slides)
	out.Metadata = cloneAnyMap(s.Metadata)
	out.Clarify.Telemetry = cloneAnyMap(s.Clarify.Telemetry)

	out.RAG.Presentation = append([]RetrievedChunk(nil), s.RAG.Presentation...)
	if s.RAG.Sections != nil {
		out.RAG.Sections = make(map[string]SectionEvidence, len(s.RAG.Sections))
		for id, ev := range s.RAG.Sections {
			out.RAG.Sections[id] = SectionEvidence{
				Title:  ev.Title,
				Chunks: append([]RetrievedChunk(nil), ev.Chunks...),
			}
		}
	}

	out.Research.Findings = append([]Finding(nil), s.Research.Findings...)
	out.Quality.GateFailures = cloneGateFailures(s.Quality.GateFailures)
	out.Quality.FixesApplied = append([]string(nil), s.Quality.FixesApplied...)

	return &out
}

func cloneSections(in []OutlineSection) []OutlineSection {
	if in == nil {
		return nil
	}
	out := make([]OutlineSection, len(in))
	for i, sec := range in {
		out[i] = sec
		out[i].Bullets = append([]string(nil), sec.Bullets...)
	}
	return out
}

func cloneSlides(in []Slide) []Slide {
	if in == nil {
		return nil
	}
	out := make([]Slide, len(in))
	for i, sl := range in {
		out[i] = sl
		out[i].Content = append([]string(nil), sl.Content...)
		out[i].Citations = append([]string(nil), sl.Citations...)
		out[i].Design = cloneAnyMap(sl.Design)
		out[i].Metadata = cloneAnyMap(sl.Metadata)
		out[i].Quality.IssuesFound = append([]string(nil), sl.Quality.IssuesFound...)
		out[i].Quality.FixesApplied = append([]string(nil), sl.Quality.FixesApplied...)
	}
	return out
}

func cloneGateFailures(in []GateFailure) []GateFailure {
	if in == nil {
		return nil
	}
	out := make([]GateFailure, len(in))
	for i, gf := range in {
		out[i] = gf
		out[i].SlideIDs = append([]string(nil), gf.SlideIDs...)
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

// FindSlide returns a pointer to the slide with the given id, or nil.
func (s *WorkflowState) FindSlide(id string) *Slide {
	for i := range s.Slides {
		if s.Slides[i].ID == id {
			return &s.Slides[i]
		}
	}
	return nil
}

// UpsertSlide replaces the slide with a matching id or appends it.
func (s *WorkflowState) UpsertSlide(sl Slide) {
	for i := range s.Slides {
		if s.Slides[i].ID == sl.ID {
			s.Slides[i] = sl
			return
		}
	}
	s.Slides = append(s.Slides, sl)
}

// Section returns the outline section with the given id, or false.
func (s *WorkflowState) Section(id string) (OutlineSection, bool) {
	for _, sec := range s.Outline.Sections {
		if sec.ID == id {
			return sec, true
		}
	}
	return OutlineSection{}, false
}

// CitationKeys returns the set of chunk keys a slide may legally cite: the
// presentation-wide chunks plus the chunks cached for the slide's section.
func (s *WorkflowState) CitationKeys(slideID string) map[string]bool {
	keys := make(map[string]bool)
	for _, c := range s.RAG.Presentation {
		keys[c.ChunkKey] = true
	}
	if ev, ok := s.RAG.Sections[slideID]; ok {
		for _, c := range ev.Chunks {
			keys[c.ChunkKey] = true
		}
	}
	return keys
}
