package slidewise

import "encoding/json"

// --- Workflow state (the durable object threaded through every step) ---

// HistoryTurn is one prior user or assistant turn in the conversation that
// led to this presentation request.
type HistoryTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ClarifyState holds the output of the clarify worker: either a follow-up
// question for the user or a finished restatement of the request.
type ClarifyState struct {
	Response  string         `json:"response"`
	Finished  bool           `json:"finished"`
	Telemetry map[string]any `json:"telemetry,omitempty"`
}

// OutlineSection is one planned section of the deck. IDs are stable once
// assigned; reruns preserve them.
type OutlineSection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Bullets     []string `json:"bullets"`
}

// Outline is the planned structure of the presentation.
type Outline struct {
	Sections []OutlineSection `json:"sections"`
	Raw      string           `json:"raw,omitempty"`
}

// Slide is one authored slide. Citations reference chunk keys present in the
// state's RAG caches (presentation-wide or the slide's own section).
type Slide struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Content      []string       `json:"content"`
	SpeakerNotes string         `json:"speaker_notes,omitempty"`
	Citations    []string       `json:"citations,omitempty"`
	Design       map[string]any `json:"design,omitempty"`
	ImagePrompt  string         `json:"image_prompt,omitempty"`
	ImageURL     string         `json:"image_url,omitempty"`
	Quality      QualityMetrics `json:"quality_metrics"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// QualityLevel buckets an overall score.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "excellent"  // >= 90
	QualityGood       QualityLevel = "good"       // >= 75
	QualityAcceptable QualityLevel = "acceptable" // >= 60
	QualityPoor       QualityLevel = "poor"
)

// QualityMetrics is the per-slide assessment produced by the quality gate.
// All scores are in [0, 100].
type QualityMetrics struct {
	OverallScore         int          `json:"overall_score"`
	AccessibilityScore   int          `json:"accessibility_score"`
	BrandScore           int          `json:"brand_score"`
	ClarityScore         int          `json:"clarity_score"`
	CitationScore        int          `json:"citation_score"`
	IssuesFound          []string     `json:"issues_found,omitempty"`
	FixesApplied         []string     `json:"fixes_applied,omitempty"`
	RequiresManualReview bool         `json:"requires_manual_review"`
	Level                QualityLevel `json:"quality_level"`
}

// GateFailure records one quality-gate rejection with the offending slides.
type GateFailure struct {
	SlideIDs []string `json:"slide_ids"`
	Reason   string   `json:"reason"`
}

// WorkflowQualityState aggregates per-slide quality across the presentation.
type WorkflowQualityState struct {
	OverallPresentationScore int           `json:"overall_presentation_score"`
	GateFailures             []GateFailure `json:"gate_failures,omitempty"`
	FixesApplied             []string      `json:"fixes_applied,omitempty"`
	ManualReviewRequired     bool          `json:"manual_review_required"`
}

// RetrievedChunk is a scored evidence chunk stitched into downstream prompts.
type RetrievedChunk struct {
	ChunkKey string  `json:"chunk_key"`
	Name     string  `json:"name"`
	Text     string  `json:"text"`
	URL      string  `json:"url,omitempty"`
	Score    float32 `json:"score"`
}

// SectionEvidence is the cached retrieval result for one outline section.
type SectionEvidence struct {
	Title  string           `json:"title"`
	Chunks []RetrievedChunk `json:"chunks"`
}

// RAGState caches retrieved evidence: presentation-wide chunks plus a
// per-section map keyed by section id.
type RAGState struct {
	Presentation []RetrievedChunk           `json:"presentation,omitempty"`
	Sections     map[string]SectionEvidence `json:"sections,omitempty"`
}

// Finding is one research result attached to the state.
type Finding struct {
	Topic   string `json:"topic,omitempty"`
	Summary string `json:"summary"`
	Source  string `json:"source,omitempty"`
}

// ResearchState holds findings produced by the research worker.
type ResearchState struct {
	Findings []Finding `json:"findings,omitempty"`
}

// WorkflowState is the durable object that threads through every workflow
// step. Version increases monotonically on every successful mutation; the
// state store rejects commits with a stale version.
type WorkflowState struct {
	PresentationID string               `json:"presentation_id"`
	Version        int64                `json:"version"`
	History        []HistoryTurn        `json:"history,omitempty"`
	Clarify        ClarifyState         `json:"clarify"`
	Outline        Outline              `json:"outline"`
	Slides         []Slide              `json:"slides,omitempty"`
	Script         string               `json:"script,omitempty"`
	RAG            RAGState             `json:"rag"`
	Research       ResearchState        `json:"research"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
	Quality        WorkflowQualityState `json:"quality_state"`
}

// --- Evidence store entities ---

// DocumentKind classifies an ingested asset.
type DocumentKind string

const (
	DocKindImage    DocumentKind = "image"
	DocKindDocument DocumentKind = "document"
	DocKindOther    DocumentKind = "other"
)

// Document is an ingested user asset.
type Document struct {
	Key            string       `json:"key"`
	PresentationID string       `json:"presentation_id"`
	Name           string       `json:"name"`
	URL            string       `json:"url,omitempty"`
	Kind           DocumentKind `json:"kind"`
}

// Chunk is a bounded text fragment extracted from a Document, linked to it
// via a has_chunk edge.
type Chunk struct {
	Key            string    `json:"key"`
	DocKey         string    `json:"doc_key"`
	PresentationID string    `json:"presentation_id"`
	Name           string    `json:"name"`
	Text           string    `json:"text"`
	URL            string    `json:"url,omitempty"`
	Embedding      []float32 `json:"-"`
}

// ScoredChunk pairs a chunk with a retrieval score in [0, 1].
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// --- Worker wire protocol ---

// WorkerMetadata identifies the step that issued a worker call.
type WorkerMetadata struct {
	TraceID        string `json:"trace_id"`
	StepID         string `json:"step_id"`
	PresentationID string `json:"presentation_id"`
}

// WorkerRequest is the JSON envelope sent to every worker kind.
type WorkerRequest struct {
	Input       json.RawMessage `json:"input"`
	Model       string          `json:"model,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Metadata    WorkerMetadata  `json:"metadata"`
}

// Usage is the token accounting attached to every worker result. When a
// worker does not report usage, the client estimates ceil(len(text)/4).
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Model            string  `json:"model,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	u.Cost += u2.Cost
	if u2.Model != "" {
		u.Model = u2.Model
	}
}

// WorkerResponse is the JSON envelope returned by every worker kind.
type WorkerResponse struct {
	Result    json.RawMessage `json:"result"`
	Usage     Usage           `json:"usage"`
	Telemetry map[string]any  `json:"telemetry,omitempty"`
}

// InvokeResult is what the worker client hands back to the engine.
type InvokeResult struct {
	Result     json.RawMessage
	Usage      Usage
	DurationMS int64
	Attempts   int
}

// --- Workflow run output ---

// RunResult is the outcome of one workflow run: the final state plus the
// ordered trace of step events.
type RunResult struct {
	State *WorkflowState `json:"state"`
	Trace []StepEvent    `json:"trace"`
	Usage Usage          `json:"usage"`
}
