package slidewise

import "context"

// EvidenceStore persists ingested documents and chunks and serves retrieval.
// Implementations must be safe for concurrent reads with linearizable
// per-document writes; it is the only resource shared across workflow runs.
type EvidenceStore interface {
	// UpsertDocument stores a document and its chunks, linked via has_chunk
	// edges. Re-ingesting the same (presentation, name, content hash) keeps
	// the same document key and chunk set.
	UpsertDocument(ctx context.Context, doc Document, chunks []Chunk) error

	// GetDocument returns the document with the given key.
	GetDocument(ctx context.Context, key string) (Document, error)

	// SearchChunksVector ranks chunks of a presentation by cosine similarity
	// against the query embedding.
	SearchChunksVector(ctx context.Context, presentationID string, embedding []float32, topK int) ([]ScoredChunk, error)

	// SearchChunksKeyword ranks chunks of a presentation by full-text match.
	// The analyzer lowercases, folds accents to ASCII, and tokenizes both
	// word-level and edge-3-gram on the document name.
	SearchChunksKeyword(ctx context.Context, presentationID string, query string, topK int) ([]ScoredChunk, error)

	// CountChunks reports documents and chunks stored for a presentation.
	CountChunks(ctx context.Context, presentationID string) (docs, chunks int, err error)

	// Lifecycle.
	Init(ctx context.Context) error
	Close() error
}

// DocumentFilter narrows retrieval to a document kind. Zero value matches all.
type DocumentFilter struct {
	Kind DocumentKind
}

// StateStore persists workflow state with optimistic versioning.
type StateStore interface {
	// Load returns the state for a presentation, or ErrStateNotFound.
	Load(ctx context.Context, presentationID string) (*WorkflowState, error)

	// Save persists the state. expectVersion must match the stored version
	// (0 for a new state) or Save fails with ErrConflict. On success the
	// stored version becomes state.Version.
	Save(ctx context.Context, state *WorkflowState, expectVersion int64) error

	// Delete removes the state for a presentation.
	Delete(ctx context.Context, presentationID string) error
}
