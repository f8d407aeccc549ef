package slidewise

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Embedder turns texts into dense vectors. Optional: without one, retrieval
// falls back to keyword-only ranking.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultRetrieveLimit is the number of chunks returned when the caller
// does not ask for a specific limit.
const DefaultRetrieveLimit = 6

// --- Text analysis ---

var asciiFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases and strips accents so "Résumé" matches "resume".
func Fold(s string) string {
	folded, _, err := transform.String(asciiFolder, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Tokenize splits folded text into word tokens. Everything that is not a
// letter or digit separates tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// EdgeNGrams returns the leading 3..len(token) prefixes of each token, used
// to index document names so partial matches ("bud" -> "budget.pdf") rank.
func EdgeNGrams(token string) []string {
	runes := []rune(token)
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 3; i <= len(runes); i++ {
		grams = append(grams, string(runes[:i]))
	}
	return grams
}

// NameTokens is the index-side analysis for a document name: word tokens
// plus their edge-3-grams.
func NameTokens(name string) []string {
	var out []string
	for _, tok := range Tokenize(name) {
		out = append(out, tok)
		out = append(out, EdgeNGrams(tok)...)
	}
	return out
}

// --- Reciprocal Rank Fusion ---

const rrfK = 60

// fuseRanks merges vector and keyword rankings with Reciprocal Rank Fusion.
// keywordWeight is in [0,1]; vector gets the rest. Sorted by fused score
// descending, ties broken by chunk key for determinism.
func fuseRanks(vector, keyword []ScoredChunk, keywordWeight float32) []ScoredChunk {
	vectorWeight := 1 - keywordWeight

	type entry struct {
		chunk Chunk
		score float32
	}
	merged := make(map[string]*entry)

	for rank, sc := range vector {
		e, ok := merged[sc.Key]
		if !ok {
			e = &entry{chunk: sc.Chunk}
			merged[sc.Key] = e
		}
		e.score += vectorWeight * (1.0 / float32(rrfK+rank+1))
	}
	for rank, sc := range keyword {
		e, ok := merged[sc.Key]
		if !ok {
			e = &entry{chunk: sc.Chunk}
			merged[sc.Key] = e
		}
		e.score += keywordWeight * (1.0 / float32(rrfK+rank+1))
	}

	out := make([]ScoredChunk, 0, len(merged))
	for _, e := range merged {
		out = append(out, ScoredChunk{Chunk: e.chunk, Score: e.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// --- Retriever ---

// Retriever serves per-query evidence retrieval over an EvidenceStore:
// cosine similarity when an embedder is configured, full-text ranking
// otherwise, fused with RRF when both are available.
type Retriever struct {
	store         EvidenceStore
	embedder      Embedder
	keywordWeight float32
	overfetch     int
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithEmbedder enables vector search alongside keyword ranking.
func WithEmbedder(e Embedder) RetrieverOption {
	return func(r *Retriever) { r.embedder = e }
}

// WithKeywordWeight sets the keyword share of the RRF merge, in [0,1].
// Default 0.3.
func WithKeywordWeight(w float32) RetrieverOption {
	return func(r *Retriever) { r.keywordWeight = w }
}

// NewRetriever creates a Retriever over the given store.
func NewRetriever(store EvidenceStore, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:         store,
		keywordWeight: 0.3,
		overfetch:     3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns the top chunks for a query within one presentation.
// limit <= 0 means DefaultRetrieveLimit.
func (r *Retriever) Retrieve(ctx context.Context, presentationID, query string, limit int, filter DocumentFilter) ([]RetrievedChunk, error) {
	if presentationID == "" {
		return nil, fmt.Errorf("retrieve: empty presentation id")
	}
	if query == "" {
		return nil, fmt.Errorf("retrieve: empty query")
	}
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}
	fetchK := limit * r.overfetch

	var vector []ScoredChunk
	if r.embedder != nil {
		embs, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(embs) > 0 {
			vector, err = r.store.SearchChunksVector(ctx, presentationID, embs[0], fetchK)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
		}
	}

	keyword, err := r.store.SearchChunksKeyword(ctx, presentationID, query, fetchK)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	var merged []ScoredChunk
	if len(vector) > 0 {
		merged = fuseRanks(vector, keyword, r.keywordWeight)
	} else {
		merged = keyword
	}

	if filter.Kind != "" {
		merged, err = r.filterByKind(ctx, merged, filter.Kind)
		if err != nil {
			return nil, err
		}
	}

	if len(merged) > limit {
		merged = merged[:limit]
	}
	out := make([]RetrievedChunk, len(merged))
	for i, sc := range merged {
		out[i] = RetrievedChunk{
			ChunkKey: sc.Key,
			Name:     sc.Name,
			Text:     sc.Text,
			URL:      sc.URL,
			Score:    sc.Score,
		}
	}
	return out, nil
}

// filterByKind keeps chunks whose parent document matches the kind. Kinds
// are resolved once per distinct document.
func (r *Retriever) filterByKind(ctx context.Context, in []ScoredChunk, kind DocumentKind) ([]ScoredChunk, error) {
	kinds := make(map[string]DocumentKind)
	var out []ScoredChunk
	for _, sc := range in {
		k, ok := kinds[sc.DocKey]
		if !ok {
			doc, err := r.store.GetDocument(ctx, sc.DocKey)
			if err != nil {
				return nil, fmt.Errorf("resolve document %s: %w", sc.DocKey, err)
			}
			k = doc.Kind
			kinds[sc.DocKey] = k
		}
		if k == kind {
			out = append(out, sc)
		}
	}
	return out, nil
}

// AsWorker exposes the retriever as the in-process retrieve worker, honoring
// the same wire contract as the HTTP transport.
func (r *Retriever) AsWorker() Worker {
	return &Func{
		WorkerName: WorkerRetrieve,
		Fn: func(ctx context.Context, req WorkerRequest) (WorkerResponse, error) {
			var in RetrieveInput
			if err := json.Unmarshal(req.Input, &in); err != nil {
				return WorkerResponse{}, &WorkerError{Worker: WorkerRetrieve, Code: CodeBadRequest, Message: fmt.Sprintf("decode input: %v", err)}
			}
			var filter DocumentFilter
			if in.Filter != nil {
				filter.Kind = DocumentKind(in.Filter.DocumentKind)
			}
			chunks, err := r.Retrieve(ctx, in.PresentationID, in.Query, in.Limit, filter)
			if err != nil {
				return WorkerResponse{}, &WorkerError{Worker: WorkerRetrieve, Code: CodeTransient, Message: err.Error(), Retryable: true}
			}
			if chunks == nil {
				chunks = []RetrievedChunk{}
			}
			return WorkerResponse{Result: MarshalInput(RetrieveResult{Chunks: chunks})}, nil
		},
	}
}
