package slidewise

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Résumé", "resume"},
		{"ÜBER Straße", "uber straße"},
		{"Q3 Budget", "q3 budget"},
		{"naïve café", "naive cafe"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Fold(tc.in); got != tc.want {
			t.Errorf("Fold(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Q3 Budget—Review!", []string{"q3", "budget", "review"}},
		{"budget.pdf", []string{"budget", "pdf"}},
		{"  ", nil},
	}
	for _, tc := range tests {
		got := Tokenize(tc.in)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEdgeNGrams(t *testing.T) {
	if got := EdgeNGrams("budget"); !reflect.DeepEqual(got, []string{"bud", "budg", "budge", "budget"}) {
		t.Errorf("EdgeNGrams(budget) = %v", got)
	}
	if got := EdgeNGrams("ab"); got != nil {
		t.Errorf("EdgeNGrams(ab) = %v, want nil (below minimum length)", got)
	}
}

func TestNameTokens(t *testing.T) {
	got := NameTokens("Budget.pdf")
	want := map[string]bool{"budget": true, "bud": true, "budg": true, "budge": true, "pdf": true}
	for tok := range want {
		found := false
		for _, g := range got {
			if g == tok {
				found = true
			}
		}
		if !found {
			t.Errorf("NameTokens missing %q in %v", tok, got)
		}
	}
}

func scored(key string, score float32) ScoredChunk {
	return ScoredChunk{Chunk: Chunk{Key: key, DocKey: "doc-" + key, Name: key + ".txt", Text: "text " + key}, Score: score}
}

func TestFuseRanks(t *testing.T) {
	vector := []ScoredChunk{scored("a", 0.9), scored("b", 0.8)}
	keyword := []ScoredChunk{scored("b", 3.0), scored("c", 2.0)}

	got := fuseRanks(vector, keyword, 0.3)
	if len(got) != 3 {
		t.Fatalf("fused %d chunks, want 3", len(got))
	}
	// b scores in both lists; a leads only the vector list; c trails.
	wantOrder := []string{"b", "a", "c"}
	for i, w := range wantOrder {
		if got[i].Key != w {
			t.Errorf("rank %d = %q, want %q", i, got[i].Key, w)
		}
	}
}

func TestFuseRanksTieBreaksByKey(t *testing.T) {
	got := fuseRanks([]ScoredChunk{scored("z", 1)}, []ScoredChunk{scored("a", 1)}, 0.5)
	if len(got) != 2 {
		t.Fatalf("fused %d chunks, want 2", len(got))
	}
	if got[0].Key != "a" || got[1].Key != "z" {
		t.Errorf("tie order = [%s %s], want [a z]", got[0].Key, got[1].Key)
	}
}

// fakeEvidenceStore serves canned rankings and records which searches ran.
type fakeEvidenceStore struct {
	vector       []ScoredChunk
	keyword      []ScoredChunk
	docs         map[string]Document
	vectorCalls  int
	keywordCalls int
	docCalls     int
}

func (f *fakeEvidenceStore) UpsertDocument(context.Context, Document, []Chunk) error { return nil }

func (f *fakeEvidenceStore) GetDocument(_ context.Context, key string) (Document, error) {
	f.docCalls++
	return f.docs[key], nil
}

func (f *fakeEvidenceStore) SearchChunksVector(context.Context, string, []float32, int) ([]ScoredChunk, error) {
	f.vectorCalls++
	return f.vector, nil
}

func (f *fakeEvidenceStore) SearchChunksKeyword(context.Context, string, string, int) ([]ScoredChunk, error) {
	f.keywordCalls++
	return f.keyword, nil
}

func (f *fakeEvidenceStore) CountChunks(context.Context, string) (int, int, error) { return 0, 0, nil }
func (f *fakeEvidenceStore) Init(context.Context) error                            { return nil }
func (f *fakeEvidenceStore) Close() error                                          { return nil }

type fakeEmbedder struct{ dims int }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

func TestRetrieverKeywordOnlyWithoutEmbedder(t *testing.T) {
	store := &fakeEvidenceStore{keyword: []ScoredChunk{scored("k1", 2), scored("k2", 1)}}
	r := NewRetriever(store)

	got, err := r.Retrieve(context.Background(), "pres-1", "budget", 0, DocumentFilter{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if store.vectorCalls != 0 {
		t.Error("vector search ran without an embedder")
	}
	if len(got) != 2 || got[0].ChunkKey != "k1" {
		t.Errorf("chunks = %v, want keyword ranking", got)
	}
}

func TestRetrieverFusesWithEmbedder(t *testing.T) {
	store := &fakeEvidenceStore{
		vector:  []ScoredChunk{scored("a", 0.9), scored("b", 0.8)},
		keyword: []ScoredChunk{scored("b", 3), scored("c", 2)},
	}
	r := NewRetriever(store, WithEmbedder(fakeEmbedder{dims: 4}))

	got, err := r.Retrieve(context.Background(), "pres-1", "budget", 2, DocumentFilter{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if store.vectorCalls != 1 || store.keywordCalls != 1 {
		t.Errorf("searches = vector %d keyword %d, want 1 each", store.vectorCalls, store.keywordCalls)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want limit 2", len(got))
	}
	if got[0].ChunkKey != "b" || got[1].ChunkKey != "a" {
		t.Errorf("fused order = [%s %s], want [b a]", got[0].ChunkKey, got[1].ChunkKey)
	}
}

func TestRetrieverFiltersByDocumentKind(t *testing.T) {
	chunks := []ScoredChunk{scored("a", 3), scored("b", 2), scored("c", 1)}
	chunks[1].DocKey = chunks[0].DocKey // two chunks from the same document
	store := &fakeEvidenceStore{
		keyword: chunks,
		docs: map[string]Document{
			chunks[0].DocKey: {Key: chunks[0].DocKey, Kind: DocKindImage},
			chunks[2].DocKey: {Key: chunks[2].DocKey, Kind: DocKindDocument},
		},
	}
	r := NewRetriever(store)

	got, err := r.Retrieve(context.Background(), "pres-1", "budget", 10, DocumentFilter{Kind: DocKindImage})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 image chunks", len(got))
	}
	if store.docCalls != 2 {
		t.Errorf("document lookups = %d, want 2 (one per distinct document)", store.docCalls)
	}
}

func TestRetrieverValidatesArguments(t *testing.T) {
	r := NewRetriever(&fakeEvidenceStore{})
	if _, err := r.Retrieve(context.Background(), "", "q", 5, DocumentFilter{}); err == nil {
		t.Error("empty presentation id accepted")
	}
	if _, err := r.Retrieve(context.Background(), "p", "", 5, DocumentFilter{}); err == nil {
		t.Error("empty query accepted")
	}
}

func TestRetrieverAsWorker(t *testing.T) {
	store := &fakeEvidenceStore{keyword: []ScoredChunk{scored("k1", 2)}}
	w := NewRetriever(store).AsWorker()
	if w.Name() != WorkerRetrieve {
		t.Fatalf("worker name = %q, want %q", w.Name(), WorkerRetrieve)
	}

	resp, err := w.Invoke(context.Background(), WorkerRequest{
		Input: MarshalInput(RetrieveInput{PresentationID: "pres-1", Query: "budget"}),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var res RetrieveResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].ChunkKey != "k1" {
		t.Errorf("chunks = %v, want [k1]", res.Chunks)
	}

	if _, err := w.Invoke(context.Background(), WorkerRequest{Input: json.RawMessage(`{`)}); CodeOf(err) != CodeBadRequest {
		t.Errorf("malformed input code = %v, want %v", CodeOf(err), CodeBadRequest)
	}
}
