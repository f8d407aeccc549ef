// Package sqlite implements the evidence and state stores using pure-Go
// SQLite with in-process brute-force vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	slidewise "github.com/slidewise/slidewise"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements slidewise.EvidenceStore and slidewise.StateStore backed
// by a local SQLite file. Embeddings are stored as JSON text and vector
// search runs in-process with brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ slidewise.EvidenceStore = (*Store)(nil)
var _ slidewise.StateStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors caused
// by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			key TEXT PRIMARY KEY,
			presentation_id TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT,
			kind TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			key TEXT PRIMARY KEY,
			doc_key TEXT NOT NULL,
			presentation_id TEXT NOT NULL,
			name TEXT NOT NULL,
			text TEXT NOT NULL,
			url TEXT,
			embedding TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_states (
			presentation_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_key)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chunks_presentation ON chunks(presentation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_documents_presentation ON documents(presentation_id)`)

	// FTS5 full-text index over chunk text plus analyzed name tokens, so
	// partial name matches ("bud" for "budget.pdf") rank alongside content.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_key UNINDEXED, presentation_id UNINDEXED, content)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- EvidenceStore ---

// UpsertDocument stores a document and replaces its chunk set in a single
// transaction. Re-ingesting identical content hits the same document key
// and rewrites the same rows.
func (s *Store) UpsertDocument(ctx context.Context, doc slidewise.Document, chunks []slidewise.Chunk) error {
	start := time.Now()
	s.logger.Debug("sqlite: upsert document", "key", doc.Key, "name", doc.Name, "chunks", len(chunks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (key, presentation_id, name, url, kind)
		 VALUES (?, ?, ?, ?, ?)`,
		doc.Key, doc.PresentationID, doc.Name, doc.URL, string(doc.Kind),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	// Replace the chunk set wholesale; a shrunk re-ingest must not leave
	// stale chunks behind.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_key IN (SELECT key FROM chunks WHERE doc_key = ?)`, doc.Key); err != nil {
		return fmt.Errorf("clear chunk fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_key = ?`, doc.Key); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	for _, chunk := range chunks {
		var embJSON *string
		if len(chunk.Embedding) > 0 {
			v := serializeEmbedding(chunk.Embedding)
			embJSON = &v
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (key, doc_key, presentation_id, name, text, url, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			chunk.Key, chunk.DocKey, chunk.PresentationID, chunk.Name, chunk.Text, chunk.URL, embJSON,
		)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}

		ftsContent := chunk.Text + "\n" + strings.Join(slidewise.NameTokens(chunk.Name), " ")
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts(chunk_key, presentation_id, content) VALUES (?, ?, ?)`,
			chunk.Key, chunk.PresentationID, ftsContent); err != nil {
			return fmt.Errorf("insert chunk fts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: upsert document ok", "key", doc.Key, "duration", time.Since(start))
	return nil
}

// GetDocument returns the document with the given key.
func (s *Store) GetDocument(ctx context.Context, key string) (slidewise.Document, error) {
	var d slidewise.Document
	var kind string
	var url sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, presentation_id, name, url, kind FROM documents WHERE key = ?`, key,
	).Scan(&d.Key, &d.PresentationID, &d.Name, &url, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("document %s not found", key)
	}
	if err != nil {
		return d, fmt.Errorf("get document: %w", err)
	}
	d.URL = url.String
	d.Kind = slidewise.DocumentKind(kind)
	return d, nil
}

// SearchChunksVector performs brute-force cosine similarity over the
// presentation's embedded chunks.
func (s *Store) SearchChunksVector(ctx context.Context, presentationID string, embedding []float32, topK int) ([]slidewise.ScoredChunk, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, doc_key, presentation_id, name, text, url, embedding
		 FROM chunks WHERE presentation_id = ? AND embedding IS NOT NULL`,
		presentationID,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []slidewise.ScoredChunk
	scanned := 0
	for rows.Next() {
		var c slidewise.Chunk
		var url sql.NullString
		var embJSON string
		if err := rows.Scan(&c.Key, &c.DocKey, &c.PresentationID, &c.Name, &c.Text, &url, &embJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		scanned++
		c.URL = url.String
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		results = append(results, slidewise.ScoredChunk{Chunk: c, Score: cosineSimilarity(embedding, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: vector search ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchChunksKeyword performs full-text keyword search over the
// presentation's chunks using SQLite FTS5. The query is analyzed with the
// same folding as the index; results are sorted by FTS5 rank.
func (s *Store) SearchChunksKeyword(ctx context.Context, presentationID string, query string, topK int) ([]slidewise.ScoredChunk, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.key, c.doc_key, c.presentation_id, c.name, c.text, c.url, f.rank
		 FROM chunks_fts f
		 JOIN chunks c ON c.key = f.chunk_key
		 WHERE chunks_fts MATCH ? AND f.presentation_id = ?
		 ORDER BY f.rank LIMIT ?`,
		match, presentationID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []slidewise.ScoredChunk
	for rows.Next() {
		var c slidewise.Chunk
		var url sql.NullString
		var rank float64
		if err := rows.Scan(&c.Key, &c.DocKey, &c.PresentationID, &c.Name, &c.Text, &url, &rank); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.URL = url.String
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		score := float32(-rank)
		if score < 0 {
			score = 0
		}
		results = append(results, slidewise.ScoredChunk{Chunk: c, Score: score})
	}
	s.logger.Debug("sqlite: keyword search ok", "returned", len(results), "duration", time.Since(start))
	return results, rows.Err()
}

// CountChunks reports stored documents and chunks for a presentation.
func (s *Store) CountChunks(ctx context.Context, presentationID string) (int, int, error) {
	var docs, chunks int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE presentation_id = ?`, presentationID).Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE presentation_id = ?`, presentationID).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	return docs, chunks, nil
}

// ftsQuery folds and tokenizes a user query into a quoted OR expression so
// FTS5 syntax characters in the raw query cannot break the match.
func ftsQuery(query string) string {
	tokens := slidewise.Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// --- StateStore ---

// Load returns the workflow state for a presentation.
func (s *Store) Load(ctx context.Context, presentationID string) (*slidewise.WorkflowState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM workflow_states WHERE presentation_id = ?`, presentationID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, slidewise.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var state slidewise.WorkflowState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}

// Save persists the state with optimistic versioning: the stored version
// must equal expectVersion (0 for a new state) or Save fails with
// slidewise.ErrConflict.
func (s *Store) Save(ctx context.Context, state *slidewise.WorkflowState, expectVersion int64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM workflow_states WHERE presentation_id = ?`, state.PresentationID,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectVersion != 0 {
			return slidewise.ErrConflict
		}
	case err != nil:
		return fmt.Errorf("read stored version: %w", err)
	default:
		if stored != expectVersion {
			return slidewise.ErrConflict
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_states (presentation_id, version, data, updated_at)
		 VALUES (?, ?, ?, ?)`,
		state.PresentationID, state.Version, string(data), slidewise.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: state saved", "presentation_id", state.PresentationID, "version", state.Version)
	return nil
}

// Delete removes the state for a presentation.
func (s *Store) Delete(ctx context.Context, presentationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_states WHERE presentation_id = ?`, presentationID); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// --- Embedding helpers ---

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func serializeEmbedding(embedding []float32) string {
	b, _ := json.Marshal(embedding)
	return string(b)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var out []float32
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
