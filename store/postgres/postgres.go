// Package postgres implements the evidence and state stores using
// PostgreSQL with pgvector for native vector similarity search and
// tsvector for full-text keyword search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection; the caller creates and closes the pool. Schema management
// runs through embedded golang-migrate migrations.
package postgres

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)

	slidewise "github.com/slidewise/slidewise"
)

//go:embed migrations
var migrationsFS embed.FS

// Store implements slidewise.EvidenceStore and slidewise.StateStore backed
// by PostgreSQL. Vector search uses pgvector's cosine distance operator.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

var _ slidewise.EvidenceStore = (*Store)(nil)
var _ slidewise.StateStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it. dsn is used once by Init to run
// migrations over a short-lived database/sql connection.
func New(pool *pgxpool.Pool, dsn string) *Store {
	return &Store{pool: pool, dsn: dsn}
}

// Open connects a pool to dsn and wraps it in a Store. Close releases the
// pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(pool, dsn), nil
}

// Init applies the embedded migrations. Safe to call repeatedly; already
// applied migrations are skipped.
func (s *Store) Init(ctx context.Context) error {
	db, err := stdsql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("postgres: open migration connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: ping migration connection: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- EvidenceStore ---

// UpsertDocument stores a document and replaces its chunk set in one
// transaction.
func (s *Store) UpsertDocument(ctx context.Context, doc slidewise.Document, chunks []slidewise.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (key, presentation_id, name, url, kind)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET
		   presentation_id = EXCLUDED.presentation_id,
		   name = EXCLUDED.name,
		   url = EXCLUDED.url,
		   kind = EXCLUDED.kind`,
		doc.Key, doc.PresentationID, doc.Name, doc.URL, string(doc.Kind))
	if err != nil {
		return fmt.Errorf("postgres: insert document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE doc_key = $1`, doc.Key); err != nil {
		return fmt.Errorf("postgres: clear chunks: %w", err)
	}

	for _, chunk := range chunks {
		var emb *string
		if len(chunk.Embedding) > 0 {
			v := serializeEmbedding(chunk.Embedding)
			emb = &v
		}
		nameTokens := strings.Join(slidewise.NameTokens(chunk.Name), " ")
		_, err = tx.Exec(ctx,
			`INSERT INTO chunks (key, doc_key, presentation_id, name, name_tokens, text, url, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)`,
			chunk.Key, chunk.DocKey, chunk.PresentationID, chunk.Name, nameTokens, chunk.Text, chunk.URL, emb)
		if err != nil {
			return fmt.Errorf("postgres: insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// GetDocument returns the document with the given key.
func (s *Store) GetDocument(ctx context.Context, key string) (slidewise.Document, error) {
	var d slidewise.Document
	var kind string
	var url *string
	err := s.pool.QueryRow(ctx,
		`SELECT key, presentation_id, name, url, kind FROM documents WHERE key = $1`, key,
	).Scan(&d.Key, &d.PresentationID, &d.Name, &url, &kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, fmt.Errorf("postgres: document %s not found", key)
	}
	if err != nil {
		return d, fmt.Errorf("postgres: get document: %w", err)
	}
	if url != nil {
		d.URL = *url
	}
	d.Kind = slidewise.DocumentKind(kind)
	return d, nil
}

// SearchChunksVector ranks a presentation's chunks with pgvector cosine
// distance.
func (s *Store) SearchChunksVector(ctx context.Context, presentationID string, embedding []float32, topK int) ([]slidewise.ScoredChunk, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT key, doc_key, presentation_id, name, text, url,
		        1 - (embedding <=> $1::vector) AS score
		 FROM chunks
		 WHERE presentation_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		embStr, presentationID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

// SearchChunksKeyword ranks a presentation's chunks with tsvector full-text
// search over the chunk text and the analyzed name tokens.
func (s *Store) SearchChunksKeyword(ctx context.Context, presentationID string, query string, topK int) ([]slidewise.ScoredChunk, error) {
	folded := strings.Join(slidewise.Tokenize(query), " ")
	if folded == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key, doc_key, presentation_id, name, text, url,
		        ts_rank(to_tsvector('simple', text || ' ' || name_tokens), plainto_tsquery('simple', $1)) AS score
		 FROM chunks
		 WHERE presentation_id = $2
		   AND to_tsvector('simple', text || ' ' || name_tokens) @@ plainto_tsquery('simple', $1)
		 ORDER BY score DESC
		 LIMIT $3`,
		folded, presentationID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

func scanScoredChunks(rows pgx.Rows) ([]slidewise.ScoredChunk, error) {
	var results []slidewise.ScoredChunk
	for rows.Next() {
		var c slidewise.Chunk
		var url *string
		var score float32
		if err := rows.Scan(&c.Key, &c.DocKey, &c.PresentationID, &c.Name, &c.Text, &url, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if url != nil {
			c.URL = *url
		}
		results = append(results, slidewise.ScoredChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// CountChunks reports stored documents and chunks for a presentation.
func (s *Store) CountChunks(ctx context.Context, presentationID string) (int, int, error) {
	var docs, chunks int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM documents WHERE presentation_id = $1),
		   (SELECT COUNT(*) FROM chunks WHERE presentation_id = $1)`,
		presentationID).Scan(&docs, &chunks)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: count chunks: %w", err)
	}
	return docs, chunks, nil
}

// --- StateStore ---

// Load returns the workflow state for a presentation.
func (s *Store) Load(ctx context.Context, presentationID string) (*slidewise.WorkflowState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM workflow_states WHERE presentation_id = $1`, presentationID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, slidewise.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load state: %w", err)
	}
	var state slidewise.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("postgres: decode state: %w", err)
	}
	return &state, nil
}

// Save persists the state with optimistic versioning. A version skew fails
// with slidewise.ErrConflict.
func (s *Store) Save(ctx context.Context, state *slidewise.WorkflowState, expectVersion int64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}

	if expectVersion == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO workflow_states (presentation_id, version, data, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (presentation_id) DO NOTHING`,
			state.PresentationID, state.Version, data)
		if err != nil {
			return fmt.Errorf("postgres: insert state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return slidewise.ErrConflict
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_states SET version = $1, data = $2, updated_at = NOW()
		 WHERE presentation_id = $3 AND version = $4`,
		state.Version, data, state.PresentationID, expectVersion)
	if err != nil {
		return fmt.Errorf("postgres: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return slidewise.ErrConflict
	}
	return nil
}

// Delete removes the state for a presentation.
func (s *Store) Delete(ctx context.Context, presentationID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_states WHERE presentation_id = $1`, presentationID); err != nil {
		return fmt.Errorf("postgres: delete state: %w", err)
	}
	return nil
}

func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
