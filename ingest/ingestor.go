// Package ingest turns user-provided assets into searchable evidence:
// extract text, chunk it, optionally embed, and upsert into the store.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	slidewise "github.com/slidewise/slidewise"
)

// OCRFunc extracts text from an image, normally by calling the external CV
// service with a data URL. Optional: without one, images are registered as
// documents but contribute no chunks.
type OCRFunc func(ctx context.Context, imageDataURL string) (string, error)

// Ingestor provides end-to-end ingestion: extract, chunk, embed, store.
type Ingestor struct {
	store      slidewise.EvidenceStore
	embedder   slidewise.Embedder
	extractors map[ContentType]Extractor
	ocr        OCRFunc
	batchSize  int
	logger     *slog.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithEmbedder attaches embedding vectors to every stored chunk.
func WithEmbedder(e slidewise.Embedder) Option {
	return func(ing *Ingestor) { ing.embedder = e }
}

// WithOCR enables text enrichment for image assets.
func WithOCR(fn OCRFunc) Option {
	return func(ing *Ingestor) { ing.ocr = fn }
}

// WithExtractor overrides the extractor for one content type.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithLogger sets the structured logger for ingestion events.
func WithLogger(l *slog.Logger) Option {
	return func(ing *Ingestor) { ing.logger = l }
}

// NewIngestor creates an Ingestor with the built-in extractors.
func NewIngestor(store slidewise.EvidenceStore, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store: store,
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeMarkdown:  NewMarkdownExtractor(),
			TypeHTML:      NewHTMLExtractor(),
			TypePDF:       NewPDFExtractor(),
		},
		batchSize: 64,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// Ingest processes a batch of files for one presentation. Files that fail
// to decode or extract are skipped with a warning; the batch itself only
// fails on store errors.
func (ing *Ingestor) Ingest(ctx context.Context, presentationID string, files []slidewise.IngestFile) (slidewise.IngestResult, error) {
	if presentationID == "" {
		return slidewise.IngestResult{}, fmt.Errorf("ingest: empty presentation id")
	}

	var res slidewise.IngestResult
	for _, f := range files {
		name := SanitizeName(f.Name)
		if name == "" {
			res.Warnings = append(res.Warnings, "file with empty name skipped")
			continue
		}
		content, err := base64.StdEncoding.DecodeString(f.ContentBase64)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: decode content: %v", name, err))
			continue
		}

		chunkCount, err := ing.ingestFile(ctx, presentationID, name, f.URL, content)
		if err != nil {
			return res, err
		}
		res.DocCount++
		res.ChunkCount += chunkCount
	}
	return res, nil
}

// ingestFile stores one file. The document key is derived from the
// presentation, the sanitized name, and the content hash, so re-ingesting
// identical content is idempotent: same key, same chunk set.
func (ing *Ingestor) ingestFile(ctx context.Context, presentationID, name, fileURL string, content []byte) (int, error) {
	ct := ContentTypeOf(name)
	kind := slidewise.DocKindDocument
	if ct == TypeImage {
		kind = slidewise.DocKindImage
	}

	docKey := deriveDocKey(presentationID, name, content)
	doc := slidewise.Document{
		Key:            docKey,
		PresentationID: presentationID,
		Name:           name,
		URL:            fileURL,
		Kind:           kind,
	}

	text, warn := ing.deriveText(ctx, ct, name, content)
	if warn != "" {
		ing.logger.Warn("ingest text derivation failed", "name", name, "reason", warn)
	}

	var chunks []slidewise.Chunk
	for i, part := range SplitChunks(text) {
		chunks = append(chunks, slidewise.Chunk{
			Key:            fmt.Sprintf("%s-c%03d", docKey, i),
			DocKey:         docKey,
			PresentationID: presentationID,
			Name:           name,
			Text:           part,
			URL:            fileURL,
		})
	}
	if err := ing.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}

	if err := ing.store.UpsertDocument(ctx, doc, chunks); err != nil {
		return 0, fmt.Errorf("store %s: %w", name, err)
	}
	ing.logger.Info("ingested document",
		"presentation_id", presentationID,
		"doc_key", docKey,
		"name", name,
		"kind", kind,
		"chunks", len(chunks))
	return len(chunks), nil
}

// deriveText extracts indexable text for a file. For images this is the
// OCR output when an OCR function is configured.
func (ing *Ingestor) deriveText(ctx context.Context, ct ContentType, name string, content []byte) (string, string) {
	if ct == TypeImage {
		if ing.ocr == nil {
			return "", ""
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", MIMEOf(name), base64.StdEncoding.EncodeToString(content))
		text, err := ing.ocr(ctx, dataURL)
		if err != nil {
			return "", fmt.Sprintf("ocr: %v", err)
		}
		return text, ""
	}

	ex, ok := ing.extractors[ct]
	if !ok {
		ex = PlainTextExtractor{}
	}
	text, err := ex.Extract(content)
	if err != nil {
		return "", err.Error()
	}
	return text, ""
}

func (ing *Ingestor) embedChunks(ctx context.Context, chunks []slidewise.Chunk) error {
	if ing.embedder == nil || len(chunks) == 0 {
		return nil
	}
	for i := 0; i < len(chunks); i += ing.batchSize {
		end := min(i+ing.batchSize, len(chunks))
		batch := chunks[i:end]
		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Text
		}
		embeddings, err := ing.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		for j := range batch {
			if j < len(embeddings) {
				chunks[i+j].Embedding = embeddings[j]
			}
		}
	}
	return nil
}

// deriveDocKey derives the stable document key for (presentation, name,
// content hash).
func deriveDocKey(presentationID, name string, content []byte) string {
	contentHash := sha256.Sum256(content)
	h := sha256.New()
	h.Write([]byte(presentationID))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(contentHash[:])
	return "doc-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// AsWorker exposes the ingestor as the in-process ingest worker.
func (ing *Ingestor) AsWorker() slidewise.Worker {
	return &slidewise.Func{
		WorkerName: slidewise.WorkerIngest,
		Fn: func(ctx context.Context, req slidewise.WorkerRequest) (slidewise.WorkerResponse, error) {
			var in slidewise.IngestInput
			if err := json.Unmarshal(req.Input, &in); err != nil {
				return slidewise.WorkerResponse{}, &slidewise.WorkerError{
					Worker: slidewise.WorkerIngest, Code: slidewise.CodeBadRequest,
					Message: fmt.Sprintf("decode input: %v", err),
				}
			}
			res, err := ing.Ingest(ctx, in.PresentationID, in.Files)
			if err != nil {
				return slidewise.WorkerResponse{}, &slidewise.WorkerError{
					Worker: slidewise.WorkerIngest, Code: slidewise.CodeTransient,
					Message: err.Error(), Retryable: true,
				}
			}
			return slidewise.WorkerResponse{Result: slidewise.MarshalInput(res)}, nil
		},
	}
}
