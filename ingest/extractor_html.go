package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

var _ Extractor = (*HTMLExtractor)(nil)

// HTMLExtractor pulls the readable article content out of an HTML page.
type HTMLExtractor struct{}

// NewHTMLExtractor creates an HTML extractor.
func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

func (e *HTMLExtractor) Extract(content []byte) (string, error) {
	base, _ := url.Parse("file:///ingest")
	article, err := readability.FromReader(bytes.NewReader(content), base)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("html contains no readable text")
	}
	return text, nil
}
