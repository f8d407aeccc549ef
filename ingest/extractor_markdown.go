package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var _ Extractor = (*MarkdownExtractor)(nil)

// MarkdownExtractor parses markdown and walks the AST to produce plain
// text, preserving paragraph boundaries for the chunker.
type MarkdownExtractor struct{}

// NewMarkdownExtractor creates a markdown extractor.
func NewMarkdownExtractor() *MarkdownExtractor { return &MarkdownExtractor{} }

func (e *MarkdownExtractor) Extract(content []byte) (string, error) {
	parser := goldmark.New().Parser()
	root := parser.Parse(text.NewReader(content))

	var buf strings.Builder
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				buf.WriteString("\n\n")
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(content))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.FencedCodeBlock:
			writeLines(&buf, t, content)
		case *ast.CodeBlock:
			writeLines(&buf, t, content)
		case *ast.AutoLink:
			buf.Write(t.URL(content))
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return collapseBlankLines(buf.String()), nil
}

func writeLines(buf *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
}

// collapseBlankLines squeezes runs of blank lines down to one paragraph
// separator and trims each line.
func collapseBlankLines(s string) string {
	var out strings.Builder
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blank++
			continue
		}
		if out.Len() > 0 {
			if blank > 0 {
				out.WriteString("\n\n")
			} else {
				out.WriteByte('\n')
			}
		}
		out.WriteString(line)
		blank = 0
	}
	return strings.TrimSpace(out.String())
}
