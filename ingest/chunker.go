package ingest

import "strings"

const (
	// maxChunkChars bounds one chunk's text.
	maxChunkChars = 4000
	// minChunkChars drops fragments too small to retrieve meaningfully.
	minChunkChars = 50
)

// SplitChunks splits extracted text into paragraph-aligned chunks of at
// most maxChunkChars. Adjacent paragraphs are packed into one chunk while
// they fit; a paragraph longer than the cap is split at word boundaries.
// Fragments below minChunkChars are merged into the previous chunk when
// possible and dropped otherwise.
func SplitChunks(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var segments []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= maxChunkChars {
			segments = append(segments, p)
			continue
		}
		segments = append(segments, splitWords(p, maxChunkChars)...)
	}

	var chunks []string
	var cur strings.Builder
	for _, seg := range segments {
		needed := len(seg)
		if cur.Len() > 0 {
			needed += cur.Len() + 2
		}
		if needed > maxChunkChars && cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(seg)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}

	return enforceMinimum(chunks)
}

// enforceMinimum folds undersized chunks into their predecessor. A small
// chunk with no room behind it is dropped rather than indexed as noise.
func enforceMinimum(chunks []string) []string {
	var out []string
	for _, c := range chunks {
		if len(c) >= minChunkChars {
			out = append(out, c)
			continue
		}
		if n := len(out); n > 0 && len(out[n-1])+2+len(c) <= maxChunkChars {
			out[n-1] = out[n-1] + "\n\n" + c
		}
	}
	return out
}

func splitWords(text string, maxChars int) []string {
	words := strings.Fields(text)
	var segments []string
	var cur strings.Builder
	for _, w := range words {
		if len(w) > maxChars {
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
			for i := 0; i < len(w); i += maxChars {
				end := min(i+maxChars, len(w))
				segments = append(segments, w[i:end])
			}
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			segments = append(segments, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}
