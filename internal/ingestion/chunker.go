package ingestion

import (
	"strings"
)

// Chunker splits source text on paragraph boundaries into pieces small
// enough to retrieve and feed to a prompt whole.
type Chunker struct {
	maxChars int
	minChars int
}

// NewChunker creates a chunker with the given size bounds.
func NewChunker(maxChars, minChars int) *Chunker {
	return &Chunker{maxChars: maxChars, minChars: minChars}
}

// Chunk splits content into pieces of at most maxChars, preferring paragraph
// boundaries and falling back to hard splits for oversized paragraphs.
// Fragments below minChars are merged into their neighbor.
func (c *Chunker) Chunk(content string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text == "" {
			return
		}
		if len(text) < c.minChars && len(chunks) > 0 {
			chunks[len(chunks)-1] = chunks[len(chunks)-1] + "\n\n" + text
			return
		}
		chunks = append(chunks, text)
	}

	for _, para := range splitParagraphs(content) {
		if len(para) > c.maxChars {
			flush()
			chunks = append(chunks, hardSplit(para, c.maxChars)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > c.maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hardSplit cuts text at maxChars boundaries, breaking on the last space
// before the limit when one exists.
func hardSplit(text string, maxChars int) []string {
	var parts []string
	for len(text) > maxChars {
		cut := strings.LastIndexByte(text[:maxChars], ' ')
		if cut <= 0 {
			cut = maxChars
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
