// Package chunker splits chapter text into bounded, ordered chunks at paragraph boundaries.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// ParagraphSeparator is the blank-line boundary chunks are split on and rejoined with.
const ParagraphSeparator = "\n\n"

// Chunk is a contiguous slice of chapter text submitted to synthesis as one unit.
type Chunk struct {
	Index int
	Text  string
}

// Chars reports the chunk length in characters.
func (c Chunk) Chars() int { return utf8.RuneCountInString(c.Text) }

// Oversized reports whether the chunk exceeds maxChars. Only a single paragraph
// longer than the budget produces an oversized chunk.
func (c Chunk) Oversized(maxChars int) bool { return c.Chars() > maxChars }

// Split greedily packs paragraphs into chunks of at most maxChars characters.
// Paragraphs are never split; a paragraph longer than the budget becomes its own
// chunk. Chunks are trimmed and empty chunks are dropped. Text with no visible
// characters yields no chunks.
func Split(text string, maxChars int) []Chunk {
	var (
		chunks  []Chunk
		current string
	)
	emit := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: s})
	}

	for _, para := range strings.Split(text, ParagraphSeparator) {
		if current != "" && charCount(current)+charCount(para)+len(ParagraphSeparator) > maxChars {
			emit(current)
			current = para
			continue
		}
		if current == "" {
			current = para
		} else {
			current = current + ParagraphSeparator + para
		}
	}
	emit(current)
	return chunks
}

// Join reassembles chunk texts with the paragraph separator.
func Join(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, ParagraphSeparator)
}

func charCount(s string) int { return utf8.RuneCountInString(s) }
