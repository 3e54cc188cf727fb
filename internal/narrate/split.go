package narrate

import (
	"strings"
	"unicode/utf8"
)

const (
	paragraphSlack = 1000
	sentenceSlack  = 500
)

// Bisect splits text near its midpoint. It prefers the last paragraph break
// before the midpoint (allowing a little slack past it), then the last sentence
// end, then the raw midpoint. Both halves are trimmed. The split never falls
// inside a UTF-8 sequence.
func Bisect(text string) (string, string) {
	cut := splitPoint(text)
	return strings.TrimSpace(text[:cut]), strings.TrimSpace(text[cut:])
}

func splitPoint(text string) int {
	mid := len(text) / 2
	for mid > 0 && !utf8.RuneStart(text[mid]) {
		mid--
	}
	// Slack shrinks with the text so short fragments still split near the middle.
	window := func(slack int) string {
		return text[:min(len(text), mid+min(slack, len(text)/10))]
	}

	if i := strings.LastIndex(window(paragraphSlack), "\n\n"); i > 0 {
		return i
	}
	if i := strings.LastIndex(window(sentenceSlack), ". "); i >= 0 {
		return i + 1
	}
	return mid
}
