package chunker

import (
	"strings"
	"testing"
)

func paragraph(char string, n int) string {
	return strings.Repeat(char, n)
}

func TestSplitSingleChunk(t *testing.T) {
	chunks := Split("Para A.\n\nPara B.", 100)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Para A.\n\nPara B." {
		t.Fatalf("unexpected chunk text %q", chunks[0].Text)
	}
}

func TestSplitPacksParagraphsGreedily(t *testing.T) {
	text := strings.Join([]string{paragraph("a", 9000), paragraph("b", 9000), paragraph("c", 9000)}, ParagraphSeparator)
	chunks := Split(text, 20000)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if got := chunks[0].Chars(); got != 18002 {
		t.Fatalf("expected first chunk of 18002 chars, got %d", got)
	}
	if got := chunks[1].Chars(); got != 9000 {
		t.Fatalf("expected second chunk of 9000 chars, got %d", got)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestSplitOversizedParagraphKeptWhole(t *testing.T) {
	big := paragraph("x", 500)
	text := "intro\n\n" + big + "\n\noutro"
	chunks := Split(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Text != big {
		t.Fatal("oversized paragraph was altered")
	}
	if !chunks[1].Oversized(100) {
		t.Fatal("expected middle chunk to be oversized")
	}
	if chunks[0].Oversized(100) || chunks[2].Oversized(100) {
		t.Fatal("only the long paragraph may exceed the budget")
	}
}

func TestSplitNoParagraphBreaks(t *testing.T) {
	text := paragraph("y", 300)
	chunks := Split(text, 100)
	if len(chunks) != 1 || chunks[0].Text != text {
		t.Fatalf("expected one oversized chunk, got %d", len(chunks))
	}
}

func TestSplitTrimsAndDropsEmpty(t *testing.T) {
	chunks := Split("\n\n  \n\n  first  \n\n\n\n", 5)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "first" {
		t.Fatalf("expected trimmed chunk, got %q", chunks[0].Text)
	}
	if got := Split("   \n\n \t ", 10); len(got) != 0 {
		t.Fatalf("expected no chunks for blank text, got %d", len(got))
	}
}

func TestSplitRoundTripAndBudget(t *testing.T) {
	paras := []string{
		"It was a bright cold day in April.",
		paragraph("m", 40),
		"Winston Smith slipped quickly through the glass doors.",
		paragraph("n", 25),
		"The hallway smelt of boiled cabbage and old rag mats.",
		"Ünïcödé paragraph with multibyte characters.",
	}
	text := strings.Join(paras, ParagraphSeparator)

	for _, budget := range []int{60, 80, 120, 1000} {
		chunks := Split(text, budget)
		if got := Join(chunks); got != text {
			t.Fatalf("budget %d: round trip mismatch\n got %q\nwant %q", budget, got, text)
		}
		for _, c := range chunks {
			if c.Oversized(budget) && strings.Contains(c.Text, ParagraphSeparator) {
				t.Fatalf("budget %d: multi-paragraph chunk of %d chars exceeds budget", budget, c.Chars())
			}
		}
	}
}

func TestSplitCountsCharactersNotBytes(t *testing.T) {
	a := paragraph("é", 40)
	b := paragraph("ü", 40)
	chunks := Split(a+ParagraphSeparator+b, 82)
	if len(chunks) != 1 {
		t.Fatalf("expected multibyte paragraphs to fit a character budget, got %d chunks", len(chunks))
	}
}
