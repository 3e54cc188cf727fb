package narrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSynth renders text as its own bytes and fails calls chosen by fail.
type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	fail  func(call int, text string) bool
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.SynthRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Text)
	if f.fail != nil && f.fail(len(f.calls), req.Text) {
		return nil, &tts.SynthesisError{Backend: "fake", Err: errors.New("injected failure")}
	}
	return []byte(req.Text), nil
}

func (f *fakeSynth) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testOptions() Options {
	return Options{
		Voice:         "en-US-GuyNeural",
		Rate:          "-5%",
		MaxChunkChars: 20000,
		Retries:       3,
		MinSplitChars: 200,
		MaxSplitDepth: 16,
	}
}

func sentences(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Sentence number %03d.", i)
	}
	return strings.Join(parts, " ")
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func squash(s string) string { return strings.Join(strings.Fields(s), "") }

func TestResilientSucceedsWithinRetries(t *testing.T) {
	synth := &fakeSynth{fail: func(call int, _ string) bool { return call < 3 }}
	r := NewResilient(synth, audio.NewAppend(0), testOptions(), newLogger())
	out := filepath.Join(t.TempDir(), "001.mp3")

	if err := r.Synthesize(context.Background(), "Short text.", out); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if synth.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", synth.count())
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "Short text." {
		t.Fatalf("unexpected output %q (%v)", data, err)
	}
}

func TestResilientSplitsAfterExhaustedRetries(t *testing.T) {
	text := sentences(15)
	synth := &fakeSynth{fail: func(call int, _ string) bool { return call <= 3 }}
	r := NewResilient(synth, audio.NewAppend(0), testOptions(), newLogger())
	dir := t.TempDir()
	out := filepath.Join(dir, "002.mp3")

	if err := r.Synthesize(context.Background(), text, out); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if synth.count() != 5 {
		t.Fatalf("expected 3 failed attempts plus 2 halves, got %d calls", synth.count())
	}
	data, err := os.ReadFile(out)
	if err != nil || len(data) == 0 {
		t.Fatalf("expected non-empty output: %v", err)
	}
	if squash(string(data)) != squash(text) {
		t.Fatalf("merged halves out of order:\n%s", data)
	}
	if got := dirEntries(t, dir); len(got) != 1 || got[0] != "002.mp3" {
		t.Fatalf("expected only the output to remain, got %v", got)
	}
}

func TestResilientAlwaysFailingSplitsOnce(t *testing.T) {
	text := sentences(15)
	synth := &fakeSynth{fail: func(int, string) bool { return true }}
	r := NewResilient(synth, audio.NewAppend(0), testOptions(), newLogger())
	dir := t.TempDir()
	out := filepath.Join(dir, "003.mp3")

	err := r.Synthesize(context.Background(), text, out)
	var persistent *PersistentSynthesisError
	if !errors.As(err, &persistent) {
		t.Fatalf("expected PersistentSynthesisError, got %v", err)
	}
	var irreducible *IrreducibleFragmentError
	if !errors.As(err, &irreducible) {
		t.Fatalf("expected irreducible halves inside %v", err)
	}

	if len(synth.calls) != 9 {
		t.Fatalf("expected 3 attempts for the text and each half, got %d", len(synth.calls))
	}
	left, right := Bisect(text)
	for i, call := range synth.calls {
		want := text
		switch {
		case i >= 6:
			want = right
		case i >= 3:
			want = left
		}
		if call != want {
			t.Fatalf("call %d submitted unexpected text %q", i, call)
		}
	}
	if got := dirEntries(t, dir); len(got) != 0 {
		t.Fatalf("expected no files after terminal failure, got %v", got)
	}
}

func TestResilientRecursesUntilBackendAccepts(t *testing.T) {
	text := sentences(40)
	limit := 120
	synth := &fakeSynth{fail: func(_ int, s string) bool { return utf8.RuneCountInString(s) > limit }}
	opts := testOptions()
	opts.MinSplitChars = 50
	r := NewResilient(synth, audio.NewAppend(0), opts, newLogger())
	dir := t.TempDir()
	out := filepath.Join(dir, "004.mp3")

	if err := r.Synthesize(context.Background(), text, out); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if squash(string(data)) != squash(text) {
		t.Fatalf("recursive merge lost ordering")
	}
	if got := dirEntries(t, dir); len(got) != 1 {
		t.Fatalf("expected intermediate files removed, got %v", got)
	}
}

func TestResilientIrreducibleFragment(t *testing.T) {
	synth := &fakeSynth{fail: func(int, string) bool { return true }}
	r := NewResilient(synth, audio.NewAppend(0), testOptions(), newLogger())
	dir := t.TempDir()
	out := filepath.Join(dir, "005.mp3")

	err := r.Synthesize(context.Background(), "Too small to split.", out)
	var irreducible *IrreducibleFragmentError
	if !errors.As(err, &irreducible) {
		t.Fatalf("expected IrreducibleFragmentError, got %v", err)
	}
	if irreducible.Attempts != 3 || synth.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d/%d", irreducible.Attempts, synth.count())
	}
	var synthErr *tts.SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected backend error in chain, got %v", err)
	}
	if got := dirEntries(t, dir); len(got) != 0 {
		t.Fatalf("expected no output, got %v", got)
	}
}

// hangingSynth blocks until its context ends.
type hangingSynth struct{ calls int }

func (h *hangingSynth) Synthesize(ctx context.Context, _ tts.SynthRequest) ([]byte, error) {
	h.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResilientBoundsEachAttempt(t *testing.T) {
	synth := &hangingSynth{}
	opts := testOptions()
	opts.Retries = 2
	opts.AttemptTimeout = 20 * time.Millisecond
	r := NewResilient(synth, audio.NewAppend(0), opts, newLogger())

	err := r.Synthesize(context.Background(), "Short line.", filepath.Join(t.TempDir(), "009.mp3"))
	var irreducible *IrreducibleFragmentError
	if !errors.As(err, &irreducible) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed-out irreducible fragment, got %v", err)
	}
	if synth.calls != 2 {
		t.Fatalf("expected every attempt to time out and retry, got %d calls", synth.calls)
	}
}

func TestResilientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	synth := &fakeSynth{fail: func(int, string) bool {
		cancel()
		return true
	}}
	r := NewResilient(synth, audio.NewAppend(0), testOptions(), newLogger())
	err := r.Synthesize(ctx, sentences(15), filepath.Join(t.TempDir(), "006.mp3"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if synth.count() != 1 {
		t.Fatalf("expected no retries after cancel, got %d calls", synth.count())
	}
}

func TestBisect(t *testing.T) {
	cases := []struct {
		name        string
		text        string
		left, right string
	}{
		{"paragraph", "One. Two.\n\nThree four five six.", "One. Two.", "Three four five six."},
		{"sentence", "One. Two. Three. Four.", "One. Two.", "Three. Four."},
		{"midpoint", "abcdefgh", "abcd", "efgh"},
		{"multibyte", strings.Repeat("é", 5), "éé", "ééé"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			left, right := Bisect(tc.text)
			if left != tc.left || right != tc.right {
				t.Fatalf("Bisect(%q) = %q, %q; want %q, %q", tc.text, left, right, tc.left, tc.right)
			}
		})
	}
}

func TestSiblingPath(t *testing.T) {
	if got := siblingPath("/out/007.mp3", "_a"); got != "/out/007_a.mp3" {
		t.Fatalf("unexpected sibling path %q", got)
	}
	if got := siblingPath("/out/007_chunk001.mp3", "_b"); got != "/out/007_chunk001_b.mp3" {
		t.Fatalf("unexpected nested sibling path %q", got)
	}
}
