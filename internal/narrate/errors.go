package narrate

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned for a chapter with nothing to synthesize.
var ErrEmptyInput = errors.New("chapter has no text")

// IrreducibleFragmentError reports a fragment at or below the split floor that
// still failed after every retry.
type IrreducibleFragmentError struct {
	Chars    int
	Attempts int
	Err      error
}

func (e *IrreducibleFragmentError) Error() string {
	return fmt.Sprintf("fragment of %d chars failed after %d attempts: %v", e.Chars, e.Attempts, e.Err)
}

func (e *IrreducibleFragmentError) Unwrap() error { return e.Err }

// PersistentSynthesisError reports a fragment that failed every retry and could
// not be recovered by splitting it in two.
type PersistentSynthesisError struct {
	Chars int
	Depth int
	Err   error
}

func (e *PersistentSynthesisError) Error() string {
	return fmt.Sprintf("fragment of %d chars failed at split depth %d: %v", e.Chars, e.Depth, e.Err)
}

func (e *PersistentSynthesisError) Unwrap() error { return e.Err }

// ChapterError reports a chapter that produced no usable audio.
type ChapterError struct {
	Chapter string
	Failed  []int // indexes of chunks that could not be synthesized
	Total   int
	Err     error
}

func (e *ChapterError) Error() string {
	msg := fmt.Sprintf("chapter %s failed", e.Chapter)
	if len(e.Failed) > 0 {
		msg = fmt.Sprintf("%s: %d of %d chunks failed", msg, len(e.Failed), e.Total)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChapterError) Unwrap() error { return e.Err }
