package tts

import (
	"context"
	"fmt"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
	Rate  string // signed percentage, e.g. "-5%"
}

// Synthesizer is the contract for producing audio. Implementations return the
// complete encoded audio for the request or an error; partial audio is never returned.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}

// SynthesisError reports one failed backend call. It is transient from the
// caller's point of view: the same request may succeed when retried.
type SynthesisError struct {
	Backend string
	Status  int // process exit code or HTTP status, 0 when unknown
	Detail  string
	Err     error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("%s synthesis failed", e.Backend)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// tail keeps the last n bytes of backend output for error reports.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
