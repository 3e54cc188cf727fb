package tts

import (
	"bytes"
	"context"
	"fmt"
)

type mockSynth struct {
	minBytes int
}

// NewMockSynth returns a backend that renders requests as deterministic
// placeholder bytes, padded to at least minBytes. Used for dry runs.
func NewMockSynth(minBytes int) Synthesizer {
	return &mockSynth{minBytes: minBytes}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "MOCK voice=%s rate=%s\n", req.Voice, req.Rate)
	buf.WriteString(req.Text)
	if pad := m.minBytes - buf.Len(); pad > 0 {
		buf.Write(bytes.Repeat([]byte{0}, pad))
	}
	return buf.Bytes(), nil
}
