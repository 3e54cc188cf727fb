package audio

import (
	"context"
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV joins RIFF/WAVE fragments by decoding their PCM and writing a single
// file with one header. All inputs must share sample rate, channels and depth.
type WAV struct {
	minBytes int64
}

func NewWAV(minBytes int64) *WAV {
	return &WAV{minBytes: minBytes}
}

func (w *WAV) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return &MergeError{Output: output, Err: errors.New("no inputs")}
	}
	tmp := output + ".part"
	if err := writeWAV(ctx, inputs, tmp); err != nil {
		_ = os.Remove(tmp)
		return &MergeError{Output: output, Inputs: len(inputs), Err: err}
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return &MergeError{Output: output, Inputs: len(inputs), Err: err}
	}
	if !Valid(output, w.minBytes) {
		_ = os.Remove(output)
		return &MergeError{Output: output, Inputs: len(inputs), Err: errors.New("output missing or too small")}
	}
	return nil
}

type wavFormat struct {
	sampleRate, bitDepth, channels int
}

// writeWAV encodes every input into dst. The file is closed exactly once on
// every path.
func writeWAV(ctx context.Context, inputs []string, dst string) error {
	first, format, err := readWAV(inputs[0])
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(out, format.sampleRate, format.bitDepth, format.channels, 1)
	if err := encodeAll(ctx, enc, first, format, inputs); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func encodeAll(ctx context.Context, enc *wav.Encoder, first *goaudio.IntBuffer, format wavFormat, inputs []string) error {
	buf := first
	for i, in := range inputs {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			next, f, err := readWAV(in)
			if err != nil {
				return err
			}
			if f != format {
				return fmt.Errorf("input %d (%s): format %+v differs from %+v", i, in, f, format)
			}
			buf = next
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func readWAV(path string) (*goaudio.IntBuffer, wavFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wavFormat{}, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, wavFormat{}, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, wavFormat{}, fmt.Errorf("%s: decode pcm: %w", path, err)
	}
	return buf, wavFormat{sampleRate: int(dec.SampleRate), bitDepth: int(dec.BitDepth), channels: int(dec.NumChans)}, nil
}
