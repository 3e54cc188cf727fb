package narrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxSplitDepth = 16

// Options configures the resilient synthesizer and the chapter pipeline.
type Options struct {
	Voice            string
	Rate             string
	MaxChunkChars    int
	Retries          int
	RetryDelay       time.Duration
	MinSplitChars    int
	MaxSplitDepth    int
	AttemptTimeout   time.Duration
	ChunkPacing      time.Duration
	MinExistingBytes int64
	MinOutputBytes   int64
	Strict           bool
}

// OptionsFromConfig maps the narration config section onto Options.
func OptionsFromConfig(n config.NarrationConfig) Options {
	return Options{
		Voice:            n.Voice,
		Rate:             n.Rate,
		MaxChunkChars:    n.MaxChunkChars,
		Retries:          n.Retries,
		RetryDelay:       n.RetryDelay(),
		MinSplitChars:    n.MinSplitChars,
		MaxSplitDepth:    n.MaxSplitDepth,
		AttemptTimeout:   n.AttemptTimeout(),
		ChunkPacing:      n.ChunkPacing(),
		MinExistingBytes: n.MinExistingBytes,
		MinOutputBytes:   n.MinOutputBytes,
		Strict:           n.Strict,
	}
}

// Resilient renders text to an audio file, retrying failed backend calls and,
// once retries are exhausted, bisecting the text and merging the two halves.
type Resilient struct {
	synth  tts.Synthesizer
	concat audio.Concatenator
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	inst   instruments
}

// NewResilient wraps synth with retries and falls back to bisecting and merging
// through concat. Retries below one are raised to one.
func NewResilient(synth tts.Synthesizer, concat audio.Concatenator, opts Options, log *slog.Logger) *Resilient {
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.MaxSplitDepth <= 0 {
		opts.MaxSplitDepth = defaultMaxSplitDepth
	}
	return &Resilient{
		synth:  synth,
		concat: concat,
		opts:   opts,
		logger: log.With(slog.String("component", "resilient-synth")),
		tracer: tracer(),
		inst:   newInstruments(),
	}
}

// Synthesize writes the complete rendering of text to output. On error nothing
// is left at output, and every sibling or list file created along the way has
// been removed.
func (r *Resilient) Synthesize(ctx context.Context, text, output string) error {
	return r.synthesize(ctx, text, output, 0)
}

func (r *Resilient) synthesize(ctx context.Context, text, output string, depth int) error {
	chars := utf8.RuneCountInString(text)
	ctx, span := r.tracer.Start(ctx, "narrate.fragment", trace.WithAttributes(
		attribute.String("fragment.output", filepath.Base(output)),
		attribute.Int("fragment.chars", chars),
		attribute.Int("fragment.depth", depth),
	))
	defer span.End()

	err := r.retry(ctx, text, output)
	if err == nil {
		return nil
	}
	_ = os.Remove(output)
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, "cancelled")
		return ctxErr
	}

	if chars <= r.opts.MinSplitChars || depth >= r.opts.MaxSplitDepth {
		r.logger.Warn("fragment failed",
			slog.String("output", filepath.Base(output)),
			slog.Int("chars", chars),
			slog.Int("depth", depth),
			slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "irreducible")
		return &IrreducibleFragmentError{Chars: chars, Attempts: r.opts.Retries, Err: err}
	}

	left, right := Bisect(text)
	if left == "" || right == "" {
		span.SetStatus(codes.Error, "unsplittable")
		return &IrreducibleFragmentError{Chars: chars, Attempts: r.opts.Retries, Err: err}
	}

	r.inst.splits.Add(ctx, 1)
	r.logger.Info("splitting fragment",
		slog.String("output", filepath.Base(output)),
		slog.Int("chars", chars),
		slog.Int("left_chars", utf8.RuneCountInString(left)),
		slog.Int("right_chars", utf8.RuneCountInString(right)),
		slog.Int("depth", depth+1))

	leftOut, rightOut := siblingPath(output, "_a"), siblingPath(output, "_b")
	defer func() {
		_ = os.Remove(leftOut)
		_ = os.Remove(rightOut)
	}()

	leftErr := r.synthesize(ctx, left, leftOut, depth+1)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	rightErr := r.synthesize(ctx, right, rightOut, depth+1)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if leftErr != nil || rightErr != nil {
		span.SetStatus(codes.Error, "split halves failed")
		return &PersistentSynthesisError{Chars: chars, Depth: depth, Err: errors.Join(leftErr, rightErr)}
	}

	if err := r.concat.Concat(ctx, []string{leftOut, rightOut}, output); err != nil {
		_ = os.Remove(output)
		span.SetStatus(codes.Error, "merge failed")
		return &PersistentSynthesisError{Chars: chars, Depth: depth, Err: err}
	}
	if !audio.Valid(output, 0) {
		_ = os.Remove(output)
		return &PersistentSynthesisError{Chars: chars, Depth: depth, Err: &audio.MergeError{Output: output, Inputs: 2, Err: errors.New("output missing")}}
	}
	return nil
}

// retry makes up to Retries attempts with a fixed delay between them.
func (r *Resilient) retry(ctx context.Context, text, output string) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.attempt(ctx, text, output)
		if err == nil {
			return struct{}{}, nil
		}
		r.logger.Warn("synthesis attempt failed",
			slog.String("output", filepath.Base(output)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.opts.Retries),
			slog.String("error", err.Error()))
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.RetryDelay)),
		backoff.WithMaxTries(uint(r.opts.Retries)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

func (r *Resilient) attempt(ctx context.Context, text, output string) error {
	if r.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.AttemptTimeout)
		defer cancel()
	}
	r.inst.attempts.Add(ctx, 1)
	data, err := r.synth.Synthesize(ctx, tts.SynthRequest{Text: text, Voice: r.opts.Voice, Rate: r.opts.Rate})
	if err == nil && len(data) == 0 {
		err = &tts.SynthesisError{Backend: "unknown", Err: errors.New("empty audio")}
	}
	if err == nil {
		err = writeFile(output, data)
	}
	if err != nil {
		r.inst.failures.Add(ctx, 1)
	}
	return err
}

// writeFile writes through a temporary name so output is either complete or absent.
func writeFile(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write audio: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// siblingPath inserts suffix before the extension: 007.mp3 -> 007_a.mp3.
func siblingPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}
