package narrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Outcome describes how a chapter's audio came to exist.
type Outcome string

const (
	OutcomeGenerated Outcome = "generated"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result summarises one chapter pipeline run.
type Result struct {
	Chapter      string
	Output       string
	Outcome      Outcome
	Chars        int
	Chunks       int
	FailedChunks []int
	Bytes        int64
}

// Pipeline turns one chapter text file into one audio file.
type Pipeline struct {
	resilient *Resilient
	concat    audio.Concatenator
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	inst      instruments
	pacer     *rate.Limiter
}

// NewPipeline builds a chapter pipeline that synthesizes chunks through resilient
// and merges them with concat.
func NewPipeline(resilient *Resilient, concat audio.Concatenator, opts Options, log *slog.Logger) *Pipeline {
	limit := rate.Inf
	if opts.ChunkPacing > 0 {
		limit = rate.Every(opts.ChunkPacing)
	}
	return &Pipeline{
		resilient: resilient,
		concat:    concat,
		opts:      opts,
		logger:    log.With(slog.String("component", "chapter-pipeline")),
		tracer:    tracer(),
		inst:      newInstruments(),
		pacer:     rate.NewLimiter(limit, 1),
	}
}

// Run produces output from chapterPath. An existing output larger than the
// resumability floor is reused without synthesis. A chunk that fails terminally
// leaves a gap in the merged audio unless Strict is set, in which case the
// whole chapter fails.
func (p *Pipeline) Run(ctx context.Context, chapterPath, output string) (Result, error) {
	name := filepath.Base(chapterPath)
	res := Result{Chapter: name, Output: output, Outcome: OutcomeFailed}

	ctx, span := p.tracer.Start(ctx, "narrate.chapter", trace.WithAttributes(attribute.String("chapter", name)))
	defer span.End()

	res, err := p.run(ctx, chapterPath, output, res)
	span.SetAttributes(attribute.String("chapter.outcome", string(res.Outcome)), attribute.Int("chapter.chunks", res.Chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chapter failed")
	}
	p.inst.chapters.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, chapterPath, output string, res Result) (Result, error) {
	raw, err := os.ReadFile(chapterPath)
	if err != nil {
		return res, fmt.Errorf("read chapter: %w", err)
	}
	// Paragraph boundaries are blank lines, so CRLF files are normalized first.
	text := strings.TrimSpace(strings.ReplaceAll(string(raw), "\r\n", "\n"))
	if text == "" {
		return res, &ChapterError{Chapter: res.Chapter, Err: ErrEmptyInput}
	}
	res.Chars = utf8.RuneCountInString(text)

	if audio.Valid(output, p.opts.MinExistingBytes) {
		p.logger.Info("skipping chapter, audio exists", slog.String("chapter", res.Chapter), slog.String("output", output))
		res.Outcome = OutcomeSkipped
		res.Bytes = fileSize(output)
		return res, nil
	}

	chunks := chunker.Split(text, p.opts.MaxChunkChars)
	res.Chunks = len(chunks)
	p.logger.Info("narrating chapter",
		slog.String("chapter", res.Chapter),
		slog.Int("chars", res.Chars),
		slog.Int("chunks", len(chunks)))

	if len(chunks) == 1 {
		if err := p.resilient.Synthesize(ctx, chunks[0].Text, output); err != nil {
			res.FailedChunks = []int{0}
			p.inst.dropped.Add(ctx, 1)
			return res, &ChapterError{Chapter: res.Chapter, Failed: res.FailedChunks, Total: 1, Err: err}
		}
	} else if err := p.synthesizeChunks(ctx, chunks, output, &res); err != nil {
		return res, err
	}

	if !audio.Valid(output, p.opts.MinOutputBytes) {
		_ = os.Remove(output)
		return res, &ChapterError{Chapter: res.Chapter, Failed: res.FailedChunks, Total: res.Chunks,
			Err: &audio.MergeError{Output: output, Inputs: res.Chunks - len(res.FailedChunks), Err: errors.New("output missing or too small")}}
	}
	res.Outcome = OutcomeGenerated
	res.Bytes = fileSize(output)
	return res, nil
}

func (p *Pipeline) synthesizeChunks(ctx context.Context, chunks []chunker.Chunk, output string, res *Result) error {
	var fragments []string
	defer func() {
		for _, f := range fragments {
			_ = os.Remove(f)
		}
	}()

	var lastErr error
	for _, c := range chunks {
		if err := p.pacer.Wait(ctx); err != nil {
			return err
		}
		fragment := siblingPath(output, fmt.Sprintf("_chunk%03d", c.Index))
		p.logger.Info("narrating chunk",
			slog.String("chapter", res.Chapter),
			slog.Int("chunk", c.Index+1),
			slog.Int("of", len(chunks)),
			slog.Int("chars", c.Chars()))

		if err := p.resilient.Synthesize(ctx, c.Text, fragment); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.logger.Warn("chunk failed, leaving a gap",
				slog.String("chapter", res.Chapter),
				slog.Int("chunk", c.Index+1),
				slog.String("error", err.Error()))
			p.inst.dropped.Add(ctx, 1)
			res.FailedChunks = append(res.FailedChunks, c.Index)
			lastErr = err
			continue
		}
		fragments = append(fragments, fragment)
	}

	if len(fragments) == 0 {
		return &ChapterError{Chapter: res.Chapter, Failed: res.FailedChunks, Total: len(chunks), Err: lastErr}
	}
	if p.opts.Strict && len(res.FailedChunks) > 0 {
		return &ChapterError{Chapter: res.Chapter, Failed: res.FailedChunks, Total: len(chunks), Err: lastErr}
	}
	if err := p.concat.Concat(ctx, fragments, output); err != nil {
		_ = os.Remove(output)
		return &ChapterError{Chapter: res.Chapter, Failed: res.FailedChunks, Total: len(chunks), Err: err}
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
