package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/journal"
	"github.com/loqalabs/loqa-narrator/internal/narrate"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// ChapterRunner produces one chapter's audio. *narrate.Pipeline satisfies it.
type ChapterRunner interface {
	Run(ctx context.Context, chapterPath, output string) (narrate.Result, error)
}

// Journal records run history. *journal.Journal satisfies it.
type Journal interface {
	StartRun(ctx context.Context, voice, rate string) (string, error)
	RecordChapter(ctx context.Context, evt journal.ChapterEvent) error
	FinishRun(ctx context.Context, runID string, attempted, produced int) error
}

// Publisher announces progress. *bus.Client satisfies it.
type Publisher interface {
	PublishChapter(ctx context.Context, msg protocol.ChapterStatus) error
	PublishRun(ctx context.Context, msg protocol.RunSummary) error
}

type Options struct {
	ChaptersDir  string
	AudioDir     string
	ManifestName string
	IndexName    string
	AudioExt     string
	Voice        string
	Rate         string
}

// Summary is the end-of-run report.
type Summary struct {
	RunID     string
	Attempted int
	Produced  int
	Generated int
	Skipped   int
	Failed    []string
	Outputs   []string
	Manifest  string
	Duration  time.Duration
}

// Driver narrates every chapter in a directory, one after another.
type Driver struct {
	runner    ChapterRunner
	opts      Options
	journal   Journal
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
}

func NewDriver(runner ChapterRunner, opts Options, log *slog.Logger) *Driver {
	if opts.ManifestName == "" {
		opts.ManifestName = "manifest.txt"
	}
	if opts.AudioExt == "" {
		opts.AudioExt = ".mp3"
	}
	return &Driver{
		runner: runner,
		opts:   opts,
		logger: log.With(slog.String("component", "batch")),
		clock:  time.Now,
	}
}

// WithJournal attaches run history recording. Journal errors are logged and
// never change the manifest.
func (d *Driver) WithJournal(j Journal) *Driver {
	d.journal = j
	return d
}

// WithPublisher attaches progress events. Publish errors are logged only.
func (d *Driver) WithPublisher(p Publisher) *Driver {
	d.publisher = p
	return d
}

// Run processes all discovered chapters and rewrites the manifest with the
// chapters whose audio exists at the end of this run. A failing chapter is
// reported and skipped; only discovery, cancellation and manifest errors abort.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	start := d.clock()
	chapters, err := Discover(d.opts.ChaptersDir)
	if err != nil {
		return Summary{}, err
	}
	if err := os.MkdirAll(d.opts.AudioDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create audio dir: %w", err)
	}

	sum := Summary{
		RunID:    d.startRun(ctx),
		Manifest: filepath.Join(d.opts.AudioDir, d.opts.ManifestName),
	}
	d.logger.Info("found chapters",
		slog.String("run_id", sum.RunID),
		slog.Int("chapters", len(chapters)),
		slog.String("voice", d.opts.Voice),
		slog.String("rate", d.opts.Rate))

	var index []IndexEntry
	for _, ch := range chapters {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		output := filepath.Join(d.opts.AudioDir, ch.Name+d.opts.AudioExt)
		sum.Attempted++

		res, err := d.runner.Run(ctx, ch.Path, output)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sum, ctxErr
		}
		d.report(ctx, sum.RunID, ch, res, err)
		if err != nil {
			sum.Failed = append(sum.Failed, ch.Name)
			continue
		}
		switch res.Outcome {
		case narrate.OutcomeSkipped:
			sum.Skipped++
		default:
			sum.Generated++
		}
		sum.Produced++
		sum.Outputs = append(sum.Outputs, output)
		index = append(index, IndexEntry{File: filepath.Base(output), Title: fmt.Sprintf("Chapter %d", ch.Ordinal)})
	}

	if err := WriteManifest(sum.Manifest, sum.Outputs); err != nil {
		return sum, fmt.Errorf("write manifest: %w", err)
	}
	if d.opts.IndexName != "" {
		if err := WriteIndex(filepath.Join(d.opts.AudioDir, d.opts.IndexName), index); err != nil {
			return sum, fmt.Errorf("write chapter index: %w", err)
		}
	}
	sum.Duration = d.clock().Sub(start)

	d.logger.Info("run complete",
		slog.String("run_id", sum.RunID),
		slog.Int("produced", sum.Produced),
		slog.Int("attempted", sum.Attempted),
		slog.Int("generated", sum.Generated),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", len(sum.Failed)),
		slog.Duration("elapsed", sum.Duration.Round(time.Second)),
		slog.String("manifest", sum.Manifest))
	d.finishRun(ctx, sum)
	return sum, nil
}

func (d *Driver) startRun(ctx context.Context) string {
	if d.journal == nil {
		return uuid.NewString()
	}
	id, err := d.journal.StartRun(ctx, d.opts.Voice, d.opts.Rate)
	if err != nil {
		d.logger.Warn("journal start failed", slog.String("error", err.Error()))
	}
	if id == "" {
		id = uuid.NewString()
	}
	return id
}

func (d *Driver) report(ctx context.Context, runID string, ch Chapter, res narrate.Result, runErr error) {
	status := string(res.Outcome)
	detail := ""
	if runErr != nil {
		status = string(narrate.OutcomeFailed)
		detail = runErr.Error()
		d.logger.Error("chapter failed", slog.String("chapter", ch.Name), slog.String("error", detail))
	} else if res.Outcome == narrate.OutcomeSkipped {
		d.logger.Info("chapter skipped, audio exists", slog.String("chapter", ch.Name))
	} else {
		d.logger.Info("chapter generated",
			slog.String("chapter", ch.Name),
			slog.String("size", fmt.Sprintf("%.1f MB", float64(res.Bytes)/1024/1024)),
			slog.Int("dropped_chunks", len(res.FailedChunks)))
	}

	if d.journal != nil {
		events := []journal.ChapterEvent{{RunID: runID, Chapter: ch.Name, Status: status, Detail: detail, Bytes: res.Bytes}}
		if runErr == nil {
			for _, idx := range res.FailedChunks {
				events = append(events, journal.ChapterEvent{
					RunID:   runID,
					Chapter: ch.Name,
					Status:  journal.StatusChunkFailed,
					Detail:  fmt.Sprintf("chunk %d of %d", idx+1, res.Chunks),
				})
			}
		}
		for _, evt := range events {
			if err := d.journal.RecordChapter(ctx, evt); err != nil {
				d.logger.Warn("journal write failed", slog.String("chapter", ch.Name), slog.String("error", err.Error()))
			}
		}
	}

	if d.publisher != nil {
		msg := protocol.ChapterStatus{
			RunID:        runID,
			Chapter:      ch.Name,
			Status:       status,
			Chunks:       res.Chunks,
			FailedChunks: res.FailedChunks,
			Bytes:        res.Bytes,
			Error:        detail,
			Timestamp:    d.clock().UTC(),
		}
		if runErr == nil {
			msg.Output = res.Output
		}
		if err := d.publisher.PublishChapter(ctx, msg); err != nil {
			d.logger.Warn("publish chapter status failed", slog.String("chapter", ch.Name), slog.String("error", err.Error()))
		}
	}
}

func (d *Driver) finishRun(ctx context.Context, sum Summary) {
	if d.journal != nil {
		if err := d.journal.FinishRun(ctx, sum.RunID, sum.Attempted, sum.Produced); err != nil {
			d.logger.Warn("journal finish failed", slog.String("error", err.Error()))
		}
	}
	if d.publisher != nil {
		msg := protocol.RunSummary{
			RunID:     sum.RunID,
			Attempted: sum.Attempted,
			Produced:  sum.Produced,
			Failed:    sum.Failed,
			Manifest:  sum.Manifest,
			Duration:  sum.Duration.Seconds(),
			Timestamp: d.clock().UTC(),
		}
		if err := d.publisher.PublishRun(ctx, msg); err != nil {
			d.logger.Warn("publish run summary failed", slog.String("error", err.Error()))
		}
	}
}
