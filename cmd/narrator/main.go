package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/extract"
	"github.com/loqalabs/loqa-narrator/internal/journal"
	"github.com/loqalabs/loqa-narrator/internal/narrate"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

var version = "0.1.0-dev"

const usage = `usage:
  narrator generate [flags] <chapters_dir> <audio_dir> [voice] [rate]
  narrator extract <input.pdf> <output.txt>
  narrator serve [flags]
  narrator version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(ctx, os.Args[2:])
	case "extract":
		err = runExtract(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "-help", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "narrator:", err)
		os.Exit(1)
	}
}

// generateFlags are the per-run overrides accepted by generate.
type generateFlags struct {
	configPath    string
	voice         string
	rate          string
	maxChunkChars int
	retries       int
	strict        bool
	ttsMode       string
	concatMode    string
	set           map[string]bool
}

func parseGenerate(args []string) (generateFlags, []string, error) {
	var g generateFlags
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.StringVar(&g.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&g.voice, "voice", "", "TTS voice identifier")
	fs.StringVar(&g.rate, "rate", "", "Speech rate as a signed percentage, e.g. -5%")
	fs.IntVar(&g.maxChunkChars, "max-chunk-chars", 0, "Maximum characters per synthesis chunk")
	fs.IntVar(&g.retries, "retries", 0, "Synthesis attempts per fragment before splitting")
	fs.BoolVar(&g.strict, "strict", false, "Fail a chapter when any chunk fails instead of leaving a gap")
	fs.StringVar(&g.ttsMode, "tts", "", "TTS backend: exec, http or mock")
	fs.StringVar(&g.concatMode, "concat", "", "Concatenator: ffmpeg, append or wav")
	if err := fs.Parse(args); err != nil {
		return g, nil, err
	}
	g.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { g.set[f.Name] = true })

	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 4 {
		return g, nil, fmt.Errorf("generate needs <chapters_dir> <audio_dir> [voice] [rate]\n%s", usage)
	}
	return g, rest, nil
}

// apply layers flags and positional arguments over the loaded configuration.
func (g generateFlags) apply(cfg *config.Config, positional []string) {
	cfg.Paths.ChaptersDir = positional[0]
	cfg.Paths.AudioDir = positional[1]
	if len(positional) > 2 {
		cfg.Narration.Voice = positional[2]
	}
	if len(positional) > 3 {
		cfg.Narration.Rate = positional[3]
	}
	if g.set["voice"] {
		cfg.Narration.Voice = g.voice
	}
	if g.set["rate"] {
		cfg.Narration.Rate = g.rate
	}
	if g.set["max-chunk-chars"] {
		cfg.Narration.MaxChunkChars = g.maxChunkChars
	}
	if g.set["retries"] {
		cfg.Narration.Retries = g.retries
	}
	if g.set["strict"] {
		cfg.Narration.Strict = g.strict
	}
	if g.set["tts"] {
		cfg.TTS.Mode = g.ttsMode
	}
	if g.set["concat"] {
		cfg.Concat.Mode = g.concatMode
	}
}

func runGenerate(ctx context.Context, args []string) error {
	g, positional, err := parseGenerate(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	g.apply(&cfg, positional)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Telemetry.LogLevel, os.Stderr, false)
	tel, err := runtime.SetupTelemetry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel, logger)
	runtime.ServeMetrics(ctx, cfg.Telemetry.PrometheusBind, tel.Metrics, logger)

	synth, err := newSynthesizer(cfg.TTS, cfg.Narration.AttemptTimeout())
	if err != nil {
		return err
	}
	concat, err := newConcatenator(cfg, logger)
	if err != nil {
		return err
	}

	opts := narrate.OptionsFromConfig(cfg.Narration)
	pipeline := narrate.NewPipeline(narrate.NewResilient(synth, concat, opts, logger), concat, opts, logger)
	driver := batch.NewDriver(pipeline, batch.Options{
		ChaptersDir:  cfg.Paths.ChaptersDir,
		AudioDir:     cfg.Paths.AudioDir,
		ManifestName: cfg.Paths.ManifestName,
		IndexName:    cfg.Paths.IndexName,
		AudioExt:     cfg.Narration.AudioExt,
		Voice:        cfg.Narration.Voice,
		Rate:         cfg.Narration.Rate,
	}, logger)

	if j, err := journal.Open(ctx, cfg.Journal, logger); err != nil {
		logger.Warn("run journal unavailable", slog.String("error", err.Error()))
	} else {
		defer j.Close()
		driver.WithJournal(j)
	}

	if cfg.Bus.Enabled {
		srv, client := connectBus(ctx, cfg.Bus, logger)
		defer srv.Shutdown()
		if client != nil {
			defer client.Close()
			driver.WithPublisher(client)
		}
	}

	sum, err := driver.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Generated %d of %d chapters in %s\nManifest: %s\n",
		sum.Produced, sum.Attempted, sum.Duration.Round(time.Second), sum.Manifest)
	return nil
}

// connectBus starts the embedded broker when configured and connects to it or
// to the configured servers. Failures leave the run without progress events.
func connectBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*natsserver.EmbeddedServer, *bus.Client) {
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		logger.Warn("embedded NATS unavailable", slog.String("error", err.Error()))
		return nil, nil
	}
	if url := srv.ClientURL(); url != "" {
		cfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Warn("progress events disabled", slog.String("error", err.Error()))
		return srv, nil
	}
	return srv, client
}

// newSynthesizer builds the configured backend. timeout is the same per-attempt
// bound the resilient synthesizer applies through the context.
func newSynthesizer(cfg config.TTSConfig, timeout time.Duration) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return tts.NewExecSynth(cfg.Command, timeout)
	case "http":
		return tts.NewHTTPSynth(cfg.Endpoint, cfg.APIKey, timeout), nil
	case "mock":
		return tts.NewMockSynth(2048), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func newConcatenator(cfg config.Config, logger *slog.Logger) (audio.Concatenator, error) {
	switch cfg.Concat.Mode {
	case "ffmpeg":
		return audio.NewFFmpeg(cfg.Concat.FFmpegPath, cfg.Narration.MinOutputBytes, logger)
	case "append":
		return audio.NewAppend(cfg.Narration.MinOutputBytes), nil
	case "wav":
		return audio.NewWAV(cfg.Narration.MinOutputBytes), nil
	default:
		return nil, fmt.Errorf("unknown concat mode %q", cfg.Concat.Mode)
	}
}

func runExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	level := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("extract needs <input.pdf> <output.txt>\n%s", usage)
	}
	logger := newLogger(*level, os.Stderr, false)
	stats, err := extract.File(ctx, fs.Arg(0), fs.Arg(1), logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Extracted %d words to %s\n", stats.Words, fs.Arg(1))
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	audioDir := fs.String("audio-dir", "", "Directory holding chapter audio")
	port := fs.Int("port", 0, "HTTP port")
	title := fs.String("title", "", "Book title shown by the player")
	author := fs.String("author", "", "Book author shown by the player")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *audioDir != "" {
		cfg.Paths.AudioDir = *audioDir
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *title != "" {
		cfg.Player.Title = *title
	}
	if *author != "" {
		cfg.Player.Author = *author
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Telemetry.LogLevel, os.Stdout, true)
	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func shutdownTelemetry(tel *runtime.Telemetry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func newLogger(level string, w io.Writer, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
