package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Paths       PathsConfig     `yaml:"paths"`
	Narration   NarrationConfig `yaml:"narration"`
	TTS         TTSConfig       `yaml:"tts"`
	Concat      ConcatConfig    `yaml:"concat"`
	HTTP        HTTPConfig      `yaml:"http"`
	Player      PlayerConfig    `yaml:"player"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
}

type PathsConfig struct {
	ChaptersDir  string `yaml:"chapters_dir"`
	AudioDir     string `yaml:"audio_dir"`
	ManifestName string `yaml:"manifest_name"`
	IndexName    string `yaml:"index_name"`
}

// NarrationConfig holds the chunking, retry and resumability knobs.
type NarrationConfig struct {
	Voice            string `yaml:"voice"`
	Rate             string `yaml:"rate"`
	MaxChunkChars    int    `yaml:"max_chunk_chars"`
	Retries          int    `yaml:"retries"`
	RetryDelayMS     int    `yaml:"retry_delay_ms"`
	MinSplitChars    int    `yaml:"min_split_chars"`
	MaxSplitDepth    int    `yaml:"max_split_depth"`
	ChunkPacingMS    int    `yaml:"chunk_pacing_ms"`
	AttemptTimeoutMS int    `yaml:"attempt_timeout_ms"`
	MinExistingBytes int64  `yaml:"min_existing_bytes"`
	MinOutputBytes   int64  `yaml:"min_output_bytes"`
	Strict           bool   `yaml:"strict"`
	AudioExt         string `yaml:"audio_ext"`
}

func (n NarrationConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelayMS) * time.Millisecond
}

func (n NarrationConfig) ChunkPacing() time.Duration {
	return time.Duration(n.ChunkPacingMS) * time.Millisecond
}

func (n NarrationConfig) AttemptTimeout() time.Duration {
	return time.Duration(n.AttemptTimeoutMS) * time.Millisecond
}

// TTSConfig selects the synthesis backend. Each call is bounded by
// narration.attempt_timeout_ms.
type TTSConfig struct {
	Mode     string `yaml:"mode"` // exec, http, mock
	Command  string `yaml:"command"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

type ConcatConfig struct {
	Mode       string `yaml:"mode"` // ffmpeg, append, wav
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type PlayerConfig struct {
	Title  string `yaml:"title"`
	Author string `yaml:"author"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DefaultTTSCommand drives the edge-tts CLI. Placeholders are substituted per argument.
const DefaultTTSCommand = "edge-tts --voice {voice} --rate={rate} --file {text_file} --write-media {output}"

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		Paths: PathsConfig{
			ChaptersDir:  "./chapters",
			AudioDir:     "./audio",
			ManifestName: "manifest.txt",
			IndexName:    "chapters.json",
		},
		Narration: NarrationConfig{
			Voice:            "en-US-GuyNeural",
			Rate:             "-5%",
			MaxChunkChars:    20000,
			Retries:          3,
			RetryDelayMS:     2000,
			MinSplitChars:    5000,
			MaxSplitDepth:    16,
			ChunkPacingMS:    500,
			AttemptTimeoutMS: 300000,
			MinExistingBytes: 1000,
			MinOutputBytes:   100,
			AudioExt:         ".mp3",
		},
		TTS: TTSConfig{
			Mode:    "exec",
			Command: DefaultTTSCommand,
		},
		Concat: ConcatConfig{
			Mode: "ffmpeg",
		},
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Player: PlayerConfig{
			Title:  "Audiobook",
			Author: "Unknown",
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "none",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "narrator",
		},
		Journal: JournalConfig{
			Path:          "./data/narrator-journal.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxRuns:       500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_ENVIRONMENT")
	overrideString(&cfg.Paths.ChaptersDir, "NARRATOR_CHAPTERS_DIR")
	overrideString(&cfg.Paths.AudioDir, "NARRATOR_AUDIO_DIR")
	overrideString(&cfg.Paths.ManifestName, "NARRATOR_MANIFEST_NAME")
	overrideString(&cfg.Paths.IndexName, "NARRATOR_INDEX_NAME")
	overrideString(&cfg.Narration.Voice, "NARRATOR_VOICE")
	overrideString(&cfg.Narration.Rate, "NARRATOR_RATE")
	overrideInt(&cfg.Narration.MaxChunkChars, "NARRATOR_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Narration.Retries, "NARRATOR_RETRIES")
	overrideInt(&cfg.Narration.RetryDelayMS, "NARRATOR_RETRY_DELAY_MS")
	overrideInt(&cfg.Narration.MinSplitChars, "NARRATOR_MIN_SPLIT_CHARS")
	overrideInt(&cfg.Narration.MaxSplitDepth, "NARRATOR_MAX_SPLIT_DEPTH")
	overrideInt(&cfg.Narration.ChunkPacingMS, "NARRATOR_CHUNK_PACING_MS")
	overrideInt(&cfg.Narration.AttemptTimeoutMS, "NARRATOR_ATTEMPT_TIMEOUT_MS")
	overrideInt64(&cfg.Narration.MinExistingBytes, "NARRATOR_MIN_EXISTING_BYTES")
	overrideInt64(&cfg.Narration.MinOutputBytes, "NARRATOR_MIN_OUTPUT_BYTES")
	overrideBool(&cfg.Narration.Strict, "NARRATOR_STRICT")
	overrideString(&cfg.Narration.AudioExt, "NARRATOR_AUDIO_EXT")
	overrideString(&cfg.TTS.Mode, "NARRATOR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "NARRATOR_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "NARRATOR_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "NARRATOR_TTS_API_KEY")
	overrideString(&cfg.Concat.Mode, "NARRATOR_CONCAT_MODE")
	overrideString(&cfg.Concat.FFmpegPath, "NARRATOR_FFMPEG_PATH")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Player.Title, "NARRATOR_PLAYER_TITLE")
	overrideString(&cfg.Player.Author, "NARRATOR_PLAYER_AUTHOR")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "NARRATOR_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "NARRATOR_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Journal.Path, "NARRATOR_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "NARRATOR_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "NARRATOR_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "NARRATOR_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "NARRATOR_JOURNAL_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate checks the configuration after file, env and flag overrides have been applied.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Paths.ManifestName == "" {
		return errors.New("paths.manifest_name must not be empty")
	}
	if cfg.Paths.IndexName == "" {
		return errors.New("paths.index_name must not be empty")
	}

	n := cfg.Narration
	if strings.TrimSpace(n.Voice) == "" {
		return errors.New("narration.voice must not be empty")
	}
	if !validRate(n.Rate) {
		return fmt.Errorf("narration.rate %q must be a signed percentage like +0%% or -5%%", n.Rate)
	}
	if n.MaxChunkChars <= 0 {
		return errors.New("narration.max_chunk_chars must be positive")
	}
	if n.Retries <= 0 {
		return errors.New("narration.retries must be >= 1")
	}
	if n.RetryDelayMS < 0 || n.ChunkPacingMS < 0 || n.AttemptTimeoutMS < 0 {
		return errors.New("narration delays and timeouts must be >= 0")
	}
	if n.MinSplitChars <= 0 {
		return errors.New("narration.min_split_chars must be positive")
	}
	if n.MaxSplitDepth <= 0 {
		return errors.New("narration.max_split_depth must be positive")
	}
	if n.MinExistingBytes < 0 || n.MinOutputBytes < 0 {
		return errors.New("narration size floors must be >= 0")
	}
	if !strings.HasPrefix(n.AudioExt, ".") || n.AudioExt == ".txt" {
		return errors.New("narration.audio_ext must start with a dot and differ from .txt")
	}

	switch cfg.TTS.Mode {
	case "exec":
		if strings.TrimSpace(cfg.TTS.Command) == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	case "http":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
	case "mock":
	default:
		return errors.New("tts.mode must be one of exec|http|mock")
	}

	switch cfg.Concat.Mode {
	case "ffmpeg", "append", "wav":
	default:
		return errors.New("concat.mode must be one of ffmpeg|append|wav")
	}

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}

	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}

	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 || cfg.Journal.MaxRuns < 0 {
		return errors.New("journal retention limits must be >= 0")
	}
	return nil
}

// validRate accepts edge-tts style signed percentages such as "+10%" or "-5%".
func validRate(rate string) bool {
	if len(rate) < 3 || !strings.HasSuffix(rate, "%") {
		return false
	}
	if rate[0] != '+' && rate[0] != '-' {
		return false
	}
	for _, r := range rate[1 : len(rate)-1] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
