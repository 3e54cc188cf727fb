package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Placeholders recognised in an exec command template.
const (
	PlaceholderVoice    = "{voice}"
	PlaceholderRate     = "{rate}"
	PlaceholderText     = "{text}"
	PlaceholderTextFile = "{text_file}"
	PlaceholderOutput   = "{output}"
)

type execSynth struct {
	cmd     []string
	timeout time.Duration
}

// NewExecSynth builds a backend that runs an external TTS command per request.
// The text reaches the command through {text}, {text_file} or, when neither
// placeholder is present, stdin. Audio is read from {output} when present,
// otherwise from stdout.
func NewExecSynth(command string, timeout time.Duration) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, timeout: timeout}, nil
}

func (e *execSynth) uses(placeholder string) bool {
	for _, arg := range e.cmd {
		if strings.Contains(arg, placeholder) {
			return true
		}
	}
	return false
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	workDir, err := os.MkdirTemp("", "narrator-tts-*")
	if err != nil {
		return nil, fmt.Errorf("create tts work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	textFile := filepath.Join(workDir, "input.txt")
	outFile := filepath.Join(workDir, "output.audio")
	if e.uses(PlaceholderTextFile) {
		if err := os.WriteFile(textFile, []byte(req.Text), 0o600); err != nil {
			return nil, fmt.Errorf("write tts input: %w", err)
		}
	}

	replacer := strings.NewReplacer(
		PlaceholderVoice, req.Voice,
		PlaceholderRate, req.Rate,
		PlaceholderText, req.Text,
		PlaceholderTextFile, textFile,
		PlaceholderOutput, outFile,
	)
	args := make([]string, len(e.cmd)-1)
	for i, arg := range e.cmd[1:] {
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if !e.uses(PlaceholderText) && !e.uses(PlaceholderTextFile) {
		cmd.Stdin = strings.NewReader(req.Text)
	}

	if err := cmd.Run(); err != nil {
		synthErr := &SynthesisError{Backend: "exec", Detail: strings.TrimSpace(tail(stderr.Bytes(), 512)), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			synthErr.Status = exitErr.ExitCode()
		}
		return nil, synthErr
	}

	audio := stdout.Bytes()
	if e.uses(PlaceholderOutput) {
		audio, err = os.ReadFile(outFile)
		if err != nil {
			return nil, &SynthesisError{Backend: "exec", Err: fmt.Errorf("read tts output: %w", err)}
		}
	}
	if len(audio) == 0 {
		return nil, &SynthesisError{Backend: "exec", Detail: strings.TrimSpace(tail(stderr.Bytes(), 512)), Err: errors.New("no audio produced")}
	}
	return audio, nil
}
