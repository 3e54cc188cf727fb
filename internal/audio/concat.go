// Package audio joins ordered audio fragments into a single file.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Concatenator joins inputs, in order, into output.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, output string) error
}

// MergeError reports a concatenation that did not yield a usable output file.
type MergeError struct {
	Output   string
	Inputs   int
	ExitCode int
	Stderr   string
	Err      error
}

func (e *MergeError) Error() string {
	msg := fmt.Sprintf("merge %d fragments into %s", e.Inputs, filepath.Base(e.Output))
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s: exit status %d", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *MergeError) Unwrap() error { return e.Err }

// Valid reports whether path exists as a regular file larger than minBytes.
func Valid(path string, minBytes int64) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() > minBytes
}

// ListPath returns the concat list file used when merging into output.
func ListPath(output, suffix string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + suffix + ".txt"
}

// WriteList writes an ffmpeg concat-demuxer list naming inputs in order.
func WriteList(path string, inputs []string) error {
	var buf bytes.Buffer
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		// concat demuxer quoting: close the quote, escape the apostrophe, reopen.
		fmt.Fprintf(&buf, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// FFmpeg concatenates with the ffmpeg concat demuxer and stream copy.
type FFmpeg struct {
	path     string
	logger   *slog.Logger
	minBytes int64
}

// NewFFmpeg locates ffmpeg (ffmpegPath, or $PATH when empty).
func NewFFmpeg(ffmpegPath string, minBytes int64, logger *slog.Logger) (*FFmpeg, error) {
	if ffmpegPath == "" {
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		ffmpegPath = path
	}
	logger.Debug("using ffmpeg", slog.String("path", ffmpegPath))
	return &FFmpeg{path: ffmpegPath, logger: logger, minBytes: minBytes}, nil
}

func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return &MergeError{Output: output, Err: errors.New("no inputs")}
	}
	listFile := ListPath(output, "_concat")
	if err := WriteList(listFile, inputs); err != nil {
		return &MergeError{Output: output, Inputs: len(inputs), Err: fmt.Errorf("write list file: %w", err)}
	}
	defer os.Remove(listFile)

	cmd := exec.CommandContext(ctx, f.path,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy", output)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil || !Valid(output, f.minBytes) {
		mergeErr := &MergeError{Output: output, Inputs: len(inputs), Stderr: lastLines(stderr.String(), 5), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			mergeErr.ExitCode = exitErr.ExitCode()
		}
		if mergeErr.Err == nil {
			mergeErr.Err = errors.New("output missing or too small")
		}
		_ = os.Remove(output)
		return mergeErr
	}
	return nil
}

// Append concatenates by copying input bytes back to back. Frame-based formats
// such as MPEG audio tolerate this; it needs no external tool.
type Append struct {
	minBytes int64
}

func NewAppend(minBytes int64) *Append {
	return &Append{minBytes: minBytes}
}

func (a *Append) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return &MergeError{Output: output, Err: errors.New("no inputs")}
	}
	tmp := output + ".part"
	if err := appendFiles(ctx, inputs, tmp); err != nil {
		_ = os.Remove(tmp)
		return &MergeError{Output: output, Inputs: len(inputs), Err: err}
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return &MergeError{Output: output, Inputs: len(inputs), Err: err}
	}
	if !Valid(output, a.minBytes) {
		_ = os.Remove(output)
		return &MergeError{Output: output, Inputs: len(inputs), Err: errors.New("output missing or too small")}
	}
	return nil
}

func appendFiles(ctx context.Context, inputs []string, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		src, err := os.Open(in)
		if err != nil {
			out.Close()
			return err
		}
		_, err = io.Copy(out, src)
		src.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
