package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IndexEntry is one chapter in chapters.json, read by the player.
type IndexEntry struct {
	File  string `json:"file"`
	Title string `json:"title"`
}

// WriteManifest replaces path with one audio path per line, in the given order.
func WriteManifest(path string, outputs []string) error {
	var b strings.Builder
	for _, o := range outputs {
		b.WriteString(o)
		b.WriteByte('\n')
	}
	return writeAtomic(path, []byte(b.String()))
}

// ReadManifest returns the paths listed in a manifest, skipping blank lines.
func ReadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// WriteIndex atomically writes the chapters.json list read by the player.
func WriteIndex(path string, entries []IndexEntry) error {
	if entries == nil {
		entries = []IndexEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chapter index: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// ReadIndex loads a chapter index written by WriteIndex.
func ReadIndex(path string) ([]IndexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode chapter index: %w", err)
	}
	return entries, nil
}

func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
