package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newServer(t *testing.T, audioDir string) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.AudioDir = audioDir
	cfg.Player.Title = "The Long Book: Part 1"
	cfg.Player.Author = "A. Writer"
	rt := New(cfg, newLogger())
	srv := httptest.NewServer(rt.Handler(nil))
	t.Cleanup(srv.Close)
	return rt, srv
}

func writeAudio(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := newServer(t, t.TempDir())
	if resp, body := get(t, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	if resp, _ := get(t, srv.URL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", resp.StatusCode)
	}
	rt.ready.Store(true)
	if resp, _ := get(t, srv.URL+"/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
}

func TestChaptersFromIndex(t *testing.T) {
	dir := t.TempDir()
	if err := batch.WriteIndex(filepath.Join(dir, "chapters.json"), []batch.IndexEntry{
		{File: "001.mp3", Title: "Chapter 1"},
		{File: "003.mp3", Title: "Chapter 3"},
	}); err != nil {
		t.Fatal(err)
	}
	_, srv := newServer(t, dir)

	resp, body := get(t, srv.URL+"/api/chapters", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var views []ChapterView
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[1].ID != 1 || views[1].URL != "/audio/003.mp3" || views[1].Title != "Chapter 3" {
		t.Fatalf("unexpected chapters %+v", views)
	}
}

func TestChaptersDiscoveredWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, map[string]string{"002.mp3": "b", "001.mp3": "a", "manifest.txt": "x"})
	_, srv := newServer(t, dir)

	_, body := get(t, srv.URL+"/api/chapters", nil)
	var views []ChapterView
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].URL != "/audio/001.mp3" || views[1].Title != "Chapter 2" {
		t.Fatalf("unexpected chapters %+v", views)
	}
}

func TestAudioRangeRequest(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, map[string]string{"001.mp3": "0123456789"})
	_, srv := newServer(t, dir)

	resp, body := get(t, srv.URL+"/audio/001.mp3", map[string]string{"Range": "bytes=2-5"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if body != "2345" {
		t.Fatalf("unexpected range body %q", body)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 2-5/10" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("unexpected Content-Type %q", got)
	}

	resp, body = get(t, srv.URL+"/audio/001.mp3", nil)
	if resp.StatusCode != http.StatusOK || body != "0123456789" || resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatalf("full request: %d %q %v", resp.StatusCode, body, resp.Header)
	}
}

func TestAudioFollowsConfiguredExtension(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, map[string]string{"002.wav": "RIFFb", "001.wav": "RIFFa", "003.mp3": "ID3"})
	cfg := config.Default()
	cfg.Paths.AudioDir = dir
	cfg.Narration.AudioExt = ".wav"
	cfg.Player.Title = "Short Stories"
	srv := httptest.NewServer(New(cfg, newLogger()).Handler(nil))
	t.Cleanup(srv.Close)

	_, body := get(t, srv.URL+"/api/chapters", nil)
	var views []ChapterView
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].URL != "/audio/001.wav" || views[1].URL != "/audio/002.wav" {
		t.Fatalf("expected only wav chapters, got %+v", views)
	}

	resp, _ := get(t, srv.URL+"/audio/001.wav", nil)
	if got := resp.Header.Get("Content-Type"); got != "audio/wav" {
		t.Fatalf("unexpected Content-Type %q", got)
	}
	resp, _ = get(t, srv.URL+"/download-all", nil)
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="Short_Stories_Audiobook.wav"` {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
}

func TestAudioContentType(t *testing.T) {
	cases := map[string]string{"001.mp3": "audio/mpeg", "001.WAV": "audio/wav", "001.flac": "audio/flac", "001": "application/octet-stream"}
	for name, want := range cases {
		if got := AudioContentType(name); got != want {
			t.Fatalf("AudioContentType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestAudioMissingAndTraversal(t *testing.T) {
	root := t.TempDir()
	audioDir := filepath.Join(root, "audio")
	if err := os.Mkdir(audioDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeAudio(t, root, map[string]string{"secret.mp3": "nope"})
	_, srv := newServer(t, audioDir)

	if resp, _ := get(t, srv.URL+"/audio/missing.mp3", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp, body := get(t, srv.URL+"/audio/..%2Fsecret.mp3", nil); resp.StatusCode != http.StatusNotFound || strings.Contains(body, "nope") {
		t.Fatalf("expected traversal to be refused, got %d %q", resp.StatusCode, body)
	}
}

func TestDownloadAllConcatenatesChapters(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, map[string]string{"001.mp3": "AAA", "002.mp3": "BB"})
	if err := batch.WriteIndex(filepath.Join(dir, "chapters.json"), []batch.IndexEntry{
		{File: "001.mp3", Title: "Chapter 1"},
		{File: "missing.mp3", Title: "Chapter 2"},
		{File: "002.mp3", Title: "Chapter 3"},
	}); err != nil {
		t.Fatal(err)
	}
	_, srv := newServer(t, dir)

	resp, body := get(t, srv.URL+"/download-all", nil)
	if resp.StatusCode != http.StatusOK || body != "AAABB" {
		t.Fatalf("unexpected download: %d %q", resp.StatusCode, body)
	}
	if resp.ContentLength != 5 {
		t.Fatalf("expected Content-Length 5, got %d", resp.ContentLength)
	}
	want := `attachment; filename="The_Long_Book_Part_1_Audiobook.mp3"`
	if got := resp.Header.Get("Content-Disposition"); got != want {
		t.Fatalf("Content-Disposition = %q, want %q", got, want)
	}
}

func TestIndexPageListsChapters(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, map[string]string{"001.mp3": "a"})
	_, srv := newServer(t, dir)

	resp, body := get(t, srv.URL+"/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	for _, want := range []string{"The Long Book: Part 1", "A. Writer", `src="/audio/001.mp3"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("page missing %q:\n%s", want, body)
		}
	}
	if resp, _ := get(t, srv.URL+"/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, srv := newServer(t, t.TempDir())
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/audio/001.mp3", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" || resp.Header.Get("Access-Control-Allow-Headers") != "Range" {
		t.Fatalf("missing CORS headers: %v", resp.Header)
	}
}

func TestSetupTelemetryExposesMetrics(t *testing.T) {
	cfg := config.Default()
	tel, err := SetupTelemetry(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	if tel.Metrics == nil {
		t.Fatal("expected metrics handler")
	}
	rec := httptest.NewRecorder()
	tel.Metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}
