package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/batch"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// audioTypes covers the extensions narration produces. Other extensions fall
// back to the system mime table.
var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

// AudioContentType returns the Content-Type served for a chapter file.
func AudioContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ChapterView is one entry of /api/chapters.
type ChapterView struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Player serves the generated chapters to a browser.
type Player struct {
	audioDir  string
	indexName string
	audioExt  string
	title     string
	author    string
	logger    *slog.Logger
}

// NewPlayer serves chapters from audioDir. audioExt selects the files listed
// when no chapter index exists.
func NewPlayer(audioDir, indexName, audioExt string, cfg config.PlayerConfig, logger *slog.Logger) *Player {
	return &Player{
		audioDir:  audioDir,
		indexName: indexName,
		audioExt:  audioExt,
		title:     cfg.Title,
		author:    cfg.Author,
		logger:    logger.With(slog.String("component", "player")),
	}
}

func (p *Player) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", p.handleIndex)
	mux.HandleFunc("GET /index.html", p.handleIndex)
	mux.HandleFunc("GET /api/chapters", p.handleChapters)
	mux.HandleFunc("GET /audio/{file}", p.handleAudio)
	mux.HandleFunc("GET /download-all", p.handleDownloadAll)
}

// Chapters reads the chapter index written by generate. Without one, every
// file with the configured audio extension is listed in name order.
func (p *Player) Chapters() ([]batch.IndexEntry, error) {
	if p.indexName != "" {
		entries, err := batch.ReadIndex(filepath.Join(p.audioDir, p.indexName))
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("chapter index unreadable, discovering files", slog.String("error", err.Error()))
		}
	}

	dirEntries, err := os.ReadDir(p.audioDir)
	if err != nil {
		return nil, fmt.Errorf("read audio dir: %w", err)
	}
	var files []string
	for _, e := range dirEntries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), p.audioExt) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	entries := make([]batch.IndexEntry, len(files))
	for i, f := range files {
		entries[i] = batch.IndexEntry{File: f, Title: fmt.Sprintf("Chapter %d", i+1)}
	}
	return entries, nil
}

func (p *Player) views() ([]ChapterView, error) {
	entries, err := p.Chapters()
	if err != nil {
		return nil, err
	}
	views := make([]ChapterView, len(entries))
	for i, e := range entries {
		views[i] = ChapterView{ID: i, Title: e.Title, URL: "/audio/" + e.File}
	}
	return views, nil
}

var pageTemplate = template.Must(template.New("player").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Author}}</p>
<p><a href="/download-all">Download all</a></p>
<ol>
{{- range .Chapters}}
<li><h2>{{.Title}}</h2><audio controls preload="none" src="{{.URL}}"></audio></li>
{{- end}}
</ol>
</body>
</html>
`))

func (p *Player) handleIndex(w http.ResponseWriter, _ *http.Request) {
	views, err := p.views()
	if err != nil {
		p.logger.Error("list chapters failed", slog.String("error", err.Error()))
		views = nil
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title, Author string
		Chapters      []ChapterView
	}{p.title, p.author, views}
	if err := pageTemplate.Execute(w, data); err != nil {
		p.logger.Error("render player page failed", slog.String("error", err.Error()))
	}
}

func (p *Player) handleChapters(w http.ResponseWriter, _ *http.Request) {
	views, err := p.views()
	if err != nil {
		p.logger.Error("list chapters failed", slog.String("error", err.Error()))
		http.Error(w, "chapters unavailable", http.StatusInternalServerError)
		return
	}
	if views == nil {
		views = []ChapterView{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// handleAudio serves one chapter file. Only the base name of the request is
// used, so paths cannot escape the audio dir. Range requests are honoured.
func (p *Player) handleAudio(w http.ResponseWriter, req *http.Request) {
	name := filepath.Base(req.PathValue("file"))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		http.NotFound(w, req)
		return
	}
	f, err := os.Open(filepath.Join(p.audioDir, name))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", AudioContentType(name))
	http.ServeContent(w, req, name, info.ModTime(), f)
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9 _-]`)
var whitespace = regexp.MustCompile(`\s+`)

// DownloadName builds the attachment name for /download-all from the title
// and the chapter audio extension.
func DownloadName(title, ext string) string {
	safe := whitespace.ReplaceAllString(unsafeNameChars.ReplaceAllString(title, ""), "_")
	return safe + "_Audiobook" + ext
}

// handleDownloadAll streams every existing chapter file back to back.
func (p *Player) handleDownloadAll(w http.ResponseWriter, req *http.Request) {
	entries, err := p.Chapters()
	if err != nil {
		http.Error(w, "chapters unavailable", http.StatusInternalServerError)
		return
	}

	var files []string
	var total int64
	for _, e := range entries {
		path := filepath.Join(p.audioDir, filepath.Base(e.File))
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
		total += info.Size()
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", fmt.Sprint(total))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadName(p.title, p.audioExt)))
	w.WriteHeader(http.StatusOK)

	for _, path := range files {
		if err := req.Context().Err(); err != nil {
			return
		}
		if err := copyFile(w, path); err != nil {
			// Headers are gone; the client sees a short body.
			p.logger.Warn("download-all aborted", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
			return
		}
	}
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
