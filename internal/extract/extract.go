package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	bannerWidth   = 80
	progressEvery = 20
)

// PageSource yields the plain text of numbered pages, 1-based.
type PageSource interface {
	NumPage() int
	PageText(n int) (string, error)
}

type Stats struct {
	Pages     int
	TextPages int
	Words     int
}

type pdfSource struct {
	r *pdf.Reader
}

func (s pdfSource) NumPage() int { return s.r.NumPage() }

func (s pdfSource) PageText(n int) (string, error) {
	p := s.r.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

// Banner is the separator written before each page's text.
func Banner(page int) string {
	rule := strings.Repeat("=", bannerWidth)
	return fmt.Sprintf("\n%s\nPAGE %d\n%s\n", rule, page, rule)
}

// Render collects every page that has text, each preceded by its banner.
// Pages that fail to decode are logged and skipped.
func Render(ctx context.Context, src PageSource, log *slog.Logger) (string, Stats, error) {
	stats := Stats{Pages: src.NumPage()}
	var parts []string
	for n := 1; n <= stats.Pages; n++ {
		if err := ctx.Err(); err != nil {
			return "", stats, err
		}
		text, err := src.PageText(n)
		if err != nil {
			log.Warn("page text unreadable", slog.Int("page", n), slog.String("error", err.Error()))
		} else if strings.TrimSpace(text) != "" {
			parts = append(parts, Banner(n), text)
			stats.TextPages++
		}
		if n%progressEvery == 0 {
			log.Info("extract progress", slog.Int("processed", n), slog.Int("total", stats.Pages))
		}
	}
	full := strings.Join(parts, "\n")
	stats.Words = len(strings.Fields(full))
	return full, stats, nil
}

// File extracts the text of pdfPath into outPath, creating its directory.
func File(ctx context.Context, pdfPath, outPath string, log *slog.Logger) (Stats, error) {
	log = log.With(slog.String("component", "extract"))
	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return Stats{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	log.Info("extracting text", slog.String("input", pdfPath), slog.Int("pages", r.NumPage()))
	text, stats, err := Render(ctx, pdfSource{r: r}, log)
	if err != nil {
		return stats, err
	}

	if dir := filepath.Dir(outPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stats, fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
		return stats, fmt.Errorf("write text: %w", err)
	}
	log.Info("extracted text", slog.Int("words", stats.Words), slog.String("output", outPath))
	return stats, nil
}
