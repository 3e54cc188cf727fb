package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

const chapterExt = ".txt"

// Chapter is one discovered chapter text file.
type Chapter struct {
	Path    string
	Name    string // basename without extension, e.g. "007"
	Ordinal int
}

// Discover lists chapter files in dir: names starting with a digit and ending
// in .txt, excluding anything named like a manifest, ordered by their leading
// number.
func Discover(dir string) ([]Chapter, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read chapters dir: %w", err)
	}

	var chapters []Chapter
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chapterExt) || strings.Contains(name, "manifest") {
			continue
		}
		ordinal, ok := leadingNumber(name)
		if !ok {
			continue
		}
		chapters = append(chapters, Chapter{
			Path:    filepath.Join(dir, name),
			Name:    strings.TrimSuffix(name, chapterExt),
			Ordinal: ordinal,
		})
	}

	sort.SliceStable(chapters, func(i, j int) bool {
		if chapters[i].Ordinal != chapters[j].Ordinal {
			return chapters[i].Ordinal < chapters[j].Ordinal
		}
		return chapters[i].Name < chapters[j].Name
	})
	return chapters, nil
}

func leadingNumber(name string) (int, bool) {
	end := strings.IndexFunc(name, func(r rune) bool { return !unicode.IsDigit(r) })
	if end == 0 {
		return 0, false
	}
	if end < 0 {
		end = len(name)
	}
	n, err := strconv.Atoi(name[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
