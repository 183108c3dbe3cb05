package ingest

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns selects the raster formats the embedding client accepts.
var DefaultPatterns = []string{"**/*.{jpg,jpeg,png,gif,webp}"}

// Walker lists corpus files whose path relative to the root matches one of
// the patterns. Matching ignores case.
type Walker struct {
	patterns []string
}

// NewWalker creates a walker. No patterns means DefaultPatterns.
func NewWalker(patterns []string) *Walker {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	lower := make([]string, len(patterns))
	for i, p := range patterns {
		lower[i] = strings.ToLower(filepath.ToSlash(p))
	}
	return &Walker{patterns: lower}
}

// Walk returns the matching files under root, sorted by path. Hidden
// directories are skipped.
func (w *Walker) Walk(root string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if w.Match(rel) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Match reports whether a root-relative path is selected.
func (w *Walker) Match(rel string) bool {
	rel = strings.ToLower(filepath.ToSlash(rel))
	for _, pattern := range w.patterns {
		matched, err := doublestar.Match(pattern, rel)
		if err == nil && matched {
			return true
		}
	}
	return false
}
