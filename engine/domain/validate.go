package domain

import (
	"fmt"
	"path/filepath"
	"strings"
)

// nameReplacer maps path separators and spaces onto the safe substitute.
var nameReplacer = strings.NewReplacer("/", "_", `\`, "_", " ", "_")

// SanitizeName derives a filesystem-safe id from a character display name.
// Distinct names may collide; the later download wins.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	s := nameReplacer.Replace(name)
	if strings.Trim(s, "._") == "" {
		return ""
	}
	return s
}

// IDFromPath returns the entry id for a corpus file: its stem.
func IDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DocumentFromID returns the human-readable document for an id.
func DocumentFromID(id string) string {
	return strings.ReplaceAll(id, "_", " ")
}

// ValidateEntry checks an entry before it is written to the index.
func ValidateEntry(e Entry, dims int) error {
	if e.ID == "" {
		return fmt.Errorf("validate: entry id is empty")
	}
	if err := CheckDims(e.Vector, dims); err != nil {
		return fmt.Errorf("validate: entry %q: %w", e.ID, err)
	}
	for k, v := range e.Metadata {
		switch v.(type) {
		case string, int, int32, int64, float32, float64:
		default:
			return fmt.Errorf("validate: entry %q: metadata %q has unsupported type %T", e.ID, k, v)
		}
	}
	return nil
}

// ValidateQueryText rejects blank text queries.
func ValidateQueryText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidQuery)
	}
	return nil
}
