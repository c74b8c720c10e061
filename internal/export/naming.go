package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxArtifactBase bounds the stem of generated artifact names, in runes.
const MaxArtifactBase = 80

// ArtifactBaseName turns a project name into a portable file name stem.
// Whitespace becomes '_' and runes outside letters, digits and "-_.,()"
// are replaced. When name leaves nothing usable, fallback is tried, then
// "export".
func ArtifactBaseName(name, fallback string) string {
	for _, s := range []string{name, fallback} {
		if base := portableStem(s); base != "" {
			return base
		}
	}
	return "export"
}

func portableStem(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if n == MaxArtifactBase {
			break
		}
		switch {
		case unicode.IsControl(r):
			continue
		case unicode.IsSpace(r), !portableRune(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
		n++
	}
	stem := b.String()
	if strings.Trim(stem, "._") == "" {
		return ""
	}
	return stem
}

func portableRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.', ',', '(', ')':
		return true
	}
	return false
}

// CheckPathSegment rejects s unless it can be used verbatim as a single
// element below an output directory.
func CheckPathSegment(s string, maxLen int) error {
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("unsafe path element %q", s)
	}
	if maxLen > 0 && utf8.RuneCountInString(s) > maxLen {
		return fmt.Errorf("path element %q longer than %d characters", s, maxLen)
	}
	for _, r := range s {
		if !portableRune(r) {
			return fmt.Errorf("unsafe path element %q", s)
		}
	}
	return nil
}

// CheckOutputDir requires dir to be a clean path to an existing directory.
func CheckOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("output directory not set")
	}
	if filepath.Clean(dir) != dir || hasParentRef(dir) {
		return fmt.Errorf("output directory %q is not a clean path", dir)
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("output directory %q does not exist", dir)
	case err != nil:
		return fmt.Errorf("output directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("output directory %q is a file", dir)
	}
	return nil
}

func hasParentRef(dir string) bool {
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
