package lit

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// CommentSyntax maps a file extension to the token that starts a comment line
// in files of that type.
type CommentSyntax interface {
	Lookup(ext string) (token string, ok bool)
}

// Syntaxes is a CommentSyntax backed by a map from extension (without the
// leading dot) to comment token.
type Syntaxes map[string]string

// DefaultSyntaxes returns the comment tokens registered out of the box.
func DefaultSyntaxes() Syntaxes {
	return Syntaxes{
		"c":    "//",
		"cc":   "//",
		"cpp":  "//",
		"h":    "//",
		"hpp":  "//",
		"go":   "//",
		"rs":   "//",
		"js":   "//",
		"ts":   "//",
		"java": "//",
		"ll":   ";",
		"s":    ";",
		"sh":   "#",
		"py":   "#",
		"rb":   "#",
		"toml": "#",
		"yaml": "#",
		"yml":  "#",
		"txt":  "#",
		"sql":  "--",
		"lua":  "--",
		"hs":   "--",
	}
}

// Lookup implements CommentSyntax.
func (s Syntaxes) Lookup(ext string) (string, bool) {
	token, ok := s[normalizeExt(ext)]
	return token, ok && token != ""
}

// Set registers token for ext. The extension may carry a leading dot.
func (s Syntaxes) Set(ext, token string) {
	s[normalizeExt(ext)] = token
}

// Merge copies every entry of other into s, overriding existing ones.
func (s Syntaxes) Merge(other map[string]string) {
	for ext, token := range other {
		s.Set(ext, token)
	}
}

// Extensions returns the registered extensions, sorted.
func (s Syntaxes) Extensions() []string {
	exts := make([]string, 0, len(s))
	for ext := range s {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// ParseSyntax parses an "EXT=TOKEN" assignment.
func ParseSyntax(assignment string) (ext, token string, err error) {
	ext, token, ok := strings.Cut(assignment, "=")
	ext = normalizeExt(strings.TrimSpace(ext))
	token = strings.TrimSpace(token)
	if !ok || ext == "" || token == "" {
		return "", "", fmt.Errorf("invalid comment syntax %q: want EXT=TOKEN", assignment)
	}
	return ext, token, nil
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(ext, ".")
}

// lookupPath resolves the comment token for a file path.
func lookupPath(syntax CommentSyntax, path string) (string, bool) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", false
	}
	return syntax.Lookup(ext)
}
