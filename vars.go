package lit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	fileVar        = "file"
	tempfileMarker = "tempfile"
)

// TempAllocator hands out collision-free temporary paths. One allocator is
// shared by every file in a batch; paths are unique across concurrent files.
type TempAllocator struct {
	root    string
	counter atomic.Uint64
}

// NewTempAllocator creates a root directory under dir (os.TempDir when empty)
// in which temporary paths are allocated.
func NewTempAllocator(dir string) (*TempAllocator, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create temp root: %w", err)
		}
	}
	root, err := os.MkdirTemp(dir, "lit-*")
	if err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	return &TempAllocator{root: root}, nil
}

// Root returns the directory holding allocated paths.
func (a *TempAllocator) Root() string { return a.root }

// Allocate returns a new path for name. The file is not created.
func (a *TempAllocator) Allocate(name string) string {
	n := a.counter.Add(1)
	return filepath.Join(a.root, fmt.Sprintf("%s-%d-%s", name, n, uuid.NewString()))
}

// Close removes the allocator's root directory and everything in it.
func (a *TempAllocator) Close() error {
	return os.RemoveAll(a.root)
}

// Scope resolves @name references for one test file execution. A Scope is
// owned by a single file and must not be shared.
type Scope struct {
	file   string
	values map[string]string
	temps  []string
	alloc  *TempAllocator
	logger *zap.Logger
}

// NewScope returns a scope for the test file at path. Constants are bound
// before any resolution takes place.
func NewScope(path string, constants map[string]string, alloc *TempAllocator, logger *zap.Logger) (*Scope, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve test file path: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scope{
		file:   abs,
		values: make(map[string]string, len(constants)),
		alloc:  alloc,
		logger: logger,
	}
	for k, v := range constants {
		s.values[k] = v
	}
	return s, nil
}

// Bind sets name to value. Binding "file" has no effect.
func (s *Scope) Bind(name, value string) {
	s.values[name] = value
}

// Resolve returns the value of name, allocating a temporary path the first
// time a tempfile name is seen.
func (s *Scope) Resolve(name string) (string, error) {
	if name == fileVar {
		return s.file, nil
	}
	if v, ok := s.values[name]; ok {
		return v, nil
	}
	if !strings.Contains(name, tempfileMarker) {
		return "", &UndefinedVariableError{Name: name}
	}
	if s.alloc == nil {
		return "", fmt.Errorf("@%s: no temp allocator configured", name)
	}
	path := s.alloc.Allocate(name)
	s.values[name] = path
	s.temps = append(s.temps, path)
	s.logger.Debug("allocated tempfile", zap.String("name", name), zap.String("path", path))
	return path, nil
}

// Substitute replaces every @identifier in text with its resolved value in a
// single left-to-right pass. Resolved values are not rescanned.
func (s *Scope) Substitute(text string) (string, error) {
	if !strings.Contains(text, "@") {
		return text, nil
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		if c != '@' {
			b.WriteByte(c)
			i++
			continue
		}
		j := i + 1
		for j < len(text) && isIdentByte(text[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			i++
			continue
		}
		name := text[i+1 : j]
		value, err := s.Resolve(name)
		if err != nil {
			return "", err
		}
		s.logger.Debug("resolved variable", zap.String("name", name), zap.String("value", value))
		b.WriteString(value)
		i = j
	}
	return b.String(), nil
}

// TempFiles returns the temporary paths allocated so far, in allocation order.
func (s *Scope) TempFiles() []string {
	return append([]string(nil), s.temps...)
}

// Cleanup removes every temporary path allocated by the scope.
func (s *Scope) Cleanup() {
	for _, p := range s.temps {
		// Tempfiles may never have been created.
		_ = os.RemoveAll(p)
	}
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z') ||
		('0' <= c && c <= '9')
}
