package lit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownCommentSyntax is reported when no comment token is registered
	// for a file's extension. Such files are skipped, not failed.
	ErrUnknownCommentSyntax = errors.New("no comment syntax registered for extension")

	// ErrEmptyDirective is reported for a RUN or CHECK with a whitespace-only body.
	ErrEmptyDirective = errors.New("empty directive")

	// ErrCheckBeforeRun is reported for a CHECK that precedes the first RUN.
	ErrCheckBeforeRun = errors.New("CHECK before any RUN")

	// ErrInvalidCommandLine is reported for a RUN whose substituted command
	// line cannot be split into words, such as one with an unterminated quote.
	ErrInvalidCommandLine = errors.New("invalid command line")

	// ErrCancelled is returned when a run is interrupted because the batch
	// context was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// ParseError describes a malformed directive.
type ParseError struct {
	Line int
	Kind DirectiveKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %v", e.Line, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseErrors collects every ParseError found in one file, in line order.
type ParseErrors []*ParseError

func (errs ParseErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Unwrap lets errors.Is and errors.As see the individual parse errors.
func (errs ParseErrors) Unwrap() []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// UndefinedVariableError is returned when a referenced name is neither a
// builtin, a bound constant, nor a tempfile name.
type UndefinedVariableError struct {
	Name string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable @%s", e.Name)
}

// SpawnError is returned when a RUN command could not be launched or did not
// complete.
type SpawnError struct {
	Executable string
	Reason     string
	Err        error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Executable, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Executable, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CheckNotFoundError is returned when the ordered search for a CHECK's text
// is exhausted in both output streams.
type CheckNotFoundError struct {
	Line     int
	Expected string
	NextLine bool // the search was limited to the line after the previous match
	Stdout   string
	Stderr   string
}

func (e *CheckNotFoundError) Error() string {
	if e.NextLine {
		return fmt.Sprintf("line %d: could not find %q on the line after the previous match", e.Line, e.Expected)
	}
	return fmt.Sprintf("line %d: could not find %q in output", e.Line, e.Expected)
}
