package lit

import (
	"errors"
	"time"
)

// Status is the terminal outcome of one test file.
type Status int

const (
	StatusPass Status = iota
	StatusFail
	StatusSkip
	StatusCancelled
	StatusExpectedFailure // failed a check in a file marked XFAIL
	StatusUnexpectedPass  // passed in a file marked XFAIL
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusFail:
		return "FAIL"
	case StatusSkip:
		return "SKIP"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpectedFailure:
		return "XFAIL"
	case StatusUnexpectedPass:
		return "XPASS"
	default:
		return "UNKNOWN"
	}
}

// MarshalYAML renders the status by name.
func (s Status) MarshalYAML() (any, error) { return s.String(), nil }

// DiagnosticKind classifies a failure.
type DiagnosticKind string

const (
	DiagParseError        DiagnosticKind = "parse-error"
	DiagUndefinedVariable DiagnosticKind = "undefined-variable"
	DiagSpawnFailure      DiagnosticKind = "spawn-failure"
	DiagCheckNotFound     DiagnosticKind = "check-not-found"
	DiagReadError         DiagnosticKind = "read-error"
	DiagSetupError        DiagnosticKind = "setup-error"
	DiagCancelled         DiagnosticKind = "cancelled"
	DiagUnexpectedPass    DiagnosticKind = "unexpected-pass"
)

// Diagnostic carries everything needed to report a failure without running
// the test again.
type Diagnostic struct {
	Kind        DiagnosticKind `yaml:"kind"`
	Line        int            `yaml:"line,omitempty"`
	Message     string         `yaml:"message"`
	CommandLine string         `yaml:"command,omitempty"`
	Expected    string         `yaml:"expected,omitempty"`
	Stdout      string         `yaml:"stdout,omitempty"`
	Stderr      string         `yaml:"stderr,omitempty"`
	Err         error          `yaml:"-"`
}

// diagnose converts an engine error into a Diagnostic. line is the directive
// being processed when err occurred.
func diagnose(err error, line int) Diagnostic {
	d := Diagnostic{Line: line, Message: err.Error(), Err: err}

	var (
		parseErr    *ParseError
		undefined   *UndefinedVariableError
		spawnErr    *SpawnError
		notFoundErr *CheckNotFoundError
	)
	switch {
	case errors.As(err, &notFoundErr):
		d.Kind = DiagCheckNotFound
		d.Line = notFoundErr.Line
		d.Expected = notFoundErr.Expected
		d.Stdout = notFoundErr.Stdout
		d.Stderr = notFoundErr.Stderr
	case errors.As(err, &undefined):
		d.Kind = DiagUndefinedVariable
	case errors.As(err, &spawnErr):
		d.Kind = DiagSpawnFailure
	case errors.As(err, &parseErr):
		d.Kind = DiagParseError
		d.Line = parseErr.Line
	case errors.Is(err, ErrCancelled):
		d.Kind = DiagCancelled
	default:
		d.Kind = DiagReadError
	}
	return d
}

// FileResult is the outcome of running one test file.
type FileResult struct {
	Path        string         `yaml:"path"`
	Status      Status         `yaml:"status"`
	Reason      string         `yaml:"reason,omitempty"`
	Diagnostics []Diagnostic   `yaml:"diagnostics,omitempty"`
	Runs        []RunRecord    `yaml:"runs,omitempty"`
	Checks      []CheckOutcome `yaml:"checks,omitempty"`
	Duration    time.Duration  `yaml:"duration"`
}

// Failed reports whether the file failed, counting an unexpected pass.
func (r *FileResult) Failed() bool {
	return r.Status == StatusFail || r.Status == StatusUnexpectedPass
}

// expectFailure applies an XFAIL marker found on line. A check miss becomes
// an expected failure and a pass becomes an unexpected one. Failures that
// mean the test itself is broken are left alone.
func (r *FileResult) expectFailure(line int) {
	switch r.Status {
	case StatusPass:
		r.Status = StatusUnexpectedPass
		r.Diagnostics = append(r.Diagnostics, Diagnostic{
			Kind:    DiagUnexpectedPass,
			Line:    line,
			Message: "every check passed but the file is marked XFAIL",
		})
	case StatusFail:
		if n := len(r.Diagnostics); n > 0 && r.Diagnostics[n-1].Kind == DiagCheckNotFound {
			r.Status = StatusExpectedFailure
		}
	}
}

// Results aggregates the outcome of a batch.
type Results struct {
	Files            []FileResult `yaml:"files"`
	NotRun           []string     `yaml:"not_run,omitempty"`
	Passed           int          `yaml:"passed"`
	Failed           int          `yaml:"failed"`
	Skipped          int          `yaml:"skipped"`
	Cancelled        int          `yaml:"cancelled"`
	ExpectedFailures int          `yaml:"expected_failures,omitempty"`
	UnexpectedPasses int          `yaml:"unexpected_passes,omitempty"`
}

func (r *Results) add(fr FileResult) {
	r.Files = append(r.Files, fr)
	switch fr.Status {
	case StatusPass:
		r.Passed++
	case StatusFail:
		r.Failed++
	case StatusSkip:
		r.Skipped++
	case StatusCancelled:
		r.Cancelled++
	case StatusExpectedFailure:
		r.ExpectedFailures++
	case StatusUnexpectedPass:
		r.UnexpectedPasses++
	}
}

// Total returns the number of files that produced a result.
func (r *Results) Total() int { return len(r.Files) }

// Successful reports whether no file failed, passed unexpectedly or was
// cancelled, and every file was started.
func (r *Results) Successful() bool {
	return r.Failed == 0 && r.UnexpectedPasses == 0 && r.Cancelled == 0 && len(r.NotRun) == 0
}
