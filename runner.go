package lit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TestingT is the interface common to *testing.T and *testing.B.
type TestingT interface {
	Skip(args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Log(args ...any)
	Logf(format string, args ...any)
	Failed() bool
	Helper()
}

// Params holds parameters for a test run.
type Params struct {
	// Dir is the directory holding the test files. It is walked recursively
	// by Run and RunStandalone.
	Dir string

	// Syntax resolves the comment token for a file extension.
	// If nil, DefaultSyntaxes is used.
	Syntax CommentSyntax

	// Constants are bound in every file's scope and may be referenced as
	// @NAME from RUN and CHECK directives.
	Constants map[string]string

	// Jobs is the number of files executed concurrently.
	// If zero, runtime.NumCPU() is used.
	Jobs int

	// Timeout limits each RUN. A run that does not complete in time fails
	// the file. Zero means no limit.
	Timeout time.Duration

	// Interrupt is the grace period between interrupting a timed out or
	// cancelled process and killing it.
	Interrupt time.Duration

	// KeepTempFiles disables removal of @tempfile paths after each file.
	KeepTempFiles bool

	// TempRoot is the directory within which tempfile paths are allocated.
	// If empty, they are allocated inside $TMPDIR.
	TempRoot string

	// FailFast stops starting new files after the first failure and
	// cancels files still running.
	FailFast bool

	// Exclude lists files and directories under Dir that are not test files.
	Exclude []string

	// Env is the environment given to RUN commands.
	// If nil, the current process environment is used.
	Env []string

	// Setup is called, if non-nil, before each file runs. It may adjust the
	// environment given to that file's RUN commands.
	Setup func(*Env) error

	// Teardown is called, if non-nil, after each file that Setup succeeded
	// for, whatever its outcome.
	Teardown func(*Env)

	// Spawner starts RUN processes. If nil, an ExecSpawner is used.
	Spawner Spawner

	// Logger receives engine events. If nil, nothing is logged.
	Logger *zap.Logger
}

// An Env holds the environment variables used by one test file's commands.
type Env struct {
	Dir    string // directory holding the test file
	File   string // absolute path of the test file
	Values []string
}

// Getenv retrieves the value of the environment variable named by the key.
func (e *Env) Getenv(key string) string {
	return envValue(e.Values, key)
}

// Setenv sets the value of the environment variable named by the key.
func (e *Env) Setenv(key, value string) {
	entry := key + "=" + value
	for i, kv := range e.Values {
		if k, _, ok := strings.Cut(kv, "="); ok && k == key {
			e.Values[i] = entry
			return
		}
	}
	e.Values = append(e.Values, entry)
}

// TestFile is a test file with its resolved comment token.
type TestFile struct {
	Path  string
	Token string
}

// Execute runs every file and returns the aggregated results, in the order
// the files were given. Files run concurrently, up to p.Jobs at a time. The
// returned error is only non-nil when the batch could not be set up.
func Execute(ctx context.Context, p Params, filenames ...string) (*Results, error) {
	r, err := newRunner(p)
	if err != nil {
		return nil, err
	}
	defer r.close()
	return r.runAll(ctx, filenames), nil
}

type runner struct {
	params  Params
	syntax  CommentSyntax
	alloc   *TempAllocator
	spawner Spawner
	logger  *zap.Logger
}

func newRunner(p Params) (*runner, error) {
	alloc, err := NewTempAllocator(p.TempRoot)
	if err != nil {
		return nil, err
	}
	r := &runner{
		params:  p,
		syntax:  p.Syntax,
		alloc:   alloc,
		spawner: p.Spawner,
		logger:  p.Logger,
	}
	if r.syntax == nil {
		r.syntax = DefaultSyntaxes()
	}
	if r.spawner == nil {
		r.spawner = ExecSpawner{Interrupt: p.Interrupt}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

func (r *runner) close() {
	if r.params.KeepTempFiles {
		r.logger.Info("keeping tempfiles", zap.String("dir", r.alloc.Root()))
		return
	}
	if err := r.alloc.Close(); err != nil {
		r.logger.Warn("remove temp root", zap.Error(err))
	}
}

func (r *runner) jobs() int {
	n := r.params.Jobs
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (r *runner) runAll(ctx context.Context, filenames []string) *Results {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]*FileResult, len(filenames))
	var g errgroup.Group
	g.SetLimit(r.jobs())
	for i, name := range filenames {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fr := r.runFile(ctx, name)
			slots[i] = &fr
			if fr.Failed() && r.params.FailFast {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &Results{}
	for i, fr := range slots {
		if fr == nil {
			res.NotRun = append(res.NotRun, filenames[i])
			continue
		}
		res.add(*fr)
	}
	r.logger.Info("batch finished",
		zap.Int("passed", res.Passed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("cancelled", res.Cancelled),
		zap.Int("expected_failures", res.ExpectedFailures),
		zap.Int("unexpected_passes", res.UnexpectedPasses),
		zap.Int("not_run", len(res.NotRun)),
	)
	return res
}

// runFile executes one test file from directive extraction to verification.
func (r *runner) runFile(ctx context.Context, path string) (fr FileResult) {
	start := time.Now()
	fr.Path = path
	logger := r.logger.With(zap.String("file", path))
	xfail := 0
	defer func() {
		if xfail > 0 {
			fr.expectFailure(xfail)
		}
		fr.Duration = time.Since(start)
		logger.Info("file finished", zap.Stringer("status", fr.Status), zap.Duration("duration", fr.Duration))
	}()

	fail := func(d Diagnostic) FileResult {
		fr.Status = StatusFail
		fr.Diagnostics = append(fr.Diagnostics, d)
		return fr
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fail(Diagnostic{Kind: DiagReadError, Message: err.Error(), Err: err})
	}
	token, ok := lookupPath(r.syntax, path)
	if !ok {
		fr.Status = StatusSkip
		fr.Reason = fmt.Sprintf("%v %q", ErrUnknownCommentSyntax, filepath.Ext(path))
		return fr
	}
	tf := TestFile{Path: abs, Token: token}

	data, err := os.ReadFile(tf.Path)
	if err != nil {
		return fail(Diagnostic{Kind: DiagReadError, Message: err.Error(), Err: err})
	}
	directives, parseErr := ParseDirectives(string(data), tf.Token)
	groups, groupErr := GroupRuns(directives)
	if parseErr != nil || groupErr != nil {
		fr.Status = StatusFail
		fr.Diagnostics = parseDiagnostics(parseErr, groupErr)
		return fr
	}
	xfail = ExpectedFailureLine(directives)
	if len(groups) == 0 {
		logger.Debug("no RUN directives")
		fr.Status = StatusPass
		return fr
	}

	env, err := r.fileEnv(tf)
	if err != nil {
		return fail(Diagnostic{Kind: DiagSetupError, Message: err.Error(), Err: err})
	}
	if r.params.Teardown != nil {
		defer r.params.Teardown(env)
	}
	scope, err := NewScope(tf.Path, r.params.Constants, r.alloc, logger)
	if err != nil {
		return fail(Diagnostic{Kind: DiagReadError, Message: err.Error(), Err: err})
	}
	if !r.params.KeepTempFiles {
		defer scope.Cleanup()
	}

	exe := &Executor{
		Spawner: r.spawner,
		Dir:     filepath.Dir(tf.Path),
		Env:     env.Values,
		Timeout: r.params.Timeout,
		Logger:  logger,
	}
	for _, group := range groups {
		if ctx.Err() != nil {
			fr.Status = StatusCancelled
			fr.Diagnostics = append(fr.Diagnostics, diagnose(ErrCancelled, group.Run.Line))
			return fr
		}

		rec, err := exe.Execute(ctx, group.Run, scope)
		fr.Runs = append(fr.Runs, rec)
		if err != nil {
			d := diagnose(err, group.Run.Line)
			d.CommandLine = rec.CommandLine
			if d.Kind == DiagCancelled {
				fr.Status = StatusCancelled
				fr.Diagnostics = append(fr.Diagnostics, d)
				return fr
			}
			d.Stdout, d.Stderr = rec.Stdout, rec.Stderr
			return fail(d)
		}

		outcomes, err := NewVerifier(rec, logger).VerifyAll(group.Checks, scope)
		fr.Checks = append(fr.Checks, outcomes...)
		if err != nil {
			line := group.Run.Line
			if len(outcomes) > 0 {
				line = outcomes[len(outcomes)-1].Line
			}
			d := diagnose(err, line)
			d.CommandLine = rec.CommandLine
			return fail(d)
		}
	}
	fr.Status = StatusPass
	return fr
}

// fileEnv returns the environment for a file's commands, after Setup.
func (r *runner) fileEnv(tf TestFile) (*Env, error) {
	base := r.params.Env
	if base == nil {
		base = os.Environ()
	}
	env := &Env{
		Dir:    filepath.Dir(tf.Path),
		File:   tf.Path,
		Values: append([]string{}, base...),
	}
	if r.params.Setup != nil {
		if err := r.params.Setup(env); err != nil {
			return nil, fmt.Errorf("setup failed: %w", err)
		}
	}
	return env, nil
}

// parseDiagnostics flattens extraction and grouping errors into diagnostics
// ordered by line.
func parseDiagnostics(errs ...error) []Diagnostic {
	var out []Diagnostic
	for _, err := range errs {
		list, ok := err.(ParseErrors)
		if !ok {
			continue
		}
		for _, pe := range list {
			out = append(out, diagnose(pe, pe.Line))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// ---- testing integration

// Run runs the test files found under p.Dir as subtests of t.
func Run(t *testing.T, p Params) {
	files := globTestFiles(t, p)
	runFiles(t, p, files)
}

// RunFiles runs the test files with the given names as subtests of t.
// The files need not be in the same directory.
func RunFiles(t *testing.T, p Params, filenames ...string) {
	runFiles(t, p, filenames)
}

// RunStandalone runs the test files found under p.Dir without using t.Run.
// This is useful for command-line tools that don't need the full testing
// framework.
func RunStandalone(t TestingT, p Params) *Results {
	files := globTestFiles(t, p)
	return runFilesStandalone(t, p, files)
}

// RunFilesStandalone runs the given test files without using t.Run.
func RunFilesStandalone(t TestingT, p Params, filenames ...string) *Results {
	return runFilesStandalone(t, p, filenames)
}

func globTestFiles(t TestingT, p Params) []string {
	syntax := p.Syntax
	if syntax == nil {
		syntax = DefaultSyntaxes()
	}
	files, err := FindTestFiles(syntax, p.Dir)
	if err != nil {
		t.Fatal(err)
	}
	files = Exclude(files, p.Exclude)
	if len(files) == 0 {
		t.Fatal("no test files found")
	}
	return files
}

func testName(dir, file string) string {
	if rel, err := filepath.Rel(dir, file); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(file)
}

func runFiles(t *testing.T, p Params, filenames []string) {
	res, err := Execute(context.Background(), p, filenames...)
	if err != nil {
		t.Fatal(err)
	}
	for _, fr := range res.Files {
		t.Run(testName(p.Dir, fr.Path), func(t *testing.T) {
			report(t, fr)
		})
	}
	for _, name := range res.NotRun {
		t.Run(testName(p.Dir, name), func(t *testing.T) {
			t.Skip("not run: batch stopped")
		})
	}
}

func runFilesStandalone(t TestingT, p Params, filenames []string) *Results {
	res, err := Execute(context.Background(), p, filenames...)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	for _, fr := range res.Files {
		name := testName(p.Dir, fr.Path)
		t.Logf("=== RUN   %s", name)
		report(t, fr)
		t.Logf("--- %s: %s (%s)", fr.Status, name, fr.Duration.Round(time.Millisecond))
	}
	return res
}

// report replays a file's outcome onto t.
func report(t TestingT, fr FileResult) {
	t.Helper()
	for _, run := range fr.Runs {
		t.Logf("RUN: %s", run.CommandLine)
		if run.Stdout != "" {
			t.Logf("[stdout]\n%s", run.Stdout)
		}
		if run.Stderr != "" {
			t.Logf("[stderr]\n%s", run.Stderr)
		}
		if run.Status == ExitFailure {
			t.Logf("[exit status %d]", run.ExitCode)
		}
	}
	msgs := make([]string, len(fr.Diagnostics))
	for i, d := range fr.Diagnostics {
		msgs[i] = FormatDiagnostic(fr.Path, d)
	}
	switch fr.Status {
	case StatusSkip:
		t.Skip(fr.Reason)
	case StatusExpectedFailure:
		t.Logf("expected failure:\n%s", strings.Join(msgs, "\n"))
	case StatusFail, StatusCancelled, StatusUnexpectedPass:
		t.Fatal(strings.Join(msgs, "\n"))
	}
}
