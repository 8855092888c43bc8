package lit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// SpawnRequest describes a process the engine wants started.
type SpawnRequest struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string // nil means the current process environment
}

// ProcessResult is what a Spawner reports for a process that ran to exit.
type ProcessResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Spawner is the process primitive used by the engine. Spawn returns a
// *SpawnError when the process could not be launched and the context's error
// when ctx ended before the process exited. A nonzero exit is not an error.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (ProcessResult, error)
}

// ExecSpawner is the default Spawner, built on os/exec.
type ExecSpawner struct {
	// Interrupt is how long a process is given to exit after os.Interrupt
	// before it is killed. Zero kills immediately.
	Interrupt time.Duration
}

// Spawn implements Spawner.
func (s ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (ProcessResult, error) {
	cmd, err := buildExecCmd(req)
	if err != nil {
		return ProcessResult{}, &SpawnError{Executable: req.Executable, Reason: "not found", Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return ProcessResult{}, &SpawnError{Executable: req.Executable, Reason: "could not launch", Err: err}
	}

	err = waitOrStop(ctx, cmd, s.Interrupt)
	res := ProcessResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return res, ctxErr
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			// The command exited but left descendants holding its output.
			_ = signalGroup(cmd, os.Kill)
			res.ExitCode = cmd.ProcessState.ExitCode()
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &SpawnError{Executable: req.Executable, Reason: "wait failed", Err: err}
	}
	return res, nil
}

// buildExecCmd creates an exec.Cmd for req. Executables containing a path
// separator are resolved against req.Dir; bare names are looked up in the
// PATH of req.Env.
func buildExecCmd(req SpawnRequest) (*exec.Cmd, error) {
	env := req.Env
	if env == nil {
		env = os.Environ()
	}

	name := req.Executable
	var path string
	if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
		path = name
		if !filepath.IsAbs(path) {
			path = filepath.Join(req.Dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else {
		var err error
		path, err = lookPath(name, envValue(env, "PATH"), req.Dir)
		if err != nil {
			return nil, err
		}
	}

	cmd := exec.Command(path, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = append(env[:len(env):len(env)], "PWD="+req.Dir)
	cmd.WaitDelay = pipeWaitDelay
	setProcessGroup(cmd)
	return cmd, nil
}

// lookPath searches pathList for an executable named name. Relative entries
// in pathList are taken relative to dir.
func lookPath(name, pathList, dir string) (string, error) {
	if pathList == "" {
		return exec.LookPath(name)
	}
	for _, d := range filepath.SplitList(pathList) {
		if d == "" {
			continue
		}
		if !filepath.IsAbs(d) {
			d = filepath.Join(dir, d)
		}
		if p, err := exec.LookPath(filepath.Join(d, name)); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%q: %w", name, exec.ErrNotFound)
}

// envValue returns the last value bound to key in env.
func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

// pipeWaitDelay bounds how long Wait keeps reading output after the process
// exited or was killed.
const pipeWaitDelay = time.Second

// waitOrStop waits for a started command to complete. If ctx ends first the
// process group is interrupted, then killed after the interrupt grace period,
// and ctx.Err() is returned once the process has been reaped.
func waitOrStop(ctx context.Context, cmd *exec.Cmd, interrupt time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	if runtime.GOOS == "windows" || interrupt <= 0 {
		_ = signalGroup(cmd, os.Kill)
	} else {
		_ = signalGroup(cmd, os.Interrupt)
		timer := time.NewTimer(interrupt)
		select {
		case <-done:
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			_ = signalGroup(cmd, os.Kill)
		}
	}
	<-done
	return ctx.Err()
}

// SplitCommand splits a command line into an argument vector, honouring
// single and double quotes and backslash escapes.
func SplitCommand(line string) ([]string, error) {
	args, err := shellquote.Split(line)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("empty command line")
	}
	return args, nil
}

// ExitStatus summarizes how a RUN command ended.
type ExitStatus int

const (
	ExitSuccess ExitStatus = iota
	ExitFailure
	NotLaunched
)

func (s ExitStatus) String() string {
	switch s {
	case ExitSuccess:
		return "success"
	case ExitFailure:
		return "failure"
	case NotLaunched:
		return "not-launched"
	default:
		return "unknown"
	}
}

// MarshalYAML renders the status by name.
func (s ExitStatus) MarshalYAML() (any, error) { return s.String(), nil }

// RunRecord captures one RUN execution.
type RunRecord struct {
	Line        int           `yaml:"line"`
	CommandLine string        `yaml:"command"`
	Args        []string      `yaml:"args,omitempty"`
	Stdout      string        `yaml:"stdout"`
	Stderr      string        `yaml:"stderr"`
	Status      ExitStatus    `yaml:"status"`
	ExitCode    int           `yaml:"exit_code"`
	Duration    time.Duration `yaml:"duration"`
}

// Executor runs RUN directives for one test file.
type Executor struct {
	Spawner Spawner
	Dir     string        // working directory, the test file's directory
	Env     []string      // nil means the current process environment
	Timeout time.Duration // per-run limit; zero means none
	Logger  *zap.Logger
}

// Execute substitutes variables into run, spawns the command and waits for it.
// The returned record is valid even when err is non-nil.
func (e *Executor) Execute(ctx context.Context, run Directive, scope *Scope) (RunRecord, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rec := RunRecord{Line: run.Line, Status: NotLaunched, ExitCode: -1}

	line, err := scope.Substitute(run.Body)
	if err != nil {
		return rec, err
	}
	rec.CommandLine = line

	args, err := SplitCommand(line)
	if err != nil {
		return rec, &ParseError{Line: run.Line, Kind: KindRun, Err: fmt.Errorf("%w: %v", ErrInvalidCommandLine, err)}
	}
	rec.Args = args

	spawner := e.Spawner
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	logger.Debug("spawning", zap.Int("line", run.Line), zap.Strings("args", args), zap.String("dir", e.Dir))
	start := time.Now()
	res, err := spawner.Spawn(runCtx, SpawnRequest{
		Executable: args[0],
		Args:       args[1:],
		Dir:        e.Dir,
		Env:        e.Env,
	})
	rec.Duration = time.Since(start)
	rec.Stdout = string(res.Stdout)
	rec.Stderr = string(res.Stderr)

	if err != nil {
		var spawnErr *SpawnError
		switch {
		case ctx.Err() != nil:
			return rec, ErrCancelled
		case errors.Is(err, context.DeadlineExceeded):
			rec.Status = ExitFailure
			return rec, &SpawnError{
				Executable: args[0],
				Reason:     fmt.Sprintf("did not complete within %s", e.Timeout),
			}
		case errors.As(err, &spawnErr):
			return rec, spawnErr
		default:
			return rec, &SpawnError{Executable: args[0], Reason: "could not launch", Err: err}
		}
	}

	rec.ExitCode = res.ExitCode
	rec.Status = ExitSuccess
	if res.ExitCode != 0 {
		rec.Status = ExitFailure
	}
	logger.Debug("process exited",
		zap.Int("line", run.Line),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", rec.Duration),
	)
	return rec, nil
}
