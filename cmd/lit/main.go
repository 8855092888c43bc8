package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dylanmckay/lit"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// errTestsFailed is returned when the batch ran but was not successful.
var errTestsFailed = errors.New("tests failed")

type config struct {
	verbose       bool
	debug         bool
	jobs          int
	timeout       time.Duration
	interrupt     time.Duration
	defines       []string
	syntaxes      []string
	paths         []string
	keepTempfiles bool
	tempRoot      string
	failFast      bool
	project       string
	report        string
}

func (cfg *config) registerFlags(fs *ff.FlagSet) {
	fs.BoolVar(&cfg.verbose, 'v', "verbose", "print every file and its commands")
	fs.BoolVar(&cfg.debug, 0, "debug", "log engine events, including variable resolution, to stderr")
	fs.IntVar(&cfg.jobs, 'j', "jobs", 0, "number of test files run concurrently (0 means one per CPU)")
	fs.DurationVar(&cfg.timeout, 't', "timeout", 0, "time limit for each RUN command (0 means none)")
	fs.DurationVar(&cfg.interrupt, 0, "interrupt", time.Second, "grace period between interrupting and killing a command")
	fs.StringListVar(&cfg.defines, 'D', "define", "bind a constant, NAME=VALUE, usable as @NAME (repeatable)")
	fs.StringListVar(&cfg.syntaxes, 0, "syntax", "register a comment token, EXT=TOKEN (repeatable)")
	fs.StringListVar(&cfg.paths, 0, "path", "prepend a directory to PATH for RUN commands (repeatable)")
	fs.BoolVar(&cfg.keepTempfiles, 'k', "keep-tempfiles", "keep @tempfile paths after the run")
	fs.StringVar(&cfg.tempRoot, 0, "temp-root", "", "directory in which tempfile paths are allocated")
	fs.BoolVar(&cfg.failFast, 'x', "fail-fast", "stop after the first failing file")
	fs.StringVar(&cfg.project, 'p', "project", "", "directory holding lit.toml (default: the first directory argument)")
	fs.StringVar(&cfg.report, 'r', "report", "", "write a YAML report of the results to this file")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cmd := NewCommand(os.Stdout, os.Stderr)

	// Parse flags with ff for environment variable support
	err := cmd.ParseAndRun(ctx, os.Args[1:], ff.WithEnvVarPrefix("LIT"))
	switch {
	case err == nil:
	case errors.Is(err, ff.ErrHelp):
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd.GetSelected()))
		os.Exit(0)
	case errors.Is(err, errTestsFailed):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// NewCommand creates the root ff.Command for the lit CLI.
func NewCommand(stdout, stderr io.Writer) *ff.Command {
	var cfg config

	fs := ff.NewFlagSet("lit")
	cfg.registerFlags(fs)

	show := &ff.Command{
		Name:      "show",
		Usage:     "lit show [FLAGS] test-file-paths|config PATH...",
		ShortHelp: "print the test files found or the effective configuration",
		Flags:     ff.NewFlagSet("show").SetParent(fs),
		Exec: func(ctx context.Context, args []string) error {
			return execShow(&cfg, stdout, args)
		},
	}

	return &ff.Command{
		Name:        "lit",
		Usage:       "lit [FLAGS] PATH...",
		ShortHelp:   "run RUN/CHECK directive tests",
		Flags:       fs,
		Subcommands: []*ff.Command{show},
		Exec: func(ctx context.Context, args []string) error {
			return execTestRunner(ctx, &cfg, stdout, stderr, args)
		},
	}
}

// session is the state shared by the run and show commands: parameters built
// from flags and the project file, and the test files they select.
type session struct {
	project *lit.ProjectConfig
	params  lit.Params
	files   []string
}

func newSession(cfg *config, logger *zap.Logger, args []string) (*session, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one path required")
	}

	params := lit.Params{
		Jobs:          cfg.jobs,
		Timeout:       cfg.timeout,
		Interrupt:     cfg.interrupt,
		KeepTempFiles: cfg.keepTempfiles,
		TempRoot:      cfg.tempRoot,
		FailFast:      cfg.failFast,
		Logger:        logger,
	}

	constants, err := parseDefines(cfg.defines)
	if err != nil {
		return nil, err
	}
	params.Constants = constants

	syntax := lit.DefaultSyntaxes()
	for _, s := range cfg.syntaxes {
		ext, token, err := lit.ParseSyntax(s)
		if err != nil {
			return nil, err
		}
		syntax.Set(ext, token)
	}
	params.Syntax = syntax

	if len(cfg.paths) > 0 {
		params.Setup = prependPath(cfg.paths)
	}

	dir, err := projectDir(cfg.project, args)
	if err != nil {
		return nil, err
	}
	params.Dir = dir

	project, err := lit.LoadProjectConfig(dir)
	if err != nil {
		return nil, err
	}

	// Discovery needs the project's syntaxes and exclusions; Apply is
	// repeated by ProjectConfig.Execute and leaves the values unchanged.
	project.Apply(&params)
	files, err := lit.FindTestFiles(params.Syntax, args...)
	if err != nil {
		return nil, err
	}
	files = lit.Exclude(files, params.Exclude)

	return &session{project: project, params: params, files: files}, nil
}

func execTestRunner(ctx context.Context, cfg *config, stdout, stderr io.Writer, args []string) error {
	logger := newLogger(cfg.debug, stderr)
	defer func() { _ = logger.Sync() }()

	s, err := newSession(cfg, logger, args)
	if err != nil {
		return err
	}
	if len(s.files) == 0 {
		return fmt.Errorf("no test files found")
	}

	res, err := s.project.Execute(ctx, s.params, s.files...)
	if err != nil {
		return err
	}

	lit.NewReporter(stdout, cfg.verbose).Report(res)

	if cfg.report != "" {
		if err := writeReport(cfg.report, res); err != nil {
			return err
		}
	}

	if !res.Successful() {
		return errTestsFailed
	}
	return nil
}

func execShow(cfg *config, stdout io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: want test-file-paths or config")
	}
	what, paths := args[0], args[1:]

	s, err := newSession(cfg, zap.NewNop(), paths)
	if err != nil {
		return err
	}

	switch what {
	case "test-file-paths":
		for _, f := range s.files {
			fmt.Fprintln(stdout, f)
		}
		return nil
	case "config":
		return yaml.NewEncoder(stdout).Encode(effectiveConfig(s))
	default:
		return fmt.Errorf("show: unknown item %q: want test-file-paths or config", what)
	}
}

// shownConfig is the YAML document printed by "lit show config".
type shownConfig struct {
	ProjectDir    string             `yaml:"project_dir"`
	Project       *lit.ProjectConfig `yaml:"project"`
	Jobs          int                `yaml:"jobs"`
	Timeout       string             `yaml:"timeout"`
	KeepTempFiles bool               `yaml:"keep_tempfiles"`
	Constants     map[string]string  `yaml:"constants,omitempty"`
	Syntax        map[string]string  `yaml:"syntax"`
	Exclude       []string           `yaml:"exclude,omitempty"`
}

func effectiveConfig(s *session) shownConfig {
	out := shownConfig{
		ProjectDir:    s.project.Dir(),
		Project:       s.project,
		Jobs:          s.params.Jobs,
		Timeout:       s.params.Timeout.String(),
		KeepTempFiles: s.params.KeepTempFiles,
		Constants:     s.params.Constants,
		Exclude:       s.params.Exclude,
	}
	if syntax, ok := s.params.Syntax.(lit.Syntaxes); ok {
		out.Syntax = syntax
	}
	return out
}

// newLogger returns a development console logger writing to w, or a no-op
// logger unless debug is set.
func newLogger(debug bool, w io.Writer) *zap.Logger {
	if !debug {
		return zap.NewNop()
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), zap.DebugLevel)
	return zap.New(core, zap.Development())
}

func parseDefines(defines []string) (map[string]string, error) {
	if len(defines) == 0 {
		return nil, nil
	}
	constants := make(map[string]string, len(defines))
	for _, d := range defines {
		name, value, ok := strings.Cut(d, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid constant %q: want NAME=VALUE", d)
		}
		constants[name] = value
	}
	return constants, nil
}

// prependPath returns a Setup hook adding dirs to the front of PATH.
func prependPath(dirs []string) func(*lit.Env) error {
	abs := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if a, err := filepath.Abs(d); err == nil {
			d = a
		}
		abs = append(abs, d)
	}
	return func(env *lit.Env) error {
		path := strings.Join(abs, string(os.PathListSeparator))
		if cur := env.Getenv("PATH"); cur != "" {
			path += string(os.PathListSeparator) + cur
		}
		env.Setenv("PATH", path)
		return nil
	}
}

// projectDir returns the directory to load lit.toml from: the explicit flag,
// else the first directory argument, else the first file's directory.
func projectDir(flagValue string, args []string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	for _, a := range args {
		if info, err := os.Stat(a); err == nil && info.IsDir() {
			return filepath.Abs(a)
		}
	}
	return filepath.Abs(filepath.Dir(args[0]))
}

func writeReport(path string, res *lit.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := lit.WriteYAML(f, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
