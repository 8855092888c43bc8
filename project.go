package lit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ProjectFileName is the name of the optional project configuration file.
const ProjectFileName = "lit.toml"

// ProjectConfig holds convention-based project configuration for a lit test
// directory.
type ProjectConfig struct {
	BinDir        string            `toml:"bin" yaml:"bin,omitempty"`
	Setup         string            `toml:"setup" yaml:"setup,omitempty"`
	Teardown      string            `toml:"teardown" yaml:"teardown,omitempty"`
	Test          TestHooks         `toml:"test" yaml:"test,omitempty"`
	Paths         []string          `toml:"paths" yaml:"paths,omitempty"`
	Jobs          int               `toml:"jobs" yaml:"jobs,omitempty"`
	Timeout       Duration          `toml:"timeout" yaml:"timeout,omitempty"`
	KeepTempFiles bool              `toml:"keep_tempfiles" yaml:"keep_tempfiles,omitempty"`
	Constants     map[string]string `toml:"constants" yaml:"constants,omitempty"`
	Syntax        map[string]string `toml:"syntax" yaml:"syntax,omitempty"`
	dir           string            // resolved absolute base directory
}

// TestHooks holds per-test setup/teardown script paths.
type TestHooks struct {
	Setup    string `toml:"setup" yaml:"setup,omitempty"`
	Teardown string `toml:"teardown" yaml:"teardown,omitempty"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Dir returns the absolute directory the configuration was loaded from.
func (cfg *ProjectConfig) Dir() string { return cfg.dir }

// LoadProjectConfig loads project configuration from a directory.
// It reads lit.toml if present, then auto-detects conventional files
// (bin/, setup.sh, teardown.sh) for any fields not set by the TOML.
// All paths in the returned config are absolute.
func LoadProjectConfig(dir string) (*ProjectConfig, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}

	// Track which fields were explicitly set by TOML
	var fromTOML ProjectConfig
	hasTOML := false

	tomlPath := filepath.Join(absDir, ProjectFileName)
	data, err := os.ReadFile(tomlPath)
	if err == nil {
		hasTOML = true
		if err := toml.Unmarshal(data, &fromTOML); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ProjectFileName, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", ProjectFileName, err)
	}

	cfg := &ProjectConfig{
		dir:           absDir,
		Jobs:          fromTOML.Jobs,
		Timeout:       fromTOML.Timeout,
		KeepTempFiles: fromTOML.KeepTempFiles,
		Constants:     fromTOML.Constants,
		Syntax:        fromTOML.Syntax,
	}

	// Apply TOML values, then auto-detect missing ones
	cfg.BinDir = resolveField(absDir, fromTOML.BinDir, "bin", isDir)
	cfg.Setup = resolveField(absDir, fromTOML.Setup, "setup.sh", isFile)
	cfg.Teardown = resolveField(absDir, fromTOML.Teardown, "teardown.sh", isFile)
	cfg.Test.Setup = resolveExplicitOnly(absDir, fromTOML.Test.Setup)
	cfg.Test.Teardown = resolveExplicitOnly(absDir, fromTOML.Test.Teardown)
	for _, p := range fromTOML.Paths {
		cfg.Paths = append(cfg.Paths, resolveExplicitOnly(absDir, p))
	}

	if hasTOML {
		if err := cfg.validate(absDir, &fromTOML); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// resolveField applies TOML value if set, otherwise auto-detects the conventional path.
func resolveField(base, tomlVal, convention string, check func(string) bool) string {
	if tomlVal != "" {
		return joinAbs(base, tomlVal)
	}
	// Auto-detect conventional path
	candidate := filepath.Join(base, convention)
	if check(candidate) {
		return candidate
	}
	return ""
}

// resolveExplicitOnly resolves a path only if explicitly configured (no auto-detection).
func resolveExplicitOnly(base, tomlVal string) string {
	if tomlVal != "" {
		return joinAbs(base, tomlVal)
	}
	return ""
}

func joinAbs(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (cfg *ProjectConfig) validate(base string, from *ProjectConfig) error {
	checks := []struct {
		val  string
		desc string
	}{
		{from.BinDir, "bin directory"},
		{from.Setup, "setup script"},
		{from.Teardown, "teardown script"},
		{from.Test.Setup, "test setup script"},
		{from.Test.Teardown, "test teardown script"},
	}
	for _, p := range from.Paths {
		checks = append(checks, struct {
			val  string
			desc string
		}{p, "search path"})
	}
	for _, c := range checks {
		if c.val == "" {
			continue
		}
		if _, err := os.Stat(joinAbs(base, c.val)); err != nil {
			return fmt.Errorf("%s: %s %q not found: %w", ProjectFileName, c.desc, c.val, err)
		}
	}
	if from.Jobs < 0 {
		return fmt.Errorf("%s: jobs must not be negative, got %d", ProjectFileName, from.Jobs)
	}
	for ext, token := range from.Syntax {
		if normalizeExt(ext) == "" || token == "" {
			return fmt.Errorf("%s: invalid syntax entry %q = %q", ProjectFileName, ext, token)
		}
	}
	return nil
}

// Apply fills p from the configuration. Values already set on p win:
// constants and syntaxes are merged with p's entries taking precedence.
func (cfg *ProjectConfig) Apply(p *Params) {
	if p.Jobs == 0 {
		p.Jobs = cfg.Jobs
	}
	if p.Timeout == 0 {
		p.Timeout = cfg.Timeout.Duration
	}
	if cfg.KeepTempFiles {
		p.KeepTempFiles = true
	}
	p.Exclude = append(p.Exclude, cfg.Excluded()...)
	if len(cfg.Constants) > 0 {
		merged := make(map[string]string, len(cfg.Constants)+len(p.Constants))
		for k, v := range cfg.Constants {
			merged[k] = v
		}
		for k, v := range p.Constants {
			merged[k] = v
		}
		p.Constants = merged
	}
	if len(cfg.Syntax) > 0 {
		// Callers supplying their own CommentSyntax keep it as is.
		switch s := p.Syntax.(type) {
		case nil:
			merged := DefaultSyntaxes()
			merged.Merge(cfg.Syntax)
			p.Syntax = merged
		case Syntaxes:
			merged := DefaultSyntaxes()
			merged.Merge(cfg.Syntax)
			merged.Merge(s)
			p.Syntax = merged
		}
	}
}

// Excluded returns the project's own scripts and directories, which are never
// test files.
func (cfg *ProjectConfig) Excluded() []string {
	var out []string
	for _, p := range []string{cfg.BinDir, cfg.Setup, cfg.Teardown, cfg.Test.Setup, cfg.Test.Teardown} {
		if p != "" {
			out = append(out, p)
		}
	}
	return append(out, cfg.Paths...)
}

// prepareBinDir creates wrapper scripts for .sh files in the project's bin directory
// and returns PATH directory entries to prepend. The first entry is a temp dir with
// wrappers (calling .sh files without extension), the second is the bin dir itself
// (for non-.sh executables). Returns a cleanup function that removes the temp dir.
func (cfg *ProjectConfig) prepareBinDir() (pathDirs []string, cleanup func(), err error) {
	cleanup = func() {} // no-op default

	if cfg.BinDir == "" {
		return nil, cleanup, nil
	}

	entries, err := os.ReadDir(cfg.BinDir)
	if err != nil {
		return nil, cleanup, fmt.Errorf("read bin dir: %w", err)
	}

	wrapperDir, err := os.MkdirTemp("", "lit-bin-*")
	if err != nil {
		return nil, cleanup, fmt.Errorf("create wrapper dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(wrapperDir) }

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".sh" {
			continue
		}
		// Create a wrapper script that invokes the .sh file
		wrapperName := strings.TrimSuffix(name, ".sh")
		absScript := filepath.Join(cfg.BinDir, name)
		wrapper := fmt.Sprintf("#!/bin/sh\nexec /bin/sh %q \"$@\"\n", absScript)
		wrapperPath := filepath.Join(wrapperDir, wrapperName)
		if err := os.WriteFile(wrapperPath, []byte(wrapper), 0755); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("write wrapper %s: %w", wrapperName, err)
		}
	}

	return []string{wrapperDir, cfg.BinDir}, cleanup, nil
}

// ---- Project-Aware Run Functions

// RunWithProject runs test files from p.Dir with project structure support.
// It loads the project config, prepares bin/ wrappers, runs global setup/teardown,
// and wires per-test hooks before delegating to Run.
func RunWithProject(t *testing.T, p Params) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		t.Fatal(err)
	}

	cleanup, err := prepareProject(cfg, &p)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	Run(t, p)
}

// RunStandaloneWithProject is the standalone equivalent of RunWithProject.
// Returns an error if global setup fails or tests fail.
func RunStandaloneWithProject(t TestingT, p Params) (*Results, error) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}

	cleanup, err := prepareProject(cfg, &p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res := RunStandalone(t, p)
	if t.Failed() {
		return res, fmt.Errorf("tests failed")
	}
	return res, nil
}

// ExecuteWithProject loads the project configuration from p.Dir, prepares it
// and runs the given files with Execute.
func ExecuteWithProject(ctx context.Context, p Params, filenames ...string) (*Results, error) {
	cfg, err := LoadProjectConfig(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	return cfg.Execute(ctx, p, filenames...)
}

// Execute runs the given files with Execute inside the project environment:
// global setup before the batch, teardown after it.
func (cfg *ProjectConfig) Execute(ctx context.Context, p Params, filenames ...string) (*Results, error) {
	cleanup, err := prepareProject(cfg, &p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return Execute(ctx, p, filenames...)
}

// prepareProject applies the configuration to p, sets up the project
// environment and returns a cleanup function.
// It prepares bin/ wrappers, runs global setup, wires per-test hooks, and
// returns a cleanup that runs global teardown and removes temp dirs.
func prepareProject(cfg *ProjectConfig, p *Params) (cleanup func(), err error) {
	cleanup = func() {} // no-op default
	cfg.Apply(p)

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Prepare bin/ directory
	binPathDirs, binCleanup, err := cfg.prepareBinDir()
	if err != nil {
		return cleanup, fmt.Errorf("prepare bin dir: %w", err)
	}
	pathDirs := append(binPathDirs, cfg.Paths...)

	// Wrap the user's Setup to prepend PATH dirs and run the per-test hook
	origSetup := p.Setup
	testSetup := cfg.Test.Setup
	p.Setup = func(env *Env) error {
		if origSetup != nil {
			if err := origSetup(env); err != nil {
				return err
			}
		}
		if len(pathDirs) > 0 {
			currentPATH := env.Getenv("PATH")
			newPATH := strings.Join(pathDirs, string(os.PathListSeparator))
			if currentPATH != "" {
				newPATH += string(os.PathListSeparator) + currentPATH
			}
			env.Setenv("PATH", newPATH)
		}
		if testSetup != "" {
			if err := runTestScript(env, testSetup); err != nil {
				return fmt.Errorf("test setup: %w", err)
			}
		}
		return nil
	}

	if testTeardown := cfg.Test.Teardown; testTeardown != "" {
		origTeardown := p.Teardown
		p.Teardown = func(env *Env) {
			if err := runTestScript(env, testTeardown); err != nil {
				logger.Warn("test teardown failed", zap.String("file", env.File), zap.Error(err))
			}
			if origTeardown != nil {
				origTeardown(env)
			}
		}
	}

	// Run global setup
	if cfg.Setup != "" {
		if err := runGlobalScript(cfg.dir, cfg.Setup); err != nil {
			binCleanup()
			return func() {}, fmt.Errorf("global setup failed: %w", err)
		}
	}

	// Build cleanup: global teardown (best-effort) + bin cleanup
	projectDir := cfg.dir
	teardownScript := cfg.Teardown
	cleanup = func() {
		if teardownScript != "" {
			if err := runGlobalScript(projectDir, teardownScript); err != nil {
				logger.Warn("global teardown failed", zap.Error(err))
			}
		}
		binCleanup()
	}

	return cleanup, nil
}

// runGlobalScript runs a shell script in the project directory.
func runGlobalScript(dir, scriptPath string) error {
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w\n%s", filepath.Base(scriptPath), err, output)
	}
	return nil
}

// runTestScript runs a per-test hook in the test file's directory with the
// file's environment. LIT_FILE holds the test file path.
func runTestScript(env *Env, scriptPath string) error {
	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = env.Dir
	cmd.Env = append(append([]string{}, env.Values...), "LIT_FILE="+env.File)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w\n%s", filepath.Base(scriptPath), err, output)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
