package lit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"
)

// extract writes the files of a txtar archive under dir.
func extract(t *testing.T, dir, archive string) {
	t.Helper()
	ar := txtar.Parse([]byte(archive))
	for _, f := range ar.Files {
		path := filepath.Join(dir, f.Name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, f.Data, 0o644))
	}
}

// execute runs the files of archive that have a registered syntax, in name
// order, and returns the results keyed by base name.
func execute(t *testing.T, p Params, archive string) (*Results, map[string]FileResult) {
	t.Helper()
	dir := t.TempDir()
	extract(t, dir, archive)
	if p.TempRoot == "" {
		p.TempRoot = filepath.Join(dir, ".tmp")
	}
	files, err := FindTestFiles(DefaultSyntaxes(), dir)
	require.NoError(t, err)

	res, err := Execute(context.Background(), p, files...)
	require.NoError(t, err)

	byName := make(map[string]FileResult, len(res.Files))
	for _, fr := range res.Files {
		byName[filepath.Base(fr.Path)] = fr
	}
	return res, byName
}

func TestExecutePassFail(t *testing.T) {
	res, files := execute(t, Params{}, `
-- hello.txt --
# RUN: printf "hello world"
# CHECK: hello
# CHECK: world
-- mismatch.txt --
# RUN: printf "foo"
# CHECK: bar
-- empty.txt --
just a file without directives
-- runonly.txt --
# RUN: true
# RUN: false
`)

	assert.Equal(t, StatusPass, files["hello.txt"].Status)
	assert.Equal(t, StatusPass, files["empty.txt"].Status)
	assert.Empty(t, files["empty.txt"].Runs)
	assert.Equal(t, StatusPass, files["runonly.txt"].Status, "a nonzero exit alone does not fail")
	assert.Equal(t, ExitFailure, files["runonly.txt"].Runs[1].Status)

	mismatch := files["mismatch.txt"]
	assert.Equal(t, StatusFail, mismatch.Status)
	require.Len(t, mismatch.Diagnostics, 1)
	d := mismatch.Diagnostics[0]
	assert.Equal(t, DiagCheckNotFound, d.Kind)
	assert.Equal(t, 2, d.Line)
	assert.Equal(t, "bar", d.Expected)
	assert.Equal(t, "foo", d.Stdout)
	assert.Equal(t, `printf "foo"`, d.CommandLine)

	assert.Equal(t, 3, res.Passed)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Successful())
}

func TestExecuteSpawnFailureStopsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "spawn.txt")
	require.NoError(t, os.WriteFile(file, []byte(`# RUN: touch first.marker
# RUN: lit-definitely-not-a-command --flag
# RUN: touch second.marker
`), 0o644))

	res, err := Execute(context.Background(), Params{TempRoot: t.TempDir()}, file)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)

	fr := res.Files[0]
	assert.Equal(t, StatusFail, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagSpawnFailure, fr.Diagnostics[0].Kind)
	assert.Equal(t, 2, fr.Diagnostics[0].Line)
	assert.Len(t, fr.Runs, 2)

	assert.FileExists(t, filepath.Join(dir, "first.marker"))
	assert.NoFileExists(t, filepath.Join(dir, "second.marker"))
}

func TestExecuteCheckFailureStopsFile(t *testing.T) {
	_, files := execute(t, Params{}, `
-- stop.txt --
# RUN: echo one
# CHECK: two
# RUN: echo never
`)
	fr := files["stop.txt"]
	assert.Equal(t, StatusFail, fr.Status)
	assert.Len(t, fr.Runs, 1)
}

func TestExecuteCheckNext(t *testing.T) {
	_, files := execute(t, Params{}, `
-- adjacent.txt --
# RUN: printf "one\\ntwo\\nthree\\n"
# CHECK: one
# CHECK-NEXT: two
-- gap.txt --
# RUN: printf "one\\ntwo\\nthree\\n"
# CHECK: one
# CHECK-NEXT: three
`)
	assert.Equal(t, StatusPass, files["adjacent.txt"].Status)

	fr := files["gap.txt"]
	assert.Equal(t, StatusFail, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagCheckNotFound, fr.Diagnostics[0].Kind)
	assert.Equal(t, 3, fr.Diagnostics[0].Line)
}

func TestExecuteXFail(t *testing.T) {
	res, files := execute(t, Params{}, `
-- expected.txt --
# XFAIL:
# RUN: echo actual
# CHECK: wanted
-- unexpected.txt --
# RUN: echo wanted
# CHECK: wanted
# XFAIL: should start failing
-- broken.txt --
# XFAIL:
# RUN: echo @undefined
`)
	fr := files["expected.txt"]
	assert.Equal(t, StatusExpectedFailure, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagCheckNotFound, fr.Diagnostics[0].Kind)
	assert.False(t, fr.Failed())

	fr = files["unexpected.txt"]
	assert.Equal(t, StatusUnexpectedPass, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagUnexpectedPass, fr.Diagnostics[0].Kind)
	assert.Equal(t, 3, fr.Diagnostics[0].Line)
	assert.True(t, fr.Failed())

	assert.Equal(t, StatusFail, files["broken.txt"].Status, "a broken test is not an expected failure")

	assert.Equal(t, 1, res.ExpectedFailures)
	assert.Equal(t, 1, res.UnexpectedPasses)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Successful())
}

func TestRunStandaloneXFail(t *testing.T) {
	dir := t.TempDir()
	extract(t, dir, `
-- xfail.txt --
# XFAIL:
# RUN: echo foo
# CHECK: bar
`)
	capture := &testResultCapture{}
	res := RunStandalone(capture, Params{Dir: dir, TempRoot: t.TempDir()})
	assert.False(t, capture.Failed())
	assert.Equal(t, 1, res.ExpectedFailures)
	assert.True(t, res.Successful())
}

func TestExecuteParseErrors(t *testing.T) {
	_, files := execute(t, Params{}, `
-- parse.txt --
# CHECK: before any run
# RUN: echo x
# RUN:
`)
	fr := files["parse.txt"]
	assert.Equal(t, StatusFail, fr.Status)
	assert.Empty(t, fr.Runs, "nothing runs when the file is malformed")
	require.Len(t, fr.Diagnostics, 2)
	assert.Equal(t, DiagParseError, fr.Diagnostics[0].Kind)
	assert.Equal(t, 1, fr.Diagnostics[0].Line)
	assert.ErrorIs(t, fr.Diagnostics[0].Err, ErrCheckBeforeRun)
	assert.Equal(t, 3, fr.Diagnostics[1].Line)
	assert.ErrorIs(t, fr.Diagnostics[1].Err, ErrEmptyDirective)
}

func TestExecuteUndefinedVariable(t *testing.T) {
	_, files := execute(t, Params{}, `
-- undef.txt --
# RUN: echo @nope
`)
	fr := files["undef.txt"]
	assert.Equal(t, StatusFail, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagUndefinedVariable, fr.Diagnostics[0].Kind)
	assert.Equal(t, 1, fr.Diagnostics[0].Line)
}

func TestExecuteSkipUnknownSyntax(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.unknownext")
	require.NoError(t, os.WriteFile(file, []byte("# RUN: false\n"), 0o644))

	res, err := Execute(context.Background(), Params{TempRoot: t.TempDir()}, file)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, StatusSkip, res.Files[0].Status)
	assert.Contains(t, res.Files[0].Reason, ".unknownext")
	assert.True(t, res.Successful())
}

func TestExecuteVariables(t *testing.T) {
	_, files := execute(t, Params{Constants: map[string]string{"greeting": "bonjour"}}, `
-- vars.txt --
# RUN: echo @file
# CHECK: vars.txt
# RUN: sh -c 'echo @greeting > @tempfile'
# RUN: cat @tempfile
# CHECK: bonjour
# RUN: sh -c 'test @tempfile != @other_tempfile && echo distinct'
# CHECK: distinct
`)
	fr := files["vars.txt"]
	require.Equal(t, StatusPass, fr.Status, "%+v", fr.Diagnostics)
	assert.True(t, filepath.IsAbs(strings.TrimSpace(fr.Runs[0].Stdout)))
}

func TestExecuteTempfileCleanup(t *testing.T) {
	archive := `
-- temp.txt --
# RUN: sh -c 'echo data > @tempfile'
`
	root := t.TempDir()
	_, files := execute(t, Params{TempRoot: root}, archive)
	require.Equal(t, StatusPass, files["temp.txt"].Status)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "the temp root is removed after the batch")

	root = t.TempDir()
	_, files = execute(t, Params{TempRoot: root, KeepTempFiles: true}, archive)
	require.Equal(t, StatusPass, files["temp.txt"].Status)
	kept, err := filepath.Glob(filepath.Join(root, "lit-*", "tempfile-*"))
	require.NoError(t, err)
	require.Len(t, kept, 1)
	data, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))
}

func TestExecuteOrderAndConcurrency(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for _, name := range []string{"c.txt", "a.txt", "b.txt", "d.txt"} {
		path := filepath.Join(dir, name)
		body := "# RUN: sh -c 'sleep 0.1; echo " + name + "'\n# CHECK: " + name + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		files = append(files, path)
	}

	res, err := Execute(context.Background(), Params{Jobs: 4, TempRoot: t.TempDir()}, files...)
	require.NoError(t, err)
	require.Len(t, res.Files, 4)
	for i, fr := range res.Files {
		assert.Equal(t, files[i], fr.Path, "results keep input order")
		assert.Equal(t, StatusPass, fr.Status)
	}
	assert.True(t, res.Successful())
}

func TestExecuteFailFast(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"1-bad.txt":  "# RUN: echo foo\n# CHECK: bar\n",
		"2-good.txt": "# RUN: echo ok\n",
		"3-good.txt": "# RUN: echo ok\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	files, err := FindTestFiles(DefaultSyntaxes(), dir)
	require.NoError(t, err)

	res, err := Execute(context.Background(), Params{Jobs: 1, FailFast: true, TempRoot: t.TempDir()}, files...)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, files[1:], res.NotRun)
	assert.False(t, res.Successful())

	// Without FailFast a failure does not affect other files.
	res, err = Execute(context.Background(), Params{Jobs: 1, TempRoot: t.TempDir()}, files...)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Passed)
	assert.Empty(t, res.NotRun)
}

func TestExecuteCancelled(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "slow.txt")
	require.NoError(t, os.WriteFile(file, []byte("# RUN: sleep 10\n# RUN: touch after.marker\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	res, err := Execute(ctx, Params{TempRoot: t.TempDir()}, file)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, res.Files, 1)
	fr := res.Files[0]
	assert.Equal(t, StatusCancelled, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagCancelled, fr.Diagnostics[0].Kind)
	assert.Equal(t, 1, res.Cancelled)
	assert.False(t, res.Successful())
	assert.NoFileExists(t, filepath.Join(dir, "after.marker"))
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "never.txt")
	require.NoError(t, os.WriteFile(file, []byte("# RUN: echo hi\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Execute(ctx, Params{TempRoot: t.TempDir()}, file)
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	assert.Equal(t, []string{file}, res.NotRun)
}

func TestExecuteTimeout(t *testing.T) {
	_, files := execute(t, Params{Timeout: 200 * time.Millisecond}, `
-- timeout.txt --
# RUN: sleep 10
`)
	fr := files["timeout.txt"]
	assert.Equal(t, StatusFail, fr.Status)
	require.Len(t, fr.Diagnostics, 1)
	assert.Equal(t, DiagSpawnFailure, fr.Diagnostics[0].Kind)
	assert.Contains(t, fr.Diagnostics[0].Message, "did not complete within 200ms")
}

func TestExecuteSetupTeardown(t *testing.T) {
	var tornDown []string
	p := Params{
		Setup: func(env *Env) error {
			env.Setenv("LIT_GREETING", "hi from setup")
			return nil
		},
		Teardown: func(env *Env) {
			tornDown = append(tornDown, filepath.Base(env.File))
		},
		Jobs: 1,
	}
	_, files := execute(t, p, `
-- env.txt --
# RUN: sh -c 'echo $LIT_GREETING'
# CHECK: hi from setup
`)
	assert.Equal(t, StatusPass, files["env.txt"].Status)
	assert.Equal(t, []string{"env.txt"}, tornDown)
}

func TestEnvSetenv(t *testing.T) {
	env := &Env{Values: []string{"A=1", "B=2"}}
	env.Setenv("A", "3")
	env.Setenv("C", "4")
	assert.Equal(t, []string{"A=3", "B=2", "C=4"}, env.Values)
	assert.Equal(t, "3", env.Getenv("A"))
	assert.Equal(t, "", env.Getenv("D"))
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	extract(t, dir, `
-- pass.c --
// RUN: printf "hello world"
// CHECK: hello world
-- nested/pass.sh --
# RUN: echo nested
# CHECK: nested
`)
	Run(t, Params{Dir: dir, TempRoot: t.TempDir()})
}

func TestRunStandalone(t *testing.T) {
	dir := t.TempDir()
	extract(t, dir, `
-- good.txt --
# RUN: echo good
# CHECK: good
-- bad.txt --
# RUN: echo foo
# CHECK: bar
`)

	capture := &testResultCapture{}
	res := RunStandalone(capture, Params{Dir: dir, TempRoot: t.TempDir()})
	assert.True(t, capture.Failed())
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)

	capture = &testResultCapture{}
	res = RunFilesStandalone(capture, Params{Dir: dir, TempRoot: t.TempDir()}, filepath.Join(dir, "good.txt"))
	assert.False(t, capture.Failed())
	assert.Equal(t, 1, res.Passed)
}

func TestTestName(t *testing.T) {
	assert.Equal(t, "a/b.c", testName("/root", "/root/a/b.c"))
	assert.Equal(t, "b.c", testName("/root", "/elsewhere/b.c"))
}
