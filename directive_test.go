package lit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectives(t *testing.T) {
	src := `#include <stdio.h>
// RUN: cc @file -o @tempfile
  // RUN:   @tempfile
// CHECK: hello
// a plain comment mentioning RUN: in passing
int x; // RUN: not at the start of the line
//RUN: echo tight
// CHECK:
`
	directives, err := ParseDirectives(src, "//")

	var perrs ParseErrors
	require.ErrorAs(t, err, &perrs)
	require.Len(t, perrs, 1)
	assert.Equal(t, 8, perrs[0].Line)
	assert.Equal(t, KindCheck, perrs[0].Kind)
	assert.ErrorIs(t, err, ErrEmptyDirective)

	assert.Equal(t, []Directive{
		{Kind: KindRun, Body: "cc @file -o @tempfile", Line: 2},
		{Kind: KindRun, Body: "@tempfile", Line: 3},
		{Kind: KindCheck, Body: "hello", Line: 4},
		{Kind: KindRun, Body: "echo tight", Line: 7},
	}, directives)
}

func TestParseDirectivesNone(t *testing.T) {
	directives, err := ParseDirectives("plain text\n# no directives here\n", "#")
	require.NoError(t, err)
	assert.Empty(t, directives)

	directives, err = ParseDirectives("", "#")
	require.NoError(t, err)
	assert.Empty(t, directives)
}

func TestParseDirectivesCommentary(t *testing.T) {
	// A colon followed directly by text is prose, not a directive.
	directives, err := ParseDirectives("# RUN:x\n# CHECK:y\n# RUN: real\n", "#")
	require.NoError(t, err)
	require.Len(t, directives, 1)
	assert.Equal(t, "real", directives[0].Body)
	assert.Equal(t, 3, directives[0].Line)
}

func TestParseDirectivesCRLF(t *testing.T) {
	directives, err := ParseDirectives("; RUN: llc @file\r\n; CHECK: ret\r\n", ";")
	require.NoError(t, err)
	assert.Equal(t, []Directive{
		{Kind: KindRun, Body: "llc @file", Line: 1},
		{Kind: KindCheck, Body: "ret", Line: 2},
	}, directives)
}

func TestParseDirectivesMultiCharToken(t *testing.T) {
	directives, err := ParseDirectives("-- RUN: psql -f @file\n- RUN: ignored\n", "--")
	require.NoError(t, err)
	require.Len(t, directives, 1)
	assert.Equal(t, "psql -f @file", directives[0].Body)
}

func TestGroupRuns(t *testing.T) {
	directives := []Directive{
		{Kind: KindRun, Body: "a", Line: 1},
		{Kind: KindCheck, Body: "x", Line: 2},
		{Kind: KindCheck, Body: "y", Line: 3},
		{Kind: KindRun, Body: "b", Line: 4},
		{Kind: KindRun, Body: "c", Line: 5},
		{Kind: KindCheck, Body: "z", Line: 6},
	}
	groups, err := GroupRuns(directives)
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Equal(t, "a", groups[0].Run.Body)
	assert.Len(t, groups[0].Checks, 2)
	assert.Equal(t, "b", groups[1].Run.Body)
	assert.Empty(t, groups[1].Checks)
	assert.Equal(t, "c", groups[2].Run.Body)
	require.Len(t, groups[2].Checks, 1)
	assert.Equal(t, 6, groups[2].Checks[0].Line)
}

func TestGroupRunsCheckBeforeRun(t *testing.T) {
	groups, err := GroupRuns([]Directive{
		{Kind: KindCheck, Body: "early", Line: 1},
		{Kind: KindRun, Body: "a", Line: 2},
		{Kind: KindCheck, Body: "ok", Line: 3},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckBeforeRun))

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Line)

	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Checks, 1)
}

func TestGroupRunsEmpty(t *testing.T) {
	groups, err := GroupRuns(nil)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestParseDirectivesCheckNextAndXFail(t *testing.T) {
	src := `; XFAIL:
; RUN: llc @file
; CHECK: define
; CHECK-NEXT: entry:
; CHECK-NEXT:
; XFAIL: tracked separately
`
	directives, err := ParseDirectives(src, ";")

	var perrs ParseErrors
	require.ErrorAs(t, err, &perrs)
	require.Len(t, perrs, 1, "only CHECK-NEXT needs a body")
	assert.Equal(t, 5, perrs[0].Line)
	assert.Equal(t, KindCheckNext, perrs[0].Kind)

	assert.Equal(t, []Directive{
		{Kind: KindXFail, Line: 1},
		{Kind: KindRun, Body: "llc @file", Line: 2},
		{Kind: KindCheck, Body: "define", Line: 3},
		{Kind: KindCheckNext, Body: "entry:", Line: 4},
		{Kind: KindXFail, Body: "tracked separately", Line: 6},
	}, directives)
	assert.Equal(t, 1, ExpectedFailureLine(directives))
	assert.Equal(t, 0, ExpectedFailureLine(directives[1:4]))
}

func TestGroupRunsCheckNextAndXFail(t *testing.T) {
	groups, err := GroupRuns([]Directive{
		{Kind: KindXFail, Line: 1},
		{Kind: KindRun, Body: "a", Line: 2},
		{Kind: KindCheck, Body: "x", Line: 3},
		{Kind: KindCheckNext, Body: "y", Line: 4},
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Checks, 2)
	assert.Equal(t, KindCheckNext, groups[0].Checks[1].Kind)

	_, err = GroupRuns([]Directive{{Kind: KindCheckNext, Body: "early", Line: 1}})
	assert.ErrorIs(t, err, ErrCheckBeforeRun)
}
