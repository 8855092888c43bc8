/*
Package lit runs directive-driven tests: ordinary text files whose comments
carry RUN and CHECK directives.

To invoke the tests from go test, call [Run]:

	func TestFoo(t *testing.T) {
		lit.Run(t, lit.Params{
			Dir: "testdata",
		})
	}

The package walks the directory for files whose extension has a registered
comment syntax and runs each one as a separate subtest. [Execute] runs a
batch without the testing package and returns the [Results].

# Directives

A directive is a comment line whose text, after the comment token, starts
with RUN:, CHECK:, CHECK-NEXT: or XFAIL:. Other comments are ignored.

	// RUN: printf "hello world"
	// CHECK: hello
	// CHECK: world

RUN executes a command in the directory holding the test file. The command
line is split into words like a shell would split it, honouring quotes and
backslash escapes, but no shell is involved. A nonzero exit status does not
fail the test.

CHECK verifies that the output of the preceding RUN contains the text. Checks
are ordered: each search starts just after the previous match. Standard output
is searched first and standard error second, each with its own position.
A CHECK before the first RUN is an error.

CHECK-NEXT is a CHECK whose match must be on the line right after the previous
match in the same stream, or on the first line when nothing has matched yet.

XFAIL marks the whole file as expected to fail. A check that does not match
then reports XFAIL instead of failing, and a file whose checks all pass reports
XPASS, which fails the batch. Parse errors, spawn failures and undefined
variables still fail the file.

# Variables

Directives may reference @name variables:

	@file                  absolute path of the test file
	@tempfile, @out_tempfile  any name containing "tempfile" gets a fresh
	                       temporary path on first use, the same path after
	@NAME                  constants from Params.Constants, lit.toml or -D

An @ not followed by a letter, digit or underscore is kept as is. Any other
name is an error.

# Comment syntax

[DefaultSyntaxes] covers common languages ("//" for Go, C, Rust, JavaScript;
"#" for shell, Python, TOML; ";" for LLVM IR; "--" for SQL, Lua). Files with
an unregistered extension are skipped.

# Project configuration

[RunWithProject] and [ExecuteWithProject] read an optional lit.toml from the
test directory:

	bin = "bin"                # prepended to PATH; .sh files get wrappers
	setup = "setup.sh"         # run once before the batch
	teardown = "teardown.sh"   # run once after the batch
	paths = ["tools"]          # extra PATH entries
	jobs = 4
	timeout = "30s"
	keep_tempfiles = false

	[test]
	setup = "before.sh"        # run before each test file
	teardown = "after.sh"      # run after each test file

	[constants]
	cc = "clang"

	[syntax]
	ll = ";"

bin/, setup.sh and teardown.sh are picked up by convention when present.

# Command-line Tool

The lit command runs test files outside go test:

	lit testdata/             # run every test file under testdata
	lit -j 8 -v testdata/     # eight files at a time, verbose
	lit show test-file-paths testdata/

Environment variables with the LIT_ prefix are also supported.
*/
package lit
