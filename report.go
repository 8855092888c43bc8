package lit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// FormatDiagnostic renders d as plain text, starting with "path:line:".
func FormatDiagnostic(path string, d Diagnostic) string {
	var b strings.Builder
	if d.Line > 0 {
		fmt.Fprintf(&b, "%s:%d: %s: %s", path, d.Line, d.Kind, d.Message)
	} else {
		fmt.Fprintf(&b, "%s: %s: %s", path, d.Kind, d.Message)
	}
	if d.CommandLine != "" {
		fmt.Fprintf(&b, "\n  command: %s", d.CommandLine)
	}
	if d.Expected != "" {
		fmt.Fprintf(&b, "\n  expected: %q", d.Expected)
	}
	if d.Kind == DiagCheckNotFound || d.Stdout != "" {
		writeBlock(&b, "stdout", d.Stdout)
	}
	if d.Kind == DiagCheckNotFound || d.Stderr != "" {
		writeBlock(&b, "stderr", d.Stderr)
	}
	return b.String()
}

func writeBlock(b *strings.Builder, name, text string) {
	if text == "" {
		fmt.Fprintf(b, "\n  %s: (empty)", name)
		return
	}
	fmt.Fprintf(b, "\n  %s:", name)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		b.WriteString("\n    | ")
		b.WriteString(line)
	}
}

// Reporter writes a human-readable report of a batch.
type Reporter struct {
	w       io.Writer
	verbose bool
	pass    *color.Color
	fail    *color.Color
	skip    *color.Color
	label   *color.Color
}

// NewReporter returns a Reporter writing to w. Colour is used only when w is
// a terminal.
func NewReporter(w io.Writer, verbose bool) *Reporter {
	r := &Reporter{
		w:       w,
		verbose: verbose,
		pass:    color.New(color.FgGreen, color.Bold),
		fail:    color.New(color.FgRed, color.Bold),
		skip:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{r.pass, r.fail, r.skip, r.label} {
			c.DisableColor()
		}
	}
	return r
}

// isTerminal reports whether w is a TTY.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (r *Reporter) statusColor(s Status) *color.Color {
	switch s {
	case StatusPass:
		return r.pass
	case StatusSkip, StatusExpectedFailure:
		return r.skip
	default:
		return r.fail
	}
}

// File writes the line for one file, followed by its diagnostics.
func (r *Reporter) File(fr FileResult) {
	if fr.Status == StatusPass && !r.verbose {
		return
	}
	status := r.statusColor(fr.Status).Sprintf("%-9s", fr.Status)
	fmt.Fprintf(r.w, "%s %s (%s)\n", status, fr.Path, fr.Duration.Round(time.Millisecond))
	if fr.Status == StatusSkip && fr.Reason != "" {
		fmt.Fprintf(r.w, "  %s\n", fr.Reason)
	}
	if fr.Status != StatusExpectedFailure || r.verbose {
		for _, d := range fr.Diagnostics {
			fmt.Fprintln(r.w, indent(FormatDiagnostic(fr.Path, d), "  "))
		}
	}
	if r.verbose {
		for _, run := range fr.Runs {
			fmt.Fprintf(r.w, "  %s %s [%s, exit %d]\n", r.label.Sprint("RUN:"), run.CommandLine, run.Status, run.ExitCode)
		}
	}
}

// Summary writes the aggregate counts.
func (r *Reporter) Summary(res *Results) {
	parts := []string{
		r.pass.Sprintf("%d passed", res.Passed),
		r.fail.Sprintf("%d failed", res.Failed),
		r.skip.Sprintf("%d skipped", res.Skipped),
	}
	if res.Cancelled > 0 {
		parts = append(parts, r.fail.Sprintf("%d cancelled", res.Cancelled))
	}
	if res.ExpectedFailures > 0 {
		parts = append(parts, r.skip.Sprintf("%d expected failures", res.ExpectedFailures))
	}
	if res.UnexpectedPasses > 0 {
		parts = append(parts, r.fail.Sprintf("%d unexpected passes", res.UnexpectedPasses))
	}
	if len(res.NotRun) > 0 {
		parts = append(parts, r.skip.Sprintf("%d not run", len(res.NotRun)))
	}
	fmt.Fprintf(r.w, "\n%s %s\n", r.label.Sprint("Summary:"), strings.Join(parts, ", "))
}

// Report writes every file and the summary.
func (r *Reporter) Report(res *Results) {
	for _, fr := range res.Files {
		r.File(fr)
	}
	r.Summary(res)
}

// WriteYAML writes res to w as YAML.
func WriteYAML(w io.Writer, res *Results) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return enc.Close()
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
