package lit

import (
	"strings"

	"go.uber.org/zap"
)

// Stream identifies which captured output a CHECK matched in.
type Stream int

const (
	StreamNone Stream = iota
	StreamStdout
	StreamStderr
)

func (s Stream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	default:
		return "none"
	}
}

// MarshalYAML renders the stream by name.
func (s Stream) MarshalYAML() (any, error) { return s.String(), nil }

// CheckOutcome records how a single CHECK was resolved.
type CheckOutcome struct {
	Line     int    `yaml:"line"`
	Expected string `yaml:"expected"`
	Matched  bool   `yaml:"matched"`
	Stream   Stream `yaml:"stream"`
	Offset   int    `yaml:"offset"` // byte offset of the match in Stream
}

// region is one searchable output stream with its own cursor.
type region struct {
	stream  Stream
	text    string
	cursor  int
	matched bool // whether any check has matched in this region
}

// find searches for s at or after the cursor and advances the cursor past
// the match.
func (r *region) find(s string) (int, bool) {
	i := strings.Index(r.text[r.cursor:], s)
	if i < 0 {
		return 0, false
	}
	return r.advance(r.cursor+i, s), true
}

// findNext searches for s on the line after the one holding the previous
// match, or on the first line when nothing has matched yet.
func (r *region) findNext(s string) (int, bool) {
	start := r.cursor
	if r.matched {
		nl := strings.IndexByte(r.text[start:], '\n')
		if nl < 0 {
			return 0, false
		}
		start += nl + 1
	}
	line := r.text[start:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	i := strings.Index(line, s)
	if i < 0 {
		return 0, false
	}
	return r.advance(start+i, s), true
}

func (r *region) advance(offset int, s string) int {
	r.cursor = offset + len(s)
	r.matched = true
	return offset
}

// Verifier checks the output of one RUN against its CHECK directives. Stdout
// is searched first and stderr is the fallback; each keeps its own cursor and
// the two are never merged.
type Verifier struct {
	regions [2]region
	logger  *zap.Logger
}

// NewVerifier returns a Verifier over the output captured in rec.
func NewVerifier(rec RunRecord, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		regions: [2]region{
			{stream: StreamStdout, text: rec.Stdout},
			{stream: StreamStderr, text: rec.Stderr},
		},
		logger: logger,
	}
}

// Check resolves one CHECK or CHECK-NEXT directive. On a miss the outcome is
// returned along with a *CheckNotFoundError carrying both full streams.
func (v *Verifier) Check(check Directive, scope *Scope) (CheckOutcome, error) {
	out := CheckOutcome{Line: check.Line}
	expected, err := scope.Substitute(check.Body)
	if err != nil {
		return out, err
	}
	out.Expected = expected

	for i := range v.regions {
		r := &v.regions[i]
		find := r.find
		if check.Kind == KindCheckNext {
			find = r.findNext
		}
		offset, ok := find(expected)
		if !ok {
			continue
		}
		out.Matched = true
		out.Stream = r.stream
		out.Offset = offset
		v.logger.Debug("check matched",
			zap.Int("line", check.Line),
			zap.Stringer("stream", r.stream),
			zap.Int("offset", offset),
		)
		return out, nil
	}
	return out, &CheckNotFoundError{
		Line:     check.Line,
		Expected: expected,
		NextLine: check.Kind == KindCheckNext,
		Stdout:   v.regions[0].text,
		Stderr:   v.regions[1].text,
	}
}

// VerifyAll resolves checks in order and stops at the first miss.
func (v *Verifier) VerifyAll(checks []Directive, scope *Scope) ([]CheckOutcome, error) {
	outcomes := make([]CheckOutcome, 0, len(checks))
	for _, c := range checks {
		out, err := v.Check(c, scope)
		outcomes = append(outcomes, out)
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}
