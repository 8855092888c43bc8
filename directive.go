package lit

import (
	"strings"
	"unicode"
)

// DirectiveKind is the closed set of directives understood by the engine.
type DirectiveKind int

const (
	KindRun DirectiveKind = iota
	KindCheck
	KindCheckNext
	KindXFail
)

func (k DirectiveKind) String() string {
	switch k {
	case KindRun:
		return "RUN"
	case KindCheck:
		return "CHECK"
	case KindCheckNext:
		return "CHECK-NEXT"
	case KindXFail:
		return "XFAIL"
	default:
		return "UNKNOWN"
	}
}

// prefix returns the literal that introduces the directive in a comment.
func (k DirectiveKind) prefix() string {
	return k.String() + ":"
}

var directiveKinds = []DirectiveKind{KindRun, KindCheck, KindCheckNext, KindXFail}

// Directive is a single directive found in a test file.
type Directive struct {
	Kind DirectiveKind
	Body string // text after the prefix, trimmed
	Line int    // 1-based source line
}

// RunGroup is one RUN directive and the CHECK and CHECK-NEXT directives that
// follow it.
type RunGroup struct {
	Run    Directive
	Checks []Directive
}

// ParseDirectives extracts directives from text, where token marks a comment
// line. Directives are returned in file order. Every malformed directive is
// reported in the returned ParseErrors; well-formed ones are still returned.
func ParseDirectives(text, token string) ([]Directive, error) {
	var (
		directives []Directive
		errs       ParseErrors
	)
	lineno := 0
	for text != "" {
		var line string
		line, text = getLine(text)
		lineno++

		d, ok, err := parseDirectiveLine(line, token, lineno)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			directives = append(directives, d)
		}
	}
	if len(errs) > 0 {
		return directives, errs
	}
	return directives, nil
}

// parseDirectiveLine reports whether line carries a directive.
func parseDirectiveLine(line, token string, lineno int) (Directive, bool, *ParseError) {
	if token == "" {
		return Directive{}, false, nil
	}
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	rest, ok := strings.CutPrefix(line, token)
	if !ok {
		return Directive{}, false, nil
	}
	rest = strings.TrimSpace(rest)

	for _, kind := range directiveKinds {
		body, ok := strings.CutPrefix(rest, kind.prefix())
		if !ok {
			continue
		}
		// "RUN:x" is commentary, not a directive.
		if body != "" && !unicode.IsSpace(rune(body[0])) {
			return Directive{}, false, nil
		}
		body = strings.TrimSpace(body)
		if body == "" && kind != KindXFail {
			return Directive{}, false, &ParseError{Line: lineno, Kind: kind, Err: ErrEmptyDirective}
		}
		return Directive{Kind: kind, Body: body, Line: lineno}, true, nil
	}
	return Directive{}, false, nil
}

// GroupRuns splits directives into RunGroups. Checks before the first RUN are
// reported as ParseErrors. XFAIL applies to the whole file and is not grouped.
func GroupRuns(directives []Directive) ([]RunGroup, error) {
	var (
		groups []RunGroup
		errs   ParseErrors
	)
	for _, d := range directives {
		switch d.Kind {
		case KindRun:
			groups = append(groups, RunGroup{Run: d})
		case KindCheck, KindCheckNext:
			if len(groups) == 0 {
				errs = append(errs, &ParseError{Line: d.Line, Kind: d.Kind, Err: ErrCheckBeforeRun})
				continue
			}
			last := &groups[len(groups)-1]
			last.Checks = append(last.Checks, d)
		}
	}
	if len(errs) > 0 {
		return groups, errs
	}
	return groups, nil
}

// ExpectedFailureLine returns the line of the first XFAIL directive, or zero
// when the file is expected to pass.
func ExpectedFailureLine(directives []Directive) int {
	for _, d := range directives {
		if d.Kind == KindXFail {
			return d.Line
		}
	}
	return 0
}

// getLine returns the first line and the remainder of the input.
func getLine(s string) (line, rest string) {
	i := strings.Index(s, "\n")
	if i < 0 {
		return strings.TrimSuffix(s, "\r"), ""
	}
	return strings.TrimSuffix(s[:i], "\r"), s[i+1:]
}
