// Package cypher prepares model-written Cypher scripts for execution: it
// splits a script into independently executable statements and repairs the
// variable re-declarations models tend to produce.
package cypher

import (
	"regexp"
	"strings"
)

// markerWords are language names that leak onto their own line when a
// model half-writes a fenced code block.
var markerWords = []string{"cypher"}

var fenceLineRe = regexp.MustCompile("^```[A-Za-z0-9_+-]*$")

var newlineRunRe = regexp.MustCompile(`[\r\n]+`)

// Split breaks a script into single-line statements in input order.
//
// Stray marker lines are dropped first, then newlines inside quoted
// literals are collapsed so a wrapped literal stays on one line. The
// cleaned script is split on ';' and each piece again on newlines, since
// models often put one statement per line without terminators. Blank
// results are discarded.
//
// A multi-line statement without terminators and without a literal joining
// its lines is split into one entry per line.
func Split(script string) []string {
	script = StripMarkers(script)
	script = CollapseLiterals(script)

	var out []string
	for _, seg := range splitOutsideLiterals(script, ';') {
		for _, line := range strings.Split(seg, "\n") {
			if stmt := strings.TrimSpace(line); stmt != "" {
				out = append(out, stmt)
			}
		}
	}
	return out
}

// StripMarkers removes lines that consist only of a language marker such
// as "cypher" (any case) or a bare fence.
func StripMarkers(script string) string {
	lines := strings.Split(script, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if isMarkerLine(strings.TrimSpace(l)) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

func isMarkerLine(trimmed string) bool {
	for _, w := range markerWords {
		if strings.EqualFold(trimmed, w) {
			return true
		}
	}
	return fenceLineRe.MatchString(trimmed)
}

// CollapseLiterals rewrites every quoted literal so it spans one line:
// newline runs inside the literal become a single space and a bare double
// quote inside a single-quoted literal is escaped. Text outside literals,
// and quotes that never close, are left as they are.
func CollapseLiterals(script string) string {
	var b strings.Builder
	b.Grow(len(script))

	for i := 0; i < len(script); {
		c := script[i]
		if !isQuote(c) {
			b.WriteByte(c)
			i++
			continue
		}
		end := literalEnd(script, i)
		if end < 0 {
			b.WriteByte(c)
			i++
			continue
		}
		b.WriteString(normalizeLiteral(script[i:end+1], c))
		i = end + 1
	}
	return b.String()
}

func normalizeLiteral(lit string, quote byte) string {
	if quote == '`' {
		return lit
	}
	inner := newlineRunRe.ReplaceAllString(lit[1:len(lit)-1], " ")
	if quote == '\'' {
		inner = escapeDoubleQuotes(inner)
	}
	return string(quote) + inner + string(quote)
}

func escapeDoubleQuotes(s string) string {
	if !strings.Contains(s, `"`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitOutsideLiterals splits s on sep, ignoring separators inside quoted
// literals.
func splitOutsideLiterals(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); {
		c := s[i]
		if isQuote(c) {
			if end := literalEnd(s, i); end >= 0 {
				i = end + 1
				continue
			}
		}
		if c == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
		i++
	}
	return append(parts, s[start:])
}

func isQuote(c byte) bool {
	return c == '"' || c == '\'' || c == '`'
}

// literalEnd returns the index of the quote closing the literal opened at
// s[start], or -1 when it never closes. Backslash escapes are honoured in
// string literals; backtick identifiers have none.
func literalEnd(s string, start int) int {
	q := s[start]
	for j := start + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if q != '`' {
				j++
			}
		case q:
			return j
		}
	}
	return -1
}
