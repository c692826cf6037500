package recovery

import (
	"regexp"
	"strings"
	"unicode"
)

// fenceLineRe matches a bare fence marker line, optionally carrying a
// language tag (```json, ```cypher).
var fenceLineRe = regexp.MustCompile("^```[A-Za-z0-9_+-]*$")

func isSmartDouble(r rune) bool {
	switch r {
	case '“', '”', '„', '‟', '″':
		return true
	}
	return false
}

func isSmartSingle(r rune) bool {
	switch r {
	case '‘', '’', '‚', '‛', '′':
		return true
	}
	return false
}

// Sanitize normalises a raw model response before parsing: it unwraps a
// payload fenced as a whole, replaces typographic quotes used as string
// delimiters with ASCII ones and drops trailing commas before a closing
// brace or bracket. The contents of string literals are never changed.
func Sanitize(raw string) string {
	return normalize(StripFence(raw))
}

// normalize scans text keeping track of JSON string literals. A literal is
// opened by '"' or a typographic double quote and closed by the matching
// kind; typographic delimiters are rewritten to '"'. Outside literals,
// typographic single quotes become '\'' and a comma followed only by
// whitespace and '}' or ']' is dropped.
func normalize(text string) string {
	runes := []rune(text)
	var b strings.Builder
	b.Grow(len(text))

	inString, smart, escaped := false, false, false
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case !smart && r == '"':
				inString = false
			case smart && isSmartDouble(r):
				inString = false
				r = '"'
			}
			b.WriteRune(r)
			continue
		}

		switch {
		case r == '"':
			inString, smart = true, false
		case isSmartDouble(r):
			inString, smart = true, true
			r = '"'
		case isSmartSingle(r):
			r = '\''
		case r == ',' && closesNext(runes[i+1:]):
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// closesNext reports whether the first non-space rune of rest closes an
// object or array.
func closesNext(rest []rune) bool {
	for _, r := range rest {
		if unicode.IsSpace(r) {
			continue
		}
		return r == '}' || r == ']'
	}
	return false
}

// StripFence removes the opening and closing fence lines when the first and
// last non-blank lines of text are both bare fence markers. The closing
// marker must not carry a language tag. Text that is not fenced as a whole
// is returned unchanged.
func StripFence(text string) string {
	lines := strings.Split(text, "\n")

	first, last := -1, -1
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 || first == last {
		return text
	}

	open := strings.TrimSpace(lines[first])
	closing := strings.TrimSpace(lines[last])
	if !fenceLineRe.MatchString(open) || closing != "```" {
		return text
	}

	return strings.Join(lines[first+1:last], "\n")
}
