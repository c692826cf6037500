package cypher

import "strings"

// Clean rewrites node patterns that re-declare an already bound variable
// with a label, e.g. the second (a:Person) in
//
//	MERGE (a:Person {name: 'Ada'}) MERGE (a:Person)-[:KNOWS]->(b:Person)
//
// becomes (a). Neo4j rejects such patterns with "Variable `a` already
// declared". The first binding and everything else in the statement,
// including string literals, is left untouched. Clean is idempotent.
func Clean(statement string) string {
	bound := make(map[string]bool)

	var b strings.Builder
	b.Grow(len(statement))

	for i := 0; i < len(statement); {
		c := statement[i]

		if isQuote(c) {
			if end := literalEnd(statement, i); end >= 0 {
				b.WriteString(statement[i : end+1])
				i = end + 1
				continue
			}
		}

		if c == '(' {
			if np, ok := parseNodePattern(statement, i); ok {
				if bound[np.variable] && np.labeled {
					b.WriteString("(" + np.variable + ")")
				} else {
					b.WriteString(statement[i:np.end])
					bound[np.variable] = true
				}
				i = np.end
				continue
			}
		}

		b.WriteByte(c)
		i++
	}
	return b.String()
}

// nodePattern is a parsed "(var[:Label...] [{...}])".
type nodePattern struct {
	variable string
	labeled  bool
	end      int // index just past ')'
}

// parseNodePattern reads a node pattern starting at s[start] == '('.
func parseNodePattern(s string, start int) (nodePattern, bool) {
	i := skipSpace(s, start+1)

	name, i := readIdent(s, i)
	if name == "" {
		return nodePattern{}, false
	}
	np := nodePattern{variable: name}

	i = skipSpace(s, i)
	for i < len(s) && (s[i] == ':' || s[i] == '&' || s[i] == '|') {
		i = skipSpace(s, i+1)
		var label string
		if i < len(s) && s[i] == '`' {
			end := literalEnd(s, i)
			if end < 0 {
				return nodePattern{}, false
			}
			label = s[i : end+1]
			i = end + 1
		} else {
			label, i = readIdent(s, i)
		}
		if label == "" {
			return nodePattern{}, false
		}
		np.labeled = true
		i = skipSpace(s, i)
	}

	if i < len(s) && s[i] == '{' {
		end := mapEnd(s, i)
		if end < 0 {
			return nodePattern{}, false
		}
		i = skipSpace(s, end+1)
	}

	if i >= len(s) || s[i] != ')' {
		return nodePattern{}, false
	}
	np.end = i + 1
	return np, true
}

// mapEnd returns the index of the '}' closing the map literal opened at
// s[start], skipping string literals.
func mapEnd(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		c := s[i]
		if isQuote(c) {
			end := literalEnd(s, i)
			if end < 0 {
				return -1
			}
			i = end
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func readIdent(s string, i int) (string, int) {
	start := i
	for i < len(s) && isIdentByte(s[i], i == start) {
		i++
	}
	return s[start:i], i
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}
