package recovery

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `{"hierarchy":{"root":"A"},"schema":{"nodes":[],"relationships":[]},"cypher":["MERGE (a:A) RETURN a;"]}`

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "fenced with language tag",
			input: "```json\n{\"a\": 1}\n```",
			want:  "{\"a\": 1}",
		},
		{
			name:  "fenced without tag and surrounding blank lines",
			input: "\n\n```\n{\"a\": 1}\n```\n  ",
			want:  "{\"a\": 1}",
		},
		{
			name:  "fence only at start is kept",
			input: "```json\n{\"a\": 1}",
			want:  "```json\n{\"a\": 1}",
		},
		{
			name:  "closing fence with tag is not a closing fence",
			input: "```json\n{\"a\": 1}\n```json",
			want:  "```json\n{\"a\": 1}\n```json",
		},
		{
			name:  "smart quotes",
			input: "{“a”: ‘x’}",
			want:  `{"a": 'x'}`,
		},
		{
			name:  "trailing comma before brace",
			input: `{"a": 1, }`,
			want:  `{"a": 1 }`,
		},
		{
			name:  "trailing comma before bracket across newline",
			input: "[1, 2,\n]",
			want:  "[1, 2\n]",
		},
		{
			name:  "inner commas untouched",
			input: `{"a": [1, 2], "b": "x, y"}`,
			want:  `{"a": [1, 2], "b": "x, y"}`,
		},
		{
			name:  "typographic quotes inside a string are kept",
			input: `{"title": "Dante’s “Commedia”"}`,
			want:  `{"title": "Dante’s “Commedia”"}`,
		},
		{
			name:  "typographic delimiters around a string with apostrophe",
			input: "{“title”: “Dante’s”}",
			want:  `{"title": "Dante’s"}`,
		},
		{
			name:  "comma before bracket inside a string is kept",
			input: `{"c": "MERGE (a:A {tags: ['p', ]})", }`,
			want:  `{"c": "MERGE (a:A {tags: ['p', ]})" }`,
		},
		{
			name:  "escaped quote does not end the string",
			input: `{"c": "say \"x, }\"",}`,
			want:  `{"c": "say \"x, }\""}`,
		},
		{
			name:  "plain text unchanged",
			input: "hello world",
			want:  "hello world",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.input))
		})
	}
}

func TestSanitizeRoundTrip(t *testing.T) {
	inputs := []string{
		`{"a": 1, "b": [true, null, "x"], "c": {"d": 2.5}}`,
		`[1, 2, 3]`,
		`{"nested": {"deep": {"deeper": []}}}`,
	}
	for _, in := range inputs {
		var want any
		require.NoError(t, json.Unmarshal([]byte(in), &want))

		variants := []string{
			"```json\n" + in + "\n```",
			"```\n" + in + "\n```",
			addTrailingCommas(in),
			"```json\n" + addTrailingCommas(in) + "\n```",
		}
		for _, v := range variants {
			var got any
			require.NoError(t, json.Unmarshal([]byte(Sanitize(v)), &got), "variant %q", v)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip of %q mismatch (-want +got):\n%s", v, diff)
			}
		}
	}
}

func TestSanitizeRoundTripKeepsStringContents(t *testing.T) {
	inputs := []string{
		`{"title": "Dante’s “Commedia”", "quote": "‘inner’ „low“ 5″"}`,
		`{"cypher": ["MERGE (a:A {tags: ['p', ]})", "x, }"], "n": 1}`,
		`["“a”, ", "b ,]"]`,
	}
	for _, in := range inputs {
		var want any
		require.NoError(t, json.Unmarshal([]byte(in), &want))

		// Trailing commas are only added around the outer value so the
		// string contents stay as they are.
		last := len(in) - 1
		withComma := in[:last] + ", " + in[last:]
		variants := []string{
			in,
			"```json\n" + in + "\n```",
			withComma,
			"```\n" + withComma + "\n```",
		}
		for _, v := range variants {
			var got any
			require.NoError(t, json.Unmarshal([]byte(Sanitize(v)), &got), "variant %q", v)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip of %q mismatch (-want +got):\n%s", v, diff)
			}
		}
	}
}

// addTrailingCommas inserts a comma before every closing brace or bracket
// that follows a value.
func addTrailingCommas(s string) string {
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c == '}' || c == ']') && i > 0 && s[i-1] != '{' && s[i-1] != '[' {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}

func TestRecoverFencedDocument(t *testing.T) {
	raw := "```json\n" + validDoc + "\n```"

	doc, err := Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "A", doc.Hierarchy["root"])
	assert.Equal(t, Statements{"MERGE (a:A) RETURN a;"}, doc.Cypher)
	assert.Empty(t, doc.Schema.Nodes)
	assert.Empty(t, doc.Schema.Relationships)
}

func TestRecoverProsePrefixAndTrailingComma(t *testing.T) {
	raw := `Sure! Here you go: {"hierarchy":{"title":"Doc"},"schema":{"nodes":[],"relationships":[]},"cypher":["MERGE (a:A)"],}`

	var winner string
	p := NewParser().OnSuccess(func(s string) { winner = s })

	doc, err := p.Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "balanced-brace", winner)
	assert.Equal(t, "Doc", doc.Hierarchy["title"])
	assert.Len(t, doc.Cypher, 1)
}

func TestRecoverTypographicQuotesInValues(t *testing.T) {
	raw := `{"hierarchy":{"title":"Dante’s “Commedia”"},"schema":{"nodes":[],"relationships":[]},` +
		`"cypher":["MERGE (b:Book {title: 'Dante’s “Commedia”', tags: ['p', ]})"]}`

	doc, err := Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "Dante’s “Commedia”", doc.Hierarchy["title"])
	assert.Equal(t, Statements{"MERGE (b:Book {title: 'Dante’s “Commedia”', tags: ['p', ]})"}, doc.Cypher)
}

func TestRecoverTypographicDelimiters(t *testing.T) {
	raw := "{“hierarchy”:{“root”:“A”},“schema”:{“nodes”:[],“relationships”:[]},“cypher”:[“MERGE (a:A)”]}"

	doc, err := Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, "A", doc.Hierarchy["root"])
	assert.Equal(t, Statements{"MERGE (a:A)"}, doc.Cypher)
}

func TestRepairStrategy(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"truncated", `Here it is: {"hierarchy":{"root":"A"},"schema":{"nodes":[],"relationships":[]},"cypher":["MERGE (a:A)"`},
		{"single quoted", `{'hierarchy': {'root': 'A'}, 'schema': {'nodes': [], 'relationships': []}, 'cypher': ['MERGE (a:A)']}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Recover(tt.raw)
			require.ErrorIs(t, err, ErrMalformedOutput, "default strategies do not repair")

			var winner string
			p := NewParser(WithRepair(DefaultStrategies)...).OnSuccess(func(s string) { winner = s })
			doc, err := p.Recover(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, "repair", winner)
			assert.Equal(t, "A", doc.Hierarchy["root"])
			assert.Equal(t, Statements{"MERGE (a:A)"}, doc.Cypher)
		})
	}
}

func TestRepairStrategyStillRequiresKeys(t *testing.T) {
	raw := `{"hierarchy": {"root": "A"}, "schema": {"nodes": []`
	_, err := NewParser(WithRepair(DefaultStrategies)...).Recover(raw)

	var mErr *MalformedOutputError
	require.ErrorAs(t, err, &mErr)
	assert.Len(t, mErr.Attempts, len(DefaultStrategies)+1)
	assert.Equal(t, "repair", mErr.Attempts[2].Strategy)
}

func TestWithRepairDoesNotModifyInput(t *testing.T) {
	base := DefaultStrategies[:1:1]
	got := WithRepair(base)
	assert.Len(t, base, 1)
	assert.Equal(t, []string{"direct", "repair"}, []string{got[0].Name, got[1].Name})
}

func TestRecoverIgnoresSurroundingProse(t *testing.T) {
	prose := []struct{ before, after string }{
		{"Here is the JSON:\n", "\nLet me know if you need anything else."},
		{"", " -- end"},
		{"Result => ", ""},
		{"Note: braces are fun }}} but ", " (done)"},
	}
	for _, p := range prose {
		doc, err := Recover(p.before + validDoc + p.after)
		require.NoError(t, err, "prose %q", p.before)
		assert.Equal(t, "A", doc.Hierarchy["root"])
	}
}

func TestRecoverMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no braces", "I could not produce a graph for this document."},
		{"unbalanced", `{"hierarchy": {"root": "A"`},
		{"garbage inside braces", `{not json at all}`},
		{"empty", ""},
		{"missing cypher", `{"hierarchy":{},"schema":{"nodes":[],"relationships":[]}}`},
		{"null schema", `{"hierarchy":{},"schema":null,"cypher":[]}`},
		{"array not object", `[1,2,3]`},
		{"cypher wrong type", `{"hierarchy":{},"schema":{"nodes":[],"relationships":[]},"cypher":42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Recover(tt.raw)
			require.Error(t, err)
			assert.Nil(t, doc)
			assert.True(t, errors.Is(err, ErrMalformedOutput))

			var mErr *MalformedOutputError
			require.ErrorAs(t, err, &mErr)
			assert.Equal(t, tt.raw, mErr.Raw)
			assert.Len(t, mErr.Attempts, len(DefaultStrategies))
		})
	}
}

func TestRecoverCypherAsString(t *testing.T) {
	raw := `{"hierarchy":{},"schema":{"nodes":[],"relationships":[]},"cypher":"MERGE (a:A);\nMERGE (b:B);"}`
	doc, err := Recover(raw)
	require.NoError(t, err)
	assert.Equal(t, Statements{"MERGE (a:A);\nMERGE (b:B);"}, doc.Cypher)
}

func TestRecoverKeepsJSONTypes(t *testing.T) {
	raw := `{
		"hierarchy": {"title": "Root", "children": [{"title": "Child", "children": []}], "weight": 1.5, "draft": false, "note": null},
		"schema": {
			"nodes": [{"label": "Person", "properties": {"name": "string", "age": "integer"}}],
			"relationships": [{"type": "KNOWS", "properties": {"since": "date"}}]
		},
		"cypher": ["MERGE (p:Person {name: 'Ada'})"]
	}`
	doc, err := Recover(raw)
	require.NoError(t, err)

	assert.Equal(t, 1.5, doc.Hierarchy["weight"])
	assert.Equal(t, false, doc.Hierarchy["draft"])
	assert.Nil(t, doc.Hierarchy["note"])

	want := Schema{
		Nodes:         []NodeSchema{{Label: "Person", Properties: map[string]any{"name": "string", "age": "integer"}}},
		Relationships: []RelationshipSchema{{Type: "KNOWS", Properties: map[string]any{"since": "date"}}},
	}
	if diff := cmp.Diff(want, doc.Schema); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
}

func TestBalancedObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", `x {"a":1} y`, `{"a":1}`},
		{"nested", `pre {"a":{"b":{}}} post {"c":2}`, `{"a":{"b":{}}}`},
		{"no brace", `nothing here`, `nothing here`},
		{"never balanced", `{"a":{`, `{"a":{`},
		{"brace in string counted", `{"a":"}"}`, `{"a":"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BalancedObject(tt.input))
		})
	}
}

func TestStrategiesIndependently(t *testing.T) {
	_, err := DirectParse(validDoc)
	assert.NoError(t, err)

	_, err = DirectParse("prefix " + validDoc)
	assert.Error(t, err)

	_, err = BalancedBraceParse("prefix " + validDoc + " suffix")
	assert.NoError(t, err)
}

func TestCustomStrategyOrder(t *testing.T) {
	called := []string{}
	failing := Strategy{Name: "never", Parse: func(string) (*Document, error) {
		called = append(called, "never")
		return nil, errors.New("nope")
	}}
	direct := Strategy{Name: "direct", Parse: func(s string) (*Document, error) {
		called = append(called, "direct")
		return DirectParse(s)
	}}

	_, err := NewParser(failing, direct).Recover(validDoc)
	require.NoError(t, err)
	assert.Equal(t, []string{"never", "direct"}, called)
}

func TestParseOutline(t *testing.T) {
	h := map[string]any{
		"title": "Manual",
		"children": []any{
			map[string]any{"title": "Install", "children": []any{
				map[string]any{"name": "Linux"},
				"Windows",
			}},
			map[string]any{"title": "Usage"},
		},
	}
	o := ParseOutline(h)

	want := Outline{
		Title: "Manual",
		Children: []Outline{
			{Title: "Install", Children: []Outline{{Title: "Linux"}, {Title: "Windows"}}},
			{Title: "Usage"},
		},
	}
	if diff := cmp.Diff(want, o); diff != "" {
		t.Errorf("outline mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, o.Depth())
	assert.Equal(t, "A", ParseOutline(map[string]any{"root": "A"}).Title)
}
