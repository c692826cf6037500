package report

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	rows   map[string][]map[string]any
	err    map[string]error
	params map[string]map[string]any
}

func (f *fakeQuerier) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if f.params == nil {
		f.params = make(map[string]map[string]any)
	}
	f.params[cypher] = params
	if err := f.err[cypher]; err != nil {
		return nil, err
	}
	return f.rows[cypher], nil
}

func populated() *fakeQuerier {
	return &fakeQuerier{rows: map[string][]map[string]any{
		countNodesQuery: {{"c": int64(1234)}},
		countRelsQuery:  {{"c": int64(5678)}},
		labelsQuery:     {{"label": "Company"}, {"label": "Person"}},
		relTypesQuery:   {{"relationshipType": "KNOWS"}, {"relationshipType": "WORKS_AT"}},
		hubsQuery: {
			{"name": "Ada Lovelace", "lbl": "Person", "deg": int64(12)},
			{"name": "Analytical Engines", "lbl": nil, "deg": int64(7)},
		},
		namesQuery: {
			{"n": "Ada Lovelace"},
			{"n": "Analytical Engine"},
			{"n": "Engine Room"},
			{"n": "ada"},
			{"n": "42 Engine"},
			{"n": "Lovelace Prize"},
		},
	}}
}

func TestDescribe(t *testing.T) {
	q := populated()
	s, err := Describe(context.Background(), q)
	require.NoError(t, err)

	want := &Summary{
		Nodes:             1234,
		Relationships:     5678,
		Labels:            []string{"Company", "Person"},
		RelationshipTypes: []string{"KNOWS", "WORKS_AT"},
		Hubs: []Hub{
			{Name: "Ada Lovelace", Label: "Person", Degree: 12},
			{Name: "Analytical Engines", Label: "", Degree: 7},
		},
		Topics: []string{"engine", "ada", "lovelace", "analytical", "room"},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("Describe() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]any{"limit": hubLimit}, q.params[hubsQuery])
	assert.Equal(t, map[string]any{"limit": sampleLimit}, q.params[namesQuery])
}

func TestDescribeEmptyGraph(t *testing.T) {
	s, err := Describe(context.Background(), &fakeQuerier{})
	require.NoError(t, err)
	assert.Zero(t, s.Nodes)
	assert.Empty(t, s.Labels)
	assert.Empty(t, s.Hubs)
	assert.Empty(t, s.Topics)

	assert.Equal(t,
		"The knowledge graph currently contains 0 nodes and 0 relationships. "+
			"It uses no labels and no relationship types. "+
			"From a quick scan of entity names, the graph seems to revolve around various subjects.",
		s.Narrative())
}

func TestDescribeQueryError(t *testing.T) {
	q := populated()
	q.err = map[string]error{labelsQuery: errors.New("connection reset")}
	_, err := Describe(context.Background(), q)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing labels")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestNarrative(t *testing.T) {
	s, err := Describe(context.Background(), populated())
	require.NoError(t, err)

	got := s.Narrative()
	assert.Equal(t,
		"The knowledge graph currently contains 1,234 nodes and 5,678 relationships. "+
			"It uses the labels Company, Person and the relationship types :KNOWS, :WORKS_AT. "+
			"From a quick scan of entity names, the graph seems to revolve around engine, ada, lovelace, analytical, room. "+
			"The most connected objects are Ada Lovelace (Person, degree 12); Analytical Engines (degree 7).",
		got)
}

func TestGuessTopics(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		n     int
		want  []string
	}{
		{"empty", nil, 5, nil},
		{"short and numeric words dropped", []string{"an ox 2024 x1 Rome"}, 5, []string{"rome"}},
		{"case folded", []string{"Turin", "TURIN", "turin office"}, 2, []string{"turin", "office"}},
		{"ties keep first seen", []string{"beta alpha", "alpha beta gamma"}, 3, []string{"beta", "alpha", "gamma"}},
		{"limit", []string{"one two three four"}, 2, []string{"one", "two"}},
		{"very long word dropped", []string{strings.Repeat("a", 30) + " short"}, 5, []string{"short"}},
		{"accented letters", []string{"Società Città città"}, 5, []string{"città", "società"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GuessTopics(tt.names, tt.n)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Equal(t, "one two\nthree", Wrap("one two three", 8))
	assert.Equal(t, "averyveryverylongword\nx", Wrap("averyveryverylongword x", 5))
	assert.Equal(t, "", Wrap("   ", 10))
}
