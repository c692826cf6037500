// Package report describes the current contents of the graph store: its
// size, vocabulary, best connected nodes and a rough topic guess.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Querier runs a read query and returns each record as a map.
type Querier interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

const (
	countNodesQuery = "MATCH (n) RETURN count(n) AS c"
	countRelsQuery  = "MATCH ()-[r]->() RETURN count(r) AS c"
	labelsQuery     = "CALL db.labels() YIELD label RETURN label ORDER BY label"
	relTypesQuery   = "CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType ORDER BY relationshipType"

	hubsQuery = `MATCH (n)-[r]-()
WITH n, count(r) AS deg
ORDER BY deg DESC
LIMIT $limit
RETURN coalesce(n.name, n.title, n.filename, toString(n.index), elementId(n)) AS name, labels(n)[0] AS lbl, deg`

	namesQuery = `MATCH (e)
WHERE e.name IS NOT NULL
WITH e.name AS n
LIMIT $limit
RETURN n`
)

const (
	hubLimit    = 5
	sampleLimit = 1000
	topicWords  = 5
)

// Hub is a node ranked by degree.
type Hub struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Degree int64  `json:"degree"`
}

// Summary describes the graph.
type Summary struct {
	Nodes             int64    `json:"nodes"`
	Relationships     int64    `json:"relationships"`
	Labels            []string `json:"labels"`
	RelationshipTypes []string `json:"relationship_types"`
	Hubs              []Hub    `json:"hubs"`
	Topics            []string `json:"topics"`
}

// Describe queries the store for a Summary.
func Describe(ctx context.Context, q Querier) (*Summary, error) {
	s := &Summary{}
	var err error

	if s.Nodes, err = count(ctx, q, countNodesQuery); err != nil {
		return nil, fmt.Errorf("counting nodes: %w", err)
	}
	if s.Relationships, err = count(ctx, q, countRelsQuery); err != nil {
		return nil, fmt.Errorf("counting relationships: %w", err)
	}
	if s.Labels, err = column(ctx, q, labelsQuery, nil, "label"); err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	if s.RelationshipTypes, err = column(ctx, q, relTypesQuery, nil, "relationshipType"); err != nil {
		return nil, fmt.Errorf("listing relationship types: %w", err)
	}

	rows, err := q.Query(ctx, hubsQuery, map[string]any{"limit": hubLimit})
	if err != nil {
		return nil, fmt.Errorf("ranking hubs: %w", err)
	}
	for _, r := range rows {
		s.Hubs = append(s.Hubs, Hub{
			Name:   asString(r["name"]),
			Label:  asString(r["lbl"]),
			Degree: asInt64(r["deg"]),
		})
	}

	names, err := column(ctx, q, namesQuery, map[string]any{"limit": sampleLimit}, "n")
	if err != nil {
		return nil, fmt.Errorf("sampling names: %w", err)
	}
	s.Topics = GuessTopics(names, topicWords)
	return s, nil
}

func count(ctx context.Context, q Querier, cypher string) (int64, error) {
	rows, err := q.Query(ctx, cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return asInt64(rows[0]["c"]), nil
}

func column(ctx context.Context, q Querier, cypher string, params map[string]any, key string) ([]string, error) {
	rows, err := q.Query(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if v, ok := r[key]; ok && v != nil {
			out = append(out, asString(v))
		}
	}
	return out, nil
}

// GuessTopics returns the n most frequent words across names. Words of
// three to 29 letters that start with a letter are counted
// case-insensitively; ties keep first-seen order.
func GuessTopics(names []string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, name := range names {
		for _, w := range strings.Fields(name) {
			l := utf8.RuneCountInString(w)
			if l <= 2 || l >= 30 {
				continue
			}
			first, _ := utf8.DecodeRuneInString(w)
			if !unicode.IsLetter(first) {
				continue
			}
			w = strings.ToLower(w)
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}

	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}

// Narrative renders the summary as a short paragraph.
func (s *Summary) Narrative() string {
	p := message.NewPrinter(language.English)

	labels := "no labels"
	if len(s.Labels) > 0 {
		labels = "the labels " + strings.Join(s.Labels, ", ")
	}
	types := "no relationship types"
	if len(s.RelationshipTypes) > 0 {
		quoted := make([]string, len(s.RelationshipTypes))
		for i, t := range s.RelationshipTypes {
			quoted[i] = ":" + t
		}
		types = "the relationship types " + strings.Join(quoted, ", ")
	}
	topic := "various subjects"
	if len(s.Topics) > 0 {
		topic = strings.Join(s.Topics, ", ")
	}

	story := []string{
		p.Sprintf("The knowledge graph currently contains %d nodes and %d relationships.", s.Nodes, s.Relationships),
		fmt.Sprintf("It uses %s and %s.", labels, types),
		fmt.Sprintf("From a quick scan of entity names, the graph seems to revolve around %s.", topic),
	}
	if len(s.Hubs) > 0 {
		hubs := make([]string, len(s.Hubs))
		for i, h := range s.Hubs {
			if h.Label == "" {
				hubs[i] = p.Sprintf("%s (degree %d)", h.Name, h.Degree)
				continue
			}
			hubs[i] = p.Sprintf("%s (%s, degree %d)", h.Name, h.Label, h.Degree)
		}
		story = append(story, "The most connected objects are "+strings.Join(hubs, "; ")+".")
	}
	return strings.Join(story, " ")
}

// Wrap breaks text into lines of at most width columns at spaces.
func Wrap(text string, width int) string {
	var b strings.Builder
	line := 0
	for _, w := range strings.Fields(text) {
		l := utf8.RuneCountInString(w)
		if line > 0 && line+1+l > width {
			b.WriteByte('\n')
			line = 0
		} else if line > 0 {
			b.WriteByte(' ')
			line++
		}
		b.WriteString(w)
		line += l
	}
	return b.String()
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
