package recovery

import (
	"encoding/json"
	"fmt"
)

// Document is the structure a model is asked to produce for one source
// document: a topic outline, the graph schema it implies and the Cypher
// statements that populate the graph.
type Document struct {
	Hierarchy map[string]any `json:"hierarchy"`
	Schema    Schema         `json:"schema"`
	Cypher    Statements     `json:"cypher"`
}

// Schema lists the node labels and relationship types used by a Document.
type Schema struct {
	Nodes         []NodeSchema         `json:"nodes"`
	Relationships []RelationshipSchema `json:"relationships"`
}

// NodeSchema declares a node label and its property types.
type NodeSchema struct {
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
}

// RelationshipSchema declares a relationship type and its property types.
type RelationshipSchema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Statements is the ordered cypher list. Models sometimes emit the whole
// script as one string instead of an array; that form decodes to a single
// entry.
type Statements []string

func (s *Statements) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Statements{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("cypher must be a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}

// requiredKeys are the top-level keys every Document must carry.
var requiredKeys = []string{"hierarchy", "schema", "cypher"}

// decodeDocument decodes text as a Document, failing when any required key
// is absent or null.
func decodeDocument(text string) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &top); err != nil {
		return nil, err
	}
	for _, k := range requiredKeys {
		v, ok := top[k]
		if !ok || string(v) == "null" {
			return nil, fmt.Errorf("missing required key %q", k)
		}
	}

	var doc Document
	if err := json.Unmarshal(top["hierarchy"], &doc.Hierarchy); err != nil {
		return nil, fmt.Errorf("decoding hierarchy: %w", err)
	}
	if err := json.Unmarshal(top["schema"], &doc.Schema); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	if err := json.Unmarshal(top["cypher"], &doc.Cypher); err != nil {
		return nil, fmt.Errorf("decoding cypher: %w", err)
	}
	return &doc, nil
}

// Outline is a typed view of a Document hierarchy node.
type Outline struct {
	Title    string
	Children []Outline
}

// titleKeys are tried in order when reading a node title.
var titleKeys = []string{"title", "name", "root", "topic"}

// ParseOutline reads the hierarchy as a tree of titled nodes. Children are
// taken from "children" (or "subtopics"); anything else is ignored.
func ParseOutline(h map[string]any) Outline {
	var o Outline
	for _, k := range titleKeys {
		if s, ok := h[k].(string); ok && s != "" {
			o.Title = s
			break
		}
	}

	kids, ok := h["children"].([]any)
	if !ok {
		kids, _ = h["subtopics"].([]any)
	}
	for _, k := range kids {
		switch v := k.(type) {
		case map[string]any:
			o.Children = append(o.Children, ParseOutline(v))
		case string:
			o.Children = append(o.Children, Outline{Title: v})
		}
	}
	return o
}

// Depth returns the number of levels in the outline, counting the root.
func (o Outline) Depth() int {
	max := 0
	for _, c := range o.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}
