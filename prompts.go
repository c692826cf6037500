package docgraph

import (
	"encoding/json"
	"fmt"

	"github.com/brunobiangulo/docgraph/recovery"
)

const modelingRules = `Rules:
- nouns become node labels in PascalCase
- verbs become relationship types in UPPER_SNAKE_CASE
- give every node a "name" property; ids look like P{page}_S{section}_E{entity}
- use MERGE so statements can be run again without duplicating data
- every statement is self-contained: it declares each variable it uses and
  never refers to a variable bound in another statement
- once a variable is bound, refer to it as (v), never as (v:Label)
- write each statement on a single line`

const jsonSystemPrompt = `You are an expert Neo4j graph modeler. Turn the document you are given into a knowledge graph.

Return ONLY a JSON object, without markdown fences, with exactly these keys:
  "hierarchy": the topic outline of the document, {"title": "...", "children": [ ... ]} nested to any depth
  "schema": {"nodes": [{"label": "...", "properties": {"name": "type"}}], "relationships": [{"type": "...", "properties": {"name": "type"}}]}
  "cypher": an array of Cypher statements that build the graph, one statement per element

` + modelingRules

const scriptSystemPrompt = `You are an expert Neo4j graph modeler. Turn the document you are given into a knowledge graph.

Return ONLY a Cypher script, without markdown fences or commentary. End every statement with a semicolon.

` + modelingRules

func extractMessages(mode, text string) (system, user string) {
	user = "Document text:\n" + text
	if mode == "script" {
		return scriptSystemPrompt, user
	}
	return jsonSystemPrompt, user
}

func narrativePrompt(language string, doc *recovery.Document) (string, error) {
	h, err := json.Marshal(doc.Hierarchy)
	if err != nil {
		return "", fmt.Errorf("encoding hierarchy: %w", err)
	}
	s, err := json.Marshal(doc.Schema)
	if err != nil {
		return "", fmt.Errorf("encoding schema: %w", err)
	}
	return fmt.Sprintf(`You are a knowledge graph expert. Explain, in %s, how every node and relationship derives from the original text, using the hierarchy and schema below. Answer in plain prose.

Hierarchy:
%s

Schema:
%s`, language, h, s), nil
}
