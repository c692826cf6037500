package docgraph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/brunobiangulo/docgraph/executor"
	"github.com/brunobiangulo/docgraph/journal"
	"github.com/brunobiangulo/docgraph/llm"
	"github.com/brunobiangulo/docgraph/metrics"
	"github.com/brunobiangulo/docgraph/recovery"
)

// fakeModel answers chat requests through respond and records them.
type fakeModel struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
	respond  func(ctx context.Context, call int, req llm.ChatRequest) (string, error)
}

func (m *fakeModel) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	content, err := m.respond(ctx, call, req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content, Model: "fake"}, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// replies answers the n-th call with rs[n], repeating the last reply.
func replies(rs ...string) *fakeModel {
	return &fakeModel{respond: func(_ context.Context, call int, _ llm.ChatRequest) (string, error) {
		return rs[min(call, len(rs)-1)], nil
	}}
}

// scriptedStore rejects statements containing "BROKEN" as syntax errors
// and fails every statement with ErrUnavailable once down is set.
type scriptedStore struct {
	mu      sync.Mutex
	applied []string
	down    bool
}

func (s *scriptedStore) NewSession(ctx context.Context) (executor.Session, error) {
	return s, nil
}

func (s *scriptedStore) Run(ctx context.Context, statement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.down:
		return fmt.Errorf("%w: connection refused", executor.ErrUnavailable)
	case strings.Contains(statement, "BROKEN"):
		return fmt.Errorf("%w: Invalid input ')'", executor.ErrSyntax)
	}
	s.applied = append(s.applied, statement)
	return nil
}

func (s *scriptedStore) Close(ctx context.Context) error { return nil }

func (s *scriptedStore) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if strings.HasPrefix(cypher, "MATCH (n) RETURN count(n)") {
		return []map[string]any{{"c": int64(len(s.applied))}}, nil
	}
	return nil, nil
}

func newTestPipeline(t *testing.T, model llm.Provider, store executor.Store, mutate ...func(*Config)) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DisableJournal = true
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := New(context.Background(), cfg, WithProvider(model), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func jsonReply(statements ...string) string {
	quoted := make([]string, len(statements))
	for i, s := range statements {
		quoted[i] = `"` + s + `"`
	}
	return `{"hierarchy": {"title": "Notes", "children": [{"title": "People"}]},
"schema": {"nodes": [{"label": "Person", "properties": {"name": "string"}}], "relationships": [{"type": "KNOWS"}]},
"cypher": [` + strings.Join(quoted, ", ") + `]}`
}

func TestIngestJSONMode(t *testing.T) {
	model := replies("```json\n" + jsonReply(
		"MERGE (a:Person {name: 'Ada'})",
		"MATCH (a:Person {name: 'Ada'}) MERGE (a:Person)-[:KNOWS]->(b:Person {name: 'Bob'});",
	) + "\n```")
	store := &executor.DryRunStore{}
	p := newTestPipeline(t, model, store)

	res, err := p.Ingest(context.Background(), writeDoc(t, "notes.txt", "Ada knows Bob."))
	require.NoError(t, err)

	assert.Equal(t, journal.StatusOK, res.Status)
	assert.Equal(t, "json", res.Mode)
	assert.Equal(t, 2, res.Summary.Applied)
	assert.Equal(t, []string{
		"MERGE (a:Person {name: 'Ada'})",
		"MATCH (a:Person {name: 'Ada'}) MERGE (a)-[:KNOWS]->(b:Person {name: 'Bob'})",
	}, store.Statements())
	require.NotNil(t, res.Document)
	assert.Equal(t, "Notes", res.Document.Hierarchy["title"])

	require.Equal(t, 1, model.calls())
	req := model.requests[0]
	assert.Equal(t, "json_object", req.ResponseFormat)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, `"hierarchy"`)
	assert.Contains(t, req.Messages[1].Content, "Ada knows Bob.")
}

func TestIngestScriptMode(t *testing.T) {
	model := replies("```cypher\nMERGE (a:Person {name: 'Ada'});\nMERGE (b:Person {name: 'Bob'})\n```")
	store := &executor.DryRunStore{}
	p := newTestPipeline(t, model, store)

	res, err := p.Ingest(context.Background(), writeDoc(t, "notes.md", "# People\nAda and Bob."), WithMode("script"))
	require.NoError(t, err)

	assert.Nil(t, res.Document)
	assert.Equal(t, "script", res.Mode)
	assert.Equal(t, []string{"MERGE (a:Person {name: 'Ada'})", "MERGE (b:Person {name: 'Bob'})"}, store.Statements())
	assert.Empty(t, model.requests[0].ResponseFormat)
	assert.Contains(t, model.requests[0].Messages[0].Content, "Cypher script")
}

func TestIngestRetriesUnrecoverableOutput(t *testing.T) {
	model := replies("I am sorry, I cannot do that.", jsonReply("MERGE (a:A {name: 'x'})"))
	p := newTestPipeline(t, model, &executor.DryRunStore{})

	res, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls())
	assert.Equal(t, 1, res.Summary.Applied)
}

func TestIngestGivesUpAfterRetries(t *testing.T) {
	model := replies("nope")
	store := &executor.DryRunStore{}
	p := newTestPipeline(t, model, store, func(c *Config) { c.ParseRetries = 1 })

	res, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedOutput)

	var malformed *recovery.MalformedOutputError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "nope", malformed.Raw)

	assert.Equal(t, 2, model.calls())
	assert.Equal(t, journal.StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, store.Statements())
}

func TestIngestEmptyScriptIsRetried(t *testing.T) {
	model := replies("```cypher\n```", "MERGE (a:A)")
	p := newTestPipeline(t, model, &executor.DryRunStore{}, func(c *Config) { c.Mode = "script" })

	res, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls())
	assert.Equal(t, []string{"MERGE (a:A)"}, res.Statements)
}

func TestIngestRejectedStatementsDoNotStopBatch(t *testing.T) {
	model := replies(jsonReply("MERGE (a:A {name: '1'})", "MERGE (b:BROKEN", "MERGE (c:C {name: '3'})"))
	store := &scriptedStore{}
	p := newTestPipeline(t, model, store)

	res, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	require.NoError(t, err)

	assert.Equal(t, journal.StatusPartial, res.Status)
	assert.Equal(t, executor.Summary{Applied: 2, SyntaxRejected: 1}, res.Summary)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, executor.StatusSyntaxRejected, res.Outcomes[1].Status)
	assert.Equal(t, "MERGE (b:BROKEN", res.Outcomes[1].Statement)
	assert.Equal(t, []string{"MERGE (a:A {name: '1'})", "MERGE (c:C {name: '3'})"}, store.applied)
}

func TestIngestAbortsOnUnavailableStore(t *testing.T) {
	model := replies(jsonReply("MERGE (a:A)", "MERGE (b:B)"))
	p := newTestPipeline(t, model, &scriptedStore{down: true})

	res, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchAborted)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, journal.StatusAborted, res.Status)
	assert.Equal(t, 2, res.Summary.Aborted)
}

func TestIngestUnsupportedFormat(t *testing.T) {
	model := replies(jsonReply("MERGE (a:A)"))
	p := newTestPipeline(t, model, &executor.DryRunStore{})

	res, err := p.Ingest(context.Background(), writeDoc(t, "blob.xyz", "\x00\x01\x02\x03"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, journal.StatusFailed, res.Status)
	assert.Zero(t, model.calls())
}

func TestIngestModelTimeout(t *testing.T) {
	model := &fakeModel{respond: func(ctx context.Context, _ int, _ llm.ChatRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	p := newTestPipeline(t, model, &executor.DryRunStore{}, func(c *Config) { c.ModelTimeout = 20 * time.Millisecond })

	_, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	assert.ErrorIs(t, err, ErrModelTimeout)
	assert.Equal(t, 1, model.calls(), "timeouts are not retried")
}

func TestIngestCountsMetrics(t *testing.T) {
	m := metrics.NewCollector()
	cfg := DefaultConfig()
	cfg.DisableJournal = true
	store := &scriptedStore{}
	p, err := New(context.Background(), cfg,
		WithProvider(replies(jsonReply("MERGE (a:A)", "MERGE (b:BROKEN"))),
		WithStore(store), WithMetrics(m))
	require.NoError(t, err)
	defer p.Close(context.Background())

	_, err = p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
	require.NoError(t, err)

	assert.Same(t, m, p.Metrics())
	assert.Equal(t, 1.0, counterValue(t, m, "docgraph_statements_total", "applied"))
	assert.Equal(t, 1.0, counterValue(t, m, "docgraph_statements_total", "syntax-rejected"))
	assert.Equal(t, 1.0, counterValue(t, m, "docgraph_documents_total", "partial"))
	assert.Equal(t, 1.0, counterValue(t, m, "docgraph_recovery_total", "direct"))
}

func TestIngestRepairOutput(t *testing.T) {
	truncated := `{"hierarchy": {"title": "Notes"}, "schema": {"nodes": [], "relationships": []}, "cypher": ["MERGE (a:A)", "MERGE (b:B)"`

	t.Run("disabled", func(t *testing.T) {
		store := &executor.DryRunStore{}
		p := newTestPipeline(t, replies(truncated), store, func(c *Config) { c.ParseRetries = 0 })

		_, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
		assert.ErrorIs(t, err, ErrMalformedOutput)
		assert.Empty(t, store.Statements())
	})

	t.Run("enabled", func(t *testing.T) {
		m := metrics.NewCollector()
		cfg := DefaultConfig()
		cfg.DisableJournal = true
		cfg.RepairOutput = true
		store := &executor.DryRunStore{}
		p, err := New(context.Background(), cfg, WithProvider(replies(truncated)), WithStore(store), WithMetrics(m))
		require.NoError(t, err)
		defer p.Close(context.Background())

		res, err := p.Ingest(context.Background(), writeDoc(t, "a.txt", "x"))
		require.NoError(t, err)
		assert.Equal(t, journal.StatusOK, res.Status)
		assert.Equal(t, []string{"MERGE (a:A)", "MERGE (b:B)"}, store.Statements())
		assert.Equal(t, 1.0, counterValue(t, m, "docgraph_recovery_total", "repair"))
	})
}

// counterValue reads the single-label counter sample name{label=value}.
func counterValue(t *testing.T, m *metrics.Collector, name, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			if s.GetLabel()[0].GetValue() == value {
				return s.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestApplyScript(t *testing.T) {
	store := &executor.DryRunStore{}
	p := newTestPipeline(t, replies("unused"), store)

	res, err := p.ApplyScript(context.Background(), "fix.cypher",
		"cypher\nMERGE (a:Person {name: 'Ada'})\n;\nMERGE (b:Person {name: 'Bob'})")
	require.NoError(t, err)

	assert.Equal(t, "apply", res.Mode)
	assert.Equal(t, "fix.cypher", res.Source)
	assert.Equal(t, []string{"MERGE (a:Person {name: 'Ada'})", "MERGE (b:Person {name: 'Bob'})"}, store.Statements())
}

func TestNarrate(t *testing.T) {
	model := replies("```\nAda is a Person because the text names her.\n```")
	p := newTestPipeline(t, model, &executor.DryRunStore{}, func(c *Config) { c.Language = "Italian" })

	doc, err := recovery.Recover(jsonReply("MERGE (a:A)"))
	require.NoError(t, err)

	got, err := p.Narrate(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "Ada is a Person because the text names her.", got)

	prompt := model.requests[0].Messages[0].Content
	assert.Contains(t, prompt, "in Italian")
	assert.Contains(t, prompt, `"title":"Notes"`)
	assert.Contains(t, prompt, `"label":"Person"`)
	assert.Empty(t, model.requests[0].ResponseFormat)

	_, err = p.Narrate(context.Background(), nil)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	store := &scriptedStore{applied: []string{"a", "b", "c"}}
	p := newTestPipeline(t, replies("unused"), store)

	s, err := p.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Nodes)

	dry := newTestPipeline(t, replies("unused"), &executor.DryRunStore{})
	_, err = dry.Describe(context.Background())
	assert.ErrorIs(t, err, ErrNotQueryable)
}

func TestIngestAllBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	var active, peak atomic.Int32
	model := &fakeModel{respond: func(ctx context.Context, _ int, _ llm.ChatRequest) (string, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return jsonReply("MERGE (a:A)"), nil
	}}
	store := &executor.DryRunStore{}
	p := newTestPipeline(t, model, store, func(c *Config) { c.Concurrency = 2 })

	var paths []string
	for i := range 5 {
		paths = append(paths, writeDoc(t, fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("document %d", i)))
	}
	paths = append(paths, writeDoc(t, "blob.xyz", "\x00\x01\x02\x03"))

	results, err := p.IngestAll(context.Background(), paths)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	require.Len(t, results, 6)
	for i, r := range results[:5] {
		assert.Equal(t, journal.StatusOK, r.Status, "doc %d", i)
		assert.Equal(t, paths[i], r.Source)
	}
	assert.Equal(t, journal.StatusFailed, results[5].Status)
	assert.NotEmpty(t, results[5].Error)

	assert.Len(t, store.Statements(), 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.NoError(t, p.Close(context.Background()))
}

func TestClose(t *testing.T) {
	p := newTestPipeline(t, replies("unused"), &executor.DryRunStore{})
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Ingest(context.Background(), "whatever.txt")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.ApplyScript(context.Background(), "s", "MERGE (a:A)")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "yaml"
	_, err := New(context.Background(), cfg, WithProvider(replies("x")), WithStore(&executor.DryRunStore{}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewBuildsDryRunPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRun = true
	cfg.DisableJournal = true
	cfg.LLM = LLMConfig{Provider: "ollama", Model: "llama3.1:8b"}

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer p.Close(context.Background())

	_, ok := p.store.(*executor.DryRunStore)
	assert.True(t, ok)
	assert.Nil(t, p.Journal())
	assert.NotNil(t, p.model)
}

func TestNewVisionProviderError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DryRun = true
	cfg.DisableJournal = true
	cfg.Vision = LLMConfig{Provider: "gemini"}

	_, err := New(context.Background(), cfg, WithProvider(replies("x")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating vision provider")
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}
