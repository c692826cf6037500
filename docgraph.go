// Package docgraph turns documents into a Neo4j knowledge graph. A
// Pipeline extracts the text of a document, asks a language model for a
// graph description, recovers a well-formed statement list from the
// model's free-text answer and applies it statement by statement.
package docgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/docgraph/cypher"
	"github.com/brunobiangulo/docgraph/executor"
	"github.com/brunobiangulo/docgraph/journal"
	"github.com/brunobiangulo/docgraph/llm"
	"github.com/brunobiangulo/docgraph/metrics"
	"github.com/brunobiangulo/docgraph/parser"
	"github.com/brunobiangulo/docgraph/recovery"
	"github.com/brunobiangulo/docgraph/report"
)

// Result describes one processed document or script.
type Result struct {
	RunID  string `json:"run_id,omitempty"`
	Source string `json:"source"`
	Mode   string `json:"mode"`
	Status string `json:"status"`

	// Skipped is set when the document is unchanged since its last
	// successful run.
	Skipped bool `json:"skipped,omitempty"`

	// Document is the recovered model output in json mode.
	Document   *recovery.Document `json:"document,omitempty"`
	Statements []string           `json:"statements,omitempty"`
	Outcomes   []executor.Outcome `json:"outcomes,omitempty"`
	Summary    executor.Summary   `json:"summary"`
	Error      string             `json:"error,omitempty"`
}

// StatusSkipped is the Result status of an unchanged document.
const StatusSkipped = "skipped"

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProvider sets the model instead of building one from Config.LLM.
func WithProvider(p llm.Provider) Option {
	return func(pl *Pipeline) { pl.model = p }
}

// WithStore sets the graph store instead of connecting to Config.Neo4j.
// Describe works when the store also implements report.Querier.
func WithStore(s executor.Store) Option {
	return func(pl *Pipeline) { pl.store = s }
}

// WithJournal records runs in j instead of opening Config.JournalPath.
// The caller keeps ownership of j.
func WithJournal(j *journal.Journal) Option {
	return func(pl *Pipeline) { pl.journal = j }
}

// WithMetrics counts documents, statements and model calls in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(pl *Pipeline) { pl.metrics = c }
}

// WithRegistry sets the parser registry used to extract document text.
func WithRegistry(r *parser.Registry) Option {
	return func(pl *Pipeline) { pl.parsers = r }
}

// IngestOption configures a single Ingest call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	force    bool
	mode     string
	progress func(Result)
}

// WithForce processes the document even if it is unchanged since its last
// successful run.
func WithForce() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

// WithMode overrides Config.Mode for this call.
func WithMode(mode string) IngestOption {
	return func(o *ingestOptions) { o.mode = mode }
}

// WithProgress makes IngestAll call fn with each Result as its document
// finishes. fn may be called from several goroutines at once.
func WithProgress(fn func(Result)) IngestOption {
	return func(o *ingestOptions) { o.progress = fn }
}

// Pipeline converts documents into graph statements and applies them.
// It is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	model     llm.Provider
	parsers   *parser.Registry
	recoverer *recovery.Parser
	store     executor.Store
	querier   report.Querier
	journal   *journal.Journal
	metrics   *metrics.Collector

	closers []func(context.Context) error
	closed  atomic.Bool
}

// New creates a Pipeline. Components not supplied through options are
// built from cfg; those are owned by the Pipeline and released by Close.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}
	for _, o := range opts {
		o(p)
	}

	if p.model == nil {
		model, err := newModel(cfg)
		if err != nil {
			return nil, err
		}
		p.model = model
	}

	if p.parsers == nil {
		vision, err := p.visionModel()
		if err != nil {
			return nil, err
		}
		p.parsers = parser.NewRegistry(vision)
	}

	if p.store == nil {
		if cfg.DryRun {
			p.store = &executor.DryRunStore{}
		} else {
			s, err := executor.NewNeo4jStore(ctx, executor.Neo4jConfig{
				URI:      cfg.Neo4j.URI,
				Username: cfg.Neo4j.Username,
				Password: cfg.Neo4j.Password,
				Database: cfg.Neo4j.Database,
			})
			if err != nil {
				return nil, fmt.Errorf("connecting to neo4j: %w", err)
			}
			p.store = s
			p.closers = append(p.closers, s.Close)
		}
	}
	if q, ok := p.store.(report.Querier); ok {
		p.querier = q
	}

	if p.journal == nil && !cfg.DisableJournal {
		j, err := journal.Open(cfg.JournalFile())
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		p.journal = j
		p.closers = append(p.closers, func(context.Context) error { return j.Close() })
	}

	strategies := recovery.DefaultStrategies
	if cfg.RepairOutput {
		strategies = recovery.WithRepair(strategies)
	}
	p.recoverer = recovery.NewParser(strategies...).OnSuccess(p.metrics.Recovered)
	return p, nil
}

// newModel builds the configured provider with its rate limiter and
// circuit breaker.
func newModel(cfg Config) (llm.Provider, error) {
	model, err := llm.NewProvider(llmConfig(cfg.LLM))
	if err != nil {
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}
	if cfg.RateLimit > 0 {
		model = llm.WithRateLimit(model, cfg.RateLimit, max(cfg.RateBurst, 1))
	}
	if cfg.Breaker {
		model = llm.WithBreaker(model, llm.DefaultBreakerConfig(cfg.LLM.Provider))
	}
	return model, nil
}

func llmConfig(c LLMConfig) llm.Config {
	return llm.Config{
		Provider: c.Provider,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey,
		Timeout:  c.Timeout,
	}
}

// visionModel returns the provider used for scanned PDFs and images, or
// nil when none can handle images.
func (p *Pipeline) visionModel() (llm.VisionProvider, error) {
	if p.cfg.Vision.Provider == "" {
		v, _ := p.model.(llm.VisionProvider)
		return v, nil
	}
	model, err := llm.NewProvider(llmConfig(p.cfg.Vision))
	if err != nil {
		return nil, fmt.Errorf("creating vision provider: %w", err)
	}
	v, ok := model.(llm.VisionProvider)
	if !ok {
		return nil, fmt.Errorf("%w: vision provider %q cannot read images", ErrInvalidConfig, p.cfg.Vision.Provider)
	}
	return v, nil
}

// Ingest extracts the document at path, asks the model for its graph and
// applies the recovered statements. A document whose content is unchanged
// since its last successful run is skipped unless WithForce is given. Dry
// runs never skip and are journaled without a content hash.
//
// Rejected statements do not make Ingest fail; they are reported in the
// Result outcomes. The returned error is set when extraction, the model
// call or recovery fail, or when the batch was aborted.
func (p *Pipeline) Ingest(ctx context.Context, path string, opts ...IngestOption) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	options := &ingestOptions{mode: p.cfg.Mode}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("hashing file: %w", err)
	}

	if !options.force && !p.cfg.DryRun && p.journal != nil {
		if prev, err := p.journal.FindByHash(ctx, hash); err == nil {
			slog.Info("ingest: document unchanged, skipping", "file", filepath.Base(absPath), "run_id", prev.ID)
			p.metrics.Document(StatusSkipped)
			return &Result{
				RunID:   prev.ID,
				Source:  absPath,
				Mode:    prev.Mode,
				Status:  StatusSkipped,
				Skipped: true,
				Summary: prev.Summary,
			}, nil
		}
	}

	run := journal.Run{
		Source:    absPath,
		Mode:      options.mode,
		Model:     p.cfg.LLM.Model,
		StartedAt: time.Now(),
	}
	if !p.cfg.DryRun {
		run.ContentHash = hash
	}
	res := &Result{Source: absPath, Mode: options.mode}

	filename := filepath.Base(absPath)
	slog.Info("ingest: extracting text", "file", filename)
	text, err := p.parsers.Extract(ctx, absPath)
	if err != nil {
		return p.finish(ctx, run, res, fmt.Errorf("extracting %s: %w", filename, err))
	}
	slog.Info("ingest: text extracted", "file", filename, "chars", len(text),
		"elapsed", time.Since(run.StartedAt).Round(time.Millisecond))

	doc, statements, err := p.generate(ctx, options.mode, text)
	if err != nil {
		return p.finish(ctx, run, res, err)
	}
	res.Document = doc
	res.Statements = statements

	outcomes, err := p.apply(ctx, statements)
	res.Outcomes = outcomes
	return p.finish(ctx, run, res, err)
}

// IngestAll ingests paths concurrently, at most Config.Concurrency at a
// time. Statements of one document are still applied in order on a single
// session. Every path gets a Result; the returned error joins the
// per-document failures.
func (p *Pipeline) IngestAll(ctx context.Context, paths []string, opts ...IngestOption) ([]Result, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	results := make([]Result, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(max(p.cfg.Concurrency, 1))
	for i, path := range paths {
		g.Go(func() error {
			res, err := p.Ingest(ctx, path, opts...)
			if res != nil {
				results[i] = *res
			} else {
				results[i] = Result{Source: path, Status: journal.StatusFailed}
			}
			if err != nil {
				results[i].Error = err.Error()
				errs[i] = fmt.Errorf("%s: %w", path, err)
			}
			if options.progress != nil {
				options.progress(results[i])
			}
			return nil
		})
	}
	g.Wait()
	return results, errors.Join(errs...)
}

// ApplyScript splits a Cypher script written by hand or saved from an
// earlier run, cleans each statement and applies the batch. source names
// the script in the journal.
func (p *Pipeline) ApplyScript(ctx context.Context, source, script string) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	run := journal.Run{Source: source, Mode: "apply", StartedAt: time.Now()}
	res := &Result{Source: source, Mode: "apply"}

	res.Statements = prepare([]string{script})
	outcomes, err := p.apply(ctx, res.Statements)
	res.Outcomes = outcomes
	return p.finish(ctx, run, res, err)
}

// Narrate asks the model to explain, in Config.Language, how the nodes and
// relationships of doc derive from the source text.
func (p *Pipeline) Narrate(ctx context.Context, doc *recovery.Document) (string, error) {
	if p.closed.Load() {
		return "", ErrClosed
	}
	if doc == nil {
		return "", errors.New("narrate: no document")
	}
	prompt, err := narrativePrompt(p.cfg.Language, doc)
	if err != nil {
		return "", err
	}
	raw, err := p.complete(ctx, "narrate", "", prompt, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(recovery.StripFence(strings.TrimSpace(raw))), nil
}

// Describe summarises the graph currently in the store.
func (p *Pipeline) Describe(ctx context.Context) (*report.Summary, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if p.querier == nil {
		return nil, ErrNotQueryable
	}
	return report.Describe(ctx, p.querier)
}

// Journal returns the run journal, or nil when journaling is disabled.
func (p *Pipeline) Journal() *journal.Journal {
	return p.journal
}

// Metrics returns the metrics collector, which may be nil.
func (p *Pipeline) Metrics() *metrics.Collector {
	return p.metrics
}

// Close releases the store connection and journal opened by New. It is
// safe to call more than once.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// generate asks the model for the graph of text and recovers the
// statement list, asking again up to ParseRetries times when the answer
// cannot be recovered.
func (p *Pipeline) generate(ctx context.Context, mode, text string) (*recovery.Document, []string, error) {
	system, user := extractMessages(mode, text)

	var lastErr error
	for attempt := 0; attempt <= p.cfg.ParseRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("ingest: model output unrecoverable, asking again",
				"attempt", attempt+1, "max_attempts", p.cfg.ParseRetries+1, "error", lastErr)
		}

		raw, err := p.complete(ctx, "extract", system, user, mode == "json")
		if err != nil {
			return nil, nil, err
		}

		if mode == "script" {
			statements := prepare([]string{raw})
			if len(statements) > 0 {
				p.metrics.Recovered("script")
				return nil, statements, nil
			}
			lastErr = &recovery.MalformedOutputError{Raw: raw}
			continue
		}

		doc, err := p.recoverer.Recover(raw)
		if err == nil {
			return doc, prepare(doc.Cypher), nil
		}
		if !errors.Is(err, recovery.ErrMalformedOutput) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// prepare splits every script into statements and cleans each one.
func prepare(scripts []string) []string {
	var out []string
	for _, s := range scripts {
		for _, stmt := range cypher.Split(s) {
			out = append(out, cypher.Clean(stmt))
		}
	}
	return out
}

// complete sends one prompt to the model under Config.ModelTimeout.
func (p *Pipeline) complete(ctx context.Context, purpose, system, user string, jsonMode bool) (string, error) {
	callCtx := ctx
	if p.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.ModelTimeout)
		defer cancel()
	}

	req := llm.ChatRequest{Temperature: p.cfg.Temperature}
	if system != "" {
		req.Messages = append(req.Messages, llm.Message{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, llm.Message{Role: "user", Content: user})
	if jsonMode {
		req.ResponseFormat = "json_object"
	}

	start := time.Now()
	resp, err := p.model.Chat(callCtx, req)
	p.metrics.ModelCall(purpose, time.Since(start), err)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s: %v", ErrModelTimeout, purpose, p.cfg.ModelTimeout, err)
		}
		return "", fmt.Errorf("%s: %w", purpose, err)
	}
	slog.Debug("model: response received", "purpose", purpose, "model", resp.Model,
		"prompt_tokens", resp.PromptTokens, "completion_tokens", resp.CompletionTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return resp.Content, nil
}

func (p *Pipeline) apply(ctx context.Context, statements []string) ([]executor.Outcome, error) {
	c := executor.NewCoordinator(p.store,
		executor.WithTimeout(p.cfg.ApplyTimeout),
		executor.WithObserver(func(o executor.Outcome) { p.metrics.Statement(string(o.Status)) }),
	)
	return c.Apply(ctx, statements)
}

// finish records the run in the journal and metrics and fills in res.
func (p *Pipeline) finish(ctx context.Context, run journal.Run, res *Result, err error) (*Result, error) {
	run.FinishedAt = time.Now()
	run.Status = journal.StatusFor(res.Outcomes, err)
	run.Summary = executor.Summarize(res.Outcomes)
	if err != nil {
		run.Error = err.Error()
		res.Error = err.Error()
	}

	if p.journal != nil {
		recorded, jerr := p.journal.Record(context.WithoutCancel(ctx), run, res.Outcomes)
		if jerr != nil {
			slog.Error("journal: recording run failed", "source", run.Source, "error", jerr)
		} else {
			run = recorded
		}
	}

	res.RunID = run.ID
	res.Status = run.Status
	res.Summary = run.Summary
	p.metrics.Document(run.Status)

	slog.Info("ingest: run finished",
		"source", filepath.Base(run.Source), "status", run.Status, "run_id", run.ID,
		"applied", run.Summary.Applied, "rejected", run.Summary.SyntaxRejected+run.Summary.StoreRejected,
		"aborted", run.Summary.Aborted, "elapsed", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return res, err
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
