// Package executor applies recovered statements to a graph store one at a
// time, isolating per-statement failures so one bad statement does not
// stop the rest of the batch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Status classifies what happened to one statement.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusSyntaxRejected Status = "syntax-rejected"
	StatusStoreRejected  Status = "store-rejected"
	StatusSkippedEmpty   Status = "skipped-empty"
	// StatusAborted marks the statement that hit a fatal store error and
	// every statement after it.
	StatusAborted Status = "aborted"
)

// Store error taxonomy. Store adapters wrap their errors with one of these
// so the Coordinator can classify them.
var (
	// ErrSyntax means the store could not parse the statement.
	ErrSyntax = errors.New("statement syntax error")

	// ErrRejected means the store parsed but refused to execute the
	// statement (constraint violation, type error, ...).
	ErrRejected = errors.New("statement rejected by store")

	// ErrUnavailable covers connection and authorisation failures. It is
	// fatal for the whole batch.
	ErrUnavailable = errors.New("store unavailable")

	// ErrApplyTimeout means the batch deadline passed.
	ErrApplyTimeout = errors.New("applying statements timed out")

	// ErrBatchAborted is matched by every AbortError.
	ErrBatchAborted = errors.New("batch aborted")
)

// Session runs statements on one store connection.
type Session interface {
	Run(ctx context.Context, statement string) error
	Close(ctx context.Context) error
}

// Store hands out sessions. A Coordinator acquires one session per batch.
type Store interface {
	NewSession(ctx context.Context) (Session, error)
}

// Outcome is the result of one statement.
type Outcome struct {
	Index     int    `json:"index"`
	Statement string `json:"statement"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
}

// AbortError reports a batch stopped by a fatal store error at Index.
type AbortError struct {
	Index     int
	Statement string
	Err       error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("batch aborted at statement %d: %v", e.Index, e.Err)
}

func (e *AbortError) Unwrap() []error { return []error{ErrBatchAborted, e.Err} }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds a whole Apply call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithObserver registers a callback invoked for every outcome, in order.
func WithObserver(fn func(Outcome)) Option {
	return func(c *Coordinator) { c.observe = fn }
}

// Coordinator applies statement batches to a Store.
type Coordinator struct {
	store   Store
	timeout time.Duration
	observe func(Outcome)
}

// NewCoordinator creates a Coordinator for store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: store}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Apply runs statements in order on a single session and returns one
// Outcome per statement. Syntax and execution failures are recorded and
// the batch continues; nothing is retried or rolled back. A connection,
// authorisation or deadline failure marks the remaining statements aborted
// and returns an *AbortError alongside the outcomes.
func (c *Coordinator) Apply(ctx context.Context, statements []string) ([]Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	outcomes := make([]Outcome, 0, len(statements))

	session, err := c.store.NewSession(ctx)
	if err != nil {
		err = classifyFatal(ctx, fmt.Errorf("%w: opening session: %w", ErrUnavailable, err))
		return c.abort(outcomes, statements, 0, err)
	}
	defer func() {
		// The batch context may already be done; closing must still happen.
		if cerr := session.Close(context.WithoutCancel(ctx)); cerr != nil {
			slog.Warn("executor: closing session", "error", cerr)
		}
	}()

	for i, raw := range statements {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			outcomes = c.record(outcomes, Outcome{Index: i, Statement: raw, Status: StatusSkippedEmpty})
			continue
		}

		err := session.Run(ctx, stmt)
		switch {
		case err == nil:
			outcomes = c.record(outcomes, Outcome{Index: i, Statement: stmt, Status: StatusApplied})
		case isFatal(ctx, err):
			return c.abort(outcomes, statements, i, classifyFatal(ctx, err))
		case errors.Is(err, ErrSyntax):
			slog.Warn("executor: syntax error", "index", i, "statement", stmt, "error", err)
			outcomes = c.record(outcomes, Outcome{Index: i, Statement: stmt, Status: StatusSyntaxRejected, Message: err.Error()})
		default:
			slog.Warn("executor: statement rejected", "index", i, "statement", stmt, "error", err)
			outcomes = c.record(outcomes, Outcome{Index: i, Statement: stmt, Status: StatusStoreRejected, Message: err.Error()})
		}
	}
	return outcomes, nil
}

func (c *Coordinator) record(outcomes []Outcome, o Outcome) []Outcome {
	if c.observe != nil {
		c.observe(o)
	}
	return append(outcomes, o)
}

// abort marks statements[from:] aborted and builds the AbortError.
func (c *Coordinator) abort(outcomes []Outcome, statements []string, from int, cause error) ([]Outcome, error) {
	var first string
	if from < len(statements) {
		first = strings.TrimSpace(statements[from])
		slog.Error("executor: aborting batch", "index", from, "statement", first,
			"remaining", len(statements)-from, "error", cause)
	}
	for i := from; i < len(statements); i++ {
		outcomes = c.record(outcomes, Outcome{
			Index:     i,
			Statement: strings.TrimSpace(statements[i]),
			Status:    StatusAborted,
			Message:   cause.Error(),
		})
	}
	return outcomes, &AbortError{Index: from, Statement: first, Err: cause}
}

func isFatal(ctx context.Context, err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

// classifyFatal tags deadline failures with ErrApplyTimeout.
func classifyFatal(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrApplyTimeout, err)
	}
	return err
}

// Summary counts outcomes per status.
type Summary struct {
	Applied        int `json:"applied"`
	SyntaxRejected int `json:"syntax_rejected"`
	StoreRejected  int `json:"store_rejected"`
	SkippedEmpty   int `json:"skipped_empty"`
	Aborted        int `json:"aborted"`
}

// Summarize counts outcomes by status.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Status {
		case StatusApplied:
			s.Applied++
		case StatusSyntaxRejected:
			s.SyntaxRejected++
		case StatusStoreRejected:
			s.StoreRejected++
		case StatusSkippedEmpty:
			s.SkippedEmpty++
		case StatusAborted:
			s.Aborted++
		}
	}
	return s
}

// Total is the number of outcomes counted.
func (s Summary) Total() int {
	return s.Applied + s.SyntaxRejected + s.StoreRejected + s.SkippedEmpty + s.Aborted
}

// Failed returns the outcomes that were not applied and not empty: the
// statements a human may want to repair.
func Failed(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		switch o.Status {
		case StatusSyntaxRejected, StatusStoreRejected, StatusAborted:
			out = append(out, o)
		}
	}
	return out
}
