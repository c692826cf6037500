package executor

import (
	"context"
	"log/slog"
	"sync"
)

// DryRunStore accepts every statement without executing it. It records what
// would have been sent, which is useful for reviewing a recovered script
// before touching a real database.
type DryRunStore struct {
	mu         sync.Mutex
	statements []string
}

// NewSession returns a session that records statements.
func (d *DryRunStore) NewSession(ctx context.Context) (Session, error) {
	return &dryRunSession{store: d}, nil
}

// Statements returns every statement recorded so far.
func (d *DryRunStore) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.statements...)
}

type dryRunSession struct {
	store *DryRunStore
}

func (s *dryRunSession) Run(ctx context.Context, statement string) error {
	slog.Debug("executor: dry run", "statement", statement)
	s.store.mu.Lock()
	s.store.statements = append(s.store.statements, statement)
	s.store.mu.Unlock()
	return nil
}

func (s *dryRunSession) Close(ctx context.Context) error { return nil }
