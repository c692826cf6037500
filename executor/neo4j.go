package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const neo4jSyntaxErrorCode = "Neo.ClientError.Statement.SyntaxError"

// Neo4jConfig holds Neo4j connection settings.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jStore is a Store backed by a Neo4j driver. Statements run as
// auto-commit queries, so each one is visible as soon as it succeeds.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jStore creates a driver and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", classifyNeo4jError(err))
	}

	db := cfg.Database
	if db == "" {
		db = "neo4j"
	}
	return &Neo4jStore{driver: driver, database: db}, nil
}

// NewSession opens a write session on the configured database.
func (s *Neo4jStore) NewSession(ctx context.Context) (Session, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	return &neo4jSession{session: session}, nil
}

// Query runs a read query and returns every record as a map.
func (s *Neo4jStore) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	result, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, classifyNeo4jError(err)
	}

	rows := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}

// Close closes the driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

type neo4jSession struct {
	session neo4j.SessionWithContext
}

func (s *neo4jSession) Run(ctx context.Context, statement string) error {
	result, err := s.session.Run(ctx, statement, nil)
	if err == nil {
		// Errors raised while streaming surface on Consume.
		_, err = result.Consume(ctx)
	}
	return classifyNeo4jError(err)
}

func (s *neo4jSession) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}

// classifyNeo4jError wraps a driver error with the matching sentinel from
// the store taxonomy.
func classifyNeo4jError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		switch {
		case nerr.Code == neo4jSyntaxErrorCode:
			return fmt.Errorf("%w: %w", ErrSyntax, err)
		case nerr.Category() == "Security":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		default:
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}

	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}
