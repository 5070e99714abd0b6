// Package graph is the persistence boundary against Neo4j. All access goes
// through the Client interface so the upsert engine, sweeper, and solver
// sink can be tested without a running database.
package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/xerrors"
)

// Record is one row of a read query result.
type Record map[string]any

// Statement is a single Cypher statement with its parameters.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Client executes queries against the graph store. Write runs all given
// statements inside one transaction; Execute runs a single auto-commit
// statement (needed for schema commands, which cannot run in an explicit
// transaction).
type Client interface {
	Read(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	Write(ctx context.Context, stmts ...Statement) error
	Execute(ctx context.Context, cypher string, params map[string]any) error
	Close(ctx context.Context) error
}

type client struct {
	driver neo4j.DriverWithContext
}

// Connect opens a driver against the given bolt/neo4j URI and verifies
// connectivity. The returned Client is safe for concurrent use and is meant
// to be the single process-wide handle.
func Connect(ctx context.Context, uri, username, password string) (Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, xerrors.Errorf("failed to create driver: %w", err)
	}
	if err = driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, xerrors.Errorf("failed to connect to %s: %w", uri, err)
	}
	return &client{driver: driver}, nil
}

func (c *client) Read(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, xerrors.Errorf("read query error: %w", err)
	}
	raw, err := result.Collect(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to collect records: %w", err)
	}

	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		records = append(records, Record(r.AsMap()))
	}
	return records, nil
}

func (c *client) Write(ctx context.Context, stmts ...Statement) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, stmt := range stmts {
			if _, err := tx.Run(ctx, stmt.Cypher, stmt.Params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return xerrors.Errorf("write transaction error: %w", err)
	}
	return nil
}

func (c *client) Execute(ctx context.Context, cypher string, params map[string]any) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return xerrors.Errorf("query error: %w", err)
	}
	if _, err = result.Consume(ctx); err != nil {
		return xerrors.Errorf("failed to consume result: %w", err)
	}
	return nil
}

func (c *client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}
