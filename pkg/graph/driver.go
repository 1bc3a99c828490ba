// Package graph streams validated relationships into Neo4j.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/config"
)

// BatchWriter executes one parameterized write statement. The builder
// depends on this interface so tests can substitute a fake.
type BatchWriter interface {
	ExecuteBatch(ctx context.Context, cypher string, params map[string]any) error
}

// Driver wraps the Neo4j driver with the pipeline's session defaults.
type Driver struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

// Connect opens a Neo4j driver and verifies connectivity.
func Connect(ctx context.Context, cfg config.Neo4jConfig, logger *zap.Logger) (*Driver, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}

	return &Driver{
		driver:   driver,
		database: cfg.Database,
		logger:   logger.Named("neo4j"),
	}, nil
}

// ExecuteBatch runs one write statement in a managed transaction.
func (d *Driver) ExecuteBatch(ctx context.Context, cypher string, params map[string]any) error {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: d.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return nil, result.Err()
	})
	if err != nil {
		return fmt.Errorf("failed to execute graph write: %w", err)
	}
	return nil
}

// EnsureConstraints creates the uniqueness constraint graph writes rely on.
// Node upserts merge on the POI id, so the id is the unique key.
func (d *Driver) EnsureConstraints(ctx context.Context) error {
	return d.ExecuteBatch(ctx,
		`CREATE CONSTRAINT poi_id IF NOT EXISTS
		FOR (p:POI) REQUIRE p.id IS UNIQUE`, nil)
}

// Close shuts the underlying driver down.
func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

var _ BatchWriter = (*Driver)(nil)
