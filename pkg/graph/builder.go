package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
	"github.com/triangulate-hq/triangulate-engine/pkg/retry"
)

// ValidatedStreamer walks the validated relationships of a run. Satisfied
// by repositories.RelationshipRepository.
type ValidatedStreamer interface {
	StreamValidated(ctx context.Context, runID string, fn func(edge *repositories.ValidatedEdge) error) error
}

// Builder streams validated relationships from PostgreSQL into the graph
// store. Edges are accumulated into fixed-size batches and written
// concurrently; a batch that exhausts its retries fails the run, because a
// partially ingested graph is worse than no graph.
type Builder struct {
	rels   ValidatedStreamer
	writer BatchWriter
	cfg    config.GraphConfig
	logger *zap.Logger
}

// NewBuilder creates a graph builder.
func NewBuilder(rels ValidatedStreamer, writer BatchWriter, cfg config.GraphConfig, logger *zap.Logger) *Builder {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.MaxConcurrentWrites < 1 {
		cfg.MaxConcurrentWrites = 1
	}
	if cfg.MaxBatchRetries < 1 {
		cfg.MaxBatchRetries = 3
	}
	return &Builder{
		rels:   rels,
		writer: writer,
		cfg:    cfg,
		logger: logger.Named("graph-builder"),
	}
}

// BuildStats summarizes one ingestion.
type BuildStats struct {
	Edges   int
	Batches int
}

// Build ingests every VALIDATED relationship of a run. The validated set is
// never materialized; the stream hands edges over batch by batch while up to
// MaxConcurrentWrites batches are in flight.
func (b *Builder) Build(ctx context.Context, runID string) (*BuildStats, error) {
	start := time.Now()
	stats := &BuildStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.MaxConcurrentWrites)

	batch := make([]*repositories.ValidatedEdge, 0, b.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		edges := batch
		batch = make([]*repositories.ValidatedEdge, 0, b.cfg.BatchSize)
		stats.Edges += len(edges)
		stats.Batches++
		g.Go(func() error {
			return b.writeBatch(gctx, runID, edges)
		})
	}

	err := b.rels.StreamValidated(ctx, runID, func(edge *repositories.ValidatedEdge) error {
		if !models.ValidRelationshipType(edge.Type) {
			return fmt.Errorf("%w: relationship type %q", apperrors.ErrInvalidPayload, edge.Type)
		}
		batch = append(batch, edge)
		if len(batch) >= b.cfg.BatchSize {
			flush()
		}
		// Stop streaming early when a batch write already failed.
		return gctx.Err()
	})
	if err == nil {
		flush()
	}

	if werr := g.Wait(); werr != nil {
		return stats, fmt.Errorf("%w: graph ingestion failed: %v", apperrors.ErrRunFailed, werr)
	}
	if err != nil {
		return stats, fmt.Errorf("%w: graph ingestion failed: %v", apperrors.ErrRunFailed, err)
	}

	b.logger.Info("Graph ingestion complete",
		zap.String("run_id", runID),
		zap.Int("edges", stats.Edges),
		zap.Int("batches", stats.Batches),
		zap.Duration("elapsed", time.Since(start)))
	return stats, nil
}

// transientWriteError marks graph write failures as retryable; every batch
// gets its full retry budget regardless of the driver's error text.
type transientWriteError struct{ err error }

func (e *transientWriteError) Error() string     { return e.err.Error() }
func (e *transientWriteError) Unwrap() error     { return e.err }
func (e *transientWriteError) IsRetryable() bool { return true }

// writeBatch groups a batch by relationship type and issues one UNWIND MERGE
// statement per type, retried with jittered backoff.
func (b *Builder) writeBatch(ctx context.Context, runID string, edges []*repositories.ValidatedEdge) error {
	byType := make(map[models.RelationshipType][]map[string]any)
	for _, e := range edges {
		byType[e.Type] = append(byType[e.Type], map[string]any{
			"source_id":             e.SourceID,
			"target_id":             e.TargetID,
			"source_qualified_name": e.SourceQualifiedName,
			"source_name":           e.SourceName,
			"source_type":           string(e.SourceType),
			"source_file_path":      e.SourceFilePath,
			"target_qualified_name": e.TargetQualifiedName,
			"target_name":           e.TargetName,
			"target_type":           string(e.TargetType),
			"target_file_path":      e.TargetFilePath,
			"confidence":            e.Confidence,
		})
	}

	cfg := &retry.Config{
		MaxRetries:   b.cfg.MaxBatchRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}

	for relType, rows := range byType {
		// Nodes are keyed by POI id and their properties are written on
		// first create only; edge confidence is refreshed on every pass so a
		// re-run converges on the latest score. The label comes from the
		// closed enum, never from data, so the interpolation below cannot
		// inject Cypher.
		cypher := fmt.Sprintf(`
			UNWIND $rows AS row
			MERGE (s:POI {id: row.source_id})
			ON CREATE SET s.run_id = $run_id, s.qualified_name = row.source_qualified_name,
				s.name = row.source_name, s.type = row.source_type, s.file_path = row.source_file_path
			MERGE (t:POI {id: row.target_id})
			ON CREATE SET t.run_id = $run_id, t.qualified_name = row.target_qualified_name,
				t.name = row.target_name, t.type = row.target_type, t.file_path = row.target_file_path
			MERGE (s)-[r:%s]->(t)
			SET r.confidence = row.confidence`, relType)

		params := map[string]any{"run_id": runID, "rows": rows}

		err := retry.Do(ctx, cfg, func() error {
			if err := b.writer.ExecuteBatch(ctx, cypher, params); err != nil {
				b.logger.Warn("Graph batch write failed",
					zap.String("relationship_type", string(relType)),
					zap.Int("rows", len(rows)),
					zap.Error(err))
				return &transientWriteError{err: err}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to write %s batch after retries: %w", relType, err)
		}
	}
	return nil
}
