package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// ValidatedEdge is a denormalized validated relationship ready for graph
// ingestion: POI ids for the node keys, qualified names and file paths for
// the node properties, confidence attached.
type ValidatedEdge struct {
	SourceID            string
	TargetID            string
	SourceQualifiedName string
	SourceName          string
	SourceType          models.POIType
	SourceFilePath      string
	TargetQualifiedName string
	TargetName          string
	TargetType          models.POIType
	TargetFilePath      string
	Type                models.RelationshipType
	Confidence          float64
}

// RelationshipRepository defines data access for candidate relationships.
type RelationshipRepository interface {
	CreateBatch(ctx context.Context, rels []*models.Relationship) error
	GetByHash(ctx context.Context, runID, relationshipHash string) (*models.Relationship, error)
	GetCandidatesByRun(ctx context.Context, runID string) ([]*models.Relationship, error)
	ResolvePending(ctx context.Context, runID, relationshipHash string, status models.RelationshipStatus, confidence float64) (bool, error)
	CountByStatus(ctx context.Context, runID string) (map[models.RelationshipStatus]int, error)
	StreamValidated(ctx context.Context, runID string, fn func(edge *ValidatedEdge) error) error
}

type relationshipRepository struct {
	q database.Querier
}

// NewRelationshipRepository creates a relationship repository over q.
func NewRelationshipRepository(q database.Querier) RelationshipRepository {
	return &relationshipRepository{q: q}
}

// CreateBatch inserts candidate relationships. A hash conflict means another
// worker already proposed the same edge for this run; the first row wins and
// the duplicate contributes only evidence, not a second candidate.
func (r *relationshipRepository) CreateBatch(ctx context.Context, rels []*models.Relationship) error {
	query := `
		INSERT INTO relationships (id, run_id, source_poi_id, target_poi_id, type,
			relationship_hash, confidence, status, parse_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, relationship_hash) DO NOTHING`

	now := time.Now()
	for _, rel := range rels {
		if rel.ID == uuid.Nil {
			rel.ID = uuid.New()
		}
		if rel.Status == "" {
			rel.Status = models.RelationshipPendingValidation
		}
		if rel.ParseStatus == "" {
			rel.ParseStatus = models.ParseStatusLLMSuccess
		}
		rel.CreatedAt = now

		_, err := r.q.Exec(ctx, query,
			rel.ID, rel.RunID, rel.SourcePOIID, rel.TargetPOIID, rel.Type,
			rel.RelationshipHash, rel.Confidence, rel.Status, rel.ParseStatus, rel.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert relationship %s: %w", rel.RelationshipHash, err)
		}
	}
	return nil
}

// GetByHash retrieves one relationship by its run-scoped hash.
func (r *relationshipRepository) GetByHash(ctx context.Context, runID, relationshipHash string) (*models.Relationship, error) {
	query := `
		SELECT id, run_id, source_poi_id, target_poi_id, type, relationship_hash,
			confidence, status, parse_status, created_at
		FROM relationships
		WHERE run_id = $1 AND relationship_hash = $2`

	var rel models.Relationship
	err := r.q.QueryRow(ctx, query, runID, relationshipHash).Scan(
		&rel.ID, &rel.RunID, &rel.SourcePOIID, &rel.TargetPOIID, &rel.Type,
		&rel.RelationshipHash, &rel.Confidence, &rel.Status, &rel.ParseStatus, &rel.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return &rel, nil
}

// GetCandidatesByRun returns every relationship of a run regardless of
// status, used to build directory resolution scopes.
func (r *relationshipRepository) GetCandidatesByRun(ctx context.Context, runID string) ([]*models.Relationship, error) {
	query := `
		SELECT id, run_id, source_poi_id, target_poi_id, type, relationship_hash,
			confidence, status, parse_status, created_at
		FROM relationships
		WHERE run_id = $1
		ORDER BY created_at, relationship_hash`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []*models.Relationship
	for rows.Next() {
		var rel models.Relationship
		if err := rows.Scan(
			&rel.ID, &rel.RunID, &rel.SourcePOIID, &rel.TargetPOIID, &rel.Type,
			&rel.RelationshipHash, &rel.Confidence, &rel.Status, &rel.ParseStatus, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}

// ResolvePending moves a relationship from PENDING_VALIDATION to a terminal
// status with compare-and-swap semantics. Returns false when the row was
// already resolved, which makes reconciliation replays no-ops.
func (r *relationshipRepository) ResolvePending(ctx context.Context, runID, relationshipHash string, status models.RelationshipStatus, confidence float64) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE relationships
		SET status = $3, confidence = $4
		WHERE run_id = $1 AND relationship_hash = $2 AND status = 'PENDING_VALIDATION'`,
		runID, relationshipHash, status, confidence)
	if err != nil {
		return false, fmt.Errorf("failed to resolve relationship: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountByStatus returns the per-status relationship counts for a run.
func (r *relationshipRepository) CountByStatus(ctx context.Context, runID string) (map[models.RelationshipStatus]int, error) {
	rows, err := r.q.Query(ctx,
		`SELECT status, COUNT(*) FROM relationships WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count relationships: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RelationshipStatus]int)
	for rows.Next() {
		var status models.RelationshipStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan relationship count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// StreamValidated walks VALIDATED relationships with a server-side cursor,
// invoking fn per edge. The full validated set never materializes in memory;
// the graph builder batches on its own schedule.
func (r *relationshipRepository) StreamValidated(ctx context.Context, runID string, fn func(edge *ValidatedEdge) error) error {
	query := `
		SELECT sp.id, sp.qualified_name, sp.name, sp.type, sp.file_path,
			tp.id, tp.qualified_name, tp.name, tp.type, tp.file_path,
			rel.type, rel.confidence
		FROM relationships rel
		JOIN pois sp ON sp.id = rel.source_poi_id
		JOIN pois tp ON tp.id = rel.target_poi_id
		WHERE rel.run_id = $1 AND rel.status = 'VALIDATED'
		ORDER BY rel.relationship_hash`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("failed to stream validated relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e ValidatedEdge
		if err := rows.Scan(
			&e.SourceID, &e.SourceQualifiedName, &e.SourceName, &e.SourceType, &e.SourceFilePath,
			&e.TargetID, &e.TargetQualifiedName, &e.TargetName, &e.TargetType, &e.TargetFilePath,
			&e.Type, &e.Confidence); err != nil {
			return fmt.Errorf("failed to scan validated edge: %w", err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}
