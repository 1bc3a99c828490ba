package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// EvidenceRepository defines data access for relationship evidence. The
// table is append-only; duplicates from replayed jobs are tolerated on write
// and removed on read.
type EvidenceRepository interface {
	Insert(ctx context.Context, item *models.EvidenceItem) error
	GetDeduplicated(ctx context.Context, runID, relationshipHash string) ([]*models.EvidenceRow, error)
	CountByRun(ctx context.Context, runID string) (int, error)
}

type evidenceRepository struct {
	q database.Querier
}

// NewEvidenceRepository creates an evidence repository over q.
func NewEvidenceRepository(q database.Querier) EvidenceRepository {
	return &evidenceRepository{q: q}
}

// Insert appends one evidence row.
func (r *evidenceRepository) Insert(ctx context.Context, item *models.EvidenceItem) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO relationship_evidence
			(id, run_id, relationship_hash, source_worker, job_id, found, initial_score, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), item.RunID, item.RelationshipHash, item.SourceWorker, item.JobID,
		item.FoundRelationship, item.InitialScore, item.Raw, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert evidence: %w", err)
	}
	return nil
}

// GetDeduplicated loads the evidence for one relationship hash with at most
// one row per (source worker, job id), keeping the earliest. Replayed jobs
// therefore never skew the score.
func (r *evidenceRepository) GetDeduplicated(ctx context.Context, runID, relationshipHash string) ([]*models.EvidenceRow, error) {
	// The inner DISTINCT ON keeps the earliest row per source; the outer
	// ORDER BY seq restores exact insertion order, which the scoring algebra
	// depends on. created_at cannot break ties within one clock tick.
	query := `
		SELECT id, run_id, relationship_hash, source_worker, job_id, found, initial_score, raw_payload, created_at
		FROM (
			SELECT DISTINCT ON (source_worker, job_id)
				id, seq, run_id, relationship_hash, source_worker, job_id, found, initial_score, raw_payload, created_at
			FROM relationship_evidence
			WHERE run_id = $1 AND relationship_hash = $2
			ORDER BY source_worker, job_id, seq
		) dedup
		ORDER BY seq`

	rows, err := r.q.Query(ctx, query, runID, relationshipHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer rows.Close()

	var items []*models.EvidenceRow
	for rows.Next() {
		var row models.EvidenceRow
		if err := rows.Scan(
			&row.ID, &row.RunID, &row.RelationshipHash, &row.SourceWorker, &row.JobID,
			&row.FoundRelationship, &row.InitialScore, &row.RawPayload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		items = append(items, &row)
	}
	return items, rows.Err()
}

// CountByRun returns the number of evidence rows in a run.
func (r *evidenceRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM relationship_evidence WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count evidence: %w", err)
	}
	return n, nil
}
