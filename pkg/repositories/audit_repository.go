package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// AuditRepository records reconciliation decisions for later inspection.
type AuditRepository interface {
	Record(ctx context.Context, d *models.ReconciliationDecision) error
	GetByRun(ctx context.Context, runID string) ([]*models.ReconciliationDecision, error)
}

type auditRepository struct {
	q database.Querier
}

// NewAuditRepository creates an audit repository over q.
func NewAuditRepository(q database.Querier) AuditRepository {
	return &auditRepository{q: q}
}

// Record appends one reconciliation decision.
func (r *auditRepository) Record(ctx context.Context, d *models.ReconciliationDecision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()

	_, err := r.q.Exec(ctx, `
		INSERT INTO reconciliation_audit
			(id, run_id, relationship_hash, decision, final_score, evidence_count, has_conflict, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.RunID, d.RelationshipHash, d.Decision, d.FinalScore,
		d.EvidenceCount, d.HasConflict, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record reconciliation decision: %w", err)
	}
	return nil
}

// GetByRun returns every decision recorded for a run.
func (r *auditRepository) GetByRun(ctx context.Context, runID string) ([]*models.ReconciliationDecision, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, run_id, relationship_hash, decision, final_score, evidence_count, has_conflict, created_at
		FROM reconciliation_audit
		WHERE run_id = $1
		ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation audit: %w", err)
	}
	defer rows.Close()

	var decisions []*models.ReconciliationDecision
	for rows.Next() {
		var d models.ReconciliationDecision
		if err := rows.Scan(&d.ID, &d.RunID, &d.RelationshipHash, &d.Decision,
			&d.FinalScore, &d.EvidenceCount, &d.HasConflict, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation decision: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}
