package services

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// ReconciliationWorker folds a relationship's accumulated evidence into a
// final score and resolves the candidate row to its terminal status. The
// resolve is a compare-and-set on PENDING_VALIDATION, so a replayed trigger
// is a no-op; the audit row records the decision either way.
type ReconciliationWorker struct {
	evidence  repositories.EvidenceRepository
	rels      repositories.RelationshipRepository
	audit     repositories.AuditRepository
	threshold float64
	logger    *zap.Logger
}

// NewReconciliationWorker creates a reconciliation worker with the run's
// validation threshold.
func NewReconciliationWorker(evidence repositories.EvidenceRepository, rels repositories.RelationshipRepository, audit repositories.AuditRepository, threshold float64, logger *zap.Logger) *ReconciliationWorker {
	return &ReconciliationWorker{
		evidence:  evidence,
		rels:      rels,
		audit:     audit,
		threshold: threshold,
		logger:    logger.Named("reconciliation"),
	}
}

// ProcessJob implements queue.Handler.
func (w *ReconciliationWorker) ProcessJob(ctx context.Context, job *queue.Job) error {
	var payload models.ReconciliationJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Permanent("invalid reconciliation payload", err)
	}

	rows, err := w.evidence.GetDeduplicated(ctx, payload.RunID, payload.RelationshipHash)
	if err != nil {
		return err
	}

	result := ScoreEvidence(rows)
	status := w.decide(result)

	resolved, err := w.rels.ResolvePending(ctx, payload.RunID, payload.RelationshipHash, status, result.FinalScore)
	if err != nil {
		return err
	}
	if !resolved {
		// Already terminal (replay) or no candidate row exists for this hash
		// (evidence without a persisted relationship). Audited below either
		// way so the decision is inspectable.
		w.logger.Debug("No pending candidate to resolve",
			zap.String("run_id", payload.RunID),
			zap.String("relationship_hash", payload.RelationshipHash))
	}

	if err := w.audit.Record(ctx, &models.ReconciliationDecision{
		RunID:            payload.RunID,
		RelationshipHash: payload.RelationshipHash,
		Decision:         status,
		FinalScore:       result.FinalScore,
		EvidenceCount:    result.EvidenceCount,
		HasConflict:      result.HasConflict,
	}); err != nil {
		return err
	}

	w.logger.Info("Relationship reconciled",
		zap.String("run_id", payload.RunID),
		zap.String("relationship_hash", payload.RelationshipHash),
		zap.String("decision", string(status)),
		zap.Float64("final_score", result.FinalScore),
		zap.Int("evidence", result.EvidenceCount),
		zap.Bool("has_conflict", result.HasConflict))
	return nil
}

// decide maps a score to a terminal status. A relationship that clears the
// threshold while carrying contradictory evidence lands in CONFLICT, which
// keeps it out of the graph without discarding the signal; below the
// threshold the conflict flag is audit-only.
func (w *ReconciliationWorker) decide(result ScoreResult) models.RelationshipStatus {
	if result.FinalScore < w.threshold {
		return models.RelationshipRejected
	}
	if result.HasConflict {
		return models.RelationshipConflict
	}
	return models.RelationshipValidated
}
