package services

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/cache"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// ValidationWorker consumes evidence batches: each item is persisted, the
// relationship's evidence counter is bumped, and when the counter reaches the
// manifest's expected count a reconciliation job fires exactly once per
// reaching it.
type ValidationWorker struct {
	evidence  repositories.EvidenceRepository
	counters  cache.Counters
	manifests cache.ManifestStore
	queues    JobEnqueuer
	logger    *zap.Logger
}

// NewValidationWorker creates a validation worker.
func NewValidationWorker(evidence repositories.EvidenceRepository, counters cache.Counters, manifests cache.ManifestStore, queues JobEnqueuer, logger *zap.Logger) *ValidationWorker {
	return &ValidationWorker{
		evidence:  evidence,
		counters:  counters,
		manifests: manifests,
		queues:    queues,
		logger:    logger.Named("validation"),
	}
}

// ProcessJob implements queue.Handler.
func (w *ValidationWorker) ProcessJob(ctx context.Context, job *queue.Job) error {
	var payload models.AnalysisFindingsJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Permanent("invalid analysis-findings payload", err)
	}

	manifest, err := w.manifests.Load(ctx, payload.RunID)
	if err != nil {
		return err
	}

	for i := range payload.Items {
		if err := w.processItem(ctx, manifest, &payload.Items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w *ValidationWorker) processItem(ctx context.Context, manifest *models.RunManifest, item *models.EvidenceItem) error {
	if item.RelationshipHash == "" {
		return apperrors.Permanent("evidence item missing relationship hash", nil)
	}

	// The evidence insert is idempotent at read time: reconciliation
	// deduplicates on (source worker, job id), so a replayed batch inflates
	// only the counter, which the overshoot rule below absorbs.
	if err := w.evidence.Insert(ctx, item); err != nil {
		return err
	}

	n, err := w.counters.IncrEvidence(ctx, item.RunID, item.RelationshipHash)
	if err != nil {
		return err
	}

	expected, ok := w.expectedCount(manifest, item)
	if !ok {
		// No manifest entry even at file-pair granularity. The evidence is
		// stored for audit but can never trigger reconciliation.
		w.logger.Warn("Evidence for unknown relationship key",
			zap.String("run_id", item.RunID),
			zap.String("relationship_hash", item.RelationshipHash),
			zap.String("source_worker", string(item.SourceWorker)))
		return nil
	}

	switch {
	case n < int64(expected):
		return nil

	case n > int64(expected):
		// Late or replayed evidence after the trigger already fired.
		w.logger.Warn("Evidence counter overshoot, ignoring",
			zap.String("run_id", item.RunID),
			zap.String("relationship_hash", item.RelationshipHash),
			zap.Int64("count", n),
			zap.Int("expected", expected))
		return nil
	}

	recJob, err := queue.NewJob(models.QueueReconciliation, item.RunID, models.ReconciliationJob{
		RunID:            item.RunID,
		RelationshipHash: item.RelationshipHash,
	})
	if err != nil {
		return fmt.Errorf("failed to build reconciliation job: %w", err)
	}
	if err := w.queues.Enqueue(ctx, recJob); err != nil {
		return err
	}

	w.logger.Debug("Evidence complete, reconciliation dispatched",
		zap.String("run_id", item.RunID),
		zap.String("relationship_hash", item.RelationshipHash),
		zap.Int("expected", expected))
	return nil
}

// expectedCount resolves how much evidence the manifest promised for this
// item's key. The scout wrote expectations at file-pair granularity, so a
// POI-level relationship hash falls back to the pair of files its qualified
// names live in.
func (w *ValidationWorker) expectedCount(manifest *models.RunManifest, item *models.EvidenceItem) (int, bool) {
	if n, ok := manifest.ExpectedEvidence(item.RelationshipHash); ok {
		return n, true
	}
	if item.SourceQualifiedName == "" || item.TargetQualifiedName == "" {
		return 0, false
	}
	pairHash := models.FilePairHash(
		models.FileOfQualifiedName(item.SourceQualifiedName),
		models.FileOfQualifiedName(item.TargetQualifiedName),
	)
	return manifest.ExpectedEvidence(pairHash)
}
