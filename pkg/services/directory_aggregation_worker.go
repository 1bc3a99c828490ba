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
)

// DirectoryAggregationWorker is the per-directory barrier. Each completed
// file analysis sends one notification here; when the counter reaches the
// directory's file total, exactly one directory-resolution job fires.
type DirectoryAggregationWorker struct {
	counters  cache.Counters
	manifests cache.ManifestStore
	queues    JobEnqueuer
	logger    *zap.Logger
}

// NewDirectoryAggregationWorker creates the barrier worker.
func NewDirectoryAggregationWorker(counters cache.Counters, manifests cache.ManifestStore, queues JobEnqueuer, logger *zap.Logger) *DirectoryAggregationWorker {
	return &DirectoryAggregationWorker{
		counters:  counters,
		manifests: manifests,
		queues:    queues,
		logger:    logger.Named("directory-aggregation"),
	}
}

// ProcessJob implements queue.Handler.
func (w *DirectoryAggregationWorker) ProcessJob(ctx context.Context, job *queue.Job) error {
	var payload models.DirectoryAggregationJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Permanent("invalid directory-aggregation payload", err)
	}

	n, err := w.counters.IncrDirProgress(ctx, payload.RunID, payload.Directory)
	if err != nil {
		return err
	}

	if n < int64(payload.TotalFiles) {
		w.logger.Debug("Directory progress",
			zap.String("run_id", payload.RunID),
			zap.String("directory", payload.Directory),
			zap.Int64("completed", n),
			zap.Int("total", payload.TotalFiles))
		return nil
	}

	// The barrier is full. The counter alone cannot decide who fires: a
	// notification retried after a failed dispatch increments it past the
	// total, so the transition is keyed on a one-shot flag instead.
	claimed, err := w.counters.MarkDirFired(ctx, payload.RunID, payload.Directory)
	if err != nil {
		return err
	}
	if !claimed {
		// Replayed notification after the barrier already fired.
		w.logger.Warn("Directory barrier overshoot, ignoring",
			zap.String("run_id", payload.RunID),
			zap.String("directory", payload.Directory),
			zap.Int64("count", n),
			zap.Int("total", payload.TotalFiles))
		return nil
	}

	if err := w.dispatch(ctx, &payload); err != nil {
		// Release the claim so the retried notification can fire; otherwise
		// the directory's evidence would starve forever.
		if clearErr := w.counters.ClearDirFired(ctx, payload.RunID, payload.Directory); clearErr != nil {
			w.logger.Error("Failed to release directory firing claim",
				zap.String("run_id", payload.RunID),
				zap.String("directory", payload.Directory),
				zap.Error(clearErr))
		}
		return err
	}

	if err := w.counters.DeleteDirProgress(ctx, payload.RunID, payload.Directory); err != nil {
		// Stale barrier keys are swept by ClearRun on finalize.
		w.logger.Warn("Failed to delete directory barrier",
			zap.String("run_id", payload.RunID),
			zap.String("directory", payload.Directory),
			zap.Error(err))
	}

	w.logger.Info("Directory complete, resolution dispatched",
		zap.String("run_id", payload.RunID),
		zap.String("directory", payload.Directory),
		zap.Int("files", payload.TotalFiles))
	return nil
}

// dispatch enqueues the directory's resolution job under its manifest id.
func (w *DirectoryAggregationWorker) dispatch(ctx context.Context, payload *models.DirectoryAggregationJob) error {
	// The manifest pre-assigned the resolution job id so evidence
	// expectations line up with the job that supplies them.
	manifest, err := w.manifests.Load(ctx, payload.RunID)
	if err != nil {
		return err
	}
	dirJobID, ok := manifest.DirectoryJobs[payload.Directory]
	if !ok {
		return apperrors.Permanent(fmt.Sprintf("directory %s missing from manifest", payload.Directory), nil)
	}

	resJob, err := queue.NewJobWithID(dirJobID, models.QueueDirectoryResolution, payload.RunID, models.DirectoryResolutionJob{
		RunID:     payload.RunID,
		Directory: payload.Directory,
	})
	if err != nil {
		return fmt.Errorf("failed to build directory-resolution job: %w", err)
	}
	return w.queues.Enqueue(ctx, resJob)
}
