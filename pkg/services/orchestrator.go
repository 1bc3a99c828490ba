package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/cache"
	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/graph"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// RunStatus is the terminal outcome of a pipeline run.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
)

// RunSummary is the user-facing result of a run. PARTIAL means the graph was
// built but some work ended in the DLQ or some relationships never collected
// their expected evidence; it is never folded into SUCCESS.
type RunSummary struct {
	RunID                string                            `json:"run_id"`
	Status               RunStatus                         `json:"status"`
	Files                map[models.FileStatus]int         `json:"files"`
	Relationships        map[models.RelationshipStatus]int `json:"relationships"`
	StarvedRelationships int                               `json:"starved_relationships"`
	DeadLetters          int64                             `json:"dead_letters"`
	GraphEdges           int                               `json:"graph_edges"`
	GraphBatches         int                               `json:"graph_batches"`
	Duration             time.Duration                     `json:"duration"`
}

// GraphIngester is the graph-building capability the orchestrator invokes
// once the run is complete. Satisfied by graph.Builder.
type GraphIngester interface {
	Build(ctx context.Context, runID string) (*graph.BuildStats, error)
}

// OrchestratorDeps bundles everything a run needs.
type OrchestratorDeps struct {
	Queues    *queue.Manager
	AllowList cache.AllowList
	Counters  cache.Counters
	Manifests cache.ManifestStore
	Scout     *Scout
	Publisher *OutboxPublisher
	Builder   GraphIngester
	Outbox    repositories.OutboxRepository
	Rels      repositories.RelationshipRepository
	Files     repositories.FileRepository
	Handlers  map[string]queue.Handler
	Workers   config.WorkerConfig
	Run       config.RunConfig
	Logger    *zap.Logger
}

// Orchestrator boots the pipeline for one run, watches it drain, and hands
// the validated result to the graph builder.
type Orchestrator struct {
	deps   OrchestratorDeps
	logger *zap.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{deps: deps, logger: deps.Logger.Named("orchestrator")}
}

// Run executes one full pipeline run over rootPath and returns its summary.
// The summary is non-nil whenever the run got far enough to have one, even
// when err is also non-nil.
func (o *Orchestrator) Run(ctx context.Context, rootPath, runID string) (*RunSummary, error) {
	start := time.Now()

	if err := o.deps.AllowList.Seed(ctx, models.AllQueues); err != nil {
		return nil, err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		o.deps.Publisher.Run(workerCtx)
	}()

	consumers := o.startConsumers(workerCtx)

	o.logger.Info("Run starting",
		zap.String("run_id", runID),
		zap.String("root_path", rootPath))

	if _, err := o.deps.Scout.StartRun(ctx, rootPath, runID); err != nil {
		stopWorkers()
		o.waitForWorkers(consumers, publisherDone)
		return nil, fmt.Errorf("run %s failed to start: %w", runID, err)
	}

	completionErr := o.waitForCompletion(ctx, consumers)

	stopWorkers()
	o.waitForWorkers(consumers, publisherDone)

	// One last drain with a fresh context so rows committed during shutdown
	// are not stranded as PENDING.
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	if err := o.deps.Publisher.Drain(drainCtx); err != nil {
		o.logger.Warn("Final outbox drain failed", zap.Error(err))
	}
	cancelDrain()

	if completionErr != nil {
		return nil, completionErr
	}

	stats, buildErr := o.deps.Builder.Build(ctx, runID)
	summary, err := o.summarize(ctx, runID, stats, buildErr, time.Since(start))
	if err != nil {
		return nil, err
	}

	o.finalize(ctx, runID)

	o.logger.Info("Run finished",
		zap.String("run_id", runID),
		zap.String("status", string(summary.Status)),
		zap.Int("graph_edges", summary.GraphEdges),
		zap.Int("starved_relationships", summary.StarvedRelationships),
		zap.Int64("dead_letters", summary.DeadLetters),
		zap.Duration("duration", summary.Duration))

	if buildErr != nil {
		return summary, buildErr
	}
	return summary, nil
}

func (o *Orchestrator) startConsumers(ctx context.Context) []*queue.Consumer {
	concurrency := map[string]int{
		models.QueueFileAnalysis:           o.deps.Workers.FileAnalysis,
		models.QueueDirectoryAggregation:   o.deps.Workers.DirectoryAggregation,
		models.QueueDirectoryResolution:    o.deps.Workers.DirectoryResolution,
		models.QueueRelationshipResolution: o.deps.Workers.RelationshipResolution,
		models.QueueAnalysisFindings:       o.deps.Workers.AnalysisFindings,
		models.QueueReconciliation:         o.deps.Workers.Reconciliation,
	}

	var consumers []*queue.Consumer
	for queueName, handler := range o.deps.Handlers {
		cfg := queue.DefaultConsumerConfig(concurrency[queueName])
		if o.deps.Workers.JobTimeoutMinutes > 0 {
			cfg.JobTimeout = time.Duration(o.deps.Workers.JobTimeoutMinutes) * time.Minute
		}
		if o.deps.Workers.MaxAttempts > 0 {
			cfg.MaxAttempts = o.deps.Workers.MaxAttempts
		}

		c := queue.NewConsumer(o.deps.Queues, queueName, handler, cfg, o.logger)
		c.Start(ctx)
		consumers = append(consumers, c)
	}
	return consumers
}

func (o *Orchestrator) waitForWorkers(consumers []*queue.Consumer, publisherDone chan struct{}) {
	for _, c := range consumers {
		c.Wait()
	}
	<-publisherDone
}

// waitForCompletion polls until the pipeline is drained: no waiting jobs, no
// in-flight jobs, no pending outbox rows. Idleness must hold for the whole
// stabilization window, because an in-flight job can commit an outbox row
// after the queues look empty.
func (o *Orchestrator) waitForCompletion(ctx context.Context, consumers []*queue.Consumer) error {
	poll := time.Duration(o.deps.Run.CompletionPollMs) * time.Millisecond
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	window := time.Duration(o.deps.Run.StabilizationMs) * time.Millisecond

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		idle, err := o.isIdle(ctx, consumers)
		if err != nil {
			o.logger.Warn("Completion check failed", zap.Error(err))
			idleSince = time.Time{}
			continue
		}
		if !idle {
			idleSince = time.Time{}
			continue
		}

		if idleSince.IsZero() {
			idleSince = time.Now()
		}
		if time.Since(idleSince) >= window {
			return nil
		}
	}
}

func (o *Orchestrator) isIdle(ctx context.Context, consumers []*queue.Consumer) (bool, error) {
	depth, err := o.deps.Queues.TotalDepth(ctx)
	if err != nil {
		return false, err
	}
	if depth > 0 {
		return false, nil
	}

	for _, c := range consumers {
		if c.InFlight() > 0 {
			return false, nil
		}
	}

	pending, err := o.deps.Outbox.PendingCount(ctx)
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (o *Orchestrator) summarize(ctx context.Context, runID string, stats *graph.BuildStats, buildErr error, duration time.Duration) (*RunSummary, error) {
	fileCounts, err := o.deps.Files.CountByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	relCounts, err := o.deps.Rels.CountByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	dlq, err := o.deps.Queues.DLQDepth(ctx)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{
		RunID:                runID,
		Files:                fileCounts,
		Relationships:        relCounts,
		StarvedRelationships: relCounts[models.RelationshipPendingValidation],
		DeadLetters:          dlq,
		Duration:             duration,
	}
	if stats != nil {
		summary.GraphEdges = stats.Edges
		summary.GraphBatches = stats.Batches
	}

	switch {
	case buildErr != nil:
		summary.Status = RunFailed
	case dlq > 0 || summary.StarvedRelationships > 0:
		summary.Status = RunPartial
	default:
		summary.Status = RunSuccess
	}

	if summary.StarvedRelationships > 0 {
		o.logger.Warn("Starved relationships never reconciled",
			zap.String("run_id", runID),
			zap.Int("count", summary.StarvedRelationships))
	}
	return summary, nil
}

// finalize clears the run's coordination state. Persistent rows (files, POIs,
// relationships, evidence, audit, published outbox events) are retained for
// inspection; only Redis state is swept.
func (o *Orchestrator) finalize(ctx context.Context, runID string) {
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Counters.ClearRun(ctx, runID); err != nil {
		o.logger.Warn("Failed to clear run counters", zap.String("run_id", runID), zap.Error(err))
	}
	if err := o.deps.Manifests.Delete(ctx, runID); err != nil {
		o.logger.Warn("Failed to delete run manifest", zap.String("run_id", runID), zap.Error(err))
	}
}
