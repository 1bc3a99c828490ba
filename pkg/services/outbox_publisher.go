package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/logging"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// OutboxPublisher is the single process-wide writer that drains the outbox
// table onto the queues. Events are published strictly in id order; each
// event's fan-out goes out in one pipelined batch, then the row is flipped
// PENDING to PUBLISHED with a compare-and-set so a crashed publisher can only
// cause duplicate emissions, never lost ones.
type OutboxPublisher struct {
	outbox repositories.OutboxRepository
	queues JobEnqueuer
	batch  int
	poll   time.Duration
	logger *zap.Logger
}

// NewOutboxPublisher creates the publisher. Run exactly one per process.
func NewOutboxPublisher(outbox repositories.OutboxRepository, queues JobEnqueuer, batchSize, pollIntervalMs int, logger *zap.Logger) *OutboxPublisher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &OutboxPublisher{
		outbox: outbox,
		queues: queues,
		batch:  batchSize,
		poll:   time.Duration(pollIntervalMs) * time.Millisecond,
		logger: logger.Named("outbox-publisher"),
	}
}

// Run polls until ctx is canceled. Queue errors back off to the next poll
// tick instead of skipping ahead, preserving id order.
func (p *OutboxPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.logger.Warn("Outbox drain interrupted, backing off", zap.Error(err))
			}
		}
	}
}

// Drain publishes every currently pending event. Exported for tests and for
// the orchestrator's final flush.
func (p *OutboxPublisher) Drain(ctx context.Context) error {
	for {
		events, err := p.outbox.FetchPending(ctx, p.batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.publish(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// publish fans one event out and marks it published. A malformed payload is
// marked FAILED with a reason and never blocks the rows behind it.
func (p *OutboxPublisher) publish(ctx context.Context, ev *models.OutboxEvent) error {
	jobs, err := p.jobsFor(ev)
	if err != nil {
		p.logger.Error("Undecodable outbox payload, marking failed",
			zap.Int64("event_id", ev.ID),
			zap.String("run_id", ev.RunID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("reason", logging.TruncateString(err.Error(), 512)))
		return p.outbox.MarkFailed(ctx, ev.ID, logging.TruncateString(err.Error(), 512))
	}

	if err := p.queues.EnqueueAll(ctx, jobs); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", ev.ID, err)
	}

	published, err := p.outbox.MarkPublished(ctx, ev.ID)
	if err != nil {
		return err
	}
	if !published {
		// Another pass already flipped this row; the enqueue above is a
		// duplicate emission, which consumers absorb.
		p.logger.Debug("Outbox row already published", zap.Int64("event_id", ev.ID))
		return nil
	}

	p.logger.Debug("Outbox event published",
		zap.Int64("event_id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.Int("jobs", len(jobs)))
	return nil
}

// jobsFor maps one outbox event to its queue emissions.
func (p *OutboxPublisher) jobsFor(ev *models.OutboxEvent) ([]*queue.Job, error) {
	switch ev.EventType {
	case models.EventFileAnalysisFinding:
		var finding models.FileAnalysisFinding
		if err := json.Unmarshal(ev.Payload, &finding); err != nil {
			return nil, fmt.Errorf("file-analysis-finding payload: %w", err)
		}
		return p.fileFindingJobs(ev.RunID, &finding)

	case models.EventDirectoryAnalysisFinding:
		var finding models.DirectoryAnalysisFinding
		if err := json.Unmarshal(ev.Payload, &finding); err != nil {
			return nil, fmt.Errorf("directory-analysis-finding payload: %w", err)
		}
		return evidenceJobs(ev.RunID, finding.JobID, models.WorkerDirectoryResolution, finding.Findings)

	case models.EventRelationshipAnalysisFinding:
		var finding models.RelationshipAnalysisFinding
		if err := json.Unmarshal(ev.Payload, &finding); err != nil {
			return nil, fmt.Errorf("relationship-analysis-finding payload: %w", err)
		}
		return evidenceJobs(ev.RunID, finding.JobID, models.WorkerRelationshipResolution, finding.Findings)

	default:
		return nil, fmt.Errorf("unknown outbox event type %q", ev.EventType)
	}
}

// fileFindingJobs fans a file finding out: one relationship-resolution job
// per POI plus one evidence batch for the validation worker.
func (p *OutboxPublisher) fileFindingJobs(runID string, finding *models.FileAnalysisFinding) ([]*queue.Job, error) {
	var jobs []*queue.Job

	for _, poi := range finding.POIs {
		job, err := queue.NewJob(models.QueueRelationshipResolution, runID, models.RelationshipResolutionJob{
			RunID: runID,
			POIID: poi.ID.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("relationship-resolution job for %s: %w", poi.QualifiedName, err)
		}
		jobs = append(jobs, job)
	}

	evJobs, err := evidenceJobs(runID, finding.JobID, models.WorkerFileAnalysis, finding.Relationships)
	if err != nil {
		return nil, err
	}
	return append(jobs, evJobs...), nil
}

// evidenceJobs wraps a finding's relationship verdicts into one
// analysis-findings batch, or none when the finding is empty.
func evidenceJobs(runID, jobID string, worker models.SourceWorker, findings []models.RelationshipFinding) ([]*queue.Job, error) {
	if len(findings) == 0 {
		return nil, nil
	}

	items := make([]models.EvidenceItem, 0, len(findings))
	for _, f := range findings {
		// The full finding rides along as the evidence row's raw payload so
		// reconciliation decisions stay auditable after the fact.
		raw, err := json.Marshal(f)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal finding %s: %w", f.RelationshipHash, err)
		}
		items = append(items, models.EvidenceItem{
			RunID:               runID,
			RelationshipHash:    f.RelationshipHash,
			SourceWorker:        worker,
			JobID:               jobID,
			FoundRelationship:   f.FoundRelationship,
			InitialScore:        f.InitialScore,
			SourceQualifiedName: f.SourceQualifiedName,
			TargetQualifiedName: f.TargetQualifiedName,
			Raw:                 raw,
		})
	}

	job, err := queue.NewJob(models.QueueAnalysisFindings, runID, models.AnalysisFindingsJob{
		RunID: runID,
		Items: items,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis-findings job for %s: %w", jobID, err)
	}
	return []*queue.Job{job}, nil
}
