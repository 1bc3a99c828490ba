// Package queue implements the pipeline's durable work queues on Redis
// lists: named FIFO queues with at-least-once delivery, per-job retry with
// exponential backoff, and a dead-letter queue for permanent failures.
// A dequeue moves the job onto a per-queue processing list instead of
// popping it outright; the consumer acks it off that list once handled, and
// anything left behind by a crashed process is reclaimed at the next start.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/cache"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// Manager owns enqueue/dequeue access to the named queues. Every queue name
// is validated against the KV allow-list; producing to an unknown queue is a
// hard error, never a silent queue creation.
type Manager struct {
	client *redis.Client
	allow  cache.AllowList
	prefix string
	logger *zap.Logger
}

// NewManager creates a queue manager.
func NewManager(client *redis.Client, allow cache.AllowList, prefix string, logger *zap.Logger) *Manager {
	return &Manager{
		client: client,
		allow:  allow,
		prefix: prefix,
		logger: logger.Named("queue"),
	}
}

func (m *Manager) listKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s", m.prefix, queueName)
}

func (m *Manager) processingKey(queueName string) string {
	return fmt.Sprintf("%s:processing:%s", m.prefix, queueName)
}

func (m *Manager) checkAllowed(ctx context.Context, queueName string) error {
	ok, err := m.allow.Contains(ctx, queueName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownQueue, queueName)
	}
	return nil
}

// Enqueue appends one job to its queue.
func (m *Manager) Enqueue(ctx context.Context, job *Job) error {
	if err := m.checkAllowed(ctx, job.Queue); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := m.client.LPush(ctx, m.listKey(job.Queue), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", job.Queue, err)
	}
	return nil
}

// EnqueueAll appends a batch of jobs, possibly across queues, in a single
// Redis pipeline. The outbox publisher relies on this to keep one outbox
// event's fan-out together.
func (m *Manager) EnqueueAll(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}

	for _, job := range jobs {
		if err := m.checkAllowed(ctx, job.Queue); err != nil {
			return err
		}
	}

	pipe := m.client.TxPipeline()
	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
		}
		pipe.LPush(ctx, m.listKey(job.Queue), data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue batch: %w", err)
	}
	return nil
}

// Dequeue atomically moves the oldest job onto the queue's processing list
// and returns it, or nil when the queue is empty. The caller must Ack the
// job once it is handled; unacked jobs survive a crash on the processing
// list and are reclaimed by the next consumer start.
func (m *Manager) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	data, err := m.client.LMove(ctx, m.listKey(queueName), m.processingKey(queueName), "RIGHT", "LEFT").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queueName, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		// An undecodable envelope can never be processed; remove it from the
		// processing list and dead-letter the fact, or it would be reclaimed
		// and poison the queue forever.
		m.client.LRem(ctx, m.processingKey(queueName), 1, data)
		if dlqErr := m.MoveToDLQ(ctx, &Job{Queue: queueName}, "undecodable job envelope"); dlqErr != nil {
			m.logger.Error("failed to dead-letter undecodable envelope",
				zap.String("queue", queueName))
		}
		return nil, fmt.Errorf("%w: undecodable job on %s", apperrors.ErrInvalidPayload, queueName)
	}
	job.raw = data
	return &job, nil
}

// Ack removes a dequeued job from its processing list. Safe to call more
// than once; a second ack is a no-op.
func (m *Manager) Ack(ctx context.Context, job *Job) error {
	if len(job.raw) == 0 {
		return nil
	}
	if err := m.client.LRem(ctx, m.processingKey(job.Queue), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}
	return nil
}

// ReclaimProcessing moves every job stranded on a queue's processing list by
// a previous process back onto the queue, preserving their original FIFO
// order. Called once per queue at consumer start, before any worker dequeues.
func (m *Manager) ReclaimProcessing(ctx context.Context, queueName string) (int, error) {
	n := 0
	for {
		err := m.client.LMove(ctx, m.processingKey(queueName), m.listKey(queueName), "LEFT", "RIGHT").Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to reclaim processing list of %s: %w", queueName, err)
		}
		n++
	}
}

// ProcessingDepth returns the number of dequeued-but-unacked jobs on a queue.
func (m *Manager) ProcessingDepth(ctx context.Context, queueName string) (int64, error) {
	n, err := m.client.LLen(ctx, m.processingKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing depth of %s: %w", queueName, err)
	}
	return n, nil
}

// Depth returns the number of waiting jobs on a queue.
func (m *Manager) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := m.client.LLen(ctx, m.listKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queueName, err)
	}
	return n, nil
}

// TotalDepth sums the waiting jobs across all pipeline queues except the DLQ.
func (m *Manager) TotalDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, name := range models.AllQueues {
		if name == models.QueueFailedJobs {
			continue
		}
		n, err := m.Depth(ctx, name)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// MoveToDLQ records a permanently failed job on the failed-jobs queue with a
// structured reason.
func (m *Manager) MoveToDLQ(ctx context.Context, job *Job, reason string) error {
	entry := DeadLetter{Job: job, Reason: reason, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	if err := m.client.LPush(ctx, m.listKey(models.QueueFailedJobs), data).Err(); err != nil {
		return fmt.Errorf("failed to move job %s to DLQ: %w", job.ID, err)
	}

	m.logger.Warn("job moved to dead-letter queue",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("run_id", job.RunID),
		zap.String("reason", reason))
	return nil
}

// DLQDepth returns the number of dead-lettered jobs.
func (m *Manager) DLQDepth(ctx context.Context) (int64, error) {
	return m.Depth(ctx, models.QueueFailedJobs)
}
