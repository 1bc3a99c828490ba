package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/logging"
	"github.com/triangulate-hq/triangulate-engine/pkg/retry"
)

// Handler processes one job. Implementations are the pipeline workers;
// returning a *apperrors.PermanentError (or any non-retryable error) sends
// the job straight to the DLQ, any other error triggers a backoff retry.
type Handler interface {
	ProcessJob(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) ProcessJob(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// ConsumerConfig tunes one queue's consumer pool.
type ConsumerConfig struct {
	Concurrency    int           // parallel workers on this queue
	PollInterval   time.Duration // sleep when the queue is empty
	JobTimeout     time.Duration // per-job deadline; expiry dead-letters the job
	MaxAttempts    int           // retry ceiling including the first attempt
	InitialBackoff time.Duration // first retry delay
	MaxBackoff     time.Duration // retry delay cap
}

// DefaultConsumerConfig returns the queue-level retry policy: 3 attempts
// with exponential backoff and jitter, 15 minute job timeout.
func DefaultConsumerConfig(concurrency int) ConsumerConfig {
	if concurrency < 1 {
		concurrency = 1
	}
	return ConsumerConfig{
		Concurrency:    concurrency,
		PollInterval:   100 * time.Millisecond,
		JobTimeout:     15 * time.Minute,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Consumer runs a pool of goroutines draining one named queue into a
// Handler. Delivery is at-least-once: a popped job that fails transiently is
// re-enqueued with an incremented attempt count after a backoff.
type Consumer struct {
	manager   *Manager
	queueName string
	handler   Handler
	config    ConsumerConfig
	logger    *zap.Logger

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer pool for one queue.
func NewConsumer(manager *Manager, queueName string, handler Handler, config ConsumerConfig, logger *zap.Logger) *Consumer {
	return &Consumer{
		manager:   manager,
		queueName: queueName,
		handler:   handler,
		config:    config,
		logger:    logger.Named("consumer").With(zap.String("queue", queueName)),
	}
}

// Start reclaims jobs stranded on the processing list by a previous process,
// then launches the worker goroutines. They exit when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	n, err := c.manager.ReclaimProcessing(ctx, c.queueName)
	if err != nil {
		c.logger.Warn("failed to reclaim processing list",
			zap.String("error", logging.SanitizeError(err)))
	}
	if n > 0 {
		c.logger.Info("reclaimed unacked jobs from previous run", zap.Int("count", n))
	}

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.loop(ctx)
	}
}

// Wait blocks until all worker goroutines have exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// InFlight returns the number of jobs currently being processed.
func (c *Consumer) InFlight() int64 {
	return c.inFlight.Load()
}

func (c *Consumer) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.manager.Dequeue(ctx, c.queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("dequeue failed", zap.String("error", logging.SanitizeError(err)))
			c.sleep(ctx, c.config.PollInterval)
			continue
		}
		if job == nil {
			c.sleep(ctx, c.config.PollInterval)
			continue
		}

		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	job.Attempts++

	jobCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	err := c.handler.ProcessJob(jobCtx, job)
	cancel()

	if err == nil {
		c.ack(ctx, job)
		return
	}

	// Structured context before failing; never the payload itself.
	c.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("run_id", job.RunID),
		zap.Int("attempt", job.Attempts),
		zap.String("error", logging.SanitizeError(err)))

	if apperrors.IsPermanent(err) || !retry.IsRetryable(err) {
		reason := apperrors.PermanentReason(err)
		if reason == "" {
			reason = logging.Snippet(err.Error())
		}
		c.deadLetter(ctx, job, reason)
		c.ack(ctx, job)
		return
	}

	if job.Attempts >= c.config.MaxAttempts {
		c.deadLetter(ctx, job, fmt.Sprintf("retries exhausted after %d attempts: %s",
			job.Attempts, logging.Snippet(err.Error())))
		c.ack(ctx, job)
		return
	}

	job.LastError = logging.Snippet(err.Error())
	c.sleep(ctx, c.backoff(job.Attempts))
	if ctx.Err() != nil {
		// Shutting down mid-retry: put the job back without the delay so it
		// survives into the next process lifetime.
		ctx = context.WithoutCancel(ctx)
	}
	if err := c.manager.Enqueue(ctx, job); err != nil {
		// Leave the job unacked: it stays on the processing list and the
		// reclaim at next start puts it back on the queue.
		c.logger.Error("failed to re-enqueue job",
			zap.String("job_id", job.ID),
			zap.String("error", logging.SanitizeError(err)))
		return
	}
	c.ack(ctx, job)
}

// ack removes the job from the processing list once its outcome is recorded
// elsewhere, on the queue again or on the DLQ.
func (c *Consumer) ack(ctx context.Context, job *Job) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := c.manager.Ack(ctx, job); err != nil {
		c.logger.Error("failed to ack job",
			zap.String("job_id", job.ID),
			zap.String("error", logging.SanitizeError(err)))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, job *Job, reason string) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := c.manager.MoveToDLQ(ctx, job, reason); err != nil {
		c.logger.Error("failed to dead-letter job",
			zap.String("job_id", job.ID),
			zap.String("error", logging.SanitizeError(err)))
	}
}

// backoff computes the delay before retry attempt n, exponential with ±10%
// jitter to prevent thundering herd.
func (c *Consumer) backoff(attempt int) time.Duration {
	d := float64(c.config.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if d > float64(c.config.MaxBackoff) {
		d = float64(c.config.MaxBackoff)
	}
	jitter := d * 0.1 * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
