package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Counters provides the run's atomic counters: per-relationship evidence
// counts and per-directory file-completion barriers. All operations are
// single-key Redis atomics, so concurrent workers never need a lock.
type Counters interface {
	// IncrEvidence atomically increments the evidence counter for a
	// relationship hash and returns the new value.
	IncrEvidence(ctx context.Context, runID, relHash string) (int64, error)

	// EvidenceCount reads the current evidence counter (0 when unset).
	EvidenceCount(ctx context.Context, runID, relHash string) (int64, error)

	// IncrDirProgress atomically increments the directory barrier and
	// returns the new value.
	IncrDirProgress(ctx context.Context, runID, dir string) (int64, error)

	// MarkDirFired claims the one-shot firing flag for a directory barrier.
	// Returns true only for the caller that newly set it; a retried or
	// replayed notification gets false.
	MarkDirFired(ctx context.Context, runID, dir string) (bool, error)

	// ClearDirFired releases the firing flag so a retried notification can
	// claim it again after a failed dispatch.
	ClearDirFired(ctx context.Context, runID, dir string) error

	// DeleteDirProgress removes a directory barrier once it has fired.
	DeleteDirProgress(ctx context.Context, runID, dir string) error

	// ClearRun removes all counters for a run on finalize.
	ClearRun(ctx context.Context, runID string) error
}

type counters struct {
	client *redis.Client
	prefix string
}

// NewCounters creates Redis-backed run counters.
func NewCounters(client *redis.Client, prefix string) Counters {
	return &counters{client: client, prefix: prefix}
}

var _ Counters = (*counters)(nil)

func (c *counters) evidenceKey(runID, relHash string) string {
	return fmt.Sprintf("%s:evidence-count:%s:%s", c.prefix, runID, relHash)
}

func (c *counters) dirKey(runID, dir string) string {
	return fmt.Sprintf("%s:dir-progress:%s:%s", c.prefix, runID, dir)
}

func (c *counters) dirFiredKey(runID, dir string) string {
	return fmt.Sprintf("%s:dir-fired:%s:%s", c.prefix, runID, dir)
}

func (c *counters) IncrEvidence(ctx context.Context, runID, relHash string) (int64, error) {
	n, err := c.client.Incr(ctx, c.evidenceKey(runID, relHash)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment evidence counter: %w", err)
	}
	return n, nil
}

func (c *counters) EvidenceCount(ctx context.Context, runID, relHash string) (int64, error) {
	n, err := c.client.Get(ctx, c.evidenceKey(runID, relHash)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read evidence counter: %w", err)
	}
	return n, nil
}

func (c *counters) IncrDirProgress(ctx context.Context, runID, dir string) (int64, error) {
	n, err := c.client.Incr(ctx, c.dirKey(runID, dir)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment directory progress: %w", err)
	}
	return n, nil
}

func (c *counters) MarkDirFired(ctx context.Context, runID, dir string) (bool, error) {
	set, err := c.client.SetNX(ctx, c.dirFiredKey(runID, dir), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim directory firing flag: %w", err)
	}
	return set, nil
}

func (c *counters) ClearDirFired(ctx context.Context, runID, dir string) error {
	if err := c.client.Del(ctx, c.dirFiredKey(runID, dir)).Err(); err != nil {
		return fmt.Errorf("failed to clear directory firing flag: %w", err)
	}
	return nil
}

func (c *counters) DeleteDirProgress(ctx context.Context, runID, dir string) error {
	if err := c.client.Del(ctx, c.dirKey(runID, dir)).Err(); err != nil {
		return fmt.Errorf("failed to delete directory progress: %w", err)
	}
	return nil
}

func (c *counters) ClearRun(ctx context.Context, runID string) error {
	patterns := []string{
		fmt.Sprintf("%s:evidence-count:%s:*", c.prefix, runID),
		fmt.Sprintf("%s:dir-progress:%s:*", c.prefix, runID),
		fmt.Sprintf("%s:dir-fired:%s:*", c.prefix, runID),
	}

	for _, pattern := range patterns {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to clear counter %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan counters: %w", err)
		}
	}
	return nil
}
