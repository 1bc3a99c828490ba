package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// AllowList is the set of queue names the pipeline may create. The queue
// manager checks membership before any enqueue; an unknown name is rejected
// rather than silently creating a stray queue.
type AllowList interface {
	Seed(ctx context.Context, names []string) error
	Contains(ctx context.Context, name string) (bool, error)
}

type allowList struct {
	client *redis.Client
	prefix string
}

// NewAllowList creates the Redis-backed queue allow-list.
func NewAllowList(client *redis.Client, prefix string) AllowList {
	return &allowList{client: client, prefix: prefix}
}

var _ AllowList = (*allowList)(nil)

func (a *allowList) key() string {
	return fmt.Sprintf("%s:allowed-queues", a.prefix)
}

func (a *allowList) Seed(ctx context.Context, names []string) error {
	members := make([]any, len(names))
	for i, n := range names {
		members[i] = n
	}
	if err := a.client.SAdd(ctx, a.key(), members...).Err(); err != nil {
		return fmt.Errorf("failed to seed queue allow-list: %w", err)
	}
	return nil
}

func (a *allowList) Contains(ctx context.Context, name string) (bool, error) {
	ok, err := a.client.SIsMember(ctx, a.key(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check queue allow-list: %w", err)
	}
	return ok, nil
}
