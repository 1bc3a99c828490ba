// Package cache holds the run's coordination state in Redis: the manifest,
// the per-relationship evidence counters, the directory-progress barriers,
// and the queue allow-list. Every key is namespaced by the configured prefix
// and the run id.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// ManifestStore persists and loads the pre-computed run manifest.
type ManifestStore interface {
	// Save writes the manifest. Exactly one manifest may exist per run;
	// a second save returns apperrors.ErrManifestExists.
	Save(ctx context.Context, manifest *models.RunManifest) error

	// Load reads the manifest for runID, or apperrors.ErrManifestMissing.
	Load(ctx context.Context, runID string) (*models.RunManifest, error)

	// Delete removes the manifest on run finalize.
	Delete(ctx context.Context, runID string) error
}

type manifestStore struct {
	client *redis.Client
	prefix string
}

// NewManifestStore creates a Redis-backed manifest store.
func NewManifestStore(client *redis.Client, prefix string) ManifestStore {
	return &manifestStore{client: client, prefix: prefix}
}

var _ ManifestStore = (*manifestStore)(nil)

func (s *manifestStore) key(runID string) string {
	return fmt.Sprintf("%s:manifest:%s", s.prefix, runID)
}

func (s *manifestStore) Save(ctx context.Context, manifest *models.RunManifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	// SETNX: first writer wins, a duplicate run boot is an error.
	ok, err := s.client.SetNX(ctx, s.key(manifest.RunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	if !ok {
		return apperrors.ErrManifestExists
	}
	return nil
}

func (s *manifestStore) Load(ctx context.Context, runID string) (*models.RunManifest, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.ErrManifestMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	var manifest models.RunManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &manifest, nil
}

func (s *manifestStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.key(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}
