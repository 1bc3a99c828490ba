package services

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/triangulate-hq/triangulate-engine/pkg/database"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// FindingStore persists a worker's findings atomically: the rows the
// finding describes and its outbox event commit in one transaction, so a
// finding is either fully visible to the publisher or not at all.
type FindingStore interface {
	// SaveFileFinding commits a file pass: POIs, candidate relationships,
	// the outbox event, and the file's ANALYZED status.
	SaveFileFinding(ctx context.Context, file *models.File, pois []*models.POI, rels []*models.Relationship, finding *models.FileAnalysisFinding) error

	// SaveDirectoryFinding commits a directory pass: newly discovered
	// candidate relationships plus the outbox event.
	SaveDirectoryFinding(ctx context.Context, runID string, rels []*models.Relationship, finding *models.DirectoryAnalysisFinding) error

	// SavePOIFinding commits a POI pass the same way.
	SavePOIFinding(ctx context.Context, runID string, rels []*models.Relationship, finding *models.RelationshipAnalysisFinding) error
}

type findingStore struct {
	db *database.DB
}

// NewFindingStore creates a finding store over db.
func NewFindingStore(db *database.DB) FindingStore {
	return &findingStore{db: db}
}

func (s *findingStore) SaveFileFinding(ctx context.Context, file *models.File, pois []*models.POI, rels []*models.Relationship, finding *models.FileAnalysisFinding) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := repositories.NewPOIRepository(tx).CreateBatch(ctx, pois); err != nil {
			return err
		}
		if err := repositories.NewRelationshipRepository(tx).CreateBatch(ctx, rels); err != nil {
			return err
		}
		if err := repositories.NewOutboxRepository(tx).Insert(ctx, finding.RunID, models.EventFileAnalysisFinding, finding); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE files SET status = $2 WHERE id = $1`, file.ID, models.FileStatusAnalyzed)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save file finding for %s: %w", finding.FilePath, err)
	}
	return nil
}

func (s *findingStore) SaveDirectoryFinding(ctx context.Context, runID string, rels []*models.Relationship, finding *models.DirectoryAnalysisFinding) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := repositories.NewRelationshipRepository(tx).CreateBatch(ctx, rels); err != nil {
			return err
		}
		return repositories.NewOutboxRepository(tx).Insert(ctx, runID, models.EventDirectoryAnalysisFinding, finding)
	})
	if err != nil {
		return fmt.Errorf("failed to save directory finding for %s: %w", finding.Directory, err)
	}
	return nil
}

func (s *findingStore) SavePOIFinding(ctx context.Context, runID string, rels []*models.Relationship, finding *models.RelationshipAnalysisFinding) error {
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := repositories.NewRelationshipRepository(tx).CreateBatch(ctx, rels); err != nil {
			return err
		}
		return repositories.NewOutboxRepository(tx).Insert(ctx, runID, models.EventRelationshipAnalysisFinding, finding)
	})
	if err != nil {
		return fmt.Errorf("failed to save poi finding for %s: %w", finding.POIID, err)
	}
	return nil
}
