package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/llm"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// RelationshipResolutionWorker runs the POI-scoped pass: one job per POI,
// fanned out by the outbox publisher, asking the model what the POI relates
// to given its directory neighborhood.
type RelationshipResolutionWorker struct {
	pois   repositories.POIRepository
	store  FindingStore
	client llm.Client
	logger *zap.Logger
}

// NewRelationshipResolutionWorker creates a POI-scoped resolution worker.
func NewRelationshipResolutionWorker(pois repositories.POIRepository, store FindingStore, client llm.Client, logger *zap.Logger) *RelationshipResolutionWorker {
	return &RelationshipResolutionWorker{
		pois:   pois,
		store:  store,
		client: client,
		logger: logger.Named("relationship-resolution"),
	}
}

// ProcessJob implements queue.Handler.
func (w *RelationshipResolutionWorker) ProcessJob(ctx context.Context, job *queue.Job) error {
	var payload models.RelationshipResolutionJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Permanent("invalid relationship-resolution payload", err)
	}
	poiID, err := uuid.Parse(payload.POIID)
	if err != nil {
		return apperrors.Permanent("invalid poi id", err)
	}

	poi, err := w.pois.Get(ctx, poiID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Permanent(fmt.Sprintf("poi %s not found", payload.POIID), err)
		}
		return err
	}

	neighborhood, err := w.pois.GetByDirectory(ctx, payload.RunID, path.Dir(poi.FilePath))
	if err != nil {
		return err
	}

	byQN := make(map[string]*models.POI, len(neighborhood))
	surrounding := make([]llm.POIContext, 0, len(neighborhood))
	for _, p := range neighborhood {
		byQN[p.QualifiedName] = p
		if p.ID == poi.ID {
			continue
		}
		surrounding = append(surrounding, llm.POIContext{
			QualifiedName: p.QualifiedName,
			Type:          string(p.Type),
			FilePath:      p.FilePath,
			IsExported:    p.IsExported,
		})
	}

	subject := llm.POIContext{
		QualifiedName: poi.QualifiedName,
		Type:          string(poi.Type),
		FilePath:      poi.FilePath,
		IsExported:    poi.IsExported,
	}

	analysis, err := w.client.AnalyzePOI(ctx, subject, surrounding)
	if err != nil {
		if !llm.IsParseError(err) {
			return fmt.Errorf("llm resolution of poi %s: %w", poi.QualifiedName, err)
		}
		// Unparsable output on a POI pass contributes nothing; an empty
		// finding keeps the event flow complete without fabricating verdicts.
		w.logger.Warn("Unparsable LLM output, emitting empty poi finding",
			zap.String("run_id", payload.RunID),
			zap.String("job_id", job.ID),
			zap.String("qualified_name", poi.QualifiedName))
		analysis = &llm.POIAnalysis{}
	}

	rels, findings := w.collect(payload, job.ID, byQN, analysis.Relationships)

	finding := &models.RelationshipAnalysisFinding{
		RunID:    payload.RunID,
		JobID:    job.ID,
		POIID:    payload.POIID,
		Findings: findings,
	}
	if err := w.store.SavePOIFinding(ctx, payload.RunID, rels, finding); err != nil {
		return err
	}

	w.logger.Debug("POI resolved",
		zap.String("run_id", payload.RunID),
		zap.String("qualified_name", poi.QualifiedName),
		zap.Int("findings", len(findings)))
	return nil
}

func (w *RelationshipResolutionWorker) collect(payload models.RelationshipResolutionJob, jobID string, byQN map[string]*models.POI, observations []llm.RelationshipObservation) ([]*models.Relationship, []models.RelationshipFinding) {
	var rels []*models.Relationship
	var findings []models.RelationshipFinding
	seen := make(map[string]bool)

	for _, obs := range observations {
		relType := models.RelationshipType(obs.Type)
		if !models.ValidRelationshipType(relType) {
			w.logger.Warn("Dropping relationship with unknown type",
				zap.String("run_id", payload.RunID),
				zap.String("job_id", jobID),
				zap.String("type", obs.Type))
			continue
		}

		hash := models.RelationshipHash(obs.SourceQualifiedName, obs.TargetQualifiedName, relType)
		if seen[hash] {
			continue
		}
		seen[hash] = true

		findings = append(findings, models.RelationshipFinding{
			RelationshipHash:    hash,
			SourceQualifiedName: obs.SourceQualifiedName,
			TargetQualifiedName: obs.TargetQualifiedName,
			Type:                relType,
			FoundRelationship:   obs.Found,
			InitialScore:        InitialScore(obs.Confidence, w.logger),
			Reason:              obs.Reason,
		})

		src, srcOK := byQN[obs.SourceQualifiedName]
		tgt, tgtOK := byQN[obs.TargetQualifiedName]
		if obs.Found && srcOK && tgtOK {
			// Duplicate hashes are absorbed by the insert's conflict clause.
			rels = append(rels, &models.Relationship{
				RunID:            payload.RunID,
				SourcePOIID:      src.ID,
				TargetPOIID:      tgt.ID,
				Type:             relType,
				RelationshipHash: hash,
				Status:           models.RelationshipPendingValidation,
				ParseStatus:      models.ParseStatusLLMSuccess,
			})
		}
	}
	return rels, findings
}
