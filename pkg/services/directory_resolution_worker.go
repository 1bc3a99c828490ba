package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/llm"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// DirectoryResolutionWorker runs the cross-file pass for one directory. It
// hands the model every POI in the directory plus the candidate relationships
// already observed there, and demands an explicit verdict on each candidate
// so disagreement is measurable.
type DirectoryResolutionWorker struct {
	pois   repositories.POIRepository
	rels   repositories.RelationshipRepository
	store  FindingStore
	client llm.Client
	logger *zap.Logger
}

// NewDirectoryResolutionWorker creates a directory resolution worker.
func NewDirectoryResolutionWorker(pois repositories.POIRepository, rels repositories.RelationshipRepository, store FindingStore, client llm.Client, logger *zap.Logger) *DirectoryResolutionWorker {
	return &DirectoryResolutionWorker{
		pois:   pois,
		rels:   rels,
		store:  store,
		client: client,
		logger: logger.Named("directory-resolution"),
	}
}

// ProcessJob implements queue.Handler.
func (w *DirectoryResolutionWorker) ProcessJob(ctx context.Context, job *queue.Job) error {
	var payload models.DirectoryResolutionJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Permanent("invalid directory-resolution payload", err)
	}

	dirPOIs, err := w.pois.GetByDirectory(ctx, payload.RunID, payload.Directory)
	if err != nil {
		return err
	}
	if len(dirPOIs) == 0 {
		// Nothing extracted from this directory; still emit an empty finding
		// so the run's event flow stays complete.
		w.logger.Debug("Directory has no POIs",
			zap.String("run_id", payload.RunID),
			zap.String("directory", payload.Directory))
		finding := &models.DirectoryAnalysisFinding{
			RunID:     payload.RunID,
			JobID:     job.ID,
			Directory: payload.Directory,
		}
		return w.store.SaveDirectoryFinding(ctx, payload.RunID, nil, finding)
	}

	byID := make(map[uuid.UUID]*models.POI, len(dirPOIs))
	byQN := make(map[string]*models.POI, len(dirPOIs))
	contexts := make([]llm.POIContext, 0, len(dirPOIs))
	for _, p := range dirPOIs {
		byID[p.ID] = p
		byQN[p.QualifiedName] = p
		contexts = append(contexts, llm.POIContext{
			QualifiedName: p.QualifiedName,
			Type:          string(p.Type),
			FilePath:      p.FilePath,
			IsExported:    p.IsExported,
		})
	}

	candidates, knownHashes, err := w.candidatesInScope(ctx, payload.RunID, byID)
	if err != nil {
		return err
	}

	analysis, err := w.client.AnalyzeDirectory(ctx, payload.Directory, contexts, candidates)
	if err != nil {
		if !llm.IsParseError(err) {
			return fmt.Errorf("llm resolution of %s: %w", payload.Directory, err)
		}
		// A directory pass has no regex fallback; record explicit not-found
		// verdicts so the candidates' evidence counters still advance.
		w.logger.Warn("Unparsable LLM output, denying all candidates",
			zap.String("run_id", payload.RunID),
			zap.String("job_id", job.ID),
			zap.String("directory", payload.Directory))
		analysis = &llm.DirectoryAnalysis{}
		for _, c := range candidates {
			analysis.Relationships = append(analysis.Relationships, llm.RelationshipObservation{
				SourceQualifiedName: c.SourceQualifiedName,
				TargetQualifiedName: c.TargetQualifiedName,
				Type:                c.Type,
				Found:               false,
				Reason:              "directory pass output was unparsable",
			})
		}
	}

	rels, findings := w.collect(payload, job.ID, byQN, knownHashes, analysis.Relationships)

	finding := &models.DirectoryAnalysisFinding{
		RunID:     payload.RunID,
		JobID:     job.ID,
		Directory: payload.Directory,
		Findings:  findings,
	}
	if err := w.store.SaveDirectoryFinding(ctx, payload.RunID, rels, finding); err != nil {
		return err
	}

	w.logger.Debug("Directory resolved",
		zap.String("run_id", payload.RunID),
		zap.String("directory", payload.Directory),
		zap.Int("pois", len(dirPOIs)),
		zap.Int("candidates", len(candidates)),
		zap.Int("findings", len(findings)))
	return nil
}

// candidatesInScope returns the pending relationships whose endpoints both
// live in the directory, as model candidates plus their hash set.
func (w *DirectoryResolutionWorker) candidatesInScope(ctx context.Context, runID string, byID map[uuid.UUID]*models.POI) ([]llm.CandidateRelationship, map[string]bool, error) {
	pending, err := w.rels.GetCandidatesByRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	var candidates []llm.CandidateRelationship
	hashes := make(map[string]bool)
	for _, r := range pending {
		src, srcOK := byID[r.SourcePOIID]
		tgt, tgtOK := byID[r.TargetPOIID]
		if !srcOK || !tgtOK {
			continue
		}
		candidates = append(candidates, llm.CandidateRelationship{
			SourceQualifiedName: src.QualifiedName,
			TargetQualifiedName: tgt.QualifiedName,
			Type:                string(r.Type),
		})
		hashes[r.RelationshipHash] = true
	}
	return candidates, hashes, nil
}

// collect converts the model's observations into evidence findings plus
// candidate rows for newly discovered relationships.
func (w *DirectoryResolutionWorker) collect(payload models.DirectoryResolutionJob, jobID string, byQN map[string]*models.POI, knownHashes map[string]bool, observations []llm.RelationshipObservation) ([]*models.Relationship, []models.RelationshipFinding) {
	var rels []*models.Relationship
	var findings []models.RelationshipFinding

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
		findings = append(findings, models.RelationshipFinding{
			RelationshipHash:    hash,
			SourceQualifiedName: obs.SourceQualifiedName,
			TargetQualifiedName: obs.TargetQualifiedName,
			Type:                relType,
			FoundRelationship:   obs.Found,
			InitialScore:        InitialScore(obs.Confidence, w.logger),
			Reason:              obs.Reason,
		})

		if !obs.Found || knownHashes[hash] {
			continue
		}
		src, srcOK := byQN[obs.SourceQualifiedName]
		tgt, tgtOK := byQN[obs.TargetQualifiedName]
		if !srcOK || !tgtOK {
			// The model asserted an endpoint outside the directory scope.
			// Evidence stands, but no candidate row can be created for it.
			continue
		}
		rels = append(rels, &models.Relationship{
			RunID:            payload.RunID,
			SourcePOIID:      src.ID,
			TargetPOIID:      tgt.ID,
			Type:             relType,
			RelationshipHash: hash,
			Status:           models.RelationshipPendingValidation,
			ParseStatus:      models.ParseStatusLLMSuccess,
		})
		knownHashes[hash] = true
	}
	return rels, findings
}
