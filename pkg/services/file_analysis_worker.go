package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/llm"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
)

// FileAnalysisWorker turns one file into POIs and intra-file relationship
// candidates. Everything it learns commits in a single transaction together
// with the outbox event announcing it.
type FileAnalysisWorker struct {
	rootPath       string
	store          FindingStore
	client         llm.Client
	queues         JobEnqueuer
	largeFileBytes int64
	logger         *zap.Logger
}

// NewFileAnalysisWorker creates a file analysis worker rooted at rootPath.
func NewFileAnalysisWorker(rootPath string, store FindingStore, client llm.Client, queues JobEnqueuer, largeFileBytes int64, logger *zap.Logger) *FileAnalysisWorker {
	return &FileAnalysisWorker{
		rootPath:       rootPath,
		store:          store,
		client:         client,
		queues:         queues,
		largeFileBytes: largeFileBytes,
		logger:         logger.Named("file-analysis"),
	}
}

// ProcessJob implements queue.Handler.
func (w *FileAnalysisWorker) ProcessJob(ctx context.Context, job *queue.Job) error {
	var payload models.FileAnalysisJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Permanent("invalid file-analysis payload", err)
	}

	absPath, err := w.resolvePath(payload.FilePath)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return apperrors.Permanent(fmt.Sprintf("unreadable file %s", payload.FilePath), err)
	}
	if int64(len(content)) > w.largeFileBytes {
		w.logger.Warn("Large file, processing anyway",
			zap.String("run_id", payload.RunID),
			zap.String("file_path", payload.FilePath),
			zap.Int("bytes", len(content)))
	}

	parseStatus := models.ParseStatusLLMSuccess
	analysis, err := w.client.AnalyzeFile(ctx, payload.FilePath, string(content))
	if err != nil {
		if !llm.IsParseError(err) {
			return fmt.Errorf("llm analysis of %s: %w", payload.FilePath, err)
		}
		// The model answered but stayed unparsable; degrade to the regex
		// extractor. No relationships, fixed low confidence.
		w.logger.Warn("Unparsable LLM output, using regex fallback",
			zap.String("run_id", payload.RunID),
			zap.String("job_id", job.ID),
			zap.String("file_path", payload.FilePath))
		analysis = llm.FallbackExtract(payload.FilePath, string(content))
		parseStatus = models.ParseStatusUnreliableParse
	}

	fileID, err := uuid.Parse(payload.FileID)
	if err != nil {
		return apperrors.Permanent("invalid file id", err)
	}
	file := &models.File{ID: fileID, RunID: payload.RunID, Path: payload.FilePath}

	pois, poiByQN := w.buildPOIs(payload, fileID, analysis.POIs)
	rels, findings := w.buildRelationships(payload, job.ID, parseStatus, poiByQN, analysis.Relationships)

	finding := &models.FileAnalysisFinding{
		RunID:         payload.RunID,
		JobID:         job.ID,
		FilePath:      payload.FilePath,
		ParseStatus:   parseStatus,
		POIs:          derefPOIs(pois),
		Relationships: findings,
	}

	if err := w.store.SaveFileFinding(ctx, file, pois, rels, finding); err != nil {
		return err
	}

	// Notify the directory barrier only after the finding is committed.
	aggJob, err := queue.NewJob(models.QueueDirectoryAggregation, payload.RunID, models.DirectoryAggregationJob{
		RunID:      payload.RunID,
		Directory:  payload.Directory,
		FilePath:   payload.FilePath,
		TotalFiles: payload.TotalFilesInDir,
	})
	if err != nil {
		return fmt.Errorf("failed to build aggregation job: %w", err)
	}
	if err := w.queues.Enqueue(ctx, aggJob); err != nil {
		return err
	}

	w.logger.Debug("File analyzed",
		zap.String("run_id", payload.RunID),
		zap.String("file_path", payload.FilePath),
		zap.Int("pois", len(pois)),
		zap.Int("relationships", len(findings)),
		zap.String("parse_status", string(parseStatus)))
	return nil
}

// resolvePath joins the job's relative path onto the run root and rejects
// anything that escapes it.
func (w *FileAnalysisWorker) resolvePath(rel string) (string, error) {
	abs := filepath.Join(w.rootPath, filepath.FromSlash(rel))
	resolved, err := filepath.Rel(w.rootPath, abs)
	if err != nil || resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return "", apperrors.Permanent(fmt.Sprintf("path %s escapes run root", rel), apperrors.ErrPathOutsideRoot)
	}
	return abs, nil
}

// buildPOIs converts model findings into POI rows, dropping duplicate
// qualified names and coercing unknown types to Other.
func (w *FileAnalysisWorker) buildPOIs(payload models.FileAnalysisJob, fileID uuid.UUID, findings []llm.POIFinding) ([]*models.POI, map[string]uuid.UUID) {
	pois := make([]*models.POI, 0, len(findings))
	byQN := make(map[string]uuid.UUID, len(findings))

	for _, f := range findings {
		if f.QualifiedName == "" || byQN[f.QualifiedName] != uuid.Nil {
			continue
		}
		poiType := models.POIType(f.Type)
		if !models.ValidPOIType(poiType) {
			poiType = models.POITypeOther
		}
		p := &models.POI{
			ID:            uuid.New(),
			FileID:        fileID,
			RunID:         payload.RunID,
			FilePath:      payload.FilePath,
			Name:          f.Name,
			Type:          poiType,
			QualifiedName: f.QualifiedName,
			LineNumber:    f.LineNumber,
			IsExported:    f.IsExported,
		}
		pois = append(pois, p)
		byQN[f.QualifiedName] = p.ID
	}
	return pois, byQN
}

// buildRelationships converts observations into candidate rows and evidence
// findings. Candidate rows need both endpoints among this file's POIs; other
// observations still count as evidence.
func (w *FileAnalysisWorker) buildRelationships(payload models.FileAnalysisJob, jobID string, parseStatus models.ParseStatus, poiByQN map[string]uuid.UUID, observations []llm.RelationshipObservation) ([]*models.Relationship, []models.RelationshipFinding) {
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

		srcID, srcOK := poiByQN[obs.SourceQualifiedName]
		tgtID, tgtOK := poiByQN[obs.TargetQualifiedName]
		if obs.Found && srcOK && tgtOK {
			rels = append(rels, &models.Relationship{
				RunID:            payload.RunID,
				SourcePOIID:      srcID,
				TargetPOIID:      tgtID,
				Type:             relType,
				RelationshipHash: hash,
				Status:           models.RelationshipPendingValidation,
				ParseStatus:      parseStatus,
			})
		}
	}
	return rels, findings
}

func derefPOIs(pois []*models.POI) []models.POI {
	out := make([]models.POI, len(pois))
	for i, p := range pois {
		out[i] = *p
	}
	return out
}
