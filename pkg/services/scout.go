package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/cache"
	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// JobEnqueuer is the queue capability the pipeline services depend on.
// Satisfied by queue.Manager.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	EnqueueAll(ctx context.Context, jobs []*queue.Job) error
}

// Scout enumerates the file corpus of a run, classifies special files,
// pre-computes the run manifest, and seeds the initial jobs. The manifest is
// persisted before the first job is enqueued; consumers rely on it being
// readable when the first job arrives.
type Scout struct {
	files     repositories.FileRepository
	manifests cache.ManifestStore
	queues    JobEnqueuer
	cfg       config.ScoutConfig
	logger    *zap.Logger

	ignore  []*regexp.Regexp
	special []compiledSpecialPattern
}

type compiledSpecialPattern struct {
	re       *regexp.Regexp
	fileType string
}

// NewScout compiles the configured patterns and creates a scout. Falls back
// to the default ignore and classification lists when the config leaves them
// empty.
func NewScout(files repositories.FileRepository, manifests cache.ManifestStore, queues JobEnqueuer, cfg config.ScoutConfig, logger *zap.Logger) (*Scout, error) {
	ignorePatterns := cfg.IgnorePatterns
	if len(ignorePatterns) == 0 {
		ignorePatterns = config.DefaultIgnorePatterns
	}
	specialPatterns := cfg.SpecialFilePatterns
	if len(specialPatterns) == 0 {
		specialPatterns = config.DefaultSpecialFilePatterns
	}

	s := &Scout{
		files:     files,
		manifests: manifests,
		queues:    queues,
		cfg:       cfg,
		logger:    logger.Named("scout"),
	}

	for _, p := range ignorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", p, err)
		}
		s.ignore = append(s.ignore, re)
	}
	for _, sp := range specialPatterns {
		re, err := regexp.Compile(sp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid special file pattern %q: %w", sp.Pattern, err)
		}
		s.special = append(s.special, compiledSpecialPattern{re: re, fileType: sp.Type})
	}
	return s, nil
}

// StartRun walks rootPath, records the file catalog, persists the manifest,
// and seeds the file-analysis jobs. Aborts on I/O errors and duplicate paths.
func (s *Scout) StartRun(ctx context.Context, rootPath, runID string) (*models.RunManifest, error) {
	paths, err := s.walk(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to scout %s: %w", rootPath, err)
	}

	files := make([]*models.File, 0, len(paths))
	for _, rel := range paths {
		checksum, err := checksumFile(filepath.Join(rootPath, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s: %w", rel, err)
		}
		f := &models.File{
			ID:       uuid.New(),
			RunID:    runID,
			Path:     rel,
			Checksum: checksum,
			Language: languageOf(rel),
			Status:   models.FileStatusDiscovered,
		}
		if t := s.classify(rel); t != "" {
			f.SpecialFileType = &t
		}
		files = append(files, f)
	}

	// Duplicate paths violate POI uniqueness downstream and abort the run.
	if err := s.files.CreateBatch(ctx, files); err != nil {
		return nil, err
	}

	manifest, fileJobIDs := s.buildManifest(runID, paths)
	if err := s.manifests.Save(ctx, manifest); err != nil {
		return nil, err
	}

	if err := s.seedJobs(ctx, runID, files, manifest, fileJobIDs); err != nil {
		return nil, err
	}

	s.logger.Info("Run started",
		zap.String("run_id", runID),
		zap.Int("files", len(files)),
		zap.Int("directories", len(manifest.DirectoryTotals)))
	return manifest, nil
}

// walk returns the run-root-relative paths of every non-ignored regular
// file, sorted for deterministic job ids and pair hashes.
func (s *Scout) walk(rootPath string) ([]string, error) {
	var paths []string
	seen := make(map[string]bool)

	err := filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(rootPath, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && s.ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignored(rel) {
			return nil
		}
		if seen[rel] {
			return fmt.Errorf("duplicate file path %s", rel)
		}
		seen[rel] = true
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

func (s *Scout) ignored(rel string) bool {
	for _, re := range s.ignore {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// classify returns the special file type of rel, first matching pattern
// wins, or "" for ordinary files.
func (s *Scout) classify(rel string) string {
	for _, sp := range s.special {
		if sp.re.MatchString(rel) {
			return sp.fileType
		}
	}
	return ""
}

// buildManifest assigns job ids and pre-computes the relationship-evidence
// map at file-pair granularity. Every pair expects two evidence items: one
// file pass and the directory pass. The file pass is intra-file scoped, so
// for a cross-file edge only the file that asserts the relationship emits a
// verdict; expecting both file passes would leave the counter one short
// forever.
func (s *Scout) buildManifest(runID string, paths []string) (*models.RunManifest, map[string]string) {
	manifest := &models.RunManifest{
		RunID:                   runID,
		GeneratedAt:             time.Now().UTC(),
		JobGraph:                make(map[string][]string),
		RelationshipEvidenceMap: make(map[string][]string),
		FilePairs:               make(map[string][]string),
		DirectoryJobs:           make(map[string]string),
		DirectoryTotals:         make(map[string]int),
		GlobalResolutionJobID:   uuid.New().String(),
	}

	byDir := make(map[string][]string)
	for _, p := range paths {
		dir := path.Dir(p)
		byDir[dir] = append(byDir[dir], p)
	}

	fileJobIDs := make(map[string]string, len(paths))
	for _, p := range paths {
		id := uuid.New().String()
		fileJobIDs[p] = id
		manifest.JobGraph[models.QueueFileAnalysis] = append(manifest.JobGraph[models.QueueFileAnalysis], id)
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		members := byDir[dir]
		dirJobID := uuid.New().String()
		manifest.DirectoryJobs[dir] = dirJobID
		manifest.DirectoryTotals[dir] = len(members)
		manifest.JobGraph[models.QueueDirectoryResolution] = append(manifest.JobGraph[models.QueueDirectoryResolution], dirJobID)

		for i, a := range members {
			for _, b := range members[i:] {
				hash := models.FilePairHash(a, b)
				// For a distinct pair the first entry stands for whichever
				// file pass asserts the edge; the count is what the
				// validation worker consumes.
				expected := []string{fileJobIDs[a], dirJobID}
				manifest.RelationshipEvidenceMap[hash] = expected
				manifest.FilePairs[a] = append(manifest.FilePairs[a], hash)
				if a != b {
					manifest.FilePairs[b] = append(manifest.FilePairs[b], hash)
				}
			}
		}
	}

	return manifest, fileJobIDs
}

// seedJobs enqueues one file-analysis job per file with its manifest job id.
func (s *Scout) seedJobs(ctx context.Context, runID string, files []*models.File, manifest *models.RunManifest, fileJobIDs map[string]string) error {
	jobs := make([]*queue.Job, 0, len(files))
	for _, f := range files {
		dir := path.Dir(f.Path)
		payload := models.FileAnalysisJob{
			RunID:           runID,
			FileID:          f.ID.String(),
			FilePath:        f.Path,
			Directory:       dir,
			TotalFilesInDir: manifest.DirectoryTotals[dir],
		}
		job, err := queue.NewJobWithID(fileJobIDs[f.Path], models.QueueFileAnalysis, runID, payload)
		if err != nil {
			return fmt.Errorf("failed to build file-analysis job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return s.queues.EnqueueAll(ctx, jobs)
}

func checksumFile(p string) (string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// languageOf maps a file extension to a language label, "" when unknown.
func languageOf(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".go":
		return "go"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".rb":
		return "ruby"
	case ".java":
		return "java"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".php":
		return "php"
	case ".sql":
		return "sql"
	case ".sh":
		return "shell"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}
