package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

type fakeFileRepo struct {
	mu    sync.Mutex
	files []*models.File
	err   error
}

func (f *fakeFileRepo) CreateBatch(_ context.Context, files []*models.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.files = append(f.files, files...)
	return nil
}

func (f *fakeFileRepo) GetByPath(_ context.Context, _, path string) (*models.File, error) {
	for _, file := range f.files {
		if file.Path == path {
			return file, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeFileRepo) UpdateStatus(context.Context, uuid.UUID, models.FileStatus) error {
	return nil
}

func (f *fakeFileRepo) CountByStatus(context.Context, string) (map[models.FileStatus]int, error) {
	return map[models.FileStatus]int{}, nil
}

func newTestScout(t *testing.T, files *fakeFileRepo, queues *fakeEnqueuer) (*Scout, func(context.Context, string) (*models.RunManifest, error)) {
	t.Helper()
	_, manifests := newTestCache(t)
	s, err := NewScout(files, manifests, queues, config.ScoutConfig{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s, manifests.Load
}

func TestScout_StartRunBuildsManifestAndSeedsJobs(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "main.js", "console.log('hi')\n")
	writeTestFile(t, root, "src/a.js", "a\n")
	writeTestFile(t, root, "src/b.js", "b\n")
	writeTestFile(t, root, "node_modules/dep/index.js", "ignored\n")
	writeTestFile(t, root, ".git/config", "ignored\n")

	files := &fakeFileRepo{}
	queues := &fakeEnqueuer{}
	scout, loadManifest := newTestScout(t, files, queues)

	manifest, err := scout.StartRun(context.Background(), root, "run-1")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	var paths []string
	for _, f := range files.files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	want := []string{"main.js", "src/a.js", "src/b.js"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}

	for _, f := range files.files {
		if f.Checksum == "" {
			t.Errorf("file %s missing checksum", f.Path)
		}
		if f.Status != models.FileStatusDiscovered {
			t.Errorf("file %s not DISCOVERED", f.Path)
		}
	}

	// Directory totals drive the aggregation barrier.
	if manifest.DirectoryTotals["src"] != 2 || manifest.DirectoryTotals["."] != 1 {
		t.Errorf("bad directory totals: %v", manifest.DirectoryTotals)
	}

	// Every pair expects one file-pass verdict plus the directory pass. A
	// cross-file edge is asserted by exactly one file's pass, so expecting
	// both file passes would starve the counter at two of three.
	distinct := models.FilePairHash("src/a.js", "src/b.js")
	if n, ok := manifest.ExpectedEvidence(distinct); !ok || n != 2 {
		t.Errorf("distinct pair expected 2 evidence items, got %d (%v)", n, ok)
	}
	self := models.FilePairHash("src/a.js", "src/a.js")
	if n, ok := manifest.ExpectedEvidence(self); !ok || n != 2 {
		t.Errorf("self pair expected 2 evidence items, got %d (%v)", n, ok)
	}

	if manifest.GlobalResolutionJobID == "" {
		t.Error("manifest must record the run's global-resolution job id")
	}

	// The manifest must be readable before the first job is consumed.
	stored, err := loadManifest(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("manifest not persisted: %v", err)
	}
	if len(stored.DirectoryJobs) != 2 {
		t.Errorf("expected 2 directory jobs, got %d", len(stored.DirectoryJobs))
	}

	jobs := queues.byQueue(models.QueueFileAnalysis)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 seeded jobs, got %d", len(jobs))
	}
	seeded := make(map[string]bool)
	for _, j := range jobs {
		seeded[j.ID] = true

		var payload models.FileAnalysisJob
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.TotalFilesInDir != manifest.DirectoryTotals[payload.Directory] {
			t.Errorf("job %s carries wrong directory total", payload.FilePath)
		}
	}
	for _, id := range manifest.JobGraph[models.QueueFileAnalysis] {
		if !seeded[id] {
			t.Errorf("manifest job id %s was never enqueued", id)
		}
	}
}

func TestScout_ClassifiesSpecialFiles(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "package.json", "{}\n")
	writeTestFile(t, root, "index.js", "\n")
	writeTestFile(t, root, "settings.yaml", "\n")
	writeTestFile(t, root, "util.js", "\n")

	files := &fakeFileRepo{}
	scout, _ := newTestScout(t, files, &fakeEnqueuer{})

	if _, err := scout.StartRun(context.Background(), root, "run-1"); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	types := make(map[string]string)
	for _, f := range files.files {
		if f.SpecialFileType != nil {
			types[f.Path] = *f.SpecialFileType
		}
	}
	if types["package.json"] != "manifest" {
		t.Errorf("package.json: got %q", types["package.json"])
	}
	if types["index.js"] != "entrypoint" {
		t.Errorf("index.js: got %q", types["index.js"])
	}
	if types["settings.yaml"] != "config" {
		t.Errorf("settings.yaml: got %q", types["settings.yaml"])
	}
	if _, ok := types["util.js"]; ok {
		t.Error("util.js must not be classified")
	}
}

func TestScout_DuplicateRunRejected(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.js", "\n")

	scout, _ := newTestScout(t, &fakeFileRepo{}, &fakeEnqueuer{})
	ctx := context.Background()

	if _, err := scout.StartRun(ctx, root, "run-1"); err != nil {
		t.Fatalf("first StartRun failed: %v", err)
	}
	if _, err := scout.StartRun(ctx, root, "run-1"); err == nil {
		t.Fatal("second StartRun for the same run id must fail on the manifest")
	}
}
