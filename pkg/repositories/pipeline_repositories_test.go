//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/testhelpers"
)

func setupRepoTest(t *testing.T) *testhelpers.TestDB {
	t.Helper()
	tdb := testhelpers.GetTestDB(t)
	tdb.TruncateAll(t)
	return tdb
}

func seedFile(t *testing.T, tdb *testhelpers.TestDB, runID, path string) *models.File {
	t.Helper()
	f := &models.File{RunID: runID, Path: path, Checksum: "abc", Language: "javascript"}
	if err := NewFileRepository(tdb.DB).CreateBatch(context.Background(), []*models.File{f}); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	return f
}

func seedPOI(t *testing.T, tdb *testhelpers.TestDB, f *models.File, name string) *models.POI {
	t.Helper()
	p := &models.POI{
		FileID:        f.ID,
		RunID:         f.RunID,
		FilePath:      f.Path,
		Name:          name,
		Type:          models.POITypeFunction,
		QualifiedName: f.Path + ":" + name,
		LineNumber:    1,
	}
	if err := NewPOIRepository(tdb.DB).CreateBatch(context.Background(), []*models.POI{p}); err != nil {
		t.Fatalf("failed to seed poi: %v", err)
	}
	return p
}

func TestFileRepository_DuplicatePathAborts(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewFileRepository(tdb.DB)

	seedFile(t, tdb, "run-1", "src/a.js")

	err := repo.CreateBatch(ctx, []*models.File{{RunID: "run-1", Path: "src/a.js"}})
	if !errors.Is(err, apperrors.ErrDuplicateFilePath) {
		t.Fatalf("expected ErrDuplicateFilePath, got %v", err)
	}

	// Same path under a different run is fine.
	if err := repo.CreateBatch(ctx, []*models.File{{RunID: "run-2", Path: "src/a.js"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFileRepository_StatusLifecycle(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewFileRepository(tdb.DB)

	f := seedFile(t, tdb, "run-1", "src/a.js")
	if err := repo.UpdateStatus(ctx, f.ID, models.FileStatusAnalyzed); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := repo.GetByPath(ctx, "run-1", "src/a.js")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.FileStatusAnalyzed {
		t.Errorf("status = %s, want ANALYZED", got.Status)
	}

	counts, err := repo.CountByStatus(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.FileStatusAnalyzed] != 1 {
		t.Errorf("analyzed count = %d, want 1", counts[models.FileStatusAnalyzed])
	}

	if err := repo.UpdateStatus(ctx, uuid.New(), models.FileStatusFailed); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestPOIRepository_ReplayedJobKeepsFirstRow(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewPOIRepository(tdb.DB)

	f := seedFile(t, tdb, "run-1", "src/a.js")
	first := seedPOI(t, tdb, f, "handler")

	replay := &models.POI{
		FileID:        f.ID,
		RunID:         f.RunID,
		FilePath:      f.Path,
		Name:          "handler",
		Type:          models.POITypeFunction,
		QualifiedName: "src/a.js:handler",
		LineNumber:    99,
	}
	if err := repo.CreateBatch(ctx, []*models.POI{replay}); err != nil {
		t.Fatalf("replay insert should be a no-op, got %v", err)
	}

	got, err := repo.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.LineNumber != 1 {
		t.Errorf("existing row should win, line = %d", got.LineNumber)
	}

	n, err := repo.CountByRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestPOIRepository_GetByDirectory(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewPOIRepository(tdb.DB)

	rootFile := seedFile(t, tdb, "run-1", "index.js")
	srcFile := seedFile(t, tdb, "run-1", "src/a.js")
	deepFile := seedFile(t, tdb, "run-1", "src/util/b.js")

	seedPOI(t, tdb, rootFile, "main")
	seedPOI(t, tdb, srcFile, "handler")
	seedPOI(t, tdb, deepFile, "helper")

	root, err := repo.GetByDirectory(ctx, "run-1", ".")
	if err != nil {
		t.Fatal(err)
	}
	if len(root) != 1 || root[0].Name != "main" {
		t.Errorf("root dir pois = %v", root)
	}

	src, err := repo.GetByDirectory(ctx, "run-1", "src")
	if err != nil {
		t.Fatal(err)
	}
	if len(src) != 1 || src[0].Name != "handler" {
		t.Errorf("src dir should contain only direct children, got %v", src)
	}
}

func TestRelationshipRepository_ResolvePendingCAS(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewRelationshipRepository(tdb.DB)

	f := seedFile(t, tdb, "run-1", "src/a.js")
	src := seedPOI(t, tdb, f, "caller")
	tgt := seedPOI(t, tdb, f, "callee")

	hash := models.RelationshipHash(src.QualifiedName, tgt.QualifiedName, models.RelationshipCalls)
	rel := &models.Relationship{
		RunID:            "run-1",
		SourcePOIID:      src.ID,
		TargetPOIID:      tgt.ID,
		Type:             models.RelationshipCalls,
		RelationshipHash: hash,
	}
	if err := repo.CreateBatch(ctx, []*models.Relationship{rel}); err != nil {
		t.Fatal(err)
	}

	applied, err := repo.ResolvePending(ctx, "run-1", hash, models.RelationshipValidated, 0.84)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("first resolution should apply")
	}

	// Replayed reconciliation must not overwrite the terminal state.
	applied, err = repo.ResolvePending(ctx, "run-1", hash, models.RelationshipRejected, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("second resolution should be a no-op")
	}

	got, err := repo.GetByHash(ctx, "run-1", hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RelationshipValidated || got.Confidence != 0.84 {
		t.Errorf("got status=%s confidence=%v", got.Status, got.Confidence)
	}
}

func TestRelationshipRepository_StreamValidated(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewRelationshipRepository(tdb.DB)

	f := seedFile(t, tdb, "run-1", "src/a.js")
	src := seedPOI(t, tdb, f, "caller")
	tgt := seedPOI(t, tdb, f, "callee")

	hash := models.RelationshipHash(src.QualifiedName, tgt.QualifiedName, models.RelationshipCalls)
	rejectedHash := models.RelationshipHash(tgt.QualifiedName, src.QualifiedName, models.RelationshipUses)
	if err := repo.CreateBatch(ctx, []*models.Relationship{
		{RunID: "run-1", SourcePOIID: src.ID, TargetPOIID: tgt.ID, Type: models.RelationshipCalls, RelationshipHash: hash},
		{RunID: "run-1", SourcePOIID: tgt.ID, TargetPOIID: src.ID, Type: models.RelationshipUses, RelationshipHash: rejectedHash},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ResolvePending(ctx, "run-1", hash, models.RelationshipValidated, 0.9); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ResolvePending(ctx, "run-1", rejectedHash, models.RelationshipRejected, 0.2); err != nil {
		t.Fatal(err)
	}

	var edges []*ValidatedEdge
	err := repo.StreamValidated(ctx, "run-1", func(e *ValidatedEdge) error {
		edges = append(edges, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 validated edge, got %d", len(edges))
	}
	e := edges[0]
	if e.SourceID != src.ID.String() || e.TargetID != tgt.ID.String() {
		t.Errorf("edge must carry the POI ids for the graph node keys, got %+v", e)
	}
	if e.SourceQualifiedName != src.QualifiedName || e.TargetQualifiedName != tgt.QualifiedName {
		t.Errorf("unexpected edge %+v", e)
	}
	if e.Type != models.RelationshipCalls || e.Confidence != 0.9 {
		t.Errorf("unexpected edge attributes %+v", e)
	}
}

func TestEvidenceRepository_DeduplicatesReplays(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewEvidenceRepository(tdb.DB)

	item := &models.EvidenceItem{
		RunID:             "run-1",
		RelationshipHash:  "hash-1",
		SourceWorker:      models.WorkerFileAnalysis,
		JobID:             "job-1",
		FoundRelationship: true,
		InitialScore:      0.8,
		Raw:               []byte(`{"relationship_hash":"hash-1","found_relationship":true}`),
	}
	for i := 0; i < 3; i++ {
		if err := repo.Insert(ctx, item); err != nil {
			t.Fatal(err)
		}
	}
	other := &models.EvidenceItem{
		RunID:             "run-1",
		RelationshipHash:  "hash-1",
		SourceWorker:      models.WorkerDirectoryResolution,
		JobID:             "job-2",
		FoundRelationship: false,
		InitialScore:      0.5,
	}
	if err := repo.Insert(ctx, other); err != nil {
		t.Fatal(err)
	}

	rows, err := repo.GetDeduplicated(ctx, "run-1", "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 deduplicated rows, got %d", len(rows))
	}
	// Insertion order preserved.
	if rows[0].SourceWorker != models.WorkerFileAnalysis || rows[1].SourceWorker != models.WorkerDirectoryResolution {
		t.Errorf("unexpected order: %s then %s", rows[0].SourceWorker, rows[1].SourceWorker)
	}
	if len(rows[0].RawPayload) == 0 {
		t.Error("raw finding payload must survive the round trip")
	}
}

func TestEvidenceRepository_PreservesInsertionOrderOnEqualTimestamps(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewEvidenceRepository(tdb.DB)

	// Back-to-back inserts routinely land in the same clock tick; the
	// order-sensitive scoring still has to see them exactly as written.
	jobs := []string{"job-a", "job-b", "job-c", "job-d", "job-e"}
	for _, jobID := range jobs {
		item := &models.EvidenceItem{
			RunID:             "run-1",
			RelationshipHash:  "hash-1",
			SourceWorker:      models.WorkerFileAnalysis,
			JobID:             jobID,
			FoundRelationship: true,
			InitialScore:      0.5,
		}
		if err := repo.Insert(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := repo.GetDeduplicated(ctx, "run-1", "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != len(jobs) {
		t.Fatalf("expected %d rows, got %d", len(jobs), len(rows))
	}
	for i, jobID := range jobs {
		if rows[i].JobID != jobID {
			t.Fatalf("insertion order broken at %d: expected %s, got %s", i, jobID, rows[i].JobID)
		}
	}
}

func TestOutboxRepository_PublishCAS(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewOutboxRepository(tdb.DB)

	for i := 0; i < 3; i++ {
		err := repo.Insert(ctx, "run-1", models.EventFileAnalysisFinding,
			models.FileAnalysisFinding{RunID: "run-1", FilePath: "src/a.js"})
		if err != nil {
			t.Fatal(err)
		}
	}

	events, err := repo.FetchPending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(events))
	}
	// Strict id order.
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("events out of order: %d then %d", events[i-1].ID, events[i].ID)
		}
	}

	applied, err := repo.MarkPublished(ctx, events[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("first publish should apply")
	}
	applied, err = repo.MarkPublished(ctx, events[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("second publish should be a no-op")
	}

	if err := repo.MarkFailed(ctx, events[1].ID, "malformed payload"); err != nil {
		t.Fatal(err)
	}

	n, err := repo.PendingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
}

func TestAuditRepository_RoundTrip(t *testing.T) {
	tdb := setupRepoTest(t)
	ctx := context.Background()
	repo := NewAuditRepository(tdb.DB)

	if err := repo.Record(ctx, &models.ReconciliationDecision{
		RunID:            "run-1",
		RelationshipHash: "hash-1",
		Decision:         models.RelationshipValidated,
		FinalScore:       0.84,
		EvidenceCount:    2,
	}); err != nil {
		t.Fatal(err)
	}

	decisions, err := repo.GetByRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	if decisions[0].Decision != models.RelationshipValidated || decisions[0].FinalScore != 0.84 {
		t.Errorf("unexpected decision %+v", decisions[0])
	}
}
