package services

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/queue"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

// Test doubles for the pipeline workers. All of them are safe for the
// concurrent use the consumers exercise.

type capturedFileFinding struct {
	file    *models.File
	pois    []*models.POI
	rels    []*models.Relationship
	finding *models.FileAnalysisFinding
}

type fakeFindingStore struct {
	mu          sync.Mutex
	fileSaves   []capturedFileFinding
	dirFindings []*models.DirectoryAnalysisFinding
	dirRels     [][]*models.Relationship
	poiFindings []*models.RelationshipAnalysisFinding
	poiRels     [][]*models.Relationship
	err         error
}

func (f *fakeFindingStore) SaveFileFinding(_ context.Context, file *models.File, pois []*models.POI, rels []*models.Relationship, finding *models.FileAnalysisFinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.fileSaves = append(f.fileSaves, capturedFileFinding{file: file, pois: pois, rels: rels, finding: finding})
	return nil
}

func (f *fakeFindingStore) SaveDirectoryFinding(_ context.Context, _ string, rels []*models.Relationship, finding *models.DirectoryAnalysisFinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dirFindings = append(f.dirFindings, finding)
	f.dirRels = append(f.dirRels, rels)
	return nil
}

func (f *fakeFindingStore) SavePOIFinding(_ context.Context, _ string, rels []*models.Relationship, finding *models.RelationshipAnalysisFinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.poiFindings = append(f.poiFindings, finding)
	f.poiRels = append(f.poiRels, rels)
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*queue.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeEnqueuer) EnqueueAll(ctx context.Context, jobs []*queue.Job) error {
	for _, job := range jobs {
		if err := f.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEnqueuer) byQueue(name string) []*queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*queue.Job
	for _, j := range f.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

type fakePOIRepo struct {
	pois []*models.POI
}

func (f *fakePOIRepo) CreateBatch(context.Context, []*models.POI) error { return nil }

func (f *fakePOIRepo) Get(_ context.Context, id uuid.UUID) (*models.POI, error) {
	for _, p := range f.pois {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakePOIRepo) GetByDirectory(_ context.Context, runID, directory string) ([]*models.POI, error) {
	var out []*models.POI
	for _, p := range f.pois {
		if p.RunID == runID && dirOf(p.FilePath) == directory {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePOIRepo) GetByRun(_ context.Context, runID string) ([]*models.POI, error) {
	return f.pois, nil
}

func (f *fakePOIRepo) CountByRun(context.Context, string) (int, error) { return len(f.pois), nil }

type fakeRelRepo struct {
	mu       sync.Mutex
	pending  []*models.Relationship
	resolved map[string]models.RelationshipStatus
	scores   map[string]float64
}

func newFakeRelRepo(pending ...*models.Relationship) *fakeRelRepo {
	return &fakeRelRepo{
		pending:  pending,
		resolved: make(map[string]models.RelationshipStatus),
		scores:   make(map[string]float64),
	}
}

func (f *fakeRelRepo) CreateBatch(context.Context, []*models.Relationship) error { return nil }

func (f *fakeRelRepo) GetByHash(context.Context, string, string) (*models.Relationship, error) {
	return nil, apperrors.ErrNotFound
}

func (f *fakeRelRepo) GetCandidatesByRun(context.Context, string) ([]*models.Relationship, error) {
	return f.pending, nil
}

func (f *fakeRelRepo) ResolvePending(_ context.Context, _ string, hash string, status models.RelationshipStatus, confidence float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.resolved[hash]; done {
		return false, nil
	}
	for _, r := range f.pending {
		if r.RelationshipHash == hash {
			f.resolved[hash] = status
			f.scores[hash] = confidence
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelRepo) CountByStatus(context.Context, string) (map[models.RelationshipStatus]int, error) {
	return map[models.RelationshipStatus]int{}, nil
}

func (f *fakeRelRepo) StreamValidated(context.Context, string, func(edge *repositories.ValidatedEdge) error) error {
	return nil
}

type fakeEvidenceRepo struct {
	mu       sync.Mutex
	inserted []*models.EvidenceItem
	rows     []*models.EvidenceRow
}

func (f *fakeEvidenceRepo) Insert(_ context.Context, item *models.EvidenceItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, item)
	return nil
}

func (f *fakeEvidenceRepo) GetDeduplicated(context.Context, string, string) ([]*models.EvidenceRow, error) {
	return f.rows, nil
}

func (f *fakeEvidenceRepo) CountByRun(context.Context, string) (int, error) {
	return len(f.inserted), nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	records []*models.ReconciliationDecision
}

func (f *fakeAuditRepo) Record(_ context.Context, d *models.ReconciliationDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, d)
	return nil
}

func (f *fakeAuditRepo) GetByRun(context.Context, string) ([]*models.ReconciliationDecision, error) {
	return f.records, nil
}

type fakeOutboxRepo struct {
	mu        sync.Mutex
	events    []*models.OutboxEvent
	published []int64
	failed    map[int64]string
}

func newFakeOutboxRepo(events ...*models.OutboxEvent) *fakeOutboxRepo {
	return &fakeOutboxRepo{events: events, failed: make(map[int64]string)}
}

func (f *fakeOutboxRepo) Insert(context.Context, string, models.OutboxEventType, any) error {
	return nil
}

func (f *fakeOutboxRepo) FetchPending(_ context.Context, limit int) ([]*models.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.OutboxEvent
	for _, ev := range f.events {
		if ev.Status != models.OutboxPending {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) MarkPublished(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id && ev.Status == models.OutboxPending {
			ev.Status = models.OutboxPublished
			f.published = append(f.published, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOutboxRepo) MarkFailed(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			ev.Status = models.OutboxFailed
			f.failed[id] = reason
		}
	}
	return nil
}

func (f *fakeOutboxRepo) PendingCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Status == models.OutboxPending {
			n++
		}
	}
	return n, nil
}

func dirOf(filePath string) string {
	for i := len(filePath) - 1; i >= 0; i-- {
		if filePath[i] == '/' {
			return filePath[:i]
		}
	}
	return "."
}
