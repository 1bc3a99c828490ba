package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

func pendingEvent(t *testing.T, id int64, eventType models.OutboxEventType, payload any) *models.OutboxEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &models.OutboxEvent{
		ID:        id,
		RunID:     "run-1",
		EventType: eventType,
		Payload:   data,
		Status:    models.OutboxPending,
	}
}

func TestOutboxPublisher_FileFindingFansOut(t *testing.T) {
	poiA := models.POI{ID: uuid.New(), QualifiedName: "src/a.js:foo"}
	poiB := models.POI{ID: uuid.New(), QualifiedName: "src/a.js:bar"}
	finding := models.FileAnalysisFinding{
		RunID:    "run-1",
		JobID:    uuid.New().String(),
		FilePath: "src/a.js",
		POIs:     []models.POI{poiA, poiB},
		Relationships: []models.RelationshipFinding{
			{
				RelationshipHash:    "hash-1",
				SourceQualifiedName: poiA.QualifiedName,
				TargetQualifiedName: poiB.QualifiedName,
				Type:                models.RelationshipCalls,
				FoundRelationship:   true,
				InitialScore:        0.7,
			},
		},
	}

	outbox := newFakeOutboxRepo(pendingEvent(t, 1, models.EventFileAnalysisFinding, finding))
	queues := &fakeEnqueuer{}
	p := NewOutboxPublisher(outbox, queues, 10, 10, zap.NewNop())

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	resJobs := queues.byQueue(models.QueueRelationshipResolution)
	if len(resJobs) != 2 {
		t.Fatalf("expected one resolution job per POI, got %d", len(resJobs))
	}

	evJobs := queues.byQueue(models.QueueAnalysisFindings)
	if len(evJobs) != 1 {
		t.Fatalf("expected 1 evidence batch, got %d", len(evJobs))
	}
	var batch models.AnalysisFindingsJob
	if err := json.Unmarshal(evJobs[0].Payload, &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.Items) != 1 {
		t.Fatalf("expected 1 evidence item, got %d", len(batch.Items))
	}
	item := batch.Items[0]
	if item.SourceWorker != models.WorkerFileAnalysis {
		t.Errorf("expected FileAnalysisWorker evidence, got %s", item.SourceWorker)
	}
	if item.JobID != finding.JobID {
		t.Error("evidence must carry the originating job id")
	}
	if item.SourceQualifiedName != poiA.QualifiedName {
		t.Error("evidence must carry qualified names for pair fallback")
	}
	var raw models.RelationshipFinding
	if err := json.Unmarshal(item.Raw, &raw); err != nil || raw.RelationshipHash != "hash-1" {
		t.Errorf("evidence must carry the raw finding, got %s (%v)", item.Raw, err)
	}

	if len(outbox.published) != 1 || outbox.published[0] != 1 {
		t.Errorf("event must be marked published, got %v", outbox.published)
	}
}

func TestOutboxPublisher_PublishesInIDOrder(t *testing.T) {
	dir := models.DirectoryAnalysisFinding{
		RunID: "run-1", JobID: "job-d", Directory: "src",
		Findings: []models.RelationshipFinding{{RelationshipHash: "h", FoundRelationship: true, InitialScore: 0.5}},
	}
	poi := models.RelationshipAnalysisFinding{
		RunID: "run-1", JobID: "job-p", POIID: uuid.New().String(),
		Findings: []models.RelationshipFinding{{RelationshipHash: "h2", FoundRelationship: false, InitialScore: 0.5}},
	}

	outbox := newFakeOutboxRepo(
		pendingEvent(t, 1, models.EventDirectoryAnalysisFinding, dir),
		pendingEvent(t, 2, models.EventRelationshipAnalysisFinding, poi),
		pendingEvent(t, 3, models.EventDirectoryAnalysisFinding, dir),
	)
	p := NewOutboxPublisher(outbox, &fakeEnqueuer{}, 2, 10, zap.NewNop())

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	want := []int64{1, 2, 3}
	if len(outbox.published) != len(want) {
		t.Fatalf("expected %d published, got %d", len(want), len(outbox.published))
	}
	for i, id := range want {
		if outbox.published[i] != id {
			t.Fatalf("publish order violated: got %v", outbox.published)
		}
	}
}

func TestOutboxPublisher_MalformedPayloadDoesNotBlock(t *testing.T) {
	bad := &models.OutboxEvent{
		ID:        1,
		RunID:     "run-1",
		EventType: models.EventFileAnalysisFinding,
		Payload:   json.RawMessage(`{not json`),
		Status:    models.OutboxPending,
	}
	good := pendingEvent(t, 2, models.EventDirectoryAnalysisFinding, models.DirectoryAnalysisFinding{
		RunID: "run-1", JobID: "job-d", Directory: "src",
		Findings: []models.RelationshipFinding{{RelationshipHash: "h", InitialScore: 0.5}},
	})

	outbox := newFakeOutboxRepo(bad, good)
	queues := &fakeEnqueuer{}
	p := NewOutboxPublisher(outbox, queues, 10, 10, zap.NewNop())

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if _, failed := outbox.failed[1]; !failed {
		t.Error("malformed event must be marked FAILED")
	}
	if len(outbox.published) != 1 || outbox.published[0] != 2 {
		t.Errorf("the event behind the malformed one must still publish, got %v", outbox.published)
	}
	if len(queues.byQueue(models.QueueAnalysisFindings)) != 1 {
		t.Error("expected the good event's evidence batch")
	}
}

func TestOutboxPublisher_UnknownEventTypeMarkedFailed(t *testing.T) {
	outbox := newFakeOutboxRepo(&models.OutboxEvent{
		ID:        1,
		RunID:     "run-1",
		EventType: "mystery-event",
		Payload:   json.RawMessage(`{}`),
		Status:    models.OutboxPending,
	})
	p := NewOutboxPublisher(outbox, &fakeEnqueuer{}, 10, 10, zap.NewNop())

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if _, failed := outbox.failed[1]; !failed {
		t.Error("unknown event type must be marked FAILED")
	}
}

func TestOutboxPublisher_EmptyFindingPublishesNoJobs(t *testing.T) {
	outbox := newFakeOutboxRepo(pendingEvent(t, 1, models.EventDirectoryAnalysisFinding, models.DirectoryAnalysisFinding{
		RunID: "run-1", JobID: "job-d", Directory: "src",
	}))
	queues := &fakeEnqueuer{}
	p := NewOutboxPublisher(outbox, queues, 10, 10, zap.NewNop())

	if err := p.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(queues.jobs) != 0 {
		t.Errorf("empty finding must enqueue nothing, got %d jobs", len(queues.jobs))
	}
	if len(outbox.published) != 1 {
		t.Error("empty finding must still be marked published")
	}
}
