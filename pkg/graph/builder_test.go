package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/apperrors"
	"github.com/triangulate-hq/triangulate-engine/pkg/config"
	"github.com/triangulate-hq/triangulate-engine/pkg/models"
	"github.com/triangulate-hq/triangulate-engine/pkg/repositories"
)

type fakeStreamer struct {
	edges []*repositories.ValidatedEdge
}

func (f *fakeStreamer) StreamValidated(ctx context.Context, runID string, fn func(*repositories.ValidatedEdge) error) error {
	for _, e := range f.edges {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

type recordedWrite struct {
	cypher string
	rows   int
}

type fakeWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	failures int // fail this many calls before succeeding
	calls    int
}

func (f *fakeWriter) ExecuteBatch(ctx context.Context, cypher string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("write failed")
	}
	rows, _ := params["rows"].([]map[string]any)
	f.writes = append(f.writes, recordedWrite{cypher: cypher, rows: len(rows)})
	return nil
}

func testEdges(n int, relType models.RelationshipType) []*repositories.ValidatedEdge {
	edges := make([]*repositories.ValidatedEdge, n)
	for i := range edges {
		edges[i] = &repositories.ValidatedEdge{
			SourceID:            uuid.New().String(),
			TargetID:            uuid.New().String(),
			SourceQualifiedName: fmt.Sprintf("a.js:fn%d", i),
			TargetQualifiedName: fmt.Sprintf("b.js:fn%d", i),
			Type:                relType,
			Confidence:          0.9,
		}
	}
	return edges
}

func testGraphConfig(batchSize int) config.GraphConfig {
	return config.GraphConfig{BatchSize: batchSize, MaxConcurrentWrites: 2, MaxBatchRetries: 2}
}

func TestBuilder_SplitsBatches(t *testing.T) {
	writer := &fakeWriter{}
	streamer := &fakeStreamer{edges: testEdges(5, models.RelationshipCalls)}
	b := NewBuilder(streamer, writer, testGraphConfig(4), zap.NewNop())

	stats, err := b.Build(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Edges != 5 {
		t.Errorf("edges = %d, want 5", stats.Edges)
	}
	if stats.Batches != 2 {
		t.Errorf("batches = %d, want 2", stats.Batches)
	}

	total := 0
	for _, w := range writer.writes {
		total += w.rows
	}
	if total != 5 {
		t.Errorf("rows written = %d, want 5", total)
	}
}

func TestBuilder_GroupsByRelationshipType(t *testing.T) {
	writer := &fakeWriter{}
	edges := append(testEdges(2, models.RelationshipCalls), testEdges(3, models.RelationshipImports)...)
	b := NewBuilder(&fakeStreamer{edges: edges}, writer, testGraphConfig(100), zap.NewNop())

	if _, err := b.Build(context.Background(), "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One batch, two statements: one per type.
	if len(writer.writes) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(writer.writes))
	}
	byLabel := map[string]int{}
	for _, w := range writer.writes {
		switch {
		case strings.Contains(w.cypher, "[r:CALLS]"):
			byLabel["CALLS"] = w.rows
		case strings.Contains(w.cypher, "[r:IMPORTS]"):
			byLabel["IMPORTS"] = w.rows
		default:
			t.Errorf("unexpected cypher: %s", w.cypher)
		}
	}
	if byLabel["CALLS"] != 2 || byLabel["IMPORTS"] != 3 {
		t.Errorf("unexpected grouping: %v", byLabel)
	}
}

func TestBuilder_UpsertsNodesByIDWithPropsOnCreateOnly(t *testing.T) {
	writer := &fakeWriter{}
	b := NewBuilder(&fakeStreamer{edges: testEdges(1, models.RelationshipCalls)}, writer, testGraphConfig(10), zap.NewNop())

	if _, err := b.Build(context.Background(), "run-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(writer.writes) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(writer.writes))
	}

	cypher := writer.writes[0].cypher
	if !strings.Contains(cypher, "MERGE (s:POI {id: row.source_id})") ||
		!strings.Contains(cypher, "MERGE (t:POI {id: row.target_id})") {
		t.Errorf("nodes must merge on the POI id:\n%s", cypher)
	}
	if !strings.Contains(cypher, "ON CREATE SET s.") || !strings.Contains(cypher, "ON CREATE SET t.") {
		t.Errorf("node properties must be written on first create only:\n%s", cypher)
	}
	// Edge confidence is the one property refreshed on match as well.
	if !strings.Contains(cypher, "SET r.confidence = row.confidence") {
		t.Errorf("edge confidence must be set on create and match:\n%s", cypher)
	}
	if n := strings.Count(cypher, "SET s."); n != 1 {
		t.Errorf("source node props set %d times, want only the ON CREATE write:\n%s", n, cypher)
	}
}

func TestBuilder_RetriesFailedBatch(t *testing.T) {
	writer := &fakeWriter{failures: 2}
	b := NewBuilder(&fakeStreamer{edges: testEdges(1, models.RelationshipUses)}, writer, testGraphConfig(10), zap.NewNop())

	if _, err := b.Build(context.Background(), "run-1"); err != nil {
		t.Fatalf("expected retries to absorb failures, got %v", err)
	}
	if writer.calls != 3 {
		t.Errorf("calls = %d, want 3", writer.calls)
	}
}

func TestBuilder_ExhaustedRetriesFailRun(t *testing.T) {
	writer := &fakeWriter{failures: 100}
	b := NewBuilder(&fakeStreamer{edges: testEdges(1, models.RelationshipUses)}, writer, testGraphConfig(10), zap.NewNop())

	_, err := b.Build(context.Background(), "run-1")
	if !errors.Is(err, apperrors.ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
}

func TestBuilder_RejectsUnknownRelationshipType(t *testing.T) {
	writer := &fakeWriter{}
	edges := []*repositories.ValidatedEdge{{
		SourceQualifiedName: "a.js:x",
		TargetQualifiedName: "b.js:y",
		Type:                models.RelationshipType("DROP DATABASE"),
	}}
	b := NewBuilder(&fakeStreamer{edges: edges}, writer, testGraphConfig(10), zap.NewNop())

	_, err := b.Build(context.Background(), "run-1")
	if !errors.Is(err, apperrors.ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
	if len(writer.writes) != 0 {
		t.Errorf("no writes expected, got %d", len(writer.writes))
	}
}

func TestBuilder_EmptyRun(t *testing.T) {
	writer := &fakeWriter{}
	b := NewBuilder(&fakeStreamer{}, writer, testGraphConfig(10), zap.NewNop())

	stats, err := b.Build(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Edges != 0 || stats.Batches != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}
