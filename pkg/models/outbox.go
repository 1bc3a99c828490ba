package models

import (
	"encoding/json"
	"time"
)

// OutboxEventType discriminates outbox payloads.
type OutboxEventType string

const (
	EventFileAnalysisFinding         OutboxEventType = "file-analysis-finding"
	EventDirectoryAnalysisFinding    OutboxEventType = "directory-analysis-finding"
	EventRelationshipAnalysisFinding OutboxEventType = "relationship-analysis-finding"
)

// OutboxStatus is the publication state of an outbox row. Rows are created
// PENDING in the same transaction as the state change they describe; only
// the outbox publisher moves them to PUBLISHED or FAILED.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEvent couples a committed state change to a pending queue emission.
// The id is a monotonically increasing sequence; the publisher drains rows
// strictly in id order.
type OutboxEvent struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	EventType   OutboxEventType `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status"`
	ErrorReason *string         `json:"error_reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SourceWorker identifies which analysis pass produced a piece of evidence.
type SourceWorker string

const (
	WorkerFileAnalysis           SourceWorker = "FileAnalysisWorker"
	WorkerDirectoryResolution    SourceWorker = "DirectoryResolutionWorker"
	WorkerRelationshipResolution SourceWorker = "RelationshipResolutionWorker"
)

// RelationshipFinding is one worker's observation about one candidate
// relationship, identified by qualified names so the relationship hash can
// be recomputed identically in any component.
type RelationshipFinding struct {
	RelationshipHash    string           `json:"relationship_hash"`
	SourceQualifiedName string           `json:"source_qualified_name"`
	TargetQualifiedName string           `json:"target_qualified_name"`
	Type                RelationshipType `json:"type"`
	FoundRelationship   bool             `json:"found_relationship"`
	InitialScore        float64          `json:"initial_score"`
	Reason              string           `json:"reason,omitempty"`
}

// FileAnalysisFinding is the outbox payload for one analyzed file: the POIs
// created for it (already persisted in the same transaction) and the
// intra-file relationships observed.
type FileAnalysisFinding struct {
	RunID         string                `json:"run_id"`
	JobID         string                `json:"job_id"`
	FilePath      string                `json:"file_path"`
	ParseStatus   ParseStatus           `json:"parse_status"`
	POIs          []POI                 `json:"pois"`
	Relationships []RelationshipFinding `json:"relationships"`
}

// DirectoryAnalysisFinding is the outbox payload for one resolved directory.
// It re-evaluates every relationship in the directory's scope, including
// explicit not-found verdicts, so reconciliation can measure agreement.
type DirectoryAnalysisFinding struct {
	RunID     string                `json:"run_id"`
	JobID     string                `json:"job_id"`
	Directory string                `json:"directory"`
	Findings  []RelationshipFinding `json:"findings"`
}

// RelationshipAnalysisFinding is the outbox payload for one POI-scoped pass.
type RelationshipAnalysisFinding struct {
	RunID    string                `json:"run_id"`
	JobID    string                `json:"job_id"`
	POIID    string                `json:"poi_id"`
	Findings []RelationshipFinding `json:"findings"`
}
