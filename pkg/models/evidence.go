package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EvidenceItem is one unit of evidence as it travels through the
// analysis-findings queue: a single worker's verdict on a single
// relationship hash.
type EvidenceItem struct {
	RunID             string          `json:"run_id"`
	RelationshipHash  string          `json:"relationship_hash"`
	SourceWorker      SourceWorker    `json:"source_worker"`
	JobID             string          `json:"job_id"`
	FoundRelationship bool            `json:"found_relationship"`
	InitialScore      float64         `json:"initial_score"`

	// Qualified names let the validation worker resolve the relationship
	// back to its file pair when the manifest has no entry for the specific
	// relationship hash.
	SourceQualifiedName string `json:"source_qualified_name"`
	TargetQualifiedName string `json:"target_qualified_name"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// EvidenceRow is a persisted evidence item. Append-only; read back only by
// the reconciliation worker, which deduplicates on
// (relationship hash, source worker, job id).
type EvidenceRow struct {
	ID                uuid.UUID       `json:"id"`
	RunID             string          `json:"run_id"`
	RelationshipHash  string          `json:"relationship_hash"`
	SourceWorker      SourceWorker    `json:"source_worker"`
	JobID             string          `json:"job_id"`
	FoundRelationship bool            `json:"found_relationship"`
	InitialScore      float64         `json:"initial_score"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ReconciliationDecision is the audited outcome of reconciling one
// relationship hash.
type ReconciliationDecision struct {
	ID               uuid.UUID          `json:"id"`
	RunID            string             `json:"run_id"`
	RelationshipHash string             `json:"relationship_hash"`
	Decision         RelationshipStatus `json:"decision"`
	FinalScore       float64            `json:"final_score"`
	EvidenceCount    int                `json:"evidence_count"`
	HasConflict      bool               `json:"has_conflict"`
	CreatedAt        time.Time          `json:"created_at"`
}
