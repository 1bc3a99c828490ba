package models

import (
	"time"

	"github.com/google/uuid"
)

// RelationshipType labels an edge between two POIs.
type RelationshipType string

const (
	RelationshipCalls    RelationshipType = "CALLS"
	RelationshipImports  RelationshipType = "IMPORTS"
	RelationshipExports  RelationshipType = "EXPORTS"
	RelationshipExtends  RelationshipType = "EXTENDS"
	RelationshipContains RelationshipType = "CONTAINS"
	RelationshipUses     RelationshipType = "USES"
)

// RelationshipTypes is the closed set of edge labels. Graph writes reject
// anything outside this set so labels can be interpolated into Cypher.
var RelationshipTypes = []RelationshipType{
	RelationshipCalls,
	RelationshipImports,
	RelationshipExports,
	RelationshipExtends,
	RelationshipContains,
	RelationshipUses,
}

// ValidRelationshipType reports whether t is a known relationship type.
func ValidRelationshipType(t RelationshipType) bool {
	for _, known := range RelationshipTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RelationshipStatus is the validation state of a candidate relationship.
// Rows move only forward: PENDING_VALIDATION to exactly one terminal state.
type RelationshipStatus string

const (
	RelationshipPendingValidation RelationshipStatus = "PENDING_VALIDATION"
	RelationshipValidated         RelationshipStatus = "VALIDATED"
	RelationshipRejected          RelationshipStatus = "REJECTED"
	RelationshipConflict          RelationshipStatus = "CONFLICT"
)

// ParseStatus records how the finding that produced a relationship was parsed.
type ParseStatus string

const (
	ParseStatusLLMSuccess      ParseStatus = "LLM_SUCCESS"
	ParseStatusUnreliableParse ParseStatus = "UNRELIABLE_PARSE"
)

// Relationship is a candidate edge between two POIs, awaiting or holding the
// outcome of evidence reconciliation.
type Relationship struct {
	ID               uuid.UUID          `json:"id"`
	RunID            string             `json:"run_id"`
	SourcePOIID      uuid.UUID          `json:"source_poi_id"`
	TargetPOIID      uuid.UUID          `json:"target_poi_id"`
	Type             RelationshipType   `json:"type"`
	RelationshipHash string             `json:"relationship_hash"`
	Confidence       float64            `json:"confidence"`
	Status           RelationshipStatus `json:"status"`
	ParseStatus      ParseStatus        `json:"parse_status"`
	CreatedAt        time.Time          `json:"created_at"`
}
