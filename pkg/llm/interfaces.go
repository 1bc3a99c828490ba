// Package llm provides the semantic-extraction client boundary: an
// interface over OpenAI-compatible and Anthropic chat APIs, a concurrency
// limiter, JSON extraction from model output, and a regex fallback for
// unparsable responses.
package llm

import "context"

// POIFinding is one code entity reported by the model for a file.
type POIFinding struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	QualifiedName string  `json:"qualified_name"`
	LineNumber    int     `json:"line_number"`
	IsExported    bool    `json:"is_exported"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// RelationshipObservation is one relationship the model asserts or denies.
// Confidence is optional; absent values fall back to the default initial
// score during validation.
type RelationshipObservation struct {
	SourceQualifiedName string   `json:"source_qualified_name"`
	TargetQualifiedName string   `json:"target_qualified_name"`
	Type                string   `json:"type"`
	Found               bool     `json:"found"`
	Confidence          *float64 `json:"confidence,omitempty"`
	Reason              string   `json:"reason,omitempty"`
}

// FileAnalysis is the model's output for a single file.
type FileAnalysis struct {
	POIs          []POIFinding              `json:"pois"`
	Relationships []RelationshipObservation `json:"relationships"`
}

// DirectoryAnalysis is the model's output for one directory pass.
type DirectoryAnalysis struct {
	Relationships []RelationshipObservation `json:"relationships"`
}

// POIAnalysis is the model's output for one POI-scoped pass.
type POIAnalysis struct {
	Relationships []RelationshipObservation `json:"relationships"`
}

// POIContext describes one already-known POI handed to the model as context
// for directory and POI-scoped passes.
type POIContext struct {
	QualifiedName string `json:"qualified_name"`
	Type          string `json:"type"`
	FilePath      string `json:"file_path"`
	IsExported    bool   `json:"is_exported"`
}

// CandidateRelationship is a relationship the model must explicitly confirm
// or deny during a directory pass.
type CandidateRelationship struct {
	SourceQualifiedName string `json:"source_qualified_name"`
	TargetQualifiedName string `json:"target_qualified_name"`
	Type                string `json:"type"`
}

// Client is the LLM capability set the pipeline consumes. Implementations
// are expected to retry transient transport failures internally; a returned
// *ParseError means the model answered but its output stayed unparsable
// after those retries, which triggers the caller's regex fallback.
type Client interface {
	AnalyzeFile(ctx context.Context, filePath, content string) (*FileAnalysis, error)
	AnalyzeDirectory(ctx context.Context, directory string, pois []POIContext, candidates []CandidateRelationship) (*DirectoryAnalysis, error)
	AnalyzePOI(ctx context.Context, poi POIContext, surrounding []POIContext) (*POIAnalysis, error)
	Model() string
}
