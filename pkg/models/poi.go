package models

import (
	"time"

	"github.com/google/uuid"
)

// POIType classifies a point of interest extracted from source code.
type POIType string

const (
	POITypeFile       POIType = "File"
	POITypeClass      POIType = "Class"
	POITypeFunction   POIType = "Function"
	POITypeVariable   POIType = "Variable"
	POITypeTable      POIType = "Table"
	POITypeEntrypoint POIType = "Entrypoint"
	POITypeManifest   POIType = "Manifest"
	POITypeConfig     POIType = "Config"
	POITypeOther      POIType = "Other"
)

// ValidPOIType reports whether t is a known POI type.
func ValidPOIType(t POIType) bool {
	switch t {
	case POITypeFile, POITypeClass, POITypeFunction, POITypeVariable,
		POITypeTable, POITypeEntrypoint, POITypeManifest, POITypeConfig, POITypeOther:
		return true
	}
	return false
}

// POI is a point of interest: an identifiable code entity discovered by
// analysis. POIs are immutable once created; all references to a POI go
// through its ID, and (RunID, QualifiedName) is unique within a run.
type POI struct {
	ID            uuid.UUID `json:"id"`
	FileID        uuid.UUID `json:"file_id"`
	RunID         string    `json:"run_id"`
	FilePath      string    `json:"file_path"`
	Name          string    `json:"name"`
	Type          POIType   `json:"type"`
	QualifiedName string    `json:"qualified_name"`
	LineNumber    int       `json:"line_number"`
	IsExported    bool      `json:"is_exported"`
	CreatedAt     time.Time `json:"created_at"`
}

// FileStatus tracks a discovered file through the pipeline.
type FileStatus string

const (
	FileStatusDiscovered FileStatus = "DISCOVERED"
	FileStatusAnalyzed   FileStatus = "ANALYZED"
	FileStatusFailed     FileStatus = "FAILED"
)

// File is a source file enumerated by the scout.
type File struct {
	ID              uuid.UUID  `json:"id"`
	RunID           string     `json:"run_id"`
	Path            string     `json:"path"`
	Checksum        string     `json:"checksum"`
	Language        string     `json:"language"`
	SpecialFileType *string    `json:"special_file_type,omitempty"`
	Status          FileStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}
