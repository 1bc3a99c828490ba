package models

import "time"

// Queue names. The orchestrator seeds these into the KV allow-list and the
// queue manager rejects anything outside the set.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueDirectoryAggregation   = "directory-aggregation"
	QueueDirectoryResolution    = "directory-resolution"
	QueueRelationshipResolution = "relationship-resolution"
	QueueAnalysisFindings       = "analysis-findings"
	QueueReconciliation         = "reconciliation"
	QueueFailedJobs             = "failed-jobs"
)

// AllQueues lists every queue the pipeline may create, DLQ included.
var AllQueues = []string{
	QueueFileAnalysis,
	QueueDirectoryAggregation,
	QueueDirectoryResolution,
	QueueRelationshipResolution,
	QueueAnalysisFindings,
	QueueReconciliation,
	QueueFailedJobs,
}

// RunManifest is the pre-computed contract for a run: every job id the scout
// scheduled, grouped by queue, and the evidence each relationship key is
// expected to accumulate before reconciliation may trigger.
//
// Evidence map keys are file-pair hashes at scout time (POIs do not exist
// yet). The validation worker resolves a POI-pair relationship hash against
// its file-pair entry when the specific hash is absent.
type RunManifest struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	// JobGraph maps queue name to the job ids scheduled on it.
	JobGraph map[string][]string `json:"job_graph"`

	// RelationshipEvidenceMap maps a relationship hash (or file-pair hash)
	// to the job ids expected to supply evidence for it.
	RelationshipEvidenceMap map[string][]string `json:"relationship_evidence_map"`

	// FilePairs maps each discovered file path to the file-pair hashes it
	// participates in, so workers can resolve a POI back to its pair keys.
	FilePairs map[string][]string `json:"file_pairs"`

	// DirectoryJobs maps each directory to its pre-assigned
	// directory-resolution job id.
	DirectoryJobs map[string]string `json:"directory_jobs"`

	// DirectoryTotals maps each directory to its file count, the barrier
	// target for directory aggregation.
	DirectoryTotals map[string]int `json:"directory_totals"`

	// GlobalResolutionJobID is the run-wide resolution job id assigned at
	// scout time. No queue consumes it today; it is recorded so the job
	// graph stays complete.
	GlobalResolutionJobID string `json:"global_resolution_job_id"`
}

// ExpectedEvidence returns the expected evidence count for a hash, or 0 and
// false when the manifest has no entry for it.
func (m *RunManifest) ExpectedEvidence(hash string) (int, bool) {
	jobs, ok := m.RelationshipEvidenceMap[hash]
	if !ok {
		return 0, false
	}
	return len(jobs), true
}

// Job payloads, one struct per queue.

// FileAnalysisJob asks a worker to analyze a single file. Directory and
// TotalFilesInDir ride along so the worker can notify the aggregation
// barrier without a manifest read.
type FileAnalysisJob struct {
	RunID           string `json:"run_id"`
	FileID          string `json:"file_id"`
	FilePath        string `json:"file_path"`
	Directory       string `json:"directory"`
	TotalFilesInDir int    `json:"total_files_in_dir"`
}

// DirectoryAggregationJob notifies the barrier that one file in Directory
// finished analysis. TotalFiles is the barrier target from the manifest.
type DirectoryAggregationJob struct {
	RunID      string `json:"run_id"`
	Directory  string `json:"directory"`
	FilePath   string `json:"file_path"`
	TotalFiles int    `json:"total_files"`
}

// DirectoryResolutionJob asks a worker to find cross-file relationships
// within one directory.
type DirectoryResolutionJob struct {
	RunID     string `json:"run_id"`
	Directory string `json:"directory"`
}

// RelationshipResolutionJob asks a worker to discover relationships for a
// single POI. Fanned out by the outbox publisher, one per POI per file
// finding.
type RelationshipResolutionJob struct {
	RunID string `json:"run_id"`
	POIID string `json:"poi_id"`
}

// AnalysisFindingsJob is a batch of evidence items for the validation worker.
type AnalysisFindingsJob struct {
	RunID string         `json:"run_id"`
	Items []EvidenceItem `json:"items"`
}

// ReconciliationJob asks the reconciliation worker to finalize one
// relationship hash.
type ReconciliationJob struct {
	RunID            string `json:"run_id"`
	RelationshipHash string `json:"relationship_hash"`
}
