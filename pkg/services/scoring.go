// Package services implements the pipeline: scouting, the analysis workers,
// the outbox publisher, evidence validation, reconciliation, and the run
// orchestrator.
package services

import (
	"go.uber.org/zap"

	"github.com/triangulate-hq/triangulate-engine/pkg/models"
)

// Scoring constants. Agreement compounds toward 1 without reaching it;
// disagreement halves the running score.
const (
	agreementBoost    = 0.2
	disagreementDecay = 0.5
)

// DefaultInitialScore is used when a finding carries no explicit confidence.
const DefaultInitialScore = 0.5

// InitialScore turns a model-reported confidence into an initial evidence
// score. Explicit values are clamped into [0,1]; absent values fall back to
// the default with a logged warning.
func InitialScore(confidence *float64, logger *zap.Logger) float64 {
	if confidence == nil {
		logger.Warn("Finding carries no confidence, using default",
			zap.Float64("default", DefaultInitialScore))
		return DefaultInitialScore
	}
	return clamp01(*confidence)
}

// ScoreResult is the outcome of folding evidence for one relationship.
type ScoreResult struct {
	FinalScore    float64
	HasConflict   bool
	AgreeCount    int
	DisagreeCount int
	EvidenceCount int
}

// ScoreEvidence folds deduplicated evidence, in the order given, into a
// final confidence score. The first item's initial score seeds the running
// score; every later item either boosts it by a fifth of the remaining
// headroom or halves it. Items are never reordered: the same evidence in a
// different order is allowed to score differently.
func ScoreEvidence(evidence []*models.EvidenceRow) ScoreResult {
	var res ScoreResult

	for _, item := range evidence {
		if item == nil {
			continue
		}

		if res.EvidenceCount == 0 {
			// The first item seeds the running score with its initial score
			// whether it agrees or not.
			res.FinalScore = clamp01(item.InitialScore)
			if item.FoundRelationship {
				res.AgreeCount++
			} else {
				res.DisagreeCount++
			}
			res.EvidenceCount++
			continue
		}

		if item.FoundRelationship {
			res.FinalScore += (1 - res.FinalScore) * agreementBoost
			res.AgreeCount++
		} else {
			res.FinalScore *= disagreementDecay
			res.DisagreeCount++
		}
		res.FinalScore = clamp01(res.FinalScore)
		res.EvidenceCount++
	}

	res.HasConflict = res.AgreeCount > 0 && res.DisagreeCount > 0
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
