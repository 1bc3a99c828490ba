package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RelationshipHash computes the agreement key for a relationship finding.
// Every worker that observes the same (source, target, type) triple must
// arrive at the same hash, so the canonical form is fixed:
// sourceQualifiedName::targetQualifiedName::type, SHA-256, lower hex.
func RelationshipHash(sourceQualifiedName, targetQualifiedName string, relType RelationshipType) string {
	sum := sha256.Sum256([]byte(sourceQualifiedName + "::" + targetQualifiedName + "::" + string(relType)))
	return hex.EncodeToString(sum[:])
}

// FilePairHash computes the pre-POI evidence key for a pair of file paths.
// The scout records expected evidence counts at this granularity before any
// POI exists. The pair is ordered lexicographically so both directions map
// to the same key. A file paired with itself keys intra-file evidence.
func FilePairHash(pathA, pathB string) string {
	if pathB < pathA {
		pathA, pathB = pathB, pathA
	}
	sum := sha256.Sum256([]byte(pathA + "::" + pathB))
	return hex.EncodeToString(sum[:])
}

// FileOfQualifiedName extracts the file path from a qualified name. Entity
// names are "<file path>:<name>"; a file's own qualified name is its path.
func FileOfQualifiedName(qualifiedName string) string {
	idx := strings.LastIndexByte(qualifiedName, ':')
	if idx < 0 {
		return qualifiedName
	}
	return qualifiedName[:idx]
}
