package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// POIHash computes the deterministic natural key for a POI from
// (filePath, name, type, startLine), per spec.md §4.5. Two POIs observed
// with identical inputs always collapse to the same hash, and therefore the
// same row, under the schema's UNIQUE constraint.
func POIHash(filePath, name, poiType string, startLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", filePath, name, poiType, startLine)))
	return hex.EncodeToString(sum[:])
}

// RelationshipHash computes the natural key used to correlate raw
// relationship evidence before a Relationship row exists, from
// (filePath, sourceName, targetName, type).
func RelationshipHash(filePath, from, to, relType string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%s", filePath, from, to, relType)))
	return hex.EncodeToString(sum[:])
}

// SemanticID is the stable, cross-run identifier for a POI: a
// file-path-qualified name (spec.md §3). Unlike Hash it deliberately omits
// startLine and type, so the same named construct in the same file keeps
// its identity across runs even if its line range shifts.
func SemanticID(filePath, name string) string {
	return filePath + "#" + name
}
