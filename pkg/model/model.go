// Package model defines the relational entities shared across the pipeline
// (spec.md §3, §6). Every type here mirrors exactly one table owned by
// internal/migrations and is the system of record for that table's rows.
package model

import "time"

// FileStatus is the lifecycle state of a scanned file.
type FileStatus string

const (
	FileStatusPending   FileStatus = "PENDING"
	FileStatusAnalyzing FileStatus = "ANALYZING"
	FileStatusAnalyzed  FileStatus = "ANALYZED"
	FileStatusFailed    FileStatus = "FAILED"
)

// File is a row in the files table: one source file tracked for a run.
type File struct {
	ID            string     `db:"id"`
	RunID         string     `db:"run_id"`
	FilePath      string     `db:"file_path"`
	Status        FileStatus `db:"status"`
	Hash          string     `db:"hash"`
	LastProcessed time.Time  `db:"last_processed"`
}

// RelationshipStatus is the lifecycle state of a candidate relationship.
type RelationshipStatus string

const (
	RelationshipPending   RelationshipStatus = "PENDING"
	RelationshipValidated RelationshipStatus = "VALIDATED"
	RelationshipRejected  RelationshipStatus = "REJECTED"
	RelationshipEscalated RelationshipStatus = "ESCALATED"
)

// POI is a Point of Interest: a named, locatable construct in source code.
// Hash is the deterministic natural key over (FilePath, Name, Type,
// StartLine), enforced UNIQUE at the schema level so re-publishing the same
// POI collapses to one row (spec.md §8 "Round-trip" invariant).
type POI struct {
	ID          string `db:"id"`
	FileID      string `db:"file_id"`
	RunID       string `db:"run_id"`
	FilePath    string `db:"file_path"`
	Name        string `db:"name"`
	Type        string `db:"type"`
	StartLine   int    `db:"start_line"`
	EndLine     int    `db:"end_line"`
	Description string `db:"description"`
	IsExported  bool   `db:"is_exported"`
	SemanticID  string `db:"semantic_id"`
	Hash        string `db:"hash"`
}

// Relationship is a candidate or validated edge between two POIs.
type Relationship struct {
	ID          string             `db:"id"`
	RunID       string             `db:"run_id"`
	SourcePOIID string             `db:"source_poi_id"`
	TargetPOIID string             `db:"target_poi_id"`
	Type        string             `db:"type"`
	FilePath    string             `db:"file_path"`
	Status      RelationshipStatus `db:"status"`
	Confidence  float64            `db:"confidence"`
	Evidence    string             `db:"evidence"`
	Reason      string             `db:"reason"`
}

// Evidence is one raw evidence payload accumulated toward a relationship's
// confidence before (or after) it resolves to a Relationship row.
type Evidence struct {
	ID               string  `db:"id"`
	RunID            string  `db:"run_id"`
	RelationshipHash string  `db:"relationship_hash"`
	RelationshipID   *string `db:"relationship_id"`
	Payload          string  `db:"payload"`
	Confidence       float64 `db:"confidence"`
}

// EvidenceTrackingStatus is the aggregation state for one relationship hash.
type EvidenceTrackingStatus string

const (
	EvidenceTrackingOpen      EvidenceTrackingStatus = "OPEN"
	EvidenceTrackingResolved  EvidenceTrackingStatus = "RESOLVED"
	EvidenceTrackingEscalated EvidenceTrackingStatus = "ESCALATED"
	EvidenceTrackingErrored   EvidenceTrackingStatus = "ERRORED"
)

// EvidenceTracking accumulates evidence for one (RunID, RelationshipHash)
// pair, one row per pair (UNIQUE constraint), until it resolves or escalates.
type EvidenceTracking struct {
	ID               string                  `db:"id"`
	RunID            string                  `db:"run_id"`
	RelationshipHash string                  `db:"relationship_hash"`
	RelationshipID   *string                 `db:"relationship_id"`
	EvidenceCount    int                     `db:"evidence_count"`
	ExpectedCount    int                     `db:"expected_count"`
	TotalConfidence  float64                 `db:"total_confidence"`
	AvgConfidence    float64                 `db:"avg_confidence"`
	Status           EvidenceTrackingStatus  `db:"status"`
	CreatedAt        time.Time               `db:"created_at"`
	UpdatedAt        time.Time               `db:"updated_at"`
	ProcessedAt      *time.Time              `db:"processed_at"`
	ErrorMessage     string                  `db:"error_message"`
}

// OutboxEventStatus is the publication state of one outbox row.
type OutboxEventStatus string

const (
	OutboxPending   OutboxEventStatus = "PENDING"
	OutboxPublished OutboxEventStatus = "PUBLISHED"
	OutboxFailed    OutboxEventStatus = "FAILED"
)

// OutboxEvent is one write-ahead record in the transactional outbox
// (spec.md §4.5): the atomic bridge between a local write and everything
// downstream of it (derived rows, queue messages).
type OutboxEvent struct {
	ID        string            `db:"id"`
	RunID     string            `db:"run_id"`
	EventType string            `db:"event_type"`
	Payload   []byte            `db:"payload"`
	Status    OutboxEventStatus `db:"status"`
	CreatedAt time.Time         `db:"created_at"`
}

// SchemaMigration describes one applied migration. internal/migrations
// records applied versions in goose's own version table, whose columns
// differ from these fields; nothing in this repository reads rows into
// this type.
type SchemaMigration struct {
	Version     int64     `db:"version"`
	Description string    `db:"description"`
	AppliedAt   time.Time `db:"applied_at"`
}

// TriangulationStatus is the lifecycle state of an escalated relationship's
// consensus review.
type TriangulationStatus string

const (
	TriangulationPending  TriangulationStatus = "PENDING"
	TriangulationResolved TriangulationStatus = "RESOLVED"
	TriangulationRejected TriangulationStatus = "REJECTED"
)

// TriangulationSession records the escalation/consensus lifecycle of a
// low-confidence relationship (supplemented type, SPEC_FULL.md §3). The
// orchestrator clears its table at INIT; nothing in this repository writes
// sessions, and the final report does not include them.
type TriangulationSession struct {
	ID                string               `db:"id"`
	RunID             string               `db:"run_id"`
	RelationshipID    string               `db:"relationship_id"`
	Status            TriangulationStatus  `db:"status"`
	InitialConfidence float64              `db:"initial_confidence"`
	FinalConfidence   float64              `db:"final_confidence"`
	ConsensusScore    float64              `db:"consensus_score"`
	CreatedAt         time.Time            `db:"created_at"`
}
