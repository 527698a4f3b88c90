// Package outbox implements the TransactionalOutboxPublisher (spec.md
// §4.5): the atomic bridge from local write-ahead state (the outbox table)
// to the relational store (POIs, relationships) and to downstream queues.
package outbox

// EventType is the wire-level `event_type` column value on an outbox row.
type EventType string

const (
	EventFileAnalysisFinding         EventType = "file-analysis-finding"
	EventRelationshipAnalysisFinding EventType = "relationship-analysis-finding"
	EventValidateRelationshipsBatch  EventType = "validate-relationships-batch"
	EventRelationshipConfidenceEsc   EventType = "relationship-confidence-escalation"
	EventGraphIngestion              EventType = "graph-ingestion"
)

// POIFinding is one element of FileAnalysisFindingPayload.POIs (spec.md §6).
type POIFinding struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type" validate:"required"`
	StartLine   int    `json:"start_line" validate:"gte=0"`
	EndLine     int    `json:"end_line" validate:"gtefield=StartLine"`
	Description string `json:"description"`
	IsExported  bool   `json:"is_exported"`
}

// FileAnalysisFindingPayload is the `file-analysis-finding` wire contract.
type FileAnalysisFindingPayload struct {
	RunID    string       `json:"runId" validate:"required,uuid"`
	FilePath string       `json:"filePath" validate:"required"`
	POIs     []POIFinding `json:"pois" validate:"dive"`
}

// RelationshipFinding is one element of
// RelationshipAnalysisFindingPayload.Relationships.
type RelationshipFinding struct {
	From       string  `json:"from" validate:"required"`
	To         string  `json:"to" validate:"required"`
	Type       string  `json:"type" validate:"required"`
	FilePath   string  `json:"filePath" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Reason     string  `json:"reason"`
	Evidence   string  `json:"evidence"`
}

// RelationshipAnalysisFindingPayload is the `relationship-analysis-finding`
// wire contract.
type RelationshipAnalysisFindingPayload struct {
	RunID         string                 `json:"runId" validate:"required,uuid"`
	Relationships []RelationshipFinding  `json:"relationships" validate:"dive"`
}

// RelationshipEvidenceBatchEntry is one element of
// ValidateRelationshipsBatchPayload.Relationships.
type RelationshipEvidenceBatchEntry struct {
	RelationshipHash string `json:"relationship_hash" validate:"required"`
	EvidencePayload  string `json:"evidence_payload" validate:"required"`
}

// ValidateRelationshipsBatchPayload is the `validate-relationships-batch`
// wire contract.
type ValidateRelationshipsBatchPayload struct {
	RunID         string                           `json:"runId" validate:"required,uuid"`
	Relationships []RelationshipEvidenceBatchEntry `json:"relationships" validate:"dive"`
}

// RelationshipConfidenceEscalationPayload is the
// `relationship-confidence-escalation` wire contract.
type RelationshipConfidenceEscalationPayload struct {
	RunID            string  `json:"runId" validate:"required,uuid"`
	RelationshipID   string  `json:"relationshipId" validate:"required"`
	Confidence       float64 `json:"confidence" validate:"gte=0,lte=1"`
	ConfidenceLevel  string  `json:"confidenceLevel" validate:"required,oneof=low medium high"`
	EscalationReason string  `json:"escalationReason" validate:"required"`
}

// GraphIngestionPayload is the `graph-ingestion` wire contract: the graph
// builder reads the named relationships from the relational store itself,
// the payload only carries which ones to consider.
type GraphIngestionPayload struct {
	RunID           string   `json:"runId" validate:"required,uuid"`
	RelationshipIDs []string `json:"relationshipIds"`
}

// Event is a tagged variant over every outbox payload shape: exactly one of
// the typed fields is populated, selected by Type. An outbox row with an
// unrecognized Type does not decode (Decode returns a SCHEMA_INVARIANT
// error). Dispatch is a switch on the Type value, so no reflection is used
// anywhere in the dispatch path.
type Event struct {
	Type EventType
	Raw  []byte

	FileAnalysisFinding         *FileAnalysisFindingPayload
	RelationshipAnalysisFinding *RelationshipAnalysisFindingPayload
	ValidateRelationshipsBatch  *ValidateRelationshipsBatchPayload
	RelationshipConfidenceEsc   *RelationshipConfidenceEscalationPayload
	GraphIngestion              *GraphIngestionPayload
}
