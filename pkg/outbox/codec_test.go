package outbox

import "testing"

func TestEncodeDecode_FileAnalysisFinding_RoundTrips(t *testing.T) {
	payload := &FileAnalysisFindingPayload{
		RunID:    "11111111-1111-1111-1111-111111111111",
		FilePath: "auth.js",
		POIs: []POIFinding{
			{Name: "login", Type: "function", StartLine: 10, EndLine: 20, Description: "authenticates a user", IsExported: true},
		},
	}

	raw, err := Encode(EventFileAnalysisFinding, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	event, err := Decode(EventFileAnalysisFinding, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if event.FileAnalysisFinding.RunID != payload.RunID {
		t.Errorf("RunID = %q, want %q", event.FileAnalysisFinding.RunID, payload.RunID)
	}
	if len(event.FileAnalysisFinding.POIs) != 1 || event.FileAnalysisFinding.POIs[0].Name != "login" {
		t.Errorf("POIs = %+v, want one POI named login", event.FileAnalysisFinding.POIs)
	}
}

func TestEncodeDecode_RelationshipAnalysisFinding_RoundTrips(t *testing.T) {
	payload := &RelationshipAnalysisFindingPayload{
		RunID: "11111111-1111-1111-1111-111111111111",
		Relationships: []RelationshipFinding{
			{From: "login", To: "hash", Type: "CALLS", FilePath: "auth.js", Confidence: 0.9},
		},
	}

	raw, err := Encode(EventRelationshipAnalysisFinding, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	event, err := Decode(EventRelationshipAnalysisFinding, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := event.RelationshipAnalysisFinding.Relationships[0].Confidence; got != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got)
	}
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	if _, err := Decode(EventFileAnalysisFinding, []byte(`{not json`)); err == nil {
		t.Fatal("Decode() expected error for malformed JSON")
	}
}

func TestDecode_RejectsPayloadFailingValidation(t *testing.T) {
	raw, _ := Encode(EventFileAnalysisFinding, &FileAnalysisFindingPayload{
		RunID:    "not-a-uuid",
		FilePath: "auth.js",
	})

	if _, err := Decode(EventFileAnalysisFinding, raw); err == nil {
		t.Fatal("Decode() expected SCHEMA_INVARIANT error for a non-UUID runId")
	}
}

func TestDecode_UnknownEventType(t *testing.T) {
	if _, err := Decode(EventType("mystery"), []byte(`{}`)); err == nil {
		t.Fatal("Decode() expected error for unknown event type")
	}
}

func TestEncodeDecode_GraphIngestion_RoundTrips(t *testing.T) {
	payload := &GraphIngestionPayload{RunID: "11111111-1111-1111-1111-111111111111", RelationshipIDs: []string{"r1", "r2"}}

	raw, err := Encode(EventGraphIngestion, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	event, err := Decode(EventGraphIngestion, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(event.GraphIngestion.RelationshipIDs) != 2 {
		t.Errorf("RelationshipIDs = %v, want 2 entries", event.GraphIngestion.RelationshipIDs)
	}
}
