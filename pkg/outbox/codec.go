package outbox

import (
	"github.com/go-faster/jx"
	"github.com/go-playground/validator/v10"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// validate is a package-level, concurrency-safe validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode serializes payload for the given event type via go-faster/jx's
// streaming encoder, used on the hot per-event write path in place of
// encoding/json.
func Encode(eventType EventType, payload interface{}) ([]byte, error) {
	e := jx.Encoder{}
	switch eventType {
	case EventFileAnalysisFinding:
		encodeFileAnalysisFinding(&e, payload.(*FileAnalysisFindingPayload))
	case EventRelationshipAnalysisFinding:
		encodeRelationshipAnalysisFinding(&e, payload.(*RelationshipAnalysisFindingPayload))
	case EventValidateRelationshipsBatch:
		encodeValidateRelationshipsBatch(&e, payload.(*ValidateRelationshipsBatchPayload))
	case EventRelationshipConfidenceEsc:
		encodeRelationshipConfidenceEscalation(&e, payload.(*RelationshipConfidenceEscalationPayload))
	case EventGraphIngestion:
		encodeGraphIngestion(&e, payload.(*GraphIngestionPayload))
	default:
		return nil, pipelineerrors.SchemaInvariantError("unknown outbox event type " + string(eventType))
	}
	return e.Bytes(), nil
}

// Decode parses raw into an Event of the given type and enforces its
// boundary validator tags, returning SCHEMA_INVARIANT on either a malformed
// payload or one that violates its required shape (spec.md §9).
func Decode(eventType EventType, raw []byte) (Event, error) {
	ev := Event{Type: eventType, Raw: raw}
	d := jx.DecodeBytes(raw)

	var err error
	switch eventType {
	case EventFileAnalysisFinding:
		p := &FileAnalysisFindingPayload{}
		err = decodeFileAnalysisFinding(d, p)
		ev.FileAnalysisFinding = p
	case EventRelationshipAnalysisFinding:
		p := &RelationshipAnalysisFindingPayload{}
		err = decodeRelationshipAnalysisFinding(d, p)
		ev.RelationshipAnalysisFinding = p
	case EventValidateRelationshipsBatch:
		p := &ValidateRelationshipsBatchPayload{}
		err = decodeValidateRelationshipsBatch(d, p)
		ev.ValidateRelationshipsBatch = p
	case EventRelationshipConfidenceEsc:
		p := &RelationshipConfidenceEscalationPayload{}
		err = decodeRelationshipConfidenceEscalation(d, p)
		ev.RelationshipConfidenceEsc = p
	case EventGraphIngestion:
		p := &GraphIngestionPayload{}
		err = decodeGraphIngestion(d, p)
		ev.GraphIngestion = p
	default:
		return ev, pipelineerrors.SchemaInvariantError("unknown outbox event type " + string(eventType))
	}
	if err != nil {
		return ev, pipelineerrors.SchemaInvariantError("malformed " + string(eventType) + " payload: " + err.Error())
	}

	if validationErr := validatePayload(ev); validationErr != nil {
		return ev, pipelineerrors.SchemaInvariantError(string(eventType) + ": " + validationErr.Error())
	}
	return ev, nil
}

func validatePayload(ev Event) error {
	switch ev.Type {
	case EventFileAnalysisFinding:
		return validate.Struct(ev.FileAnalysisFinding)
	case EventRelationshipAnalysisFinding:
		return validate.Struct(ev.RelationshipAnalysisFinding)
	case EventValidateRelationshipsBatch:
		return validate.Struct(ev.ValidateRelationshipsBatch)
	case EventRelationshipConfidenceEsc:
		return validate.Struct(ev.RelationshipConfidenceEsc)
	case EventGraphIngestion:
		return validate.Struct(ev.GraphIngestion)
	}
	return nil
}

func encodeFileAnalysisFinding(e *jx.Encoder, p *FileAnalysisFindingPayload) {
	e.ObjStart()
	e.FieldStart("runId")
	e.Str(p.RunID)
	e.FieldStart("filePath")
	e.Str(p.FilePath)
	e.FieldStart("pois")
	e.ArrStart()
	for _, poi := range p.POIs {
		e.ObjStart()
		e.FieldStart("name")
		e.Str(poi.Name)
		e.FieldStart("type")
		e.Str(poi.Type)
		e.FieldStart("start_line")
		e.Int(poi.StartLine)
		e.FieldStart("end_line")
		e.Int(poi.EndLine)
		e.FieldStart("description")
		e.Str(poi.Description)
		e.FieldStart("is_exported")
		e.Bool(poi.IsExported)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func decodeFileAnalysisFinding(d *jx.Decoder, p *FileAnalysisFindingPayload) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "runId":
			p.RunID, err = d.Str()
		case "filePath":
			p.FilePath, err = d.Str()
		case "pois":
			err = d.Arr(func(d *jx.Decoder) error {
				var poi POIFinding
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "name":
						poi.Name, err = d.Str()
					case "type":
						poi.Type, err = d.Str()
					case "start_line":
						poi.StartLine, err = d.Int()
					case "end_line":
						poi.EndLine, err = d.Int()
					case "description":
						poi.Description, err = d.Str()
					case "is_exported":
						poi.IsExported, err = d.Bool()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				p.POIs = append(p.POIs, poi)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

func encodeRelationshipAnalysisFinding(e *jx.Encoder, p *RelationshipAnalysisFindingPayload) {
	e.ObjStart()
	e.FieldStart("runId")
	e.Str(p.RunID)
	e.FieldStart("relationships")
	e.ArrStart()
	for _, r := range p.Relationships {
		e.ObjStart()
		e.FieldStart("from")
		e.Str(r.From)
		e.FieldStart("to")
		e.Str(r.To)
		e.FieldStart("type")
		e.Str(r.Type)
		e.FieldStart("filePath")
		e.Str(r.FilePath)
		e.FieldStart("confidence")
		e.Float64(r.Confidence)
		e.FieldStart("reason")
		e.Str(r.Reason)
		e.FieldStart("evidence")
		e.Str(r.Evidence)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func decodeRelationshipAnalysisFinding(d *jx.Decoder, p *RelationshipAnalysisFindingPayload) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "runId":
			p.RunID, err = d.Str()
		case "relationships":
			err = d.Arr(func(d *jx.Decoder) error {
				var r RelationshipFinding
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "from":
						r.From, err = d.Str()
					case "to":
						r.To, err = d.Str()
					case "type":
						r.Type, err = d.Str()
					case "filePath":
						r.FilePath, err = d.Str()
					case "confidence":
						r.Confidence, err = d.Float64()
					case "reason":
						r.Reason, err = d.Str()
					case "evidence":
						r.Evidence, err = d.Str()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				p.Relationships = append(p.Relationships, r)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

func encodeValidateRelationshipsBatch(e *jx.Encoder, p *ValidateRelationshipsBatchPayload) {
	e.ObjStart()
	e.FieldStart("runId")
	e.Str(p.RunID)
	e.FieldStart("relationships")
	e.ArrStart()
	for _, r := range p.Relationships {
		e.ObjStart()
		e.FieldStart("relationship_hash")
		e.Str(r.RelationshipHash)
		e.FieldStart("evidence_payload")
		e.Str(r.EvidencePayload)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func decodeValidateRelationshipsBatch(d *jx.Decoder, p *ValidateRelationshipsBatchPayload) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "runId":
			p.RunID, err = d.Str()
		case "relationships":
			err = d.Arr(func(d *jx.Decoder) error {
				var r RelationshipEvidenceBatchEntry
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "relationship_hash":
						r.RelationshipHash, err = d.Str()
					case "evidence_payload":
						r.EvidencePayload, err = d.Str()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				p.Relationships = append(p.Relationships, r)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

func encodeRelationshipConfidenceEscalation(e *jx.Encoder, p *RelationshipConfidenceEscalationPayload) {
	e.ObjStart()
	e.FieldStart("runId")
	e.Str(p.RunID)
	e.FieldStart("relationshipId")
	e.Str(p.RelationshipID)
	e.FieldStart("confidence")
	e.Float64(p.Confidence)
	e.FieldStart("confidenceLevel")
	e.Str(p.ConfidenceLevel)
	e.FieldStart("escalationReason")
	e.Str(p.EscalationReason)
	e.ObjEnd()
}

func decodeRelationshipConfidenceEscalation(d *jx.Decoder, p *RelationshipConfidenceEscalationPayload) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "runId":
			p.RunID, err = d.Str()
		case "relationshipId":
			p.RelationshipID, err = d.Str()
		case "confidence":
			p.Confidence, err = d.Float64()
		case "confidenceLevel":
			p.ConfidenceLevel, err = d.Str()
		case "escalationReason":
			p.EscalationReason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
}

func encodeGraphIngestion(e *jx.Encoder, p *GraphIngestionPayload) {
	e.ObjStart()
	e.FieldStart("runId")
	e.Str(p.RunID)
	e.FieldStart("relationshipIds")
	e.ArrStart()
	for _, id := range p.RelationshipIDs {
		e.Str(id)
	}
	e.ArrEnd()
	e.ObjEnd()
}

func decodeGraphIngestion(d *jx.Decoder, p *GraphIngestionPayload) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "runId":
			p.RunID, err = d.Str()
		case "relationshipIds":
			err = d.Arr(func(d *jx.Decoder) error {
				id, err := d.Str()
				if err != nil {
					return err
				}
				p.RelationshipIDs = append(p.RelationshipIDs, id)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
}
