package outbox

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/ctriangulate/ctp/pkg/batchwriter"
	"github.com/ctriangulate/ctp/pkg/model"
	"github.com/ctriangulate/ctp/pkg/queue"
	"github.com/ctriangulate/ctp/pkg/shared/logging"
)

// PublisherConfig configures one Publisher.
type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Publisher is the TransactionalOutboxPublisher (spec.md §4.5): it drains
// PENDING outbox rows, writes derived POI/relationship rows through
// BatchedWriter, resolves POI-name references, evaluates the escalation
// policy, and enqueues downstream jobs.
type Publisher struct {
	db              *sqlx.DB
	cfg             PublisherConfig
	pois            *batchwriter.Writer
	relations       *batchwriter.Writer
	resolver        *Resolver
	escalator       *Escalator
	queue           *queue.Manager
	escalationQueue *queue.Queue
	log             *logrus.Logger

	statusMu  sync.Mutex
	statusBuf map[string]string // outbox row id -> new status, flushed alongside each poll

	bindingsMu sync.Mutex
	bindings   []relationshipBinding // relationships written this poll, bound to evidence tracking after flush
}

// relationshipBinding links a freshly-written relationship's generated ID to
// the natural-key hash evidence arrives keyed on, so evidence that arrived
// before the relationship existed can still find it.
type relationshipBinding struct {
	runID          string
	hash           string
	relationshipID string
}

// outboxRow is one row read from the outbox table.
type outboxRow struct {
	ID        string `db:"id"`
	RunID     string `db:"run_id"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
}

// NewPublisher builds a Publisher over db, writing derived rows through its
// own BatchedWriter instances per spec.md §4.6's "buffers named by target
// table" policy.
func NewPublisher(db *sqlx.DB, resolver *Resolver, escalator *Escalator, qm *queue.Manager, log *logrus.Logger, cfg PublisherConfig) (*Publisher, error) {
	cfg = cfg.withDefaults()

	escalationQueue, err := qm.GetQueue("relationship-confidence-escalation")
	if err != nil {
		return nil, err
	}

	return &Publisher{
		db:  db,
		cfg: cfg,
		pois: batchwriter.NewWriter(db, batchwriter.Config{
			Table:     "pois",
			Columns:   []string{"id", "file_id", "run_id", "file_path", "name", "type", "start_line", "end_line", "description", "is_exported", "semantic_id", "hash"},
			Conflict:  "ON CONFLICT (hash) DO NOTHING",
			BatchSize: 100,
		}),
		relations: batchwriter.NewWriter(db, batchwriter.Config{
			Table:     "relationships",
			Columns:   []string{"id", "run_id", "source_poi_id", "target_poi_id", "type", "file_path", "status", "confidence", "evidence", "reason"},
			Conflict:  "ON CONFLICT (source_poi_id, target_poi_id) DO NOTHING",
			BatchSize: 100,
		}),
		resolver:        resolver,
		escalator:       escalator,
		queue:           qm,
		escalationQueue: escalationQueue,
		log:             log,
		statusBuf:       make(map[string]string),
	}, nil
}

// Run polls on cfg.PollInterval until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				logging.WithFields(p.log, logging.NewFields().Component("outbox").Operation("poll").Error(err)).Error("outbox poll failed")
			}
		}
	}
}

// Poll drains up to BatchSize PENDING rows and processes them in two
// phases: every POI write in the batch completes and is visible before any
// relationship in the same batch is resolved (spec.md §5 ordering
// guarantee 1).
func (p *Publisher) Poll(ctx context.Context) error {
	var rows []outboxRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT id, run_id, event_type, payload FROM outbox WHERE status = 'PENDING' ORDER BY created_at LIMIT $1`,
		p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	var relationshipEvents, validationEvents []outboxRow

	for _, row := range rows {
		event, err := Decode(EventType(row.EventType), row.Payload)
		if err != nil {
			p.markFailed(row.ID)
			logging.WithFields(p.log, logging.NewFields().Component("outbox").Operation("decode").RunID(row.RunID).Error(err)).
				Warn("outbox event failed validation")
			continue
		}

		switch event.Type {
		case EventFileAnalysisFinding:
			if err := p.handleFileAnalysisFinding(ctx, row, event.FileAnalysisFinding); err != nil {
				p.markFailed(row.ID)
				continue
			}
			p.markPublished(row.ID)
		case EventRelationshipAnalysisFinding:
			relationshipEvents = append(relationshipEvents, row)
		case EventValidateRelationshipsBatch:
			validationEvents = append(validationEvents, row)
		case EventGraphIngestion:
			// The graph builder reads relationships directly from the store;
			// this event only signals that a batch is ready to project.
			p.markPublished(row.ID)
		default:
			p.markPublished(row.ID)
		}
	}

	// Ordering guarantee 1: flush every POI write from this poll before
	// resolving any relationship in the same poll.
	if err := p.pois.Flush(ctx); err != nil {
		return err
	}

	for _, row := range relationshipEvents {
		event, _ := Decode(EventType(row.EventType), row.Payload)
		p.handleRelationshipAnalysisFinding(ctx, row, event.RelationshipAnalysisFinding)
	}
	if err := p.relations.Flush(ctx); err != nil {
		return err
	}
	if err := p.bindEvidence(ctx); err != nil {
		return err
	}

	for _, row := range validationEvents {
		event, _ := Decode(EventType(row.EventType), row.Payload)
		if err := p.handleValidateRelationshipsBatch(ctx, row, event.ValidateRelationshipsBatch); err != nil {
			p.markFailed(row.ID)
			continue
		}
		p.markPublished(row.ID)
	}

	return p.flushStatus(ctx)
}

func (p *Publisher) handleFileAnalysisFinding(ctx context.Context, row outboxRow, payload *FileAnalysisFindingPayload) error {
	fileID, err := p.ensureFile(ctx, row.RunID, payload.FilePath)
	if err != nil {
		return err
	}

	for _, poi := range payload.POIs {
		hash := model.POIHash(payload.FilePath, poi.Name, poi.Type, poi.StartLine)
		semanticID := model.SemanticID(payload.FilePath, poi.Name)
		r := batchwriter.Row{
			uuid.NewString(), fileID, row.RunID, payload.FilePath, poi.Name, poi.Type,
			poi.StartLine, poi.EndLine, poi.Description, poi.IsExported, semanticID, hash,
		}
		if err := p.pois.Add(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// handleRelationshipAnalysisFinding resolves each relationship's from/to POI
// names and writes a PENDING relationship row for every pair that resolved.
// An unresolved name is logged and skipped, never fatal to the event
// (spec.md §7, §8 scenario 3): the outbox event still transitions to
// PUBLISHED as long as at least one relationship resolved, or with a
// warning marker if none did.
func (p *Publisher) handleRelationshipAnalysisFinding(ctx context.Context, row outboxRow, payload *RelationshipAnalysisFindingPayload) {
	resolvedAny := false

	for _, rel := range payload.Relationships {
		sourceID, ok, err := p.resolver.Resolve(ctx, row.RunID, rel.FilePath, rel.From)
		if err != nil || !ok {
			p.logUnresolved(row.RunID, rel.From, err)
			continue
		}
		targetID, ok, err := p.resolver.Resolve(ctx, row.RunID, rel.FilePath, rel.To)
		if err != nil || !ok {
			p.logUnresolved(row.RunID, rel.To, err)
			continue
		}

		relationshipID := uuid.NewString()
		status := model.RelationshipPending
		if decision, err := p.escalator.Decide(ctx, rel.Type, rel.Confidence, 1); err == nil && decision.Escalate {
			status = model.RelationshipEscalated
			p.enqueueEscalation(ctx, row.RunID, relationshipID, rel.Confidence, decision)
		}

		r := batchwriter.Row{
			relationshipID, row.RunID, sourceID, targetID, rel.Type, rel.FilePath,
			string(status), rel.Confidence, rel.Evidence, rel.Reason,
		}
		if err := p.relations.Add(ctx, r); err != nil {
			continue
		}
		resolvedAny = true

		hash := model.RelationshipHash(rel.FilePath, rel.From, rel.To, rel.Type)
		p.bindingsMu.Lock()
		p.bindings = append(p.bindings, relationshipBinding{runID: row.RunID, hash: hash, relationshipID: relationshipID})
		p.bindingsMu.Unlock()
	}

	if !resolvedAny && len(payload.Relationships) > 0 {
		logging.WithFields(p.log, logging.NewFields().Component("outbox").Operation("resolve").RunID(row.RunID)).
			Warn("outbox event published with zero relationships resolved")
	}
	p.markPublished(row.ID)
}

// bindEvidence attaches this poll's newly-written relationship IDs onto any
// relationship_evidence_tracking rows that accumulated evidence for the same
// hash before the relationship existed.
func (p *Publisher) bindEvidence(ctx context.Context) error {
	p.bindingsMu.Lock()
	pending := p.bindings
	p.bindings = nil
	p.bindingsMu.Unlock()

	for _, b := range pending {
		if _, err := p.db.ExecContext(ctx,
			`UPDATE relationship_evidence_tracking SET relationship_id = $1 WHERE run_id = $2 AND relationship_hash = $3 AND relationship_id IS NULL`,
			b.relationshipID, b.runID, b.hash); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) handleValidateRelationshipsBatch(ctx context.Context, row outboxRow, payload *ValidateRelationshipsBatchPayload) error {
	for _, entry := range payload.Relationships {
		if err := p.accumulateEvidence(ctx, row.RunID, entry); err != nil {
			return err
		}
	}
	return nil
}

// accumulateEvidence records one evidence payload against its relationship
// hash's tracking row and, once the expected count is met, transitions the
// relationship to VALIDATED or ESCALATED (ordering guarantee 3).
func (p *Publisher) accumulateEvidence(ctx context.Context, runID string, entry RelationshipEvidenceBatchEntry) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO relationship_evidence (id, run_id, relationship_hash, payload, confidence) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), runID, entry.RelationshipHash, entry.EvidencePayload, 1.0); err != nil {
		return err
	}

	var tracking model.EvidenceTracking
	err = tx.GetContext(ctx, &tracking,
		`SELECT id, run_id, relationship_hash, relationship_id, evidence_count, expected_count, total_confidence, avg_confidence, status
		 FROM relationship_evidence_tracking WHERE run_id = $1 AND relationship_hash = $2`,
		runID, entry.RelationshipHash)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relationship_evidence_tracking (id, run_id, relationship_hash, evidence_count, expected_count, total_confidence, avg_confidence, status, created_at, updated_at)
			 VALUES ($1, $2, $3, 1, 1, 1.0, 1.0, $4, now(), now())`,
			uuid.NewString(), runID, entry.RelationshipHash, model.EvidenceTrackingOpen); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		tracking.EvidenceCount++
		tracking.TotalConfidence += 1.0
		tracking.AvgConfidence = tracking.TotalConfidence / float64(tracking.EvidenceCount)
		if _, err := tx.ExecContext(ctx,
			`UPDATE relationship_evidence_tracking SET evidence_count = $1, total_confidence = $2, avg_confidence = $3, updated_at = now() WHERE id = $4`,
			tracking.EvidenceCount, tracking.TotalConfidence, tracking.AvgConfidence, tracking.ID); err != nil {
			return err
		}
		if tracking.RelationshipID != nil && tracking.EvidenceCount >= tracking.ExpectedCount {
			newStatus := model.RelationshipValidated
			decision, decErr := p.escalator.Decide(ctx, "", tracking.AvgConfidence, tracking.EvidenceCount)
			if decErr == nil && decision.Escalate {
				newStatus = model.RelationshipEscalated
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE relationships SET status = $1, confidence = $2 WHERE id = $3`,
				string(newStatus), tracking.AvgConfidence, *tracking.RelationshipID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// ensureFile looks up the files row for (runID, filePath), creating it if
// absent.
func (p *Publisher) ensureFile(ctx context.Context, runID, filePath string) (string, error) {
	var id string
	err := p.db.GetContext(ctx, &id, `SELECT id FROM files WHERE run_id = $1 AND file_path = $2`, runID, filePath)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = uuid.NewString()
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO files (id, run_id, file_path, status, hash) VALUES ($1, $2, $3, $4, '')`,
		id, runID, filePath, model.FileStatusAnalyzed)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Publisher) enqueueEscalation(ctx context.Context, runID, relationshipID string, confidence float64, decision EscalationDecision) {
	payload := &RelationshipConfidenceEscalationPayload{
		RunID:            runID,
		RelationshipID:   relationshipID,
		Confidence:       confidence,
		ConfidenceLevel:  decision.Level,
		EscalationReason: decision.Reason,
	}
	body, err := Encode(EventRelationshipConfidenceEsc, payload)
	if err != nil {
		return
	}
	p.escalationQueue.Add(ctx, queue.Job{RunID: runID, Type: string(EventRelationshipConfidenceEsc), Payload: body})
}

func (p *Publisher) logUnresolved(runID, identifier string, cause error) {
	fields := logging.NewFields().Component("outbox").Operation("resolve").RunID(runID).Custom("identifier", identifier)
	if cause != nil {
		fields = fields.Error(cause)
	}
	logging.WithFields(p.log, fields).Warn("unresolved relationship reference")
}

func (p *Publisher) markPublished(id string) { p.setStatus(id, "PUBLISHED") }
func (p *Publisher) markFailed(id string)    { p.setStatus(id, "FAILED") }

func (p *Publisher) setStatus(id, status string) {
	p.statusMu.Lock()
	p.statusBuf[id] = status
	p.statusMu.Unlock()
}

// flushStatus writes every buffered outbox status transition from this poll
// in one statement (the "outbox-status" buffer spec.md §4.6 names).
func (p *Publisher) flushStatus(ctx context.Context) error {
	p.statusMu.Lock()
	pending := p.statusBuf
	p.statusBuf = make(map[string]string)
	p.statusMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var b strings.Builder
	args := make([]interface{}, 0, len(pending)*2)
	b.WriteString("UPDATE outbox AS o SET status = v.status FROM (VALUES ")
	i := 0
	for id, status := range pending {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?,?)")
		args = append(args, id, status)
		i++
	}
	b.WriteString(") AS v(id, status) WHERE o.id = v.id")

	_, err := p.db.ExecContext(ctx, p.db.Rebind(b.String()), args...)
	return err
}
