// Package batchwriter implements BatchedWriter (spec.md §4.6): coalesced,
// transactional, idempotent batch writes to the relational store, buffered
// by target table and flushed on size, interval, or explicit Flush().
package batchwriter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Row is one buffered write: positional column values in the same order as
// Config.Columns.
type Row []interface{}

// Config configures one table's buffer.
type Config struct {
	Table   string
	Columns []string
	// Conflict is appended verbatim after the VALUES list, e.g.
	// "ON CONFLICT (hash) DO NOTHING" or
	// "ON CONFLICT (run_id, event_type_id) DO UPDATE SET status = EXCLUDED.status".
	Conflict      string
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// Writer buffers rows for one table and flushes them transactionally.
type Writer struct {
	db  *sqlx.DB
	cfg Config

	mu     sync.Mutex
	buffer []Row
}

// NewWriter builds a Writer over db, buffering per cfg.
func NewWriter(db *sqlx.DB, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Writer{db: db, cfg: cfg}
}

// Add appends row to the buffer, flushing immediately if it reaches
// BatchSize.
func (w *Writer) Add(ctx context.Context, row Row) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, row)
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered row in one transaction, retrying up to
// MaxRetries with exponential backoff on failure (spec.md §4.6). The batch
// is idempotent: the INSERT statement's ON CONFLICT clause is the natural
// key each row is keyed on, so re-flushing the same row twice collapses to
// one write.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	rows := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return pipelineerrors.Wrapf(ctx.Err(), "flush %s batch", w.cfg.Table)
			}
			backoff *= 2
		}

		if lastErr = w.flushOnce(ctx, rows); lastErr == nil {
			return nil
		}
	}
	return pipelineerrors.DatabaseError("flush "+w.cfg.Table+" batch", lastErr)
}

// flushOnce builds one multi-row INSERT ... ON CONFLICT statement over all
// buffered rows and executes it inside a single transaction, rebound from
// sqlx's `?` convention to the driver's native bind-variable syntax.
func (w *Writer) flushOnce(ctx context.Context, rows []Row) error {
	query, args := w.buildInsert(rows)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, w.db.Rebind(query), args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Writer) buildInsert(rows []Row) (string, []interface{}) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(w.cfg.Columns)), ",") + ")"

	values := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*len(w.cfg.Columns))
	for i, row := range rows {
		values[i] = placeholder
		args = append(args, row...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		w.cfg.Table, strings.Join(w.cfg.Columns, ", "), strings.Join(values, ","), w.cfg.Conflict)
	return query, args
}

// Len reports the number of rows currently buffered.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Run starts the FlushInterval ticker, flushing the buffer whenever it is
// non-empty at each tick. It returns when ctx is done.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush(context.Background())
			return
		case <-ticker.C:
			if w.Len() > 0 {
				w.Flush(ctx)
			}
		}
	}
}
