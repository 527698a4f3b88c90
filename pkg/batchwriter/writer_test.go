package batchwriter

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newTestWriter(t *testing.T, cfg Config) (*Writer, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewWriter(sqlxDB, cfg), mock, func() { db.Close() }
}

func poiConfig() Config {
	return Config{
		Table:     "pois",
		Columns:   []string{"id", "file_path", "name", "hash"},
		Conflict:  "ON CONFLICT (hash) DO NOTHING",
		BatchSize: 2,
	}
}

// Reaching the batch size flushes both buffered rows as one multi-row
// INSERT ending in ON CONFLICT (hash) DO NOTHING — BatchedWriter itself does
// not deduplicate, the schema does.
func TestFlush_IssuesOneMultiRowInsertPerBatch(t *testing.T) {
	w, mock, closeDB := newTestWriter(t, poiConfig())
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO pois \(id, file_path, name, hash\) VALUES \(\$1,\$2,\$3,\$4\),\(\$5,\$6,\$7,\$8\) ON CONFLICT \(hash\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ctx := context.Background()
	if err := w.Add(ctx, Row{"p1", "a.go", "Foo", "hash-a"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := w.Add(ctx, Row{"p2", "b.go", "Bar", "hash-b"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if w.Len() != 0 {
		t.Errorf("Len() = %d after batch-size flush, want 0", w.Len())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFlush_EmptyBufferIsNoop(t *testing.T) {
	w, mock, closeDB := newTestWriter(t, poiConfig())
	defer closeDB()

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() on empty buffer error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries issued: %v", err)
	}
}

func TestFlush_RetriesThenSucceeds(t *testing.T) {
	cfg := poiConfig()
	cfg.BatchSize = 10
	cfg.MaxRetries = 2
	w, mock, closeDB := newTestWriter(t, cfg)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO pois`).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO pois`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := w.Add(context.Background(), Row{"p1", "a.go", "Foo", "hash-a"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v, want success on retry", err)
	}
}

func TestFlush_ExhaustsRetriesAndReturnsDatabaseError(t *testing.T) {
	cfg := poiConfig()
	cfg.BatchSize = 10
	cfg.MaxRetries = 1
	w, mock, closeDB := newTestWriter(t, cfg)
	defer closeDB()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO pois`).WillReturnError(context.DeadlineExceeded)
		mock.ExpectRollback()
	}

	w.Add(context.Background(), Row{"p1", "a.go", "Foo", "hash-a"})
	if err := w.Flush(context.Background()); err == nil {
		t.Fatal("Flush() expected error after exhausting retries")
	}
}

func TestRun_FlushesOnInterval(t *testing.T) {
	cfg := poiConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 10 * time.Millisecond
	w, mock, closeDB := newTestWriter(t, cfg)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO pois`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, cancel := context.WithCancel(context.Background())
	w.Add(ctx, Row{"p1", "a.go", "Foo", "hash-a"})

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
