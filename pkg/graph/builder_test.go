package graph

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

type fakeBackend struct {
	constraintsEnsured bool
	nodes              []POINode
	edges              []RelationshipEdge
}

func (f *fakeBackend) EnsureConstraints(ctx context.Context) error {
	f.constraintsEnsured = true
	return nil
}

func (f *fakeBackend) UpsertPOINode(ctx context.Context, node POINode) error {
	f.nodes = append(f.nodes, node)
	return nil
}

func (f *fakeBackend) UpsertRelationshipEdge(ctx context.Context, edge RelationshipEdge) error {
	f.edges = append(f.edges, edge)
	return nil
}

func (f *fakeBackend) Close(ctx context.Context) error { return nil }

func newTestBuilder(t *testing.T) (*Builder, *fakeBackend, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	backend := &fakeBackend{}
	builder := NewBuilder(sqlx.NewDb(db, "postgres"), backend)
	return builder, backend, mock, func() { db.Close() }
}

// TestBuild_ProjectsValidatedPOIsAndRelationships covers spec.md §6's
// projection contract and ordering guarantee 4 (graph reads only VALIDATED
// relationships) at the query level: both SELECTs filter status='VALIDATED'.
func TestBuild_ProjectsValidatedPOIsAndRelationships(t *testing.T) {
	builder, backend, mock, closeDB := newTestBuilder(t)
	defer closeDB()

	mock.ExpectQuery(`FROM pois p`).
		WithArgs("run-1", "", defaultPageSize).
		WillReturnRows(sqlmock.NewRows([]string{"semantic_id", "name", "type", "file_path", "is_exported"}).
			AddRow("auth.js#login", "login", "function", "auth.js", true))

	mock.ExpectQuery(`FROM relationships r`).
		WithArgs("run-1", defaultPageSize, 0).
		WillReturnRows(sqlmock.NewRows([]string{"type", "confidence", "source_semantic_id", "target_semantic_id"}).
			AddRow("CALLS", 0.9, "auth.js#login", "auth.js#hash"))

	stats, err := builder.Build(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if stats.Nodes != 1 || stats.Edges != 1 {
		t.Errorf("Build() = %+v, want {Nodes:1 Edges:1}", stats)
	}
	if !backend.constraintsEnsured {
		t.Error("Build() did not ensure constraints")
	}
	if len(backend.nodes) != 1 || backend.nodes[0].SemanticID != "auth.js#login" {
		t.Errorf("backend.nodes = %+v", backend.nodes)
	}
	if len(backend.edges) != 1 || backend.edges[0].SourceSemanticID != "auth.js#login" {
		t.Errorf("backend.edges = %+v", backend.edges)
	}
}

func TestBuild_EmptyRunProjectsNothing(t *testing.T) {
	builder, _, mock, closeDB := newTestBuilder(t)
	defer closeDB()

	mock.ExpectQuery(`FROM pois p`).
		WillReturnRows(sqlmock.NewRows([]string{"semantic_id", "name", "type", "file_path", "is_exported"}))
	mock.ExpectQuery(`FROM relationships r`).
		WillReturnRows(sqlmock.NewRows([]string{"type", "confidence", "source_semantic_id", "target_semantic_id"}))

	stats, err := builder.Build(context.Background(), "run-empty")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if stats.Nodes != 0 || stats.Edges != 0 {
		t.Errorf("Build() = %+v, want zero stats", stats)
	}
}
