package graph

import (
	"context"

	"github.com/jmoiron/sqlx"
)

const defaultPageSize = 500

// BuildStats tracks how many nodes and edges one Build call projected.
type BuildStats struct {
	Nodes int
	Edges int
}

// poiRow is a projected POI, paged from the relational store.
type poiRow struct {
	SemanticID string `db:"semantic_id"`
	Name       string `db:"name"`
	Type       string `db:"type"`
	FilePath   string `db:"file_path"`
	IsExported bool   `db:"is_exported"`
}

// relationshipRow is a projected VALIDATED relationship, paged from the
// relational store, pre-joined to its endpoints' semantic IDs.
type relationshipRow struct {
	Type             string  `db:"type"`
	Confidence       float64 `db:"confidence"`
	SourceSemanticID string  `db:"source_semantic_id"`
	TargetSemanticID string  `db:"target_semantic_id"`
}

// Builder projects one run's VALIDATED relationships (and their POIs) onto
// a graph-store Backend (spec.md §6, SPEC_FULL.md §4.A). It reads only
// VALIDATED relationships, per ordering guarantee 4.
type Builder struct {
	db       *sqlx.DB
	backend  Backend
	pageSize int
}

// NewBuilder builds a Builder over db, projecting through backend.
func NewBuilder(db *sqlx.DB, backend Backend) *Builder {
	return &Builder{db: db, backend: backend, pageSize: defaultPageSize}
}

// Build projects every POI that participates in a VALIDATED relationship
// for runID, then every VALIDATED relationship itself, paging both queries
// so a large run never holds its full result set in memory at once.
func (b *Builder) Build(ctx context.Context, runID string) (BuildStats, error) {
	var stats BuildStats

	if err := b.backend.EnsureConstraints(ctx); err != nil {
		return stats, err
	}

	nodes, err := b.projectPOIs(ctx, runID)
	if err != nil {
		return stats, err
	}
	stats.Nodes = nodes

	edges, err := b.projectRelationships(ctx, runID)
	if err != nil {
		return stats, err
	}
	stats.Edges = edges

	return stats, nil
}

func (b *Builder) projectPOIs(ctx context.Context, runID string) (int, error) {
	count := 0
	var lastSemanticID string

	for {
		var rows []poiRow
		err := b.db.SelectContext(ctx, &rows,
			`SELECT DISTINCT p.semantic_id, p.name, p.type, p.file_path, p.is_exported
			 FROM pois p
			 JOIN relationships r ON r.source_poi_id = p.id OR r.target_poi_id = p.id
			 WHERE p.run_id = $1 AND r.run_id = $1 AND r.status = 'VALIDATED' AND p.semantic_id > $2
			 ORDER BY p.semantic_id
			 LIMIT $3`,
			runID, lastSemanticID, b.pageSize)
		if err != nil {
			return count, err
		}
		if len(rows) == 0 {
			return count, nil
		}

		for _, row := range rows {
			node := POINode{
				RunID:      runID,
				SemanticID: row.SemanticID,
				Name:       row.Name,
				Type:       row.Type,
				FilePath:   row.FilePath,
				IsExported: row.IsExported,
			}
			if err := b.backend.UpsertPOINode(ctx, node); err != nil {
				return count, err
			}
			count++
		}

		lastSemanticID = rows[len(rows)-1].SemanticID
		if len(rows) < b.pageSize {
			return count, nil
		}
	}
}

func (b *Builder) projectRelationships(ctx context.Context, runID string) (int, error) {
	count := 0
	offset := 0

	for {
		var rows []relationshipRow
		err := b.db.SelectContext(ctx, &rows,
			`SELECT r.type, r.confidence, sp.semantic_id AS source_semantic_id, tp.semantic_id AS target_semantic_id
			 FROM relationships r
			 JOIN pois sp ON sp.id = r.source_poi_id
			 JOIN pois tp ON tp.id = r.target_poi_id
			 WHERE r.run_id = $1 AND r.status = 'VALIDATED'
			 ORDER BY r.id
			 LIMIT $2 OFFSET $3`,
			runID, b.pageSize, offset)
		if err != nil {
			return count, err
		}
		if len(rows) == 0 {
			return count, nil
		}

		for _, row := range rows {
			edge := RelationshipEdge{
				RunID:            runID,
				Type:             row.Type,
				Confidence:       row.Confidence,
				SourceSemanticID: row.SourceSemanticID,
				TargetSemanticID: row.TargetSemanticID,
			}
			if err := b.backend.UpsertRelationshipEdge(ctx, edge); err != nil {
				return count, err
			}
			count++
		}

		offset += len(rows)
		if len(rows) < b.pageSize {
			return count, nil
		}
	}
}
