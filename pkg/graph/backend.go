// Package graph implements the GraphBuilder projection stage supplemented by
// SPEC_FULL.md §4.A: spec.md §2 lists it as a pipeline stage and §6 gives its
// projection contract, but §4 never names a component for it.
package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// POINode is the property-graph node for one POI: keyed on (run_id,
// semantic_id) per spec.md §6.
type POINode struct {
	RunID      string
	SemanticID string
	Name       string
	Type       string
	FilePath   string
	IsExported bool
}

// RelationshipEdge is the property-graph edge for one VALIDATED
// relationship, keyed by its source/target semantic IDs.
type RelationshipEdge struct {
	RunID            string
	Type             string
	Confidence       float64
	SourceSemanticID string
	TargetSemanticID string
}

// Backend is the graph-store surface GraphBuilder writes through. Only the
// projection operations spec.md §6 names are exposed; the shape of nodes
// beyond those keys/properties, and any query API over the resulting graph,
// are out of scope (Non-goal preserved, SPEC_FULL.md §4.A).
type Backend interface {
	EnsureConstraints(ctx context.Context) error
	UpsertPOINode(ctx context.Context, node POINode) error
	UpsertRelationshipEdge(ctx context.Context, edge RelationshipEdge) error
	Close(ctx context.Context) error
}

// Neo4jBackend implements Backend over a Neo4j driver, matching the
// MERGE-based upsert idiom used for action/dependency graphs elsewhere in
// the example pack.
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jBackend connects to uri and verifies connectivity before
// returning, so a misconfigured graph store fails fast at startup rather
// than on the first write.
func NewNeo4jBackend(ctx context.Context, uri, username, password, database string) (*Neo4jBackend, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, pipelineerrors.NetworkError("connect to graph store", uri, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, pipelineerrors.NetworkError("verify graph store connectivity", uri, err)
	}
	return &Neo4jBackend{driver: driver, database: database}, nil
}

func (b *Neo4jBackend) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: b.database})
}

// EnsureConstraints creates the uniqueness constraint on (run_id,
// semantic_id) spec.md §6 requires for the POI key, idempotently.
func (b *Neo4jBackend) EnsureConstraints(ctx context.Context) error {
	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx,
			`CREATE CONSTRAINT poi_run_semantic_id IF NOT EXISTS
			 FOR (p:POI) REQUIRE (p.run_id, p.semantic_id) IS UNIQUE`,
			nil)
		return nil, err
	})
	if err != nil {
		return pipelineerrors.DatabaseError("ensure graph constraints", err)
	}
	return nil
}

// UpsertPOINode merges one POI node keyed on (run_id, semantic_id).
func (b *Neo4jBackend) UpsertPOINode(ctx context.Context, node POINode) error {
	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx,
			`MERGE (p:POI {run_id: $runId, semantic_id: $semanticId})
			 SET p.name = $name, p.type = $type, p.file_path = $filePath, p.is_exported = $isExported`,
			map[string]interface{}{
				"runId":      node.RunID,
				"semanticId": node.SemanticID,
				"name":       node.Name,
				"type":       node.Type,
				"filePath":   node.FilePath,
				"isExported": node.IsExported,
			})
		return nil, err
	})
	if err != nil {
		return pipelineerrors.DatabaseError("upsert POI node", err)
	}
	return nil
}

// UpsertRelationshipEdge merges one VALIDATED relationship edge between two
// POI nodes already projected by UpsertPOINode.
func (b *Neo4jBackend) UpsertRelationshipEdge(ctx context.Context, edge RelationshipEdge) error {
	session := b.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx,
			`MATCH (source:POI {run_id: $runId, semantic_id: $sourceID})
			 MATCH (target:POI {run_id: $runId, semantic_id: $targetID})
			 MERGE (source)-[r:RELATES {type: $type}]->(target)
			 SET r.confidence = $confidence, r.run_id = $runId`,
			map[string]interface{}{
				"runId":      edge.RunID,
				"sourceID":   edge.SourceSemanticID,
				"targetID":   edge.TargetSemanticID,
				"type":       edge.Type,
				"confidence": edge.Confidence,
			})
		return nil, err
	})
	if err != nil {
		return pipelineerrors.DatabaseError("upsert relationship edge", err)
	}
	return nil
}

// Close releases the underlying driver.
func (b *Neo4jBackend) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}
