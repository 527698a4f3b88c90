package outbox

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Resolver maps a POI's human-readable name, scoped to one run and file, to
// its database ID. RelationshipAnalysisFindingPayload entries reference POIs
// by name rather than ID, since the finding and the POI it names can arrive
// in the same outbox poll batch.
type Resolver struct {
	db *sqlx.DB
}

// NewResolver builds a Resolver over db.
func NewResolver(db *sqlx.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve looks up the POI named name within filePath for runID. The second
// return value is false, with a nil error, when no such POI exists yet —
// the caller's job is to turn that into an UNRESOLVED_REFERENCE warning, not
// a hard failure (spec.md §7, §8 scenario 3).
func (r *Resolver) Resolve(ctx context.Context, runID, filePath, name string) (string, bool, error) {
	var id string
	err := r.db.GetContext(ctx, &id,
		`SELECT id FROM pois WHERE run_id = $1 AND file_path = $2 AND name = $3 LIMIT 1`,
		runID, filePath, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, pipelineerrors.DatabaseError("resolve poi "+name, err)
	}
	return id, true, nil
}
