package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

func init() {
	goose.AddNamedMigrationContext("00002_backfill_poi_semantic_id.go", upBackfillSemanticID, downBackfillSemanticID)
}

// upBackfillSemanticID demonstrates the isNeeded()/validate() hook pair
// spec.md §4.7 describes: a migration that may be a no-op depending on
// existing data, and that checks its own result before the version is
// recorded.
func upBackfillSemanticID(ctx context.Context, tx *sql.Tx) error {
	needed, err := backfillSemanticIDNeeded(ctx, tx)
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pois SET semantic_id = hash
		WHERE semantic_id = ''
	`); err != nil {
		return err
	}
	return validateBackfillSemanticID(ctx, tx)
}

func downBackfillSemanticID(ctx context.Context, tx *sql.Tx) error {
	return nil
}

// backfillSemanticIDNeeded is the isNeeded() hook: skip the backfill
// entirely when every row already carries a non-empty semantic_id.
func backfillSemanticIDNeeded(ctx context.Context, tx *sql.Tx) (bool, error) {
	var count int
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM pois WHERE semantic_id = ''`)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateBackfillSemanticID is the validate() hook: confirm the migration
// actually left no empty semantic_id behind before it is recorded as
// applied.
func validateBackfillSemanticID(ctx context.Context, tx *sql.Tx) error {
	var remaining int
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM pois WHERE semantic_id = ''`)
	if err := row.Scan(&remaining); err != nil {
		return err
	}
	if remaining > 0 {
		return pipelineerrors.SchemaInvariantError("backfill_poi_semantic_id left empty semantic_id rows")
	}
	return nil
}
