package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates the tuple and changelog tables. Statements are
// idempotent so startup can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tuples (
		tenant_id            TEXT NOT NULL,
		subject_key          TEXT NOT NULL,
		relation             TEXT NOT NULL,
		object_type          TEXT NOT NULL,
		object_id            TEXT NOT NULL,
		source               TEXT NOT NULL,
		metadata             JSONB,
		condition_expression TEXT,
		condition_context    JSONB,
		created_at           TIMESTAMPTZ NOT NULL,
		created_by           TEXT,
		expires_at           TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, object_type, object_id, relation, subject_key)
	)`,
	// Subject-side index for expand's reverse reads.
	`CREATE INDEX IF NOT EXISTS idx_tuples_subject
		ON tuples (tenant_id, subject_key, object_type)`,
	`CREATE INDEX IF NOT EXISTS idx_tuples_expires
		ON tuples (expires_at) WHERE expires_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS changes (
		ulid        TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		op          TEXT NOT NULL,
		object_type TEXT NOT NULL,
		tuple       JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_changes_tenant
		ON changes (tenant_id, ulid)`,
}

// RunMigrations applies the schema to the given database.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
