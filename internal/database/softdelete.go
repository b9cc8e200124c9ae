package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// Postgres error codes raised when another instance wins the race to apply
// the same additive change.
const (
	codeDuplicateColumn = "42701"
	codeDuplicateTable  = "42P07"
	codeUniqueViolation = "23505"
)

const columnExistsQuery = `
	SELECT EXISTS (
		SELECT 1 FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
	)`

type columnChange struct {
	name string
	ddl  string
}

var softDeleteColumns = []columnChange{
	{name: "is_active", ddl: `ALTER TABLE ingestion_records ADD COLUMN IF NOT EXISTS is_active BOOLEAN DEFAULT TRUE`},
	{name: "deleted_at", ddl: `ALTER TABLE ingestion_records ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ`},
}

var softDeleteFinalize = []string{
	`UPDATE ingestion_records SET is_active = TRUE WHERE is_active IS NULL`,
	`ALTER TABLE ingestion_records ALTER COLUMN is_active SET NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ingestion_records_active_file
		ON ingestion_records (owner_principal_id, file_id) WHERE is_active`,
}

// EnsureSoftDeleteColumns adds is_active and deleted_at to ingestion_records
// when missing. It is additive and safe to run from several instances at
// once: losing the race to create a column or index counts as success.
func EnsureSoftDeleteColumns(ctx context.Context, db *sql.DB) error {
	for _, col := range softDeleteColumns {
		exists, err := ColumnExists(ctx, db, "ingestion_records", col.name)
		if err != nil {
			return fmt.Errorf("failed to inspect column %s: %w", col.name, err)
		}
		if exists {
			continue
		}
		slog.InfoContext(ctx, "adding column", "table", "ingestion_records", "column", col.name)
		if _, err := db.ExecContext(ctx, col.ddl); err != nil && !alreadyExists(err) {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}

	for _, stmt := range softDeleteFinalize {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !alreadyExists(err) {
			return fmt.Errorf("failed to finalize soft-delete schema: %w", err)
		}
	}
	return nil
}

func ColumnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, columnExistsQuery, table, column).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func alreadyExists(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case codeDuplicateColumn, codeDuplicateTable, codeUniqueViolation:
		return true
	}
	return false
}
