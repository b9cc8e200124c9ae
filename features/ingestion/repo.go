package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"docpipe/internal/apperr"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const recordColumns = `id, owner_principal_id, owner_email, file_id, file_name, file_type, file_size_bytes, status, vector_count, chunk_count, ingestion_timestamp, COALESCE(error_message, ''), metadata, is_active, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		ingested  sql.NullTime
		deletedAt sql.NullTime
		metadata  []byte
	)
	err := row.Scan(&rec.ID, &rec.OwnerPrincipalID, &rec.OwnerEmail, &rec.FileID, &rec.FileName, &rec.FileType,
		&rec.FileSizeBytes, &rec.Status, &rec.VectorCount, &rec.ChunkCount, &ingested, &rec.ErrorMessage,
		&metadata, &rec.IsActive, &deletedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ingested.Valid {
		rec.IngestionTimestamp = &ingested.Time
	}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of record %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (r *PostgresRepo) findOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ingestion record")
	}
	return rec, err
}

func (r *PostgresRepo) FindActive(ctx context.Context, principalID, fileID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingestion_records WHERE owner_principal_id = $1 AND file_id = $2 AND is_active ORDER BY created_at DESC LIMIT 1`
	return r.findOne(ctx, query, principalID, fileID)
}

// FindLatest prefers the active record and falls back to the newest inactive one.
func (r *PostgresRepo) FindLatest(ctx context.Context, principalID, fileID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingestion_records WHERE owner_principal_id = $1 AND file_id = $2 ORDER BY is_active DESC, created_at DESC LIMIT 1`
	return r.findOne(ctx, query, principalID, fileID)
}

func (r *PostgresRepo) Get(ctx context.Context, principalID, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingestion_records WHERE id = $1 AND owner_principal_id = $2`
	return r.findOne(ctx, query, id, principalID)
}

func (r *PostgresRepo) List(ctx context.Context, principalID, status string, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingestion_records WHERE owner_principal_id = $1 AND is_active AND ($2 = '' OR status = $2) ORDER BY created_at DESC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, principalID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// InactiveFileIDs returns the files the principal deleted and has not
// ingested again since.
func (r *PostgresRepo) InactiveFileIDs(ctx context.Context, principalID string) ([]string, error) {
	query := `SELECT DISTINCT r.file_id FROM ingestion_records r WHERE r.owner_principal_id = $1 AND NOT r.is_active AND NOT EXISTS (SELECT 1 FROM ingestion_records a WHERE a.owner_principal_id = r.owner_principal_id AND a.file_id = r.file_id AND a.is_active)`
	return r.fileIDs(ctx, query, principalID)
}

// ActiveFileIDs lists the principal's files whose vectors are live.
func (r *PostgresRepo) ActiveFileIDs(ctx context.Context, principalID string) ([]string, error) {
	query := `SELECT DISTINCT file_id FROM ingestion_records WHERE owner_principal_id = $1 AND is_active AND status = 'ingested'`
	return r.fileIDs(ctx, query, principalID)
}

func (r *PostgresRepo) fileIDs(ctx context.Context, query, principalID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepo) Summarize(ctx context.Context, principalID string) (*Summary, error) {
	query := `SELECT status, COUNT(*), COALESCE(SUM(vector_count), 0), COALESCE(SUM(chunk_count), 0) FROM ingestion_records WHERE owner_principal_id = $1 AND is_active GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := &Summary{ByStatus: map[string]int{}}
	for rows.Next() {
		var (
			status          string
			count           int
			vectors, chunks int64
		)
		if err := rows.Scan(&status, &count, &vectors, &chunks); err != nil {
			return nil, err
		}
		sum.ByStatus[status] = count
		sum.Total += count
		sum.Vectors += vectors
		sum.Chunks += chunks
	}
	return sum, rows.Err()
}

func (r *PostgresRepo) Create(ctx context.Context, rec *Record) error {
	query := `INSERT INTO ingestion_records (owner_principal_id, owner_email, file_id, file_name, file_type, file_size_bytes, status, is_active) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE) RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, rec.OwnerPrincipalID, rec.OwnerEmail, rec.FileID, rec.FileName, rec.FileType, rec.FileSizeBytes, rec.Status).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: an active ingestion already exists for file %s", apperr.ErrConflict, rec.FileID)
	}
	if err != nil {
		return err
	}
	rec.IsActive = true
	return nil
}

func (r *PostgresRepo) MarkPending(ctx context.Context, id string) error {
	query := `UPDATE ingestion_records SET status = 'pending', error_message = NULL, updated_at = NOW() WHERE id = $1 AND is_active`
	return r.execOne(ctx, query, id)
}

func (r *PostgresRepo) MarkProcessing(ctx context.Context, id, fileName, fileType string, size int64) error {
	query := `UPDATE ingestion_records SET status = 'processing', file_name = $2, file_type = $3, file_size_bytes = $4, error_message = NULL, updated_at = NOW() WHERE id = $1 AND is_active`
	return r.execOne(ctx, query, id, fileName, fileType, size)
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id, message string) error {
	query := `UPDATE ingestion_records SET status = 'failed', error_message = $2, updated_at = NOW() WHERE id = $1 AND is_active`
	return r.execOne(ctx, query, id, message)
}

// execOne runs an update that must hit exactly the one active record.
func (r *PostgresRepo) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: record is no longer active", apperr.ErrConflict)
	}
	return nil
}

// MarkIngested finalizes the record and upserts the file's metadata row in
// one transaction.
func (r *PostgresRepo) MarkIngested(ctx context.Context, rec *Record) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ingestion_records SET status = 'ingested', vector_count = $2, chunk_count = $3, ingestion_timestamp = $4, metadata = $5, error_message = NULL, updated_at = NOW() WHERE id = $1 AND is_active`,
			rec.ID, rec.VectorCount, rec.ChunkCount, rec.IngestionTimestamp, metadata)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO file_metadata (owner_principal_id, file_id, file_name, mime_type, size_bytes, status, updated_at) VALUES ($1, $2, $3, $4, $5, 'ingested', NOW()) ON CONFLICT (owner_principal_id, file_id) DO UPDATE SET file_name = EXCLUDED.file_name, mime_type = EXCLUDED.mime_type, size_bytes = EXCLUDED.size_bytes, status = 'ingested', updated_at = NOW()`,
			rec.OwnerPrincipalID, rec.FileID, rec.FileName, rec.FileType, rec.FileSizeBytes)
		return err
	})
}

// SoftDelete deactivates the record and marks the file's metadata row
// deleted. Either both change or neither does.
func (r *PostgresRepo) SoftDelete(ctx context.Context, rec *Record) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ingestion_records SET is_active = FALSE, deleted_at = NOW(), status = 'deleted', updated_at = NOW() WHERE id = $1 AND is_active`,
			rec.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: file %s", apperr.ErrAlreadyDeleted, rec.FileID)
		}
		return markMetadataDeleted(ctx, tx, rec)
	})
}

// InsertDeleted writes an already inactive record for a file that was never
// ingested.
func (r *PostgresRepo) InsertDeleted(ctx context.Context, rec *Record) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var deletedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`INSERT INTO ingestion_records (owner_principal_id, owner_email, file_id, file_name, file_type, file_size_bytes, status, is_active, deleted_at) VALUES ($1, $2, $3, $4, $5, $6, 'deleted', FALSE, NOW()) RETURNING id, created_at, updated_at, deleted_at`,
			rec.OwnerPrincipalID, rec.OwnerEmail, rec.FileID, rec.FileName, rec.FileType, rec.FileSizeBytes).
			Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &deletedAt)
		if err != nil {
			return err
		}
		if deletedAt.Valid {
			rec.DeletedAt = &deletedAt.Time
		}
		return markMetadataDeleted(ctx, tx, rec)
	})
}

func markMetadataDeleted(ctx context.Context, tx *sql.Tx, rec *Record) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE file_metadata SET status = 'deleted', updated_at = NOW() WHERE owner_principal_id = $1 AND file_id = $2`,
		rec.OwnerPrincipalID, rec.FileID)
	return err
}

func (r *PostgresRepo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
