// Package attachments provides the PostgreSQL repository for deduplicated
// attachments and their links to emails.
package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

const columns = `id, filename, mime_type, size_bytes, content_hash_sha256, storage_path, ingestion_source_id`

// PostgresRepository implements attachment storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindBySourceAndHash(ctx context.Context, sourceID, hash string) (*models.Attachment, error) {
	query := `SELECT ` + columns + ` FROM attachments WHERE ingestion_source_id = $1 AND content_hash_sha256 = $2`
	return scanOne(r.db.QueryRowContext(ctx, query, sourceID, hash))
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	query := `SELECT ` + columns + ` FROM attachments WHERE id = $1`
	return scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.Attachment) (bool, error) {
	query := `
		INSERT INTO attachments (id, filename, mime_type, size_bytes, content_hash_sha256, storage_path, ingestion_source_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ingestion_source_id, content_hash_sha256) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		a.ID, a.Filename, a.MimeType, a.SizeBytes, a.ContentHashSha256, a.StoragePath, a.IngestionSourceID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Link(ctx context.Context, emailID, attachmentID string) error {
	query := `INSERT INTO email_attachments (email_id, attachment_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, emailID, attachmentID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Unlink(ctx context.Context, emailID, attachmentID string) error {
	query := `DELETE FROM email_attachments WHERE email_id = $1 AND attachment_id = $2`
	if _, err := r.db.ExecContext(ctx, query, emailID, attachmentID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountLinks(ctx context.Context, attachmentID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM email_attachments WHERE attachment_id = $1`, attachmentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) ListByEmail(ctx context.Context, emailID string) ([]models.Attachment, error) {
	query := `
		SELECT a.id, a.filename, a.mime_type, a.size_bytes, a.content_hash_sha256, a.storage_path, a.ingestion_source_id
		FROM email_attachments ea
		JOIN attachments a ON a.id = ea.attachment_id
		WHERE ea.email_id = $1
		ORDER BY a.filename, a.id`
	rows, err := r.db.QueryContext(ctx, query, emailID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.Attachment
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.Attachment, error) {
	var (
		a              models.Attachment
		mime, sourceID sql.NullString
	)
	if err := s.Scan(&a.ID, &a.Filename, &mime, &a.SizeBytes, &a.ContentHashSha256, &a.StoragePath, &sourceID); err != nil {
		return nil, err
	}
	a.MimeType = mime.String
	a.IngestionSourceID = sourceID.String
	return &a, nil
}

func scanOne(row *sql.Row) (*models.Attachment, error) {
	a, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}
