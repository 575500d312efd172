// Package emails provides the PostgreSQL repository for archived emails.
package emails

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

const uniqueViolation = "23505"

// PostgresRepository implements email storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts email and fills in ArchivedAt. A second email with the same
// source and message id yields common.ErrAlreadyExists.
func (r *PostgresRepository) Create(ctx context.Context, email *models.ArchivedEmail) error {
	recipients, err := json.Marshal(email.Recipients)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	tags, err := encodeTags(email.Tags)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO archived_emails (id, ingestion_source_id, user_email, message_id_header, thread_id,
			sender_name, sender_email, recipients, subject, sent_at, storage_path, storage_hash_sha256,
			size_bytes, has_attachments, tags, path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15::jsonb, $16)
		RETURNING archived_at`

	err = r.db.QueryRowContext(ctx, query,
		email.ID, email.IngestionSourceID, email.UserEmail, email.MessageIDHeader, email.ThreadID,
		email.SenderName, email.SenderEmail, string(recipients), email.Subject, email.SentAt,
		email.StoragePath, email.StorageHashSha256, email.SizeBytes, email.HasAttachments, tags, email.Path,
	).Scan(&email.ArchivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("email %s in source %s: %w", email.MessageIDHeader, email.IngestionSourceID, common.ErrAlreadyExists)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetByID returns common.ErrorNotFound when no email has the given id.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.ArchivedEmail, error) {
	query := `
		SELECT id, ingestion_source_id, user_email, message_id_header, thread_id, sender_name,
			sender_email, recipients, subject, sent_at, storage_path, storage_hash_sha256,
			size_bytes, has_attachments, tags, path, archived_at
		FROM archived_emails WHERE id = $1`

	var (
		e                                   models.ArchivedEmail
		threadID, senderName, subject, path sql.NullString
		recipients, tags                    []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.IngestionSourceID, &e.UserEmail, &e.MessageIDHeader, &threadID, &senderName,
		&e.SenderEmail, &recipients, &subject, &e.SentAt, &e.StoragePath, &e.StorageHashSha256,
		&e.SizeBytes, &e.HasAttachments, &tags, &path, &e.ArchivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	e.ThreadID = threadID.String
	e.SenderName = senderName.String
	e.Subject = subject.String
	e.Path = path.String
	if err := json.Unmarshal(recipients, &e.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return &e, nil
}

func (r *PostgresRepository) ExistsByMessageID(ctx context.Context, sourceID, messageID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM archived_emails WHERE ingestion_source_id = $1 AND message_id_header = $2)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, sourceID, messageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

// ListThread returns the emails of one conversation, oldest first.
func (r *PostgresRepository) ListThread(ctx context.Context, sourceID, threadID string) ([]models.ThreadEmail, error) {
	query := `
		SELECT id, subject, sent_at, sender_email FROM archived_emails
		WHERE ingestion_source_id = $1 AND thread_id = $2
		ORDER BY sent_at ASC`
	rows, err := r.db.QueryContext(ctx, query, sourceID, threadID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.ThreadEmail
	for rows.Next() {
		var item models.ThreadEmail
		var subject sql.NullString
		if err := rows.Scan(&item.ID, &subject, &item.SentAt, &item.SenderEmail); err != nil {
			return nil, err
		}
		item.Subject = subject.String
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMetadata replaces tags and path. Returns common.ErrorNotFound when
// no row matches.
func (r *PostgresRepository) UpdateMetadata(ctx context.Context, id string, tags []string, path string) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE archived_emails SET tags = $2::jsonb, path = $3 WHERE id = $1`, id, encoded, path)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM archived_emails WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func encodeTags(tags []string) (any, error) {
	if tags == nil {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
