// Package sources provides the PostgreSQL repository for ingestion sources.
package sources

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

// PostgresRepository implements ingestion source storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.IngestionSource, error) {
	query := `
		SELECT id, name, provider, credentials, status, last_sync_status_message, sync_state, created_at, updated_at
		FROM ingestion_sources WHERE id = $1`

	var (
		s                  models.IngestionSource
		status             string
		message            sql.NullString
		credentials, state []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.Provider, &credentials, &status, &message, &state, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	s.Status = models.SourceStatus(status)
	s.StatusMessage = message.String
	if len(credentials) > 0 {
		s.Credentials = append(json.RawMessage(nil), credentials...)
	}
	if len(state) > 0 {
		s.SyncState = append(json.RawMessage(nil), state...)
	}
	return &s, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status models.SourceStatus, message string) error {
	query := `UPDATE ingestion_sources SET status = $2, last_sync_status_message = $3, updated_at = now() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, string(status), message)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func (r *PostgresRepository) UpdateSyncState(ctx context.Context, id string, state json.RawMessage) error {
	var v any
	if len(state) > 0 {
		v = string(state)
	}
	query := `UPDATE ingestion_sources SET sync_state = $2::jsonb, updated_at = now() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, v)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
