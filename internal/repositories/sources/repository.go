package sources

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

type Repository interface {
	GetByID(ctx context.Context, id string) (*models.IngestionSource, error)
	UpdateStatus(ctx context.Context, id string, status models.SourceStatus, message string) error
	UpdateSyncState(ctx context.Context, id string, state json.RawMessage) error
}
