package emails

import (
	"context"

	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

type Repository interface {
	Create(ctx context.Context, email *models.ArchivedEmail) error
	GetByID(ctx context.Context, id string) (*models.ArchivedEmail, error)
	ExistsByMessageID(ctx context.Context, sourceID, messageID string) (bool, error)
	ListThread(ctx context.Context, sourceID, threadID string) ([]models.ThreadEmail, error)
	UpdateMetadata(ctx context.Context, id string, tags []string, path string) error
	Delete(ctx context.Context, id string) error
}
