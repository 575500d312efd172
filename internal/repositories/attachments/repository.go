package attachments

import (
	"context"

	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

type Repository interface {
	// FindBySourceAndHash returns common.ErrorNotFound when the source has no
	// attachment with that content hash.
	FindBySourceAndHash(ctx context.Context, sourceID, hash string) (*models.Attachment, error)
	// Create inserts a. It reports false, leaving a untouched, when an
	// attachment with the same source and hash already exists.
	Create(ctx context.Context, a *models.Attachment) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Attachment, error)
	Link(ctx context.Context, emailID, attachmentID string) error
	Unlink(ctx context.Context, emailID, attachmentID string) error
	CountLinks(ctx context.Context, attachmentID string) (int64, error)
	ListByEmail(ctx context.Context, emailID string) ([]models.Attachment, error)
	Delete(ctx context.Context, id string) error
}
