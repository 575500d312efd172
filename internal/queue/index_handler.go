package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/search"
)

// IndexHandler hands index batches to the search indexer.
type IndexHandler struct {
	indexer  search.Indexer
	validate *validator.Validate
	logger   logging.Logger
}

func NewIndexHandler(indexer search.Indexer, logger logging.Logger) *IndexHandler {
	return &IndexHandler{
		indexer:  indexer,
		validate: validator.New(),
		logger:   logger.With("module", "index-worker"),
	}
}

func (h *IndexHandler) Handle(ctx context.Context, body []byte) error {
	var msg IndexBatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := h.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := h.indexer.IndexEmails(ctx, msg.EmailIDs); err != nil {
		return fmt.Errorf("index batch %s: %w", msg.BatchID, err)
	}
	h.logger.Info(ctx, "index batch processed", "batchId", msg.BatchID, "count", len(msg.EmailIDs))
	return nil
}
