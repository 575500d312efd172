package queue

import (
	"errors"
	"time"
)

// ErrInvalidMessage marks a job whose payload can never be processed.
// Such jobs are dead-lettered without retry.
var ErrInvalidMessage = errors.New("invalid job message")

// IndexBatchMessage asks the indexer to index a set of archived emails.
type IndexBatchMessage struct {
	BatchID    string    `json:"batchId" validate:"required,uuid"`
	EmailIDs   []string  `json:"emailIds" validate:"required,min=1,dive,required"`
	EnqueuedAt time.Time `json:"enqueuedAt" validate:"required"`
}
