// Package search defines the indexing collaborator the archive feeds. The
// search engine itself lives outside this module.
package search

import (
	"context"

	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

// Indexer accepts batches of archived email ids.
type Indexer interface {
	IndexEmails(ctx context.Context, ids []string) error
	DeleteEmails(ctx context.Context, ids []string) error
}

// LogIndexer records index requests without forwarding them anywhere. It is
// the default when no search backend is configured.
type LogIndexer struct {
	logger logging.Logger
}

func NewLogIndexer(logger logging.Logger) *LogIndexer {
	return &LogIndexer{logger: logger.With("module", "search")}
}

func (i *LogIndexer) IndexEmails(ctx context.Context, ids []string) error {
	i.logger.Info(ctx, "index batch received", "count", len(ids))
	return nil
}

func (i *LogIndexer) DeleteEmails(ctx context.Context, ids []string) error {
	i.logger.Info(ctx, "index delete received", "count", len(ids))
	return nil
}
