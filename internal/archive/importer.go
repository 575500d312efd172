package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/ingestion"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/repomanager"
)

// DefaultIndexBatchSize caps how many email ids go into one index job.
const DefaultIndexBatchSize = 100

// ConnectorFactory builds the connector for an ingestion source.
type ConnectorFactory interface {
	New(src ingestion.Source) (ingestion.Connector, error)
}

// BatchPublisher enqueues ids of newly archived emails for indexing.
type BatchPublisher interface {
	PublishIndexBatch(ctx context.Context, ids []string) error
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Users      int `json:"users"`
	Archived   int `json:"archived"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Importer runs a full fetch pass over one ingestion source.
type Importer struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	factory   ConnectorFactory
	archive   *Service
	publisher BatchPublisher
	ledger    *audit.Ledger
	logger    logging.Logger
	batchSize int
}

func NewImporter(db *sql.DB, repos repomanager.RepositoryManager, factory ConnectorFactory, archive *Service,
	publisher BatchPublisher, ledger *audit.Ledger, logger logging.Logger) *Importer {
	return &Importer{
		db:        db,
		repos:     repos,
		factory:   factory,
		archive:   archive,
		publisher: publisher,
		ledger:    ledger,
		logger:    logger.With("module", "importer"),
		batchSize: DefaultIndexBatchSize,
	}
}

// Run imports every mailbox of the source. A connector failure marks the
// source as errored and fails only this run; messages that cannot be parsed
// or stored are counted and skipped.
func (i *Importer) Run(ctx context.Context, actor Actor, sourceID string) (*ImportResult, error) {
	srcRepo := i.repos.Sources(i.db)
	src, err := srcRepo.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var state ingestion.SyncState
	if len(src.SyncState) > 0 {
		if err := json.Unmarshal(src.SyncState, &state); err != nil {
			return nil, i.fail(ctx, src, fmt.Errorf("decode sync state: %w", err))
		}
	}

	conn, err := i.factory.New(ingestion.Source{ID: src.ID, Provider: src.Provider, Credentials: src.Credentials})
	if err != nil {
		return nil, i.fail(ctx, src, err)
	}
	if err := conn.TestConnection(ctx); err != nil {
		return nil, i.fail(ctx, src, err)
	}
	if err := srcRepo.UpdateStatus(ctx, src.ID, models.SourceStatusImporting, ""); err != nil {
		return nil, err
	}

	i.logger.Info(ctx, "import started", "sourceId", src.ID, "provider", src.Provider)

	res := &ImportResult{}
	batch := make([]string, 0, i.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := i.publisher.PublishIndexBatch(ctx, batch); err != nil {
			i.logger.Error(ctx, "failed to enqueue index batch", "sourceId", src.ID, "count", len(batch), "error", err)
		}
		batch = make([]string, 0, i.batchSize)
	}

	users, err := conn.ListUsers(ctx)
	if err != nil {
		return nil, i.fail(ctx, src, err)
	}
	for {
		user, err := users.Next(ctx)
		if errors.Is(err, ingestion.ErrEndOfSequence) {
			break
		}
		if err != nil {
			flush()
			return nil, i.fail(ctx, src, err)
		}
		res.Users++

		if err := i.importMailbox(ctx, src.ID, conn, user, state, res, func(id string) {
			batch = append(batch, id)
			if len(batch) >= i.batchSize {
				flush()
			}
		}); err != nil {
			flush()
			return nil, i.fail(ctx, src, err)
		}
	}
	flush()

	if err := i.saveSyncState(ctx, src.ID, conn.UpdatedSyncState()); err != nil {
		return nil, err
	}
	message := fmt.Sprintf("imported %d emails, %d duplicates, %d skipped, %d failed",
		res.Archived, res.Duplicates, res.Skipped, res.Failed)
	if err := srcRepo.UpdateStatus(ctx, src.ID, models.SourceStatusImported, message); err != nil {
		return nil, err
	}

	_, err = i.ledger.Append(ctx, audit.NewEntry{
		ActorIdentifier: actor.ID,
		ActorIP:         actor.IP,
		ActionType:      audit.ActionImport,
		TargetType:      audit.TargetIngestionSource,
		TargetID:        src.ID,
		Details:         res,
	})
	if err != nil {
		return nil, fmt.Errorf("audit import: %w", err)
	}

	i.logger.Info(ctx, "import finished", "sourceId", src.ID,
		"archived", res.Archived, "duplicates", res.Duplicates, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

func (i *Importer) importMailbox(ctx context.Context, sourceID string, conn ingestion.Connector, user ingestion.MailboxUser,
	state ingestion.SyncState, res *ImportResult, archived func(id string)) error {
	it, err := conn.FetchEmails(ctx, user, state)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		item, err := it.Next(ctx)
		if errors.Is(err, ingestion.ErrEndOfSequence) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.Skip != nil {
			res.Skipped++
			continue
		}

		email, err := i.archive.ArchiveEmail(ctx, sourceID, user.PrimaryEmail, item.Email)
		switch {
		case errors.Is(err, ErrDuplicate):
			res.Duplicates++
		case err != nil:
			res.Failed++
			i.logger.Error(ctx, "failed to archive email", "sourceId", sourceID, "messageId", item.Email.ID, "error", err)
		default:
			res.Archived++
			archived(email.ID)
		}
	}
}

func (i *Importer) saveSyncState(ctx context.Context, sourceID string, state ingestion.SyncState) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode sync state: %w", err)
		}
		raw = b
	}
	return i.repos.Sources(i.db).UpdateSyncState(ctx, sourceID, raw)
}

func (i *Importer) fail(ctx context.Context, src *models.IngestionSource, cause error) error {
	i.logger.Error(ctx, "import failed", "sourceId", src.ID, "error", cause)
	if err := i.repos.Sources(i.db).UpdateStatus(ctx, src.ID, models.SourceStatusError, cause.Error()); err != nil {
		i.logger.Error(ctx, "failed to record import failure", "sourceId", src.ID, "error", err)
	}
	return fmt.Errorf("import source %s: %w", src.ID, cause)
}
