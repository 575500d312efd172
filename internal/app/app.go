// Package app wires the archiver together and runs one command: the index
// worker, an import of one ingestion source, an integrity check or deletion
// of one email, or an audit chain verification.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/mailarchiver/internal/archive"
	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/config"
	"github.com/dmitrijs2005/mailarchiver/internal/ingestion"
	"github.com/dmitrijs2005/mailarchiver/internal/integrity"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/queue"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/repomanager"
	"github.com/dmitrijs2005/mailarchiver/internal/search"
	"github.com/dmitrijs2005/mailarchiver/internal/storage"
)

const (
	CmdServe       = "serve"
	CmdImport      = "import"
	CmdCheck       = "check"
	CmdDelete      = "delete"
	CmdVerifyAudit = "verify-audit"
	CmdAuditLog    = "audit-log"
)

// ErrUnknownCommand is returned by Run for commands it does not know.
var ErrUnknownCommand = errors.New("unknown command")

type App struct {
	config   *config.Config
	logger   logging.Logger
	out      io.Writer
	db       *sql.DB
	ledger   *audit.Ledger
	archive  *archive.Service
	importer *archive.Importer
	verifier *integrity.Verifier
	indexer  search.Indexer
	client   *queue.Client
	consumer *queue.Consumer
}

var openDB = repomanager.OpenDB

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	db, err := openDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	store, err := storage.New(ctx, cfg.Storage())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}
	if !store.EncryptionEnabled() {
		logger.Warn(ctx, "storage encryption is disabled, archived objects are stored in plaintext")
	}

	app := &App{
		config:  cfg,
		logger:  logger,
		out:     os.Stdout,
		db:      db,
		ledger:  audit.NewLedger(audit.NewPostgresStore(db), logger),
		indexer: search.NewLogIndexer(logger),
	}

	var publisher archive.BatchPublisher = &directPublisher{indexer: app.indexer}
	if cfg.AMQPURL != "" {
		client, err := queue.NewClient(cfg.AMQPURL, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := client.DeclareTopology(); err != nil {
			client.Close()
			db.Close()
			return nil, err
		}
		app.client = client
		p := queue.NewPublisher(client.Channel(), logger)
		app.consumer = queue.NewConsumer(client.Channel(), p, logger,
			queue.WithWorkers(cfg.QueueWorkers), queue.WithMaxAttempts(cfg.QueueMaxAttempts))
		app.consumer.Register(queue.JobIndexEmailBatch, queue.NewIndexHandler(app.indexer, logger))
		publisher = p
	}

	app.archive = archive.NewService(db, repos, store, app.ledger, app.indexer, logger, cfg.EnableDeletion)
	app.importer = archive.NewImporter(db, repos, ingestion.NewFactory(store, logger), app.archive, publisher, app.ledger, logger)
	app.verifier = integrity.NewVerifier(db, repos, store, app.ledger, logger)
	return app, nil
}

// directPublisher indexes batches in-process when no queue is configured.
type directPublisher struct {
	indexer search.Indexer
}

func (p *directPublisher) PublishIndexBatch(ctx context.Context, ids []string) error {
	return p.indexer.IndexEmails(ctx, ids)
}

// initSignalHandler cancels on SIGINT, SIGTERM or SIGQUIT until the returned
// stop function is called.
func (app *App) initSignalHandler(cancelFunc context.CancelFunc) (stop func()) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case <-sigs:
			cancelFunc()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// Run executes cmd with its arguments and returns when it completes or a
// termination signal arrives.
func (app *App) Run(ctx context.Context, cmd string, args []string) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	defer app.initSignalHandler(cancelFunc)()

	opts, err := parseCommandArgs(args)
	if err != nil {
		return err
	}
	actor := archive.Actor{ID: opts.actor}

	switch cmd {
	case CmdServe:
		if app.consumer == nil {
			return fmt.Errorf("%s requires an AMQP URL", CmdServe)
		}
		app.logger.Info(ctx, "starting index worker")
		return app.consumer.Run(ctx)

	case CmdImport:
		if opts.sourceID == "" {
			return fmt.Errorf("%s requires -source", CmdImport)
		}
		res, err := app.importer.Run(ctx, actor, opts.sourceID)
		if err != nil {
			return err
		}
		return app.print(res)

	case CmdCheck:
		if opts.emailID == "" {
			return fmt.Errorf("%s requires -email", CmdCheck)
		}
		res, err := app.verifier.CheckEmail(ctx, opts.emailID)
		if err != nil {
			return err
		}
		return app.print(res)

	case CmdDelete:
		if opts.emailID == "" {
			return fmt.Errorf("%s requires -email", CmdDelete)
		}
		if err := app.archive.DeleteEmail(ctx, actor, opts.emailID); err != nil {
			return err
		}
		return app.print(map[string]string{"deleted": opts.emailID})

	case CmdVerifyAudit:
		res, err := app.verifier.VerifyLedger(ctx)
		if err != nil {
			return err
		}
		return app.print(res)

	case CmdAuditLog:
		res, err := app.ledger.Query(ctx, opts.auditQuery())
		if err != nil {
			return err
		}
		return app.print(res)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func (app *App) print(v any) error {
	enc := json.NewEncoder(app.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Close releases the queue connection and the database pool.
func (app *App) Close() error {
	var errs []error
	if app.client != nil {
		errs = append(errs, app.client.Close())
	}
	errs = append(errs, app.db.Close())
	return errors.Join(errs...)
}
