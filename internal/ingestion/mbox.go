package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

const mboxReadChunk = 64 * 1024

// ObjectStore is the part of the storage service the connectors read from.
type ObjectStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	GetStream(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

type MboxCredentials struct {
	UploadedFileName string `json:"uploadedFileName"`
	UploadedFilePath string `json:"uploadedFilePath"`
}

// MboxConnector imports a single uploaded mbox file. The import is one-shot:
// the file is deleted after a fetch pass has drained it.
type MboxConnector struct {
	creds  MboxCredentials
	store  ObjectStore
	logger logging.Logger
}

func NewMboxConnector(creds MboxCredentials, store ObjectStore, logger logging.Logger) *MboxConnector {
	return &MboxConnector{
		creds:  creds,
		store:  store,
		logger: logger.With("connector", ProviderMbox),
	}
}

func (c *MboxConnector) TestConnection(ctx context.Context) error {
	err := c.testConnection(ctx)
	if err != nil {
		c.logger.Error(ctx, "mbox file validation failed", "path", c.creds.UploadedFilePath, "error", err)
	}
	return err
}

func (c *MboxConnector) testConnection(ctx context.Context) error {
	path := c.creds.UploadedFilePath
	if path == "" {
		return fmt.Errorf("%w: mbox file path not provided", common.ErrConnection)
	}
	if !strings.Contains(path, ".mbox") {
		return fmt.Errorf("%w: provided file is not in the MBOX format", common.ErrConnection)
	}
	ok, err := c.store.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConnection, err)
	}
	if !ok {
		return fmt.Errorf("%w: mbox file upload not finished yet, please wait", common.ErrConnection)
	}
	return nil
}

// ListUsers yields one synthetic mailbox named after the uploaded file.
func (c *MboxConnector) ListUsers(ctx context.Context) (UserIterator, error) {
	displayName := c.creds.UploadedFileName
	if displayName == "" {
		displayName = fmt.Sprintf("mbox-import-%d", nowFunc().UnixMilli())
	}
	email := strings.ToLower(strings.ReplaceAll(displayName, " ", ".")) + "@mbox.local"

	c.logger.Info(ctx, "found mailbox", "displayName", displayName)
	return NewUserIterator(MailboxUser{
		ID:           email,
		PrimaryEmail: email,
		DisplayName:  displayName,
	}), nil
}

// FetchEmails streams the uploaded file. The sync state is ignored: an mbox
// import always reads the whole file.
func (c *MboxConnector) FetchEmails(ctx context.Context, _ MailboxUser, _ SyncState) (EmailIterator, error) {
	rc, err := c.store.GetStream(ctx, c.creds.UploadedFilePath)
	if err != nil {
		return nil, fmt.Errorf("open mbox %s: %w", c.creds.UploadedFilePath, err)
	}
	return &mboxIterator{conn: c, src: rc, chunk: make([]byte, mboxReadChunk)}, nil
}

func (c *MboxConnector) UpdatedSyncState() SyncState {
	return SyncState{}
}

type mboxIterator struct {
	conn     *MboxConnector
	src      io.ReadCloser
	splitter Splitter
	chunk    []byte
	pending  [][]byte
	eof      bool
	done     bool
}

func (it *mboxIterator) Next(ctx context.Context) (FetchItem, error) {
	if it.done {
		return FetchItem{}, ErrEndOfSequence
	}
	for len(it.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return FetchItem{}, err
		}
		if it.eof {
			it.finish(ctx)
			return FetchItem{}, ErrEndOfSequence
		}
		if err := it.fill(); err != nil {
			return FetchItem{}, err
		}
	}

	raw := it.pending[0]
	it.pending[0] = nil
	it.pending = it.pending[1:]

	email, err := ParseMessage(raw)
	if err != nil {
		it.conn.logger.Error(ctx, "failed to process a message from mbox file, skipping",
			"path", it.conn.creds.UploadedFilePath, "error", err)
		return FetchItem{Skip: &SkipMarker{Reason: err.Error(), Err: err}}, nil
	}
	return FetchItem{Email: email}, nil
}

func (it *mboxIterator) fill() error {
	n, err := it.src.Read(it.chunk)
	if n > 0 {
		it.pending = append(it.pending, it.splitter.Feed(it.chunk[:n])...)
	}
	switch {
	case errors.Is(err, io.EOF):
		it.eof = true
		if last := it.splitter.Flush(); last != nil {
			it.pending = append(it.pending, last)
		}
	case err != nil:
		return fmt.Errorf("read mbox %s: %w", it.conn.creds.UploadedFilePath, err)
	}
	return nil
}

// finish closes the source and removes the uploaded file. Cleanup failures
// are logged only.
func (it *mboxIterator) finish(ctx context.Context) {
	it.done = true
	path := it.conn.creds.UploadedFilePath
	if err := it.src.Close(); err != nil {
		it.conn.logger.Warn(ctx, "failed to close mbox file", "path", path, "error", err)
	}
	if err := it.conn.store.Delete(ctx, path); err != nil {
		it.conn.logger.Error(ctx, "failed to delete mbox file after processing", "path", path, "error", err)
	}
}

// Close releases the source without deleting it. Safe after the sequence has ended.
func (it *mboxIterator) Close() error {
	if it.done {
		return nil
	}
	it.done = true
	return it.src.Close()
}
