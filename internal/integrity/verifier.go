// Package integrity re-reads archived content and compares it with the
// hashes recorded at archive time. It also exposes the audit chain check.
package integrity

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/repomanager"
)

const (
	TypeEmail      = "email"
	TypeAttachment = "attachment"

	ReasonHashMismatch = "hash mismatch"
	ReasonUnreadable   = "unreadable"
)

// DefaultConcurrency bounds parallel attachment checks for one email.
const DefaultConcurrency = 4

// Result is the verdict for one stored object.
type Result struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	IsValid  bool   `json:"isValid"`
	Reason   string `json:"reason,omitempty"`
}

// ObjectReader streams decrypted objects.
type ObjectReader interface {
	GetStream(ctx context.Context, path string) (io.ReadCloser, error)
}

type Verifier struct {
	db          *sql.DB
	repos       repomanager.RepositoryManager
	storage     ObjectReader
	ledger      *audit.Ledger
	logger      logging.Logger
	concurrency int
}

func NewVerifier(db *sql.DB, repos repomanager.RepositoryManager, store ObjectReader, ledger *audit.Ledger, logger logging.Logger) *Verifier {
	return &Verifier{
		db:          db,
		repos:       repos,
		storage:     store,
		ledger:      ledger,
		logger:      logger.With("module", "integrity"),
		concurrency: DefaultConcurrency,
	}
}

// CheckEmail returns one result per stored object of the email, the email
// itself first. A failing object never stops the others from being checked;
// the error is reserved for lookups that prevent any check at all.
func (v *Verifier) CheckEmail(ctx context.Context, emailID string) ([]Result, error) {
	email, err := v.repos.Emails(v.db).GetByID(ctx, emailID)
	if err != nil {
		return nil, err
	}
	atts, err := v.repos.Attachments(v.db).ListByEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 1+len(atts))
	results[0] = v.check(ctx, TypeEmail, email.ID, "", email.StoragePath, email.StorageHashSha256)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, a := range atts {
		g.Go(func() error {
			results[i+1] = v.check(gctx, TypeAttachment, a.ID, a.Filename, a.StoragePath, a.ContentHashSha256)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (v *Verifier) check(ctx context.Context, typ, id, filename, path, want string) Result {
	r := Result{Type: typ, ID: id, Filename: filename}
	got, err := v.hashObject(ctx, path)
	switch {
	case err != nil:
		v.logger.Warn(ctx, "stored object unreadable", "type", typ, "id", id, "path", path, "error", err)
		r.Reason = ReasonUnreadable
	case got != want:
		v.logger.Warn(ctx, "stored object hash mismatch", "type", typ, "id", id, "path", path)
		r.Reason = ReasonHashMismatch
	default:
		r.IsValid = true
	}
	return r
}

func (v *Verifier) hashObject(ctx context.Context, path string) (string, error) {
	rc, err := v.storage.GetStream(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyLedger checks the audit hash chain.
func (v *Verifier) VerifyLedger(ctx context.Context) (audit.VerifyResult, error) {
	return v.ledger.Verify(ctx)
}
