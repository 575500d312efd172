// Package archive stores ingested messages and their attachments, and
// exposes the read, metadata and guarded delete operations on them.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
	"github.com/dmitrijs2005/mailarchiver/internal/ingestion"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/repomanager"
	"github.com/dmitrijs2005/mailarchiver/internal/search"
	"github.com/dmitrijs2005/mailarchiver/internal/storage"
)

// ErrDuplicate is returned by ArchiveEmail when the source already holds a
// message with the same message id.
var ErrDuplicate = errors.New("email already archived")

// AttachmentLockKey serializes attachment reference counting across processes.
const AttachmentLockKey int64 = 0x0a77ac

const manualDeletion = "ManualDeletion"

// Actor identifies who performs an audited operation.
type Actor struct {
	ID string
	IP string
}

// EmailDetails is an archived email together with everything a reader needs
// to display it.
type EmailDetails struct {
	Email       *models.ArchivedEmail `json:"email"`
	Raw         []byte                `json:"-"`
	Thread      []models.ThreadEmail  `json:"thread"`
	Attachments []models.Attachment   `json:"attachments"`
}

type Service struct {
	db              *sql.DB
	repos           repomanager.RepositoryManager
	storage         *storage.Service
	ledger          *audit.Ledger
	indexer         search.Indexer
	logger          logging.Logger
	deletionEnabled bool
}

func NewService(db *sql.DB, repos repomanager.RepositoryManager, store *storage.Service, ledger *audit.Ledger,
	indexer search.Indexer, logger logging.Logger, deletionEnabled bool) *Service {
	return &Service{
		db:              db,
		repos:           repos,
		storage:         store,
		ledger:          ledger,
		indexer:         indexer,
		logger:          logger.With("module", "archive"),
		deletionEnabled: deletionEnabled,
	}
}

func EmailPath(sourceID, emailID string) string {
	return fmt.Sprintf("%s/emails/%s.eml", sourceID, emailID)
}

func AttachmentPath(sourceID, hash string) string {
	return fmt.Sprintf("%s/attachments/%s", sourceID, hash)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ArchiveEmail stores msg for the given source and mailbox. Attachments with
// identical content are stored once per source and shared between emails.
func (s *Service) ArchiveEmail(ctx context.Context, sourceID, userEmail string, msg *ingestion.EmailObject) (*models.ArchivedEmail, error) {
	exists, err := s.repos.Emails(s.db).ExistsByMessageID(ctx, sourceID, msg.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicate
	}

	email := newArchivedEmail(sourceID, userEmail, msg)
	if err := s.storage.Put(ctx, email.StoragePath, msg.EML); err != nil {
		return nil, fmt.Errorf("store email: %w", err)
	}

	pending := newAttachments(sourceID, msg.Attachments)
	var written []*models.Attachment
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// attachment objects are checked, written and linked under the same
		// lock DeleteEmail holds while it releases them
		if len(pending) > 0 {
			if err := dbx.AdvisoryXactLock(ctx, tx, AttachmentLockKey); err != nil {
				return err
			}
		}
		if err := s.repos.Emails(tx).Create(ctx, email); err != nil {
			return err
		}
		attRepo := s.repos.Attachments(tx)
		linked := make(map[string]bool, len(pending))
		for i, p := range pending {
			wrote, err := s.ensureObject(ctx, p.StoragePath, msg.Attachments[i].Content)
			if err != nil {
				return err
			}
			if wrote {
				written = append(written, p)
			}
			id, err := findOrCreateAttachment(ctx, attRepo, p)
			if err != nil {
				return err
			}
			if linked[id] {
				continue
			}
			if err := attRepo.Link(ctx, email.ID, id); err != nil {
				return err
			}
			linked[id] = true
		}
		return nil
	})
	if err != nil {
		if derr := s.storage.Delete(ctx, email.StoragePath); derr != nil {
			s.logger.Warn(ctx, "failed to remove email object after rollback", "path", email.StoragePath, "error", derr)
		}
		s.releaseObjects(ctx, written)
		if errors.Is(err, common.ErrAlreadyExists) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("archive email: %w", err)
	}
	return email, nil
}

func newAttachments(sourceID string, atts []ingestion.Attachment) []*models.Attachment {
	out := make([]*models.Attachment, 0, len(atts))
	for _, a := range atts {
		hash := sha256Hex(a.Content)
		out = append(out, &models.Attachment{
			ID:                uuid.NewString(),
			Filename:          a.Filename,
			MimeType:          a.ContentType,
			SizeBytes:         int64(len(a.Content)),
			ContentHashSha256: hash,
			StoragePath:       AttachmentPath(sourceID, hash),
			IngestionSourceID: sourceID,
		})
	}
	return out
}

// ensureObject writes content to path unless the object is already stored and
// reports whether it wrote. Callers hold AttachmentLockKey.
func (s *Service) ensureObject(ctx context.Context, path string, content []byte) (bool, error) {
	exists, err := s.storage.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("check attachment: %w", err)
	}
	if exists {
		return false, nil
	}
	if err := s.storage.Put(ctx, path, content); err != nil {
		return false, fmt.Errorf("store attachment: %w", err)
	}
	return true, nil
}

// releaseObjects deletes the objects of the given attachments that no
// attachment row refers to. The row check and the object removal happen under
// AttachmentLockKey, so an ArchiveEmail that re-creates a row for the same
// content either keeps the object or writes it again.
func (s *Service) releaseObjects(ctx context.Context, atts []*models.Attachment) {
	if len(atts) == 0 {
		return
	}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := dbx.AdvisoryXactLock(ctx, tx, AttachmentLockKey); err != nil {
			return err
		}
		attRepo := s.repos.Attachments(tx)
		for _, a := range atts {
			_, err := attRepo.FindBySourceAndHash(ctx, a.IngestionSourceID, a.ContentHashSha256)
			if err == nil {
				continue
			}
			if !errors.Is(err, common.ErrorNotFound) {
				return err
			}
			if err := s.storage.Delete(ctx, a.StoragePath); err != nil {
				s.logger.Warn(ctx, "failed to delete attachment object", "path", a.StoragePath, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to release attachment objects", "count", len(atts), "error", err)
	}
}

type attachmentFinder interface {
	FindBySourceAndHash(ctx context.Context, sourceID, hash string) (*models.Attachment, error)
	Create(ctx context.Context, a *models.Attachment) (bool, error)
}

func findOrCreateAttachment(ctx context.Context, repo attachmentFinder, a *models.Attachment) (string, error) {
	existing, err := repo.FindBySourceAndHash(ctx, a.IngestionSourceID, a.ContentHashSha256)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return "", err
	}

	created, err := repo.Create(ctx, a)
	if err != nil {
		return "", err
	}
	if created {
		return a.ID, nil
	}

	// lost a race with a concurrent insert of the same content
	existing, err = repo.FindBySourceAndHash(ctx, a.IngestionSourceID, a.ContentHashSha256)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

func newArchivedEmail(sourceID, userEmail string, msg *ingestion.EmailObject) *models.ArchivedEmail {
	id := uuid.NewString()
	e := &models.ArchivedEmail{
		ID:                id,
		IngestionSourceID: sourceID,
		UserEmail:         userEmail,
		MessageIDHeader:   msg.ID,
		ThreadID:          msg.ThreadID,
		Recipients:        models.Recipients{To: msg.To, Cc: msg.Cc, Bcc: msg.Bcc},
		Subject:           msg.Subject,
		SentAt:            msg.ReceivedAt,
		StoragePath:       EmailPath(sourceID, id),
		StorageHashSha256: sha256Hex(msg.EML),
		SizeBytes:         int64(len(msg.EML)),
		HasAttachments:    len(msg.Attachments) > 0,
		Path:              msg.Path,
	}
	if len(msg.From) > 0 {
		e.SenderName = msg.From[0].Name
		e.SenderEmail = msg.From[0].Address
	}
	return e
}

// GetEmail loads an email with its raw content, thread and attachments, and
// records the read in the audit ledger.
func (s *Service) GetEmail(ctx context.Context, actor Actor, id string) (*EmailDetails, error) {
	email, err := s.repos.Emails(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := s.storage.Get(ctx, email.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read email %s: %w", id, err)
	}

	details := &EmailDetails{Email: email, Raw: raw}
	if email.ThreadID != "" {
		details.Thread, err = s.repos.Emails(s.db).ListThread(ctx, email.IngestionSourceID, email.ThreadID)
		if err != nil {
			return nil, err
		}
	}
	if email.HasAttachments {
		details.Attachments, err = s.repos.Attachments(s.db).ListByEmail(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if err := s.audit(ctx, actor, audit.ActionRead, id, nil); err != nil {
		return nil, err
	}
	return details, nil
}

// UpdateMetadata replaces the tags and folder path of an email.
func (s *Service) UpdateMetadata(ctx context.Context, actor Actor, id string, tags []string, path string) error {
	if err := s.repos.Emails(s.db).UpdateMetadata(ctx, id, tags, path); err != nil {
		return err
	}
	return s.audit(ctx, actor, audit.ActionUpdate, id, map[string]any{"tags": tags, "path": path})
}

// DeleteEmail removes an email. Attachments still referenced by another
// email are kept; the rest lose both their row and their object.
func (s *Service) DeleteEmail(ctx context.Context, actor Actor, id string) error {
	if !s.deletionEnabled {
		return common.ErrDeletionDisabled
	}

	email, err := s.repos.Emails(s.db).GetByID(ctx, id)
	if err != nil {
		return err
	}
	atts, err := s.repos.Attachments(s.db).ListByEmail(ctx, id)
	if err != nil {
		return err
	}

	var orphans []*models.Attachment
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := dbx.AdvisoryXactLock(ctx, tx, AttachmentLockKey); err != nil {
			return err
		}
		attRepo := s.repos.Attachments(tx)
		for i := range atts {
			a := &atts[i]
			if err := attRepo.Unlink(ctx, id, a.ID); err != nil {
				return err
			}
			n, err := attRepo.CountLinks(ctx, a.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if err := attRepo.Delete(ctx, a.ID); err != nil {
				return err
			}
			orphans = append(orphans, a)
		}
		return s.repos.Emails(tx).Delete(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete email %s: %w", id, err)
	}

	if err := s.storage.Delete(ctx, email.StoragePath); err != nil {
		s.logger.Warn(ctx, "failed to delete email object", "path", email.StoragePath, "error", err)
	}
	s.releaseObjects(ctx, orphans)
	if err := s.indexer.DeleteEmails(ctx, []string{id}); err != nil {
		s.logger.Warn(ctx, "failed to remove email from search index", "emailId", id, "error", err)
	}

	return s.audit(ctx, actor, audit.ActionDelete, id, map[string]any{"reason": manualDeletion})
}

func (s *Service) audit(ctx context.Context, actor Actor, action audit.ActionType, emailID string, details any) error {
	_, err := s.ledger.Append(ctx, audit.NewEntry{
		ActorIdentifier: actor.ID,
		ActorIP:         actor.IP,
		ActionType:      action,
		TargetType:      audit.TargetArchivedEmail,
		TargetID:        emailID,
		Details:         details,
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}
