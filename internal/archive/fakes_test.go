package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/cryptox"
	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/attachments"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/emails"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/sources"
	"github.com/dmitrijs2005/mailarchiver/internal/storage"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// -------- in-memory repositories --------

type link struct{ emailID, attachmentID string }

type memRepos struct {
	mu          sync.Mutex
	emails      map[string]*models.ArchivedEmail
	attachments map[string]*models.Attachment
	links       map[link]bool
	sources     map[string]*models.IngestionSource
	statuses    []models.SourceStatus
	createErr   error

	// onAttachmentCreate runs before an attachment row is inserted; an error
	// aborts the insert.
	onAttachmentCreate func(a *models.Attachment) error
}

func newMemRepos() *memRepos {
	return &memRepos{
		emails:      map[string]*models.ArchivedEmail{},
		attachments: map[string]*models.Attachment{},
		links:       map[link]bool{},
		sources:     map[string]*models.IngestionSource{},
	}
}

func (m *memRepos) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *memRepos) Emails(dbx.DBTX) emails.Repository { return &memEmails{m} }
func (m *memRepos) Attachments(dbx.DBTX) attachments.Repository { return &memAttachments{m} }
func (m *memRepos) Sources(dbx.DBTX) sources.Repository { return &memSources{m} }

type memEmails struct{ m *memRepos }

func (r *memEmails) Create(_ context.Context, e *models.ArchivedEmail) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.createErr != nil {
		return r.m.createErr
	}
	cp := *e
	r.m.emails[e.ID] = &cp
	return nil
}

func (r *memEmails) GetByID(_ context.Context, id string) (*models.ArchivedEmail, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memEmails) ExistsByMessageID(_ context.Context, sourceID, messageID string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, e := range r.m.emails {
		if e.IngestionSourceID == sourceID && e.MessageIDHeader == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memEmails) ListThread(_ context.Context, sourceID, threadID string) ([]models.ThreadEmail, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.ThreadEmail
	for _, e := range r.m.emails {
		if e.IngestionSourceID == sourceID && e.ThreadID == threadID {
			out = append(out, models.ThreadEmail{ID: e.ID, Subject: e.Subject, SentAt: e.SentAt, SenderEmail: e.SenderEmail})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (r *memEmails) UpdateMetadata(_ context.Context, id string, tags []string, path string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.emails[id]
	if !ok {
		return common.ErrorNotFound
	}
	e.Tags, e.Path = tags, path
	return nil
}

func (r *memEmails) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.emails, id)
	for l := range r.m.links {
		if l.emailID == id {
			delete(r.m.links, l)
		}
	}
	return nil
}

type memAttachments struct{ m *memRepos }

func (r *memAttachments) FindBySourceAndHash(_ context.Context, sourceID, hash string) (*models.Attachment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, a := range r.m.attachments {
		if a.IngestionSourceID == sourceID && a.ContentHashSha256 == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *memAttachments) Create(_ context.Context, a *models.Attachment) (bool, error) {
	if h := r.m.onAttachmentCreate; h != nil {
		if err := h(a); err != nil {
			return false, err
		}
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, x := range r.m.attachments {
		if x.IngestionSourceID == a.IngestionSourceID && x.ContentHashSha256 == a.ContentHashSha256 {
			return false, nil
		}
	}
	cp := *a
	r.m.attachments[a.ID] = &cp
	return true, nil
}

func (r *memAttachments) GetByID(_ context.Context, id string) (*models.Attachment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.attachments[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memAttachments) Link(_ context.Context, emailID, attachmentID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.links[link{emailID, attachmentID}] = true
	return nil
}

func (r *memAttachments) Unlink(_ context.Context, emailID, attachmentID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.links, link{emailID, attachmentID})
	return nil
}

func (r *memAttachments) CountLinks(_ context.Context, attachmentID string) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for l := range r.m.links {
		if l.attachmentID == attachmentID {
			n++
		}
	}
	return n, nil
}

func (r *memAttachments) ListByEmail(_ context.Context, emailID string) ([]models.Attachment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.Attachment
	for l := range r.m.links {
		if l.emailID == emailID {
			out = append(out, *r.m.attachments[l.attachmentID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (r *memAttachments) Delete(_ context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.attachments, id)
	return nil
}

type memSources struct{ m *memRepos }

func (r *memSources) GetByID(_ context.Context, id string) (*models.IngestionSource, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sources[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSources) UpdateStatus(_ context.Context, id string, status models.SourceStatus, message string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sources[id]
	if !ok {
		return common.ErrorNotFound
	}
	s.Status, s.StatusMessage = status, message
	r.m.statuses = append(r.m.statuses, status)
	return nil
}

func (r *memSources) UpdateSyncState(_ context.Context, id string, state json.RawMessage) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.sources[id]
	if !ok {
		return common.ErrorNotFound
	}
	s.SyncState = state
	return nil
}

// -------- collaborators --------

type fakeIndexer struct {
	mu      sync.Mutex
	indexed [][]string
	deleted [][]string
	err     error
}

func (f *fakeIndexer) IndexEmails(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, append([]string(nil), ids...))
	return f.err
}

func (f *fakeIndexer) DeleteEmails(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, append([]string(nil), ids...))
	return f.err
}

// hookProvider calls onCall before each Put and Delete reaches the wrapped
// provider, letting tests run other operations at that point.
type hookProvider struct {
	storage.Provider
	onCall func(op, path string)
}

func (p *hookProvider) Put(ctx context.Context, path string, content []byte) error {
	p.call("put", path)
	return p.Provider.Put(ctx, path, content)
}

func (p *hookProvider) Delete(ctx context.Context, path string) error {
	p.call("delete", path)
	return p.Provider.Delete(ctx, path)
}

func (p *hookProvider) call(op, path string) {
	if p.onCall != nil {
		p.onCall(op, path)
	}
}

// -------- fixture --------

type testEnv struct {
	svc        *Service
	repos      *memRepos
	store      *storage.Service
	mock       sqlmock.Sqlmock
	ledger     *audit.Ledger
	auditStore *audit.MemoryStore
	indexer    *fakeIndexer
	hooks      *hookProvider
	root       string
}

func newTestEnv(t *testing.T, deletionEnabled bool) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	root := t.TempDir()
	key, err := cryptox.ParseKey(testKeyHex)
	require.NoError(t, err)
	codec, err := cryptox.NewCodec(key)
	require.NoError(t, err)
	local, err := storage.NewLocalProvider(root, storage.DefaultFolderName)
	require.NoError(t, err)
	hooks := &hookProvider{Provider: local}
	store := storage.NewService(hooks, codec)

	repos := newMemRepos()
	auditStore := audit.NewMemoryStore()
	ledger := audit.NewLedger(auditStore, logging.NewNop())
	indexer := &fakeIndexer{}

	return &testEnv{
		svc:        NewService(db, repos, store, ledger, indexer, logging.NewNop(), deletionEnabled),
		repos:      repos,
		store:      store,
		mock:       mock,
		ledger:     ledger,
		auditStore: auditStore,
		indexer:    indexer,
		hooks:      hooks,
		root:       root,
	}
}

func (e *testEnv) expectTx() {
	e.mock.ExpectBegin()
	e.mock.ExpectCommit()
}

func (e *testEnv) expectLockedTx() {
	e.mock.ExpectBegin()
	e.mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(AttachmentLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	e.mock.ExpectCommit()
}

func (e *testEnv) expectLockedRollback() {
	e.mock.ExpectBegin()
	e.mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(AttachmentLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	e.mock.ExpectRollback()
}

// requireAttachmentStored checks that emailID links exactly one attachment
// and that its object holds content.
func (e *testEnv) requireAttachmentStored(t *testing.T, emailID, content string) {
	t.Helper()
	ctx := context.Background()
	atts, err := e.repos.Attachments(nil).ListByEmail(ctx, emailID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	got, err := e.store.Get(ctx, atts[0].StoragePath)
	require.NoError(t, err, "attachment %s linked to %s has no object", atts[0].StoragePath, emailID)
	require.Equal(t, content, string(got))
	require.Equal(t, sha256Hex(got), atts[0].ContentHashSha256)
}

func (e *testEnv) auditActions(t *testing.T) []audit.ActionType {
	t.Helper()
	page, err := e.auditStore.Page(context.Background(), 0, 100)
	require.NoError(t, err)
	out := make([]audit.ActionType, 0, len(page))
	for _, en := range page {
		out = append(out, en.ActionType)
	}
	return out
}

func walkObjects(e *testEnv, fn func(path string)) error {
	return filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			fn(path)
		}
		return nil
	})
}
