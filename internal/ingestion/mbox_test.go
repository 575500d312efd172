package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

type memStore struct {
	objects   map[string][]byte
	deleted   []string
	deleteErr error
	existsErr error
	readErr   error
	closed    int
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Exists(_ context.Context, path string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.objects[path]
	return ok, nil
}

type trackedReader struct {
	io.Reader
	store *memStore
}

func (r *trackedReader) Close() error {
	r.store.closed++
	return nil
}

type erroringReader struct {
	r   io.Reader
	err error
}

func (e *erroringReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, e.err
	}
	return n, err
}

func (m *memStore) GetStream(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, common.ErrorNotFound
	}
	var r io.Reader = bytes.NewReader(b)
	if m.readErr != nil {
		r = &erroringReader{r: r, err: m.readErr}
	}
	return &trackedReader{Reader: r, store: m}, nil
}

func (m *memStore) Delete(_ context.Context, path string) error {
	m.deleted = append(m.deleted, path)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.objects, path)
	return nil
}

const uploadPath = "uploads/export.mbox"

func mboxWithBrokenMessage() []byte {
	return []byte("From a@example.com Mon Jan  1 00:00:00 2024\n" +
		"Message-ID: <one@example.com>\nSubject: one\n\nfirst\n" +
		"\nFrom broken\n" +
		"\nFrom c@example.com Mon Jan  1 00:00:00 2024\n" +
		"Message-ID: <three@example.com>\nSubject: three\n\nthird\n")
}

func drain(t *testing.T, it EmailIterator) []FetchItem {
	t.Helper()
	var items []FetchItem
	for {
		item, err := it.Next(context.Background())
		if errors.Is(err, ErrEndOfSequence) {
			return items
		}
		require.NoError(t, err)
		items = append(items, item)
	}
}

func TestMboxConnector_FetchEmails_SkipsBrokenAndDeletesSource(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.objects[uploadPath] = mboxWithBrokenMessage()

	c := NewMboxConnector(MboxCredentials{UploadedFilePath: uploadPath}, store, logging.NewNop())
	it, err := c.FetchEmails(ctx, MailboxUser{}, nil)
	require.NoError(t, err)

	items := drain(t, it)
	require.Len(t, items, 3)

	require.NotNil(t, items[0].Email)
	assert.Equal(t, "one@example.com", items[0].Email.ID)
	assert.Nil(t, items[1].Email)
	require.NotNil(t, items[1].Skip)
	assert.NotEmpty(t, items[1].Skip.Reason)
	require.NotNil(t, items[2].Email)
	assert.Equal(t, "three@example.com", items[2].Email.ID)

	assert.Equal(t, []string{uploadPath}, store.deleted)
	assert.Equal(t, 1, store.closed)

	// the sequence stays ended and cleanup runs once
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfSequence)
	assert.NoError(t, it.Close())
	assert.Len(t, store.deleted, 1)
	assert.Equal(t, 1, store.closed)

	assert.Equal(t, SyncState{}, c.UpdatedSyncState())
}

func TestMboxConnector_DeleteFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.objects[uploadPath] = mboxWithBrokenMessage()
	store.deleteErr = errors.New("permission denied")

	c := NewMboxConnector(MboxCredentials{UploadedFilePath: uploadPath}, store, logging.NewNop())
	it, err := c.FetchEmails(context.Background(), MailboxUser{}, nil)
	require.NoError(t, err)

	items := drain(t, it)
	assert.Len(t, items, 3)
	assert.Equal(t, []string{uploadPath}, store.deleted)
}

func TestMboxConnector_CloseBeforeDrainKeepsSource(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.objects[uploadPath] = mboxWithBrokenMessage()

	c := NewMboxConnector(MboxCredentials{UploadedFilePath: uploadPath}, store, logging.NewNop())
	it, err := c.FetchEmails(ctx, MailboxUser{}, nil)
	require.NoError(t, err)

	_, err = it.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, it.Close())

	assert.Empty(t, store.deleted)
	assert.Equal(t, 1, store.closed)
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfSequence)
}

func TestMboxConnector_ReadErrorEndsRun(t *testing.T) {
	store := newMemStore()
	store.objects[uploadPath] = mboxWithBrokenMessage()
	store.readErr = errors.New("decrypt failed")

	c := NewMboxConnector(MboxCredentials{UploadedFilePath: uploadPath}, store, logging.NewNop())
	it, err := c.FetchEmails(context.Background(), MailboxUser{}, nil)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 10; i++ {
		if _, lastErr = it.Next(context.Background()); lastErr != nil {
			break
		}
	}
	assert.ErrorContains(t, lastErr, "decrypt failed")
	assert.Empty(t, store.deleted)
}

func TestMboxConnector_CancelledContext(t *testing.T) {
	store := newMemStore()
	store.objects[uploadPath] = mboxWithBrokenMessage()

	c := NewMboxConnector(MboxCredentials{UploadedFilePath: uploadPath}, store, logging.NewNop())
	it, err := c.FetchEmails(context.Background(), MailboxUser{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMboxConnector_FetchMissingFile(t *testing.T) {
	c := NewMboxConnector(MboxCredentials{UploadedFilePath: uploadPath}, newMemStore(), logging.NewNop())
	_, err := c.FetchEmails(context.Background(), MailboxUser{}, nil)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestMboxConnector_TestConnection(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.objects[uploadPath] = []byte("From x\n")

	tests := []struct {
		name    string
		path    string
		wantMsg string
	}{
		{"ok", uploadPath, ""},
		{"missing path", "", "mbox file path not provided"},
		{"wrong format", "uploads/export.pst", "provided file is not in the MBOX format"},
		{"not uploaded", "uploads/other.mbox", "mbox file upload not finished yet, please wait"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewMboxConnector(MboxCredentials{UploadedFilePath: tt.path}, store, logging.NewNop())
			err := c.TestConnection(ctx)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, common.ErrConnection)
			assert.ErrorContains(t, err, tt.wantMsg)
		})
	}
	assert.Empty(t, store.deleted)
}

func TestMboxConnector_ListUsers(t *testing.T) {
	ctx := context.Background()

	c := NewMboxConnector(MboxCredentials{UploadedFileName: "My Old Mail"}, newMemStore(), logging.NewNop())
	it, err := c.ListUsers(ctx)
	require.NoError(t, err)

	u, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, MailboxUser{
		ID:           "my.old.mail@mbox.local",
		PrimaryEmail: "my.old.mail@mbox.local",
		DisplayName:  "My Old Mail",
	}, u)

	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrEndOfSequence)
}

func TestMboxConnector_ListUsers_GeneratedName(t *testing.T) {
	stubNow(t, time.UnixMilli(1700000000123))

	c := NewMboxConnector(MboxCredentials{}, newMemStore(), logging.NewNop())
	it, err := c.ListUsers(context.Background())
	require.NoError(t, err)

	u, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mbox-import-1700000000123", u.DisplayName)
	assert.Equal(t, "mbox-import-1700000000123@mbox.local", u.PrimaryEmail)
}

func TestFactory_New(t *testing.T) {
	f := NewFactory(newMemStore(), logging.NewNop())

	creds, _ := json.Marshal(MboxCredentials{UploadedFileName: "a", UploadedFilePath: "b.mbox"})
	c, err := f.New(Source{ID: "s1", Provider: ProviderMbox, Credentials: creds})
	require.NoError(t, err)
	mc, ok := c.(*MboxConnector)
	require.True(t, ok)
	assert.Equal(t, "b.mbox", mc.creds.UploadedFilePath)

	_, err = f.New(Source{Provider: ProviderMbox, Credentials: json.RawMessage(`{"uploadedFilePath": 3}`)})
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	_, err = f.New(Source{Provider: ProviderGenericIMAP})
	assert.ErrorIs(t, err, common.ErrUnsupportedProvider)
}
