package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailarchiver/internal/audit"
	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/ingestion"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
	"github.com/dmitrijs2005/mailarchiver/internal/models"
)

const testMbox = "From alice@example.com Mon Jan  1 00:00:00 2024\n" +
	"Message-ID: <m1@example.com>\n" +
	"From: Alice <alice@example.com>\n" +
	"To: bob@example.com\n" +
	"Subject: one\n" +
	"\n" +
	"body one\n" +
	"\n" +
	"From bob@example.com Mon Jan  1 00:01:00 2024\n" +
	"Message-ID: <m2@example.com>\n" +
	"From: Bob <bob@example.com>\n" +
	"Subject: Re: one\n" +
	"In-Reply-To: <m1@example.com>\n" +
	"\n" +
	"body two\n" +
	"\n" +
	"From broken\n" +
	"From alice@example.com Mon Jan  1 00:02:00 2024\n" +
	"Message-ID: <m1@example.com>\n" +
	"From: Alice <alice@example.com>\n" +
	"Subject: one\n" +
	"\n" +
	"resent\n" +
	"\n" +
	"From carol@example.com Mon Jan  1 00:03:00 2024\n" +
	"Message-ID: <m3@example.com>\n" +
	"From: Carol <carol@example.com>\n" +
	"Subject: three\n" +
	"\n" +
	"body three\n"

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakePublisher) PublishIndexBatch(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	return f.err
}

func newTestImporter(env *testEnv, pub *fakePublisher) *Importer {
	factory := ingestion.NewFactory(env.store, logging.NewNop())
	return NewImporter(env.svc.db, env.repos, factory, env.svc, pub, env.ledger, logging.NewNop())
}

func addMboxSource(t *testing.T, env *testEnv, id, path string) {
	t.Helper()
	creds, err := json.Marshal(ingestion.MboxCredentials{UploadedFileName: "Team Export", UploadedFilePath: path})
	require.NoError(t, err)
	env.repos.sources[id] = &models.IngestionSource{
		ID:          id,
		Name:        "team export",
		Provider:    ingestion.ProviderMbox,
		Credentials: creds,
		Status:      models.SourceStatusPending,
	}
}

func TestImporter_Run_MboxSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	pub := &fakePublisher{}
	imp := newTestImporter(env, pub)
	imp.batchSize = 2

	const upload = "uploads/team.mbox"
	require.NoError(t, env.store.Put(ctx, upload, []byte(testMbox)))
	addMboxSource(t, env, "src-1", upload)
	for range 3 {
		env.expectTx()
	}

	res, err := imp.Run(ctx, testActor, "src-1")
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Users: 1, Archived: 3, Duplicates: 1, Skipped: 1}, res)

	require.Len(t, pub.batches, 2)
	assert.Len(t, pub.batches[0], 2)
	assert.Len(t, pub.batches[1], 1)

	src := env.repos.sources["src-1"]
	assert.Equal(t, []models.SourceStatus{models.SourceStatusImporting, models.SourceStatusImported}, env.repos.statuses)
	assert.Equal(t, "imported 3 emails, 1 duplicates, 1 skipped, 0 failed", src.StatusMessage)
	assert.JSONEq(t, `{}`, string(src.SyncState))

	for _, e := range env.repos.emails {
		assert.Equal(t, "team.export@mbox.local", e.UserEmail)
	}

	ok, err := env.store.Exists(ctx, upload)
	require.NoError(t, err)
	assert.False(t, ok, "drained mbox upload must be removed")

	assert.Equal(t, []audit.ActionType{audit.ActionImport}, env.auditActions(t))
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestImporter_Run_ConnectionFailureMarksSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	imp := newTestImporter(env, &fakePublisher{})

	addMboxSource(t, env, "src-1", "uploads/not-yet-there.mbox")

	_, err := imp.Run(ctx, testActor, "src-1")
	require.ErrorIs(t, err, common.ErrConnection)

	src := env.repos.sources["src-1"]
	assert.Equal(t, models.SourceStatusError, src.Status)
	assert.Contains(t, src.StatusMessage, "mbox file upload not finished yet")
	assert.Empty(t, env.auditActions(t))
}

func TestImporter_Run_UnsupportedProvider(t *testing.T) {
	env := newTestEnv(t, false)
	imp := newTestImporter(env, &fakePublisher{})
	env.repos.sources["src-1"] = &models.IngestionSource{ID: "src-1", Provider: ingestion.ProviderPST}

	_, err := imp.Run(context.Background(), testActor, "src-1")
	require.ErrorIs(t, err, common.ErrUnsupportedProvider)
	assert.Equal(t, models.SourceStatusError, env.repos.sources["src-1"].Status)
}

func TestImporter_Run_UnknownSource(t *testing.T) {
	env := newTestEnv(t, false)
	imp := newTestImporter(env, &fakePublisher{})

	_, err := imp.Run(context.Background(), testActor, "ghost")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestImporter_Run_PublishFailureDoesNotFailRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	pub := &fakePublisher{err: errors.New("broker down")}
	imp := newTestImporter(env, pub)

	const upload = "uploads/single.mbox"
	require.NoError(t, env.store.Put(ctx, upload, []byte("From x\nMessage-ID: <only@example.com>\nSubject: hi\n\nhello\n")))
	addMboxSource(t, env, "src-1", upload)
	env.expectTx()

	res, err := imp.Run(ctx, testActor, "src-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Len(t, pub.batches, 1)
	require.NoError(t, env.mock.ExpectationsWereMet())
}
