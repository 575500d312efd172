package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
)

func TestLocalProvider_PutGetExistsDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	p, err := NewLocalProvider(root, DefaultFolderName)
	require.NoError(t, err)

	const path = "src-1/emails/abc.eml"

	ok, err := p.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Put(ctx, path, []byte("hello")))

	onDisk, err := os.ReadFile(filepath.Join(root, DefaultFolderName, "src-1", "emails", "abc.eml"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(onDisk))

	ok, err = p.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := p.Get(ctx, path)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(b))

	require.NoError(t, p.Put(ctx, path, []byte("replaced")))
	rc, err = p.Get(ctx, path)
	require.NoError(t, err)
	b, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "replaced", string(b))

	require.NoError(t, p.Delete(ctx, path))
	ok, err = p.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting twice is fine
	require.NoError(t, p.Delete(ctx, path))
}

func TestLocalProvider_GetMissing_IsNotFound(t *testing.T) {
	p, err := NewLocalProvider(t.TempDir(), DefaultFolderName)
	require.NoError(t, err)

	_, err = p.Get(context.Background(), "nope/missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestLocalProvider_RejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir(), DefaultFolderName)
	require.NoError(t, err)

	for _, path := range []string{"../outside", "a/../../outside", "", "."} {
		assert.Error(t, p.Put(ctx, path, []byte("x")), path)
		_, err := p.Get(ctx, path)
		assert.Error(t, err, path)
	}
}

func TestLocalProvider_ExistsOnDirectory_IsFalse(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir(), DefaultFolderName)
	require.NoError(t, err)

	require.NoError(t, p.Put(ctx, "dir/file", []byte("x")))
	ok, err := p.Exists(ctx, "dir")
	require.NoError(t, err)
	assert.False(t, ok)
}
