package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()

	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "batch"))
	return store
}

func TestLocalStorePutGet(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "batch", "run-1/input/input-00000.csv", strings.NewReader("image,text\nabc,hello\n")))

	data, err := store.GetObject(ctx, "batch", "run-1/input/input-00000.csv")
	require.NoError(t, err)
	assert.Equal(t, "image,text\nabc,hello\n", string(data))

	_, err = store.GetObject(ctx, "batch", "run-1/input/missing.csv")
	assert.Error(t, err)
}

func TestLocalStoreListObjects(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "batch", "run-1/input/input-00000.csv", strings.NewReader("a")))
	require.NoError(t, store.PutObject(ctx, "batch", "run-1/input/input-00001.csv", strings.NewReader("bb")))
	require.NoError(t, store.PutObject(ctx, "batch", "run-2/input/input-00000.csv", strings.NewReader("c")))

	objects, err := store.ListObjects(ctx, "batch", "run-1/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "run-1/input/input-00000.csv", objects[0].Name)
	assert.Equal(t, int64(2), objects[1].Size)

	objects, err = store.ListObjects(ctx, "batch", "run-9/")
	require.NoError(t, err)
	assert.Empty(t, objects)

	// A bucket that was never created lists as empty rather than erroring.
	objects, err = store.ListObjects(ctx, "nonexistent", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestLocalStoreUploadDownloadDir(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "input-00000.csv"), []byte("image,text\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "input-00001.csv"), []byte("image,text\n"), 0644))

	require.NoError(t, store.UploadDir(ctx, "batch", "run-1/input", src))

	objects, err := store.ListObjects(ctx, "batch", "run-1/input/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "run-1/input/input-00000.csv", objects[0].Name)
	assert.Equal(t, "run-1/input/nested/input-00001.csv", objects[1].Name)

	dest := filepath.Join(t.TempDir(), "downloaded")
	require.NoError(t, store.DownloadDir(ctx, "batch", "run-1/input", dest, false))

	data, err := os.ReadFile(filepath.Join(dest, "input-00000.csv"))
	require.NoError(t, err)
	assert.Equal(t, "image,text\n", string(data))

	err = store.DownloadDir(ctx, "batch", "run-1/input", dest, false)
	assert.Error(t, err, "existing destination without overwrite must fail")
	require.NoError(t, store.DownloadDir(ctx, "batch", "run-1/input", dest, true))
}

func TestLocalStoreDeleteObjects(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "batch", "run-1/input/input-00000.csv", strings.NewReader("a")))
	require.NoError(t, store.PutObject(ctx, "batch", "run-1/output/predictions.csv", strings.NewReader("b")))

	require.NoError(t, store.DeleteObjects(ctx, "batch", "run-1/input/"))

	objects, err := store.ListObjects(ctx, "batch", "run-1/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "run-1/output/predictions.csv", objects[0].Name)
}

func TestURIRoundTrip(t *testing.T) {
	uri := URI("batch", "run-1/input/")
	assert.Equal(t, "s3://batch/run-1/input/", uri)

	bucket, key, err := ParseURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "batch", bucket)
	assert.Equal(t, "run-1/input/", key)

	_, _, err = ParseURI("https://batch/run-1")
	assert.Error(t, err)
}
