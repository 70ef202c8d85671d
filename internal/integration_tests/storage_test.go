package integrationtests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mlbridge/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func setupTestStore(t *testing.T, ctx context.Context) *storage.S3Store {
	t.Helper()

	store := createS3Store(t, ctx)
	require.NoError(t, store.CreateBucket(ctx, bucketName))
	return store
}

func TestS3Store_PutObject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	key := "test-dir/test-file.txt"
	content := []byte("Test content")

	err := store.PutObject(ctx, bucketName, key, bytes.NewReader(content))
	require.NoError(t, err)

	data, err := store.GetObject(ctx, bucketName, key)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestS3Store_ListAndDeleteObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	prefix := "test-dir"

	files := []string{"test-dir/file1.txt", "test-dir/subdir/file2.txt", "other-dir/file3.txt"}
	for _, file := range files {
		require.NoError(t, store.PutObject(ctx, bucketName, file, bytes.NewReader([]byte("content: "+file))))
	}

	objs, err := store.ListObjects(ctx, bucketName, prefix)
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	require.NoError(t, store.DeleteObjects(ctx, bucketName, prefix))

	newObjs, err := store.ListObjects(ctx, bucketName, prefix)
	require.NoError(t, err)
	assert.Len(t, newObjs, 0)
}

func TestS3Store_UploadDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	srcDir := t.TempDir()

	files := []string{"file1.txt", "file2.txt", "subdir/file3.txt"}
	for _, file := range files {
		filePath := filepath.Join(srcDir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), os.ModePerm))
		require.NoError(t, os.WriteFile(filePath, []byte("content: "+file), os.ModePerm))
	}

	err := store.UploadDir(ctx, bucketName, "uploaded", srcDir)
	require.NoError(t, err)

	for _, file := range files {
		data, err := store.GetObject(ctx, bucketName, "uploaded/"+file)
		require.NoError(t, err)
		assert.Equal(t, "content: "+file, string(data))
	}
}

func TestS3Store_DownloadDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	destDir := filepath.Join(t.TempDir(), "download-target")

	files := []string{"file1.txt", "file2.txt", "subdir/file3.txt"}
	for _, file := range files {
		require.NoError(t, store.PutObject(ctx, bucketName, "to-download/"+file, strings.NewReader("content: "+file)))
	}

	err := store.DownloadDir(ctx, bucketName, "to-download", destDir, false)
	require.NoError(t, err)

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(file)))
		require.NoError(t, err)
		assert.Equal(t, "content: "+file, string(data))
	}
}

func TestS3Store_DownloadDir_Overwrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := setupTestStore(t, ctx)

	destDir := t.TempDir()
	destFile := filepath.Join(destDir, "file1.txt")
	require.NoError(t, os.WriteFile(destFile, []byte("original"), os.ModePerm))

	files := []string{"file1.txt", "file2.txt"}
	for _, file := range files {
		require.NoError(t, store.PutObject(ctx, bucketName, "to-download/"+file, strings.NewReader("new content")))
	}

	// Without overwrite the existing destination must be left alone.
	err := store.DownloadDir(ctx, bucketName, "to-download", destDir, false)
	require.Error(t, err)
	data, err := os.ReadFile(destFile)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	err = store.DownloadDir(ctx, bucketName, "to-download", destDir, true)
	require.NoError(t, err)
	data, err = os.ReadFile(destFile)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))
}
