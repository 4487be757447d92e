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

func setupLocalStore(t *testing.T) *LocalObjectStore {
	t.Helper()
	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestLocalPutAndDownload(t *testing.T) {
	store := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "uploads/sub1/patients.csv", strings.NewReader("patient_id\nP1\n")))

	dest := filepath.Join(t.TempDir(), "nested", "copy.csv")
	require.NoError(t, store.DownloadObject(ctx, "uploads/sub1/patients.csv", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "patient_id\nP1\n", string(data))
}

func TestLocalDownloadMissingObject(t *testing.T) {
	store := setupLocalStore(t)

	err := store.DownloadObject(context.Background(), "uploads/missing.csv", filepath.Join(t.TempDir(), "out.csv"))
	assert.Error(t, err)
}

func TestLocalListObjects(t *testing.T) {
	store := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "uploads/sub1/a.csv", strings.NewReader("aa")))
	require.NoError(t, store.PutObject(ctx, "uploads/sub1/b.csv", strings.NewReader("bbbb")))
	require.NoError(t, store.PutObject(ctx, "uploads/sub2/c.csv", strings.NewReader("c")))

	objects, err := store.ListObjects(ctx, "uploads/sub1")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "uploads/sub1/a.csv", objects[0].Name)
	assert.Equal(t, int64(2), objects[0].Size)
	assert.Equal(t, "uploads/sub1/b.csv", objects[1].Name)
}

func TestLocalListMissingPrefix(t *testing.T) {
	store := setupLocalStore(t)

	objects, err := store.ListObjects(context.Background(), "uploads/nothing")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestLocalDeleteObjects(t *testing.T) {
	store := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "uploads/sub1/a.csv", strings.NewReader("aa")))
	require.NoError(t, store.PutObject(ctx, "uploads/sub2/b.csv", strings.NewReader("bb")))

	require.NoError(t, store.DeleteObjects(ctx, "uploads/sub1"))

	objects, err := store.ListObjects(ctx, "uploads")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "uploads/sub2/b.csv", objects[0].Name)
}

func TestLocalDeleteRefusesEmptyPrefix(t *testing.T) {
	store := setupLocalStore(t)

	assert.Error(t, store.DeleteObjects(context.Background(), ""))
	assert.Error(t, store.DeleteObjects(context.Background(), "  "))
}
