package infrastructure

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalMediaStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalMediaStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "owner-1/room-2/abc.jpg", []byte("jpegbytes"), "image/jpeg"))

	got, err := os.ReadFile(filepath.Join(dir, "owner-1", "room-2", "abc.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpegbytes", string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "owner-1", "room-2"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestLocalMediaStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalMediaStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../escape.jpg", "..", "/etc/passwd", ""} {
		assert.Error(t, store.Put(context.Background(), key, []byte("x"), ""), key)
	}
}

func TestLocalMediaStoreDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalMediaStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "owner-1/room-2/abc.jpg", []byte("jpegbytes"), "image/jpeg"))
	require.NoError(t, store.Delete(ctx, "owner-1/room-2/abc.jpg"))

	_, err = os.Stat(filepath.Join(dir, "owner-1", "room-2", "abc.jpg"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, store.Delete(ctx, "owner-1/room-2/abc.jpg"), "missing key is not an error")
	assert.Error(t, store.Delete(ctx, "../escape.jpg"))
}
