package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFileStore(t *testing.T) (*FileStore, string) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{Dir: dir})
	require.NoError(t, err)
	return fs, dir
}

func TestFileStoreAtomicWrite(t *testing.T) {
	fs, dir := setupFileStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, fs.Save(ctx, sampleSession("s1", "agent")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1.json", entries[0].Name())

	info, err := os.Stat(fs.Path("s1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreSaveLoadIdempotent(t *testing.T) {
	fs, _ := setupFileStore(t)
	ctx := context.Background()

	require.NoError(t, fs.Save(ctx, sampleSession("s1", "agent")))
	before, err := os.ReadFile(fs.Path("s1"))
	require.NoError(t, err)

	loaded, err := fs.Load(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, fs.Save(ctx, loaded))

	after, err := os.ReadFile(fs.Path("s1"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestFileStoreCorruptRecord(t *testing.T) {
	fs, dir := setupFileStore(t)
	ctx := context.Background()

	t.Run("should treat invalid json as absent", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600))

		_, err := fs.Load(ctx, "bad")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should treat a mismatched id as absent", func(t *testing.T) {
		require.NoError(t, fs.Save(ctx, sampleSession("real", "agent")))
		data, err := os.ReadFile(fs.Path("real"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "copy.json"), data, 0o600))

		_, err = fs.Load(ctx, "copy")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should skip corrupt records when filtering by agent", func(t *testing.T) {
		ids, err := fs.List(ctx, "agent")
		require.NoError(t, err)
		assert.Equal(t, []string{"real"}, ids)
	})

	t.Run("should skip corrupt records without a filter", func(t *testing.T) {
		ids, err := fs.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"real"}, ids)
	})
}

func TestFileStoreRemovesStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".s1"+tempMarker+"123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	fs, err := NewFileStore(FileStoreConfig{Dir: dir})
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	ids, err := fs.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileStoreLockRelease(t *testing.T) {
	fs, _ := setupFileStore(t)
	require.NoError(t, fs.Save(context.Background(), sampleSession("s1", "agent")))
	require.NoError(t, fs.Delete(context.Background(), "s1"))

	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()
	assert.Empty(t, fs.locks)
}

func TestFileStoreSaveFailure(t *testing.T) {
	fs, dir := setupFileStore(t)
	ctx := context.Background()

	require.NoError(t, os.RemoveAll(dir))

	err := fs.Save(ctx, sampleSession("s1", "agent"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save session s1")
}
