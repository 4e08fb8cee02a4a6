package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	s, err := NewSQLiteStore(SQLiteStoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteStoreConfig{})
	assert.Error(t, err)
}

func TestSQLiteStoreCorruptRow(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`INSERT INTO sessions (id, agent_id, data, created_at, updated_at) VALUES ('bad', 'a', '{oops', 0, 0)`)
	require.NoError(t, err)

	_, err = s.Load(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, sampleSession("good", "a")))

	ids, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids)

	ids, err = s.List(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids)
}

func TestSQLiteStoreListUpdatedBefore(t *testing.T) {
	s := setupSQLiteStore(t)
	ctx := context.Background()

	old := sampleSession("old", "a")
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	fresh := sampleSession("fresh", "a")
	fresh.UpdatedAt = time.Now()

	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, s.Save(ctx, fresh))

	ids, err := s.ListUpdatedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := t.TempDir() + "/nested/sessions.db"
	ctx := context.Background()

	s, err := NewSQLiteStore(SQLiteStoreConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sampleSession("persist", "a")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(SQLiteStoreConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	out, err := s.Load(ctx, "persist")
	require.NoError(t, err)
	assert.Len(t, out.Messages, 4)
}
