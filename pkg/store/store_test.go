package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.sqlite3")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := openTemp(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	require.NoError(t, s.Put(ctx, "a", "alice", 1234))
	require.NoError(t, s.Put(ctx, "a", "bob", 0))

	item, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Item{Key: "a", Name: "bob", ExpiryAt: 0}, item)
}

func TestStore_EnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	require.NoError(t, s.Ensure(ctx, "a"))
	require.NoError(t, s.Put(ctx, "a", "alice", 99))
	require.NoError(t, s.Ensure(ctx, "a"))

	item, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alice", item.Name)
	assert.Equal(t, int64(99), item.ExpiryAt)
}

func TestStore_ListAllOrderedByKey(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	for _, k := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, s.Ensure(ctx, k))
	}
	require.NoError(t, s.Put(ctx, "bravo", "bob", 42))

	items, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Item{
		{Key: "alpha"},
		{Key: "bravo", Name: "bob", ExpiryAt: 42},
		{Key: "charlie"},
	}, items)
}

func TestStore_ListAllEmpty(t *testing.T) {
	s, _ := openTemp(t)
	items, err := s.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NotNil(t, items)
}

func TestStore_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	require.NoError(t, s.Put(ctx, "y", "n", 5000))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	item, err := reopened.Get(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, Item{Key: "y", Name: "n", ExpiryAt: 5000}, item)
}

func TestStore_OpenUnavailable(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "db.sqlite3"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestStore_ClosedStoreFailsPut(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.Close())
	err := s.Put(context.Background(), "a", "b", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestStore_UnavailableKeepsCause(t *testing.T) {
	s, _ := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, context.Canceled))

	err = s.Put(ctx, "a", "b", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, context.Canceled))
}
