package snapshot_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/snapshot"
)

func TestArchiveRecordsAndForgetsSnapshots(t *testing.T) {
	ctx := context.Background()
	archive, err := snapshot.OpenArchive(ctx, filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)

	fs := newFS()
	store := snapshot.New(fs).WithArchive(archive)
	require.NoError(t, fs.Write(ctx, "/a", []byte("1")))

	_, err = store.Create(ctx, "first")
	require.NoError(t, err)
	names, err := archive.Names(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "first")

	require.NoError(t, fs.Write(ctx, "/a", []byte("2")))
	_, err = store.Create(ctx, "second")
	require.NoError(t, err)

	require.NoError(t, store.Prune(ctx, 1))
	names, err = archive.Names(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "first")
	require.Contains(t, names, "second")
}

func TestArchiveIsOptional(t *testing.T) {
	fs := newFS()
	store := snapshot.New(fs)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/a", []byte("1")))
	_, err := store.Create(ctx, "first")
	require.NoError(t, err)
}
