package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/snapshot"
	"github.com/reploid-dev/reploid/vfs"
)

func newFS() *vfs.Vfs { return vfs.New(vfs.Options{}) }

func TestGenesisCreatedOnceAndImmutable(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/core/boot.js", []byte("v1")))

	store := snapshot.New(fs)
	snap, err := store.EnsureGenesis(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.GenesisName, snap.Name)

	_, err = store.Create(ctx, "genesis")
	require.ErrorIs(t, err, snapshot.ErrGenesisExists)

	// Idempotent bootstrap path does not error.
	again, err := store.EnsureGenesis(ctx)
	require.NoError(t, err)
	require.Equal(t, snap.CreatedAt, again.CreatedAt)
}

func TestSnapshotExcludesOwnPrefix(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	store := snapshot.New(fs)
	require.NoError(t, fs.Write(ctx, "/a", []byte("1")))
	_, err := store.Create(ctx, "first")
	require.NoError(t, err)

	for _, p := range fs.List(vfs.SnapshotPrefix) {
		require.NotContains(t, string(p), "/.snapshots/first/data/.snapshots", "snapshot must not capture itself")
	}
}

func TestCreateRestoreIsNoopOnContent(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/a", []byte("1")))
	require.NoError(t, fs.Write(ctx, "/b", []byte("2")))

	store := snapshot.New(fs)
	_, err := store.Create(ctx, "s1")
	require.NoError(t, err)

	before := fs.ExportAll()
	require.NoError(t, store.Restore(ctx, "s1"))
	after := fs.ExportAll()

	require.Equal(t, stripSnapshots(before), stripSnapshots(after))
}

func TestRestoreRemovesFilesAddedAfterSnapshot(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "/a", []byte("1")))
	store := snapshot.New(fs)
	_, err := store.Create(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, fs.Write(ctx, "/b", []byte("new")))
	require.NoError(t, store.Restore(ctx, "s1"))

	_, err = fs.Read("/b")
	require.ErrorIs(t, err, vfs.ErrNotFound)
}

func TestDiff(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	store := snapshot.New(fs)
	require.NoError(t, fs.Write(ctx, "/a", []byte("1")))
	_, err := store.Create(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, fs.Write(ctx, "/a", []byte("2")))
	require.NoError(t, fs.Write(ctx, "/c", []byte("3")))
	_, err = store.Create(ctx, "s2")
	require.NoError(t, err)

	d, err := store.Diff("s1", "s2")
	require.NoError(t, err)
	require.Equal(t, []vfs.Path{"/c"}, d.Added)
	require.Equal(t, []vfs.Path{"/a"}, d.Changed)
	require.Empty(t, d.Removed)
}

func TestPruneKeepsMostRecentAndGenesis(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	store := snapshot.New(fs)
	_, err := store.EnsureGenesis(ctx)
	require.NoError(t, err)

	for _, name := range []string{"s1", "s2", "s3"} {
		require.NoError(t, fs.Write(ctx, "/a", []byte(name)))
		_, err := store.Create(ctx, name)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, store.Prune(ctx, 1))

	names := store.List()
	require.ElementsMatch(t, []string{snapshot.GenesisName, "s3"}, names)
}

func TestPruneNoopWhenUnderLimit(t *testing.T) {
	fs := newFS()
	ctx := context.Background()
	store := snapshot.New(fs)
	_, err := store.EnsureGenesis(ctx)
	require.NoError(t, err)
	_, err = store.Create(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, store.Prune(ctx, 5))

	require.ElementsMatch(t, []string{snapshot.GenesisName, "s1"}, store.List())
}

func stripSnapshots(b vfs.ExportBundle) []vfs.FileEntry {
	var out []vfs.FileEntry
	for _, f := range b.Files {
		if !f.Path.IsSnapshotPath() {
			out = append(out, f)
		}
	}
	return out
}
