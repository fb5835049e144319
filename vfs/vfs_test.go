package vfs_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/vfs"
)

func TestWriteReadStatRoundTrip(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/a/b.txt", []byte("hello")))

	got, err := v.Read("/a/b.txt")
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, []byte("hello")))

	st, err := v.Stat("/a/b.txt")
	require.NoError(t, err)
	require.Equal(t, 5, st.Size)
	require.Equal(t, uint64(1), st.LogicalClock)
}

func TestStatSizeMatchesReadLength(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/f", []byte("0123456789")))
	st, err := v.Stat("/f")
	require.NoError(t, err)
	content, err := v.Read("/f")
	require.NoError(t, err)
	require.Equal(t, st.Size, len(content))
}

func TestLogicalClockStrictlyMonotonic(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/f", []byte("1")))
	st1, _ := v.Stat("/f")
	require.NoError(t, v.Write(ctx, "/f", []byte("2")))
	st2, _ := v.Stat("/f")
	require.Less(t, st1.LogicalClock, st2.LogicalClock)
}

func TestInvalidPathRejected(t *testing.T) {
	v := vfs.New(vfs.Options{})
	err := v.Write(context.Background(), "no-leading-slash", []byte("x"))
	require.ErrorIs(t, err, vfs.ErrPathInvalid)
	err = v.Write(context.Background(), "/a/../b", []byte("x"))
	require.ErrorIs(t, err, vfs.ErrPathInvalid)
}

func TestReadFileTooLarge(t *testing.T) {
	v := vfs.New(vfs.Options{ReadCeilingBytes: 4})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/big.bin", []byte("12345")))
	_, err := v.Read("/big.bin")
	require.ErrorIs(t, err, vfs.ErrFileTooLarge)
	// The write itself still succeeded.
	st, err := v.Stat("/big.bin")
	require.NoError(t, err)
	require.Equal(t, 5, st.Size)
}

func TestQuotaExceeded(t *testing.T) {
	v := vfs.New(vfs.Options{TotalQuotaBytes: 5})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/a", []byte("12345")))
	err := v.Write(ctx, "/b", []byte("x"))
	require.ErrorIs(t, err, vfs.ErrQuotaExceeded)
}

func TestGenesisPathAlwaysReadonly(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := vfs.WithSnapshotWriter(context.Background())
	err := v.Write(ctx, "/.snapshots/genesis/core/x", []byte("evil"))
	require.ErrorIs(t, err, vfs.ErrReadonly)
}

func TestOrdinaryCallerCannotWriteSnapshotPrefix(t *testing.T) {
	v := vfs.New(vfs.Options{})
	err := v.Write(context.Background(), "/.snapshots/foo/x", []byte("x"))
	require.ErrorIs(t, err, vfs.ErrReadonly)
}

func TestListLexicalOrder(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	for _, p := range []string{"/b", "/a", "/c"} {
		require.NoError(t, v.Write(ctx, vfs.Path(p), []byte("x")))
	}
	require.Equal(t, []vfs.Path{"/a", "/b", "/c"}, v.List("/"))
}

func TestWatchFiresOnMatchingWrite(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	var got vfs.WatchEvent
	v.Watch("/tools", func(_ context.Context, evt vfs.WatchEvent) { got = evt })
	require.NoError(t, v.Write(ctx, "/tools/add.js", []byte("x")))
	require.Equal(t, vfs.WatchWrite, got.Kind)
	require.Equal(t, vfs.Path("/tools/add.js"), got.Path)

	require.NoError(t, v.Write(ctx, "/other/x", []byte("y")))
	require.Equal(t, vfs.Path("/tools/add.js"), got.Path, "watch must not fire for non-matching prefix")
}

func TestUnwatchStopsDelivery(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	calls := 0
	sub := v.Watch("/", func(context.Context, vfs.WatchEvent) { calls++ })
	require.NoError(t, v.Write(ctx, "/a", []byte("x")))
	v.Unwatch(sub)
	require.NoError(t, v.Write(ctx, "/b", []byte("x")))
	require.Equal(t, 1, calls)
}

func TestCloneIsIndependent(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/a", []byte("orig")))
	clone := v.Clone()
	require.NoError(t, clone.Write(ctx, "/a", []byte("mutated")))

	got, _ := v.Read("/a")
	require.Equal(t, "orig", string(got))
	gotClone, _ := clone.Read("/a")
	require.Equal(t, "mutated", string(gotClone))
}

func TestExportImportRoundTrip(t *testing.T) {
	v := vfs.New(vfs.Options{})
	ctx := context.Background()
	require.NoError(t, v.Write(ctx, "/a", []byte("1")))
	require.NoError(t, v.Write(ctx, "/b", []byte("2")))
	bundle := v.ExportAll()

	fresh := vfs.New(vfs.Options{})
	fresh.ImportAll(bundle, true)
	require.Equal(t, bundle, fresh.ExportAll())
}

func TestNotFound(t *testing.T) {
	v := vfs.New(vfs.Options{})
	_, err := v.Read("/missing")
	require.True(t, errors.Is(err, vfs.ErrNotFound))
	_, err = v.Stat("/missing")
	require.True(t, errors.Is(err, vfs.ErrNotFound))
	err = v.Delete(context.Background(), "/missing")
	require.True(t, errors.Is(err, vfs.ErrNotFound))
}
