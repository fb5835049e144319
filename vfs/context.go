package vfs

import "context"

// snapshotWriterKey gates writes under /.snapshots/: only package snapshot
// installs this marker on the context it passes to Write/Delete, so ordinary
// callers (tools, the agent cycle) always get ErrReadonly for that prefix
// per spec §4.2.
type snapshotWriterKey struct{}

// WithSnapshotWriter marks ctx as originating from the Snapshot Store,
// permitting writes under /.snapshots/ (but never under
// /.snapshots/genesis/, which is unconditionally immutable).
func WithSnapshotWriter(ctx context.Context) context.Context {
	return context.WithValue(ctx, snapshotWriterKey{}, true)
}

func isSnapshotWriter(ctx context.Context) bool {
	v, _ := ctx.Value(snapshotWriterKey{}).(bool)
	return v
}
