package vfs

import "errors"

// Error kinds for VFS operations, per spec §7. Use errors.Is against these
// sentinels; Error.Kind also exposes the taxonomy value for callers that want
// to branch without importing the errors package.
var (
	ErrPathInvalid    = errors.New("vfs: path invalid")
	ErrReadonly       = errors.New("vfs: readonly")
	ErrQuotaExceeded  = errors.New("vfs: quota exceeded")
	ErrFileTooLarge   = errors.New("vfs: file too large")
	ErrNotFound       = errors.New("vfs: not found")
	ErrSnapshotLocked = errors.New("vfs: snapshot immutable")
)

// Error wraps a VFS sentinel with the offending path for diagnostics.
type Error struct {
	Kind error
	Path Path
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + string(e.Path)
}

func (e *Error) Unwrap() error { return e.Kind }

func wrapErr(kind error, path Path) error {
	return &Error{Kind: kind, Path: path}
}
