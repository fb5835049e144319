package vfs

import (
	"strings"
	"unicode"
)

// Path is a normalized VFS address: "/" followed by "/"-separated
// non-empty segments of printable ASCII. Paths are case-sensitive and never
// contain "..". See Normalize and Validate.
type Path string

// SnapshotPrefix is the reserved prefix under which the Snapshot Store keeps
// its content. Writes and deletes targeting this prefix are rejected with
// ErrReadonly except when performed by the Snapshot Store itself (see
// package snapshot, which uses the WithSnapshotWriter escape hatch).
const SnapshotPrefix = "/.snapshots/"

// GenesisPrefix is the immutable genesis snapshot's storage prefix.
const GenesisPrefix = SnapshotPrefix + "genesis/"

// Normalize cleans a raw path string: collapses repeated slashes and
// trailing slashes. It does not validate the result; call Validate (or rely
// on Vfs operations, which validate internally) to reject malformed paths.
func Normalize(raw string) Path {
	if raw == "" {
		return ""
	}
	segs := splitSegments(raw)
	return Path("/" + strings.Join(segs, "/"))
}

func splitSegments(raw string) []string {
	parts := strings.Split(raw, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// Validate reports whether p is a well-formed VFS path: starts with "/", has
// no empty segments, no "..", printable ASCII only, and no leading
// whitespace in any segment.
func (p Path) Validate() bool {
	s := string(p)
	if s == "" || s[0] != '/' {
		return false
	}
	if s != "/" && strings.HasSuffix(s, "/") {
		return false
	}
	segs := splitSegments(s)
	if len(segs) == 0 {
		return false
	}
	for _, seg := range segs {
		if seg == ".." || seg == "." {
			return false
		}
		if len(seg) > 0 && unicode.IsSpace(rune(seg[0])) {
			return false
		}
		for _, r := range seg {
			if r > unicode.MaxASCII || !unicode.IsPrint(r) {
				return false
			}
		}
	}
	return true
}

// HasPrefix reports whether p lies under prefix (segment-aware: "/ab"
// is not under "/a").
func (p Path) HasPrefix(prefix string) bool {
	s := string(p)
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" || prefix == "/" {
		return true
	}
	return s == prefix || strings.HasPrefix(s, prefix+"/")
}

// IsSnapshotPath reports whether p lies under the reserved /.snapshots/ tree.
func (p Path) IsSnapshotPath() bool {
	return p.HasPrefix(strings.TrimSuffix(SnapshotPrefix, "/"))
}

// IsGenesisPath reports whether p lies under /.snapshots/genesis/.
func (p Path) IsGenesisPath() bool {
	return p.HasPrefix(strings.TrimSuffix(GenesisPrefix, "/"))
}
