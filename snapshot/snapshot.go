// Package snapshot implements whole-VFS snapshots: the genesis baseline
// captured at first boot plus named recovery points created during
// operation. See spec §3 (Snapshot) and §4.3.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/reploid-dev/reploid/vfs"
)

// GenesisName is the distinguished, immutable snapshot created exactly once
// at first boot. Any Create("genesis") after the first fails with
// ErrGenesisExists; any VFS write/delete under its storage prefix fails with
// vfs.ErrReadonly unconditionally (see vfs.Path.IsGenesisPath).
const GenesisName = "genesis"

var (
	// ErrGenesisExists is returned when Create("genesis") is called a second time.
	ErrGenesisExists = errors.New("snapshot: genesis already exists")
	// ErrNotFound is returned by Restore/Diff for an unknown snapshot name.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrInvalidName rejects names that would escape the reserved /.snapshots/ prefix.
	ErrInvalidName = errors.New("snapshot: invalid name")
)

type (
	// Snapshot is the metadata record for a named, point-in-time copy of VFS
	// content. Files are not duplicated in this struct — they live under
	// /.snapshots/<name>/ inside the VFS itself; Files here is a convenience
	// listing of the paths captured.
	Snapshot struct {
		Name      string
		CreatedAt time.Time
		Files     []vfs.Path // original (pre-snapshot-prefix) paths captured
	}

	// Diff describes the difference between two snapshots.
	Diff struct {
		Added   []vfs.Path
		Removed []vfs.Path
		Changed []vfs.Path
	}

	// Store creates, restores, lists, and diffs VFS snapshots. A Store wraps
	// a single *vfs.Vfs and is safe for concurrent use to the extent the
	// underlying Vfs is.
	Store struct {
		fs      *vfs.Vfs
		archive *Archive
	}
)

// New constructs a Store backed by fs. It does not create genesis; callers
// must call EnsureGenesis once at first boot.
func New(fs *vfs.Vfs) *Store {
	return &Store{fs: fs}
}

// WithArchive attaches an off-VFS SQLite archive that mirrors every
// Create/Prune. Returns s for chaining at construction time.
func (s *Store) WithArchive(archive *Archive) *Store {
	s.archive = archive
	return s
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\x00") && name != "." && name != ".."
}

// EnsureGenesis creates the genesis snapshot if it does not already exist.
// Idempotent: calling it again after genesis exists is a no-op (unlike
// Create("genesis"), which always fails on a second call).
func (s *Store) EnsureGenesis(ctx context.Context) (Snapshot, error) {
	if existing, err := s.loadMeta(GenesisName); err == nil {
		return existing, nil
	}
	return s.create(ctx, GenesisName, false)
}

// Create captures every path not under /.snapshots/ into a new named
// snapshot. Create("genesis") fails with ErrGenesisExists once genesis has
// already been created (use EnsureGenesis for idempotent bootstrap).
func (s *Store) Create(ctx context.Context, name string) (Snapshot, error) {
	return s.create(ctx, name, true)
}

func (s *Store) create(ctx context.Context, name string, rejectDuplicateGenesis bool) (Snapshot, error) {
	if !validName(name) {
		return Snapshot{}, ErrInvalidName
	}
	if name == GenesisName && rejectDuplicateGenesis {
		if _, err := s.loadMeta(GenesisName); err == nil {
			return Snapshot{}, ErrGenesisExists
		}
	}

	wctx := vfs.WithSnapshotWriter(ctx)
	prefix := snapshotDataPrefix(name)
	paths := s.fs.List("/")
	var captured []vfs.Path
	for _, p := range paths {
		if p.IsSnapshotPath() {
			continue
		}
		content, err := s.readFull(p)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: read %s: %w", p, err)
		}
		dest := vfs.Path(prefix + strings.TrimPrefix(string(p), "/"))
		if err := s.fs.Write(wctx, dest, content); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: write %s: %w", dest, err)
		}
		captured = append(captured, p)
	}
	sort.Slice(captured, func(i, j int) bool { return captured[i] < captured[j] })

	snap := Snapshot{Name: name, CreatedAt: time.Now(), Files: captured}
	if err := s.writeMeta(wctx, snap); err != nil {
		return Snapshot{}, err
	}
	if s.archive != nil {
		if err := s.archive.Record(ctx, snap); err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

// Restore replaces VFS contents with the named snapshot's captured files,
// preserving /.snapshots/ itself (so other snapshots, including genesis,
// remain intact). Paths not present in the snapshot are deleted; paths
// present with different content are overwritten, and paths whose content
// already matches are left untouched.
func (s *Store) Restore(ctx context.Context, name string) error {
	snap, err := s.loadMeta(name)
	if err != nil {
		return err
	}
	wctx := vfs.WithSnapshotWriter(ctx)
	prefix := snapshotDataPrefix(name)

	wanted := make(map[vfs.Path]bool, len(snap.Files))
	for _, p := range snap.Files {
		wanted[p] = true
		content, err := s.fs.ReadUnbounded(vfs.Path(prefix + strings.TrimPrefix(string(p), "/")))
		if err != nil {
			return fmt.Errorf("snapshot: restore read %s: %w", p, err)
		}
		if cur, err := s.fs.ReadUnbounded(p); err == nil && bytes.Equal(cur, content) {
			continue
		}
		if err := s.fs.Write(wctx, p, content); err != nil {
			return fmt.Errorf("snapshot: restore write %s: %w", p, err)
		}
	}
	for _, p := range s.fs.List("/") {
		if p.IsSnapshotPath() {
			continue
		}
		if !wanted[p] {
			if err := s.fs.Delete(wctx, p); err != nil {
				return fmt.Errorf("snapshot: restore delete %s: %w", p, err)
			}
		}
	}
	return nil
}

// List returns the names of every snapshot, lexically ordered.
func (s *Store) List() []string {
	var names []string
	seen := map[string]bool{}
	for _, p := range s.fs.List(vfs.SnapshotPrefix) {
		rest := strings.TrimPrefix(string(p), vfs.SnapshotPrefix)
		if idx := strings.Index(rest, "/"); idx > 0 {
			name := rest[:idx]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Diff compares the file sets and content hashes of two snapshots.
func (s *Store) Diff(a, b string) (Diff, error) {
	sa, err := s.loadMeta(a)
	if err != nil {
		return Diff{}, err
	}
	sb, err := s.loadMeta(b)
	if err != nil {
		return Diff{}, err
	}
	setA := map[vfs.Path][]byte{}
	for _, p := range sa.Files {
		content, _ := s.fs.ReadUnbounded(vfs.Path(snapshotDataPrefix(a) + strings.TrimPrefix(string(p), "/")))
		setA[p] = content
	}
	setB := map[vfs.Path][]byte{}
	for _, p := range sb.Files {
		content, _ := s.fs.ReadUnbounded(vfs.Path(snapshotDataPrefix(b) + strings.TrimPrefix(string(p), "/")))
		setB[p] = content
	}

	var d Diff
	for p := range setB {
		if _, ok := setA[p]; !ok {
			d.Added = append(d.Added, p)
		} else if string(setA[p]) != string(setB[p]) {
			d.Changed = append(d.Changed, p)
		}
	}
	for p := range setA {
		if _, ok := setB[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i] < d.Added[j] })
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i] < d.Removed[j] })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i] < d.Changed[j] })
	return d, nil
}

// Prune deletes the oldest non-genesis snapshots so that at most keep named
// snapshots remain besides genesis (spec §6 config key snapshot_retention).
// Genesis is never pruned. keep <= 0 is a no-op.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	names := s.List()
	var prunable []Snapshot
	for _, name := range names {
		if name == GenesisName {
			continue
		}
		meta, err := s.loadMeta(name)
		if err != nil {
			return fmt.Errorf("snapshot: prune load %s: %w", name, err)
		}
		prunable = append(prunable, meta)
	}
	if len(prunable) <= keep {
		return nil
	}
	sort.Slice(prunable, func(i, j int) bool { return prunable[i].CreatedAt.Before(prunable[j].CreatedAt) })
	toRemove := prunable[:len(prunable)-keep]

	wctx := vfs.WithSnapshotWriter(ctx)
	for _, snap := range toRemove {
		prefix := snapshotDataPrefix(snap.Name)
		for _, p := range s.fs.List(prefix) {
			if err := s.fs.Delete(wctx, p); err != nil {
				return fmt.Errorf("snapshot: prune delete %s: %w", p, err)
			}
		}
		if err := s.fs.Delete(wctx, snapshotMetaPath(snap.Name)); err != nil {
			return fmt.Errorf("snapshot: prune delete meta %s: %w", snap.Name, err)
		}
		if s.archive != nil {
			if err := s.archive.Forget(ctx, snap.Name); err != nil {
				return fmt.Errorf("snapshot: prune forget %s: %w", snap.Name, err)
			}
		}
	}
	return nil
}

func snapshotDataPrefix(name string) string {
	return vfs.SnapshotPrefix + name + "/data/"
}

func snapshotMetaPath(name string) vfs.Path {
	return vfs.Path(vfs.SnapshotPrefix + name + "/meta.json")
}

// readFull bypasses the read-size ceiling: snapshotting must capture files
// regardless of the ordinary read limit, since it operates on raw storage,
// not agent-facing reads.
func (s *Store) readFull(p vfs.Path) ([]byte, error) {
	return s.fs.ReadUnbounded(p)
}

func (s *Store) writeMeta(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal meta: %w", err)
	}
	return s.fs.Write(ctx, snapshotMetaPath(snap.Name), raw)
}

func (s *Store) loadMeta(name string) (Snapshot, error) {
	if !validName(name) {
		return Snapshot{}, ErrInvalidName
	}
	raw, err := s.fs.ReadUnbounded(snapshotMetaPath(name))
	if err != nil {
		return Snapshot{}, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: unmarshal meta %s: %w", name, err)
	}
	return snap, nil
}
