// Package vfs implements the versioned path→blob store that holds all
// REPLOID code, tools, memory, and snapshots. Every read and write the agent
// performs goes through this package. See spec §3 (Data Model) and §4.2.
package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/reploid-dev/reploid/bus"
)

type (
	// FileEntry is the persisted unit of VFS content. Size is derived from
	// Content and always kept consistent with it (spec invariant:
	// stat(p).size == len(read(p))).
	FileEntry struct {
		Path         Path
		Content      []byte
		Size         int
		UpdatedAt    time.Time
		LogicalClock uint64
		OriginPeer   string
	}

	// Stat is the metadata-only view returned by Vfs.Stat.
	Stat struct {
		Size         int
		UpdatedAt    time.Time
		LogicalClock uint64
		OriginPeer   string
	}

	// WatchKind discriminates the kind of change a watch handler observes.
	WatchKind string

	// WatchEvent is delivered to watch handlers on matching writes/deletes.
	WatchEvent struct {
		Kind  WatchKind
		Path  Path
		Entry FileEntry // zero value when Kind == WatchDelete
	}

	// WatchHandler receives WatchEvent notifications for a registered prefix.
	WatchHandler func(ctx context.Context, evt WatchEvent)

	// WatchSubscription is returned by Watch and passed to Unwatch.
	WatchSubscription struct{ id uint64 }

	// ExportBundle is the full-content dump produced by ExportAll and
	// consumed by ImportAll.
	ExportBundle struct {
		Files []FileEntry
	}

	// Options configures a Vfs instance.
	Options struct {
		// PeerID tags every locally originated write (used by swarm LWW merge).
		PeerID string
		// ReadCeilingBytes bounds the size of any single Read; default 1 MiB.
		ReadCeilingBytes int64
		// TotalQuotaBytes bounds the sum of all file sizes; 0 means unlimited.
		TotalQuotaBytes int64
		// Bus, if set, receives "vfs:write" and "vfs:delete" emits.
		Bus *bus.Bus
	}

	watcher struct {
		id      uint64
		prefix  string
		handler WatchHandler
	}

	// Vfs is a persistent, transactional-per-op mapping from Path to
	// FileEntry. A *Vfs is safe for concurrent use.
	Vfs struct {
		mu               sync.RWMutex
		files            map[Path]FileEntry
		peerID           string
		clock            uint64
		readCeilingBytes int64
		totalQuotaBytes  int64
		totalSize        int64
		watchers         []watcher
		nextWatchID      uint64
		bus              *bus.Bus
	}
)

const (
	WatchWrite  WatchKind = "write"
	WatchDelete WatchKind = "delete"

	defaultReadCeilingBytes = 1 << 20 // 1 MiB
)

// New constructs an empty Vfs. A zero-value Options uses peer "local" and the
// default 1 MiB read ceiling with no quota.
func New(opts Options) *Vfs {
	peer := opts.PeerID
	if peer == "" {
		peer = "local"
	}
	ceiling := opts.ReadCeilingBytes
	if ceiling <= 0 {
		ceiling = defaultReadCeilingBytes
	}
	return &Vfs{
		files:            make(map[Path]FileEntry),
		peerID:           peer,
		readCeilingBytes: ceiling,
		totalQuotaBytes:  opts.TotalQuotaBytes,
		bus:              opts.Bus,
	}
}

// Read returns the bytes stored at path. Fails with ErrNotFound if absent, or
// ErrFileTooLarge if the file exceeds the configured read ceiling — the
// write that created it still succeeded, per spec §8 boundary behavior.
func (v *Vfs) Read(path Path) ([]byte, error) {
	if !path.Validate() {
		return nil, wrapErr(ErrPathInvalid, path)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.files[path]
	if !ok {
		return nil, wrapErr(ErrNotFound, path)
	}
	if int64(entry.Size) > v.readCeilingBytes {
		return nil, wrapErr(ErrFileTooLarge, path)
	}
	out := make([]byte, len(entry.Content))
	copy(out, entry.Content)
	return out, nil
}

// ReadUnbounded returns the bytes stored at path ignoring the configured
// read ceiling. Intended for internal storage-layer consumers (package
// snapshot capturing/restoring content, package swarm exchanging entries)
// that must handle files regardless of size; agent-facing reads must use
// Read instead so FileTooLarge protection applies.
func (v *Vfs) ReadUnbounded(path Path) ([]byte, error) {
	if !path.Validate() {
		return nil, wrapErr(ErrPathInvalid, path)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.files[path]
	if !ok {
		return nil, wrapErr(ErrNotFound, path)
	}
	out := make([]byte, len(entry.Content))
	copy(out, entry.Content)
	return out, nil
}

// Stat returns metadata for path without reading its content (so it is
// exempt from the read-ceiling check).
func (v *Vfs) Stat(path Path) (Stat, error) {
	if !path.Validate() {
		return Stat{}, wrapErr(ErrPathInvalid, path)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.files[path]
	if !ok {
		return Stat{}, wrapErr(ErrNotFound, path)
	}
	return Stat{Size: entry.Size, UpdatedAt: entry.UpdatedAt, LogicalClock: entry.LogicalClock, OriginPeer: entry.OriginPeer}, nil
}

// Write stores content at path, bumping the Lamport clock and tagging the
// entry with the local peer id. Fails with ErrPathInvalid, ErrReadonly (path
// under an immutable snapshot prefix), or ErrQuotaExceeded.
func (v *Vfs) Write(ctx context.Context, path Path, content []byte) error {
	return v.write(ctx, path, content, v.peerID, 0, false)
}

// WriteRemote applies a swarm-originated write without LWW merge semantics,
// keeping the entry's origin peer and logical clock. Package swarm calls it
// only after it has already decided the incoming entry wins, and package
// audit's ReplayVFS uses it to reapply logged writes. Most callers should use
// Write instead.
func (v *Vfs) WriteRemote(ctx context.Context, entry FileEntry) error {
	return v.write(ctx, entry.Path, entry.Content, entry.OriginPeer, entry.LogicalClock, true)
}

func (v *Vfs) write(ctx context.Context, path Path, content []byte, origin string, clock uint64, remote bool) error {
	if !path.Validate() {
		return wrapErr(ErrPathInvalid, path)
	}
	if path.IsSnapshotPath() && !isSnapshotWriter(ctx) {
		return wrapErr(ErrReadonly, path)
	}
	if path.IsGenesisPath() && !isSnapshotWriter(ctx) {
		return wrapErr(ErrReadonly, path)
	}

	v.mu.Lock()
	prev, existed := v.files[path]
	newSize := int64(len(content))
	delta := newSize
	if existed {
		delta -= int64(prev.Size)
	}
	if v.totalQuotaBytes > 0 && v.totalSize+delta > v.totalQuotaBytes {
		v.mu.Unlock()
		return wrapErr(ErrQuotaExceeded, path)
	}

	entry := FileEntry{Path: path, Content: append([]byte(nil), content...), Size: len(content), UpdatedAt: time.Now(), OriginPeer: origin}
	if remote {
		entry.LogicalClock = clock
	} else {
		v.clock++
		entry.LogicalClock = v.clock
	}
	v.files[path] = entry
	v.totalSize += delta
	watchers := v.matchingWatchers(path)
	v.mu.Unlock()

	v.notify(ctx, WatchEvent{Kind: WatchWrite, Path: path, Entry: entry}, watchers)
	if v.bus != nil {
		v.bus.Emit(ctx, "vfs:write", entry)
	}
	return nil
}

// Delete removes path. Fails with ErrReadonly for snapshot-prefixed paths and
// ErrNotFound if absent.
func (v *Vfs) Delete(ctx context.Context, path Path) error {
	if !path.Validate() {
		return wrapErr(ErrPathInvalid, path)
	}
	if path.IsSnapshotPath() && !isSnapshotWriter(ctx) {
		return wrapErr(ErrReadonly, path)
	}
	if path.IsGenesisPath() && !isSnapshotWriter(ctx) {
		return wrapErr(ErrReadonly, path)
	}

	v.mu.Lock()
	entry, ok := v.files[path]
	if !ok {
		v.mu.Unlock()
		return wrapErr(ErrNotFound, path)
	}
	delete(v.files, path)
	v.totalSize -= int64(entry.Size)
	watchers := v.matchingWatchers(path)
	v.mu.Unlock()

	v.notify(ctx, WatchEvent{Kind: WatchDelete, Path: path}, watchers)
	if v.bus != nil {
		v.bus.Emit(ctx, "vfs:delete", path)
	}
	return nil
}

// List returns every path under prefix in lexical order. prefix may be a
// plain path prefix or a doublestar glob pattern (e.g. "/tools/**").
func (v *Vfs) List(prefix string) []Path {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []Path
	for p := range v.files {
		if matchPrefix(prefix, p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Watch registers handler to fire on subsequent writes/deletes under prefix
// (plain prefix or doublestar glob). Returns a subscription for Unwatch.
func (v *Vfs) Watch(prefix string, handler WatchHandler) WatchSubscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextWatchID++
	id := v.nextWatchID
	v.watchers = append(v.watchers, watcher{id: id, prefix: prefix, handler: handler})
	return WatchSubscription{id: id}
}

// Unwatch removes a watch subscription.
func (v *Vfs) Unwatch(sub WatchSubscription) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, w := range v.watchers {
		if w.id == sub.id {
			v.watchers = append(v.watchers[:i:i], v.watchers[i+1:]...)
			return
		}
	}
}

// Clone returns a disposable in-memory copy of v sharing no mutable state
// with the parent. Used by the arena and verification sandbox so trial
// mutations never touch the live VFS.
func (v *Vfs) Clone() *Vfs {
	v.mu.RLock()
	defer v.mu.RUnlock()
	clone := &Vfs{
		files:            make(map[Path]FileEntry, len(v.files)),
		peerID:           v.peerID,
		clock:            v.clock,
		readCeilingBytes: v.readCeilingBytes,
		totalQuotaBytes:  v.totalQuotaBytes,
		totalSize:        v.totalSize,
	}
	for p, e := range v.files {
		e.Content = append([]byte(nil), e.Content...)
		clone.files[p] = e
	}
	return clone
}

// ExportAll returns every file in the VFS (including /.snapshots/ content).
// Package bundle relies on this when exporting full state, but Snapshot
// Store's own Create excludes /.snapshots/ by construction (spec §4.3).
func (v *Vfs) ExportAll() ExportBundle {
	v.mu.RLock()
	defer v.mu.RUnlock()
	files := make([]FileEntry, 0, len(v.files))
	for _, e := range v.files {
		e.Content = append([]byte(nil), e.Content...)
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return ExportBundle{Files: files}
}

// ImportAll replaces (clearFirst=true) or merges (clearFirst=false) the VFS
// contents with bundle. Import bypasses quota checks and readonly gating so
// that full-state restores (genesis or swarm catch-up) always succeed; it
// preserves each entry's stored logical clock and origin peer verbatim.
func (v *Vfs) ImportAll(bundle ExportBundle, clearFirst bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if clearFirst {
		v.files = make(map[Path]FileEntry, len(bundle.Files))
		v.totalSize = 0
	}
	for _, e := range bundle.Files {
		e.Content = append([]byte(nil), e.Content...)
		if prev, ok := v.files[e.Path]; ok {
			v.totalSize -= int64(prev.Size)
		}
		v.files[e.Path] = e
		v.totalSize += int64(e.Size)
		if e.LogicalClock > v.clock {
			v.clock = e.LogicalClock
		}
	}
}

// PeerID returns the local peer identifier used to tag writes.
func (v *Vfs) PeerID() string { return v.peerID }

// Clock returns the current local Lamport clock value.
func (v *Vfs) Clock() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.clock
}

// AdvanceClock sets the local Lamport clock to max(current, next) + 1, used
// by the swarm layer on message receipt (spec §4.11: L := max(L, L') + 1).
func (v *Vfs) AdvanceClock(next uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if next > v.clock {
		v.clock = next
	}
	v.clock++
}

func (v *Vfs) matchingWatchers(path Path) []watcher {
	var out []watcher
	for _, w := range v.watchers {
		if matchPrefix(w.prefix, path) {
			out = append(out, w)
		}
	}
	return out
}

func (v *Vfs) notify(ctx context.Context, evt WatchEvent, watchers []watcher) {
	for _, w := range watchers {
		w.handler(ctx, evt)
	}
}

func matchPrefix(pattern string, p Path) bool {
	if strings.ContainsAny(pattern, "*?[{") {
		ok, err := doublestar.Match(pattern, strings.TrimPrefix(string(p), "/"))
		return err == nil && ok
	}
	return p.HasPrefix(pattern)
}
