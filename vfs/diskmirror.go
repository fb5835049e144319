package vfs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// DiskMirror watches an on-disk directory and mirrors file writes/removals
// into a Vfs under destPrefix, so an operator editing files with an ordinary
// editor (outside any agent tool call) can feed content into the VFS without
// going through the Tool Runner. This is the on-disk storage adapter's watch
// source referenced by spec §3's pluggable storage backends; REPLOID itself
// never shells out to an editor or filesystem directly.
type DiskMirror struct {
	watcher    *fsnotify.Watcher
	fs         *Vfs
	root       string
	destPrefix string
	done       chan struct{}
}

// NewDiskMirror starts watching root (recursively) and mirrors changes under
// destPrefix inside fs. Call Close to stop watching.
func NewDiskMirror(fs *Vfs, root, destPrefix string) (*DiskMirror, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	}); err != nil {
		w.Close()
		return nil, err
	}
	m := &DiskMirror{watcher: w, fs: fs, root: root, destPrefix: destPrefix, done: make(chan struct{})}
	go m.loop()
	return m, nil
}

func (m *DiskMirror) loop() {
	ctx := context.Background()
	for {
		select {
		case <-m.done:
			return
		case evt, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handle(ctx, evt)
		case <-m.watcher.Errors:
			// Best-effort mirror: a watch error just means that one event was
			// missed, not that the mirror itself should stop.
		}
	}
}

func (m *DiskMirror) handle(ctx context.Context, evt fsnotify.Event) {
	dest := m.destPath(evt.Name)
	if dest == "" {
		return
	}
	switch {
	case evt.Op&(fsnotify.Write|fsnotify.Create) != 0:
		info, err := os.Stat(evt.Name)
		if err != nil || info.IsDir() {
			return
		}
		content, err := os.ReadFile(evt.Name)
		if err != nil {
			return
		}
		_ = m.fs.Write(ctx, dest, content)
	case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		_ = m.fs.Delete(ctx, dest)
	}
}

func (m *DiskMirror) destPath(diskPath string) Path {
	rel, err := filepath.Rel(m.root, diskPath)
	if err != nil || rel == "." {
		return ""
	}
	return Path(m.destPrefix + filepath.ToSlash(rel))
}

// Close stops the underlying watcher and the mirror goroutine.
func (m *DiskMirror) Close() error {
	close(m.done)
	return m.watcher.Close()
}
