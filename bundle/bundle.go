// Package bundle implements the §6 export/import format: a single
// self-contained snapshot of a REPLOID instance's VFS content and audit
// history, suitable for moving a run between processes or archiving it.
package bundle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/reploid-dev/reploid/audit"
	"github.com/reploid-dev/reploid/cycle"
	"github.com/reploid-dev/reploid/vfs"
)

// MajorVersion is bumped whenever the bundle wire format changes
// incompatibly. Importers reject any bundle whose major version differs.
const MajorVersion = 1

type (
	// Manifest summarizes a bundle's contents for a quick human glance
	// without decoding the full payload.
	Manifest struct {
		TotalCycles int `json:"total_cycles"`
		FileCount   int `json:"file_count"`
		EventCount  int `json:"event_count"`
	}

	// Version is the bundle format version, major.minor.
	Version struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
	}

	// FileRecord is one VFS entry as carried in a bundle: content plus
	// enough metadata (logical clock, origin peer) to reimport it without
	// losing the VFS's causal ordering.
	FileRecord struct {
		ContentB64   string    `json:"content_b64"`
		UpdatedAt    time.Time `json:"updated_at"`
		LogicalClock uint64    `json:"logical_clock"`
		OriginPeer   string    `json:"origin_peer"`
	}

	// Bundle is the full exported state of one REPLOID instance: every VFS
	// file plus its recorded audit events, wrapped with a manifest and
	// format version.
	Bundle struct {
		Version    Version               `json:"version"`
		ExportedAt string                `json:"exported_at"`
		Manifest   Manifest              `json:"manifest"`
		State      cycle.Counters        `json:"state"`
		Events     []audit.Event         `json:"events"`
		Files      map[string]FileRecord `json:"files"`
	}
)

// Export builds a Bundle from the current VFS contents and audit log,
// stamping exportedAt (the caller supplies this; this package never reads the
// wall clock itself).
func Export(fs *vfs.Vfs, log *audit.Log, state cycle.Counters, exportedAt string) Bundle {
	all := fs.ExportAll()
	files := make(map[string]FileRecord, len(all.Files))
	for _, f := range all.Files {
		files[string(f.Path)] = FileRecord{
			ContentB64:   base64.StdEncoding.EncodeToString(f.Content),
			UpdatedAt:    f.UpdatedAt,
			LogicalClock: f.LogicalClock,
			OriginPeer:   f.OriginPeer,
		}
	}
	events := log.Events()
	return Bundle{
		Version:    Version{Major: MajorVersion, Minor: 0},
		ExportedAt: exportedAt,
		Manifest: Manifest{
			TotalCycles: state.CycleCount,
			FileCount:   len(files),
			EventCount:  len(events),
		},
		State:  state,
		Events: events,
		Files:  files,
	}
}

// Import decodes a Bundle's files into fs (clearFirst chooses between
// ImportAll's replace-or-merge semantics) and returns its audit events so the
// caller can replay them or feed them to a fresh audit.Log. Bundles whose
// major version does not match MajorVersion are rejected.
func Import(fs *vfs.Vfs, b Bundle, clearFirst bool) ([]audit.Event, error) {
	if b.Version.Major != MajorVersion {
		return nil, fmt.Errorf("bundle: unsupported major version %d (expected %d)", b.Version.Major, MajorVersion)
	}
	files := make([]vfs.FileEntry, 0, len(b.Files))
	for p, rec := range b.Files {
		content, err := base64.StdEncoding.DecodeString(rec.ContentB64)
		if err != nil {
			return nil, fmt.Errorf("bundle: decode %q: %w", p, err)
		}
		files = append(files, vfs.FileEntry{
			Path:         vfs.Path(p),
			Content:      content,
			Size:         len(content),
			UpdatedAt:    rec.UpdatedAt,
			LogicalClock: rec.LogicalClock,
			OriginPeer:   rec.OriginPeer,
		})
	}
	fs.ImportAll(vfs.ExportBundle{Files: files}, clearFirst)
	return b.Events, nil
}

// WriteFile marshals b as indented JSON and writes it to path.
func WriteFile(path string, b Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads and unmarshals a Bundle previously written by WriteFile.
func ReadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("bundle: unmarshal %s: %w", path, err)
	}
	return b, nil
}
