package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Archive mirrors snapshot metadata into a local SQLite database, outside the
// VFS itself. Restoring REPLOID from a corrupted or lost VFS still needs a
// record of what snapshots existed and when; Archive is that off-VFS
// durability layer. It never holds file content, only Snapshot records —
// content recovery still requires the VFS or an exported bundle.
type Archive struct {
	dbPath string
}

// OpenArchive opens (creating if absent) a SQLite database at dbPath and
// ensures its schema exists.
func OpenArchive(ctx context.Context, dbPath string) (*Archive, error) {
	a := &Archive{dbPath: dbPath}
	db, err := a.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS snapshots (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		file_count INTEGER NOT NULL,
		files TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: archive schema: %w", err)
	}
	return a, nil
}

func (a *Archive) open() (*sql.DB, error) {
	return sql.Open("sqlite", a.dbPath)
}

// Record upserts snap's metadata into the archive.
func (a *Archive) Record(ctx context.Context, snap Snapshot) error {
	files, err := json.Marshal(snap.Files)
	if err != nil {
		return fmt.Errorf("snapshot: archive marshal files: %w", err)
	}
	db, err := a.open()
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx,
		`INSERT INTO snapshots (name, created_at, file_count, files) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET created_at=excluded.created_at, file_count=excluded.file_count, files=excluded.files`,
		snap.Name, snap.CreatedAt.Unix(), len(snap.Files), string(files))
	if err != nil {
		return fmt.Errorf("snapshot: archive record %s: %w", snap.Name, err)
	}
	return nil
}

// Forget removes name's archived record, mirroring Store.Prune.
func (a *Archive) Forget(ctx context.Context, name string) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name)
	return err
}

// Names returns every archived snapshot name, most recently created first.
func (a *Archive) Names(ctx context.Context) ([]string, error) {
	db, err := a.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.QueryContext(ctx, `SELECT name FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close is a no-op; Archive opens and closes a connection per call rather
// than holding one open, matching the teacher's sqlite store style.
func (a *Archive) Close() error { return nil }
