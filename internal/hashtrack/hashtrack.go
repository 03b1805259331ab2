// Package hashtrack provides the content-hash ledger for reconciled files.
//
// The ledger is independent of git state: after a successful auto-apply the
// dependent's digest is recorded, so later runs and external tooling can
// verify the dependent is current even across uncommitted edits.
package hashtrack

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"knit/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS hashes (
	path TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Tracker is the sqlite-backed digest ledger.
type Tracker struct {
	db   *sql.DB
	root string
}

// Open opens or creates the ledger at {dir}/hashes.db. Paths passed to the
// tracker are resolved relative to root.
func Open(dir, root string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating control directory: %w", err)
	}

	dbPath := filepath.Join(dir, "hashes.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	db.Exec("PRAGMA busy_timeout=5000")

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Tracker{db: db, root: root}, nil
}

// Close closes the ledger database.
func (t *Tracker) Close() error {
	if t.db != nil {
		return t.db.Close()
	}
	return nil
}

// UpdateHash records the current digest of the file at path.
func (t *Tracker) UpdateHash(path string) error {
	content, err := os.ReadFile(filepath.Join(t.root, path))
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	digest := util.Blake3HashHex(content)
	_, err = t.db.Exec(
		`INSERT OR REPLACE INTO hashes (path, digest, updated_at) VALUES (?, ?, ?)`,
		path, digest, util.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("recording digest for %s: %w", path, err)
	}
	return nil
}

// GetHash returns the recorded digest for path, or "" if none exists.
func (t *Tracker) GetHash(path string) (string, error) {
	var digest string
	err := t.db.QueryRow(`SELECT digest FROM hashes WHERE path = ?`, path).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying digest for %s: %w", path, err)
	}
	return digest, nil
}

// HasChanged reports whether the file's content differs from its recorded
// digest. A file with no recorded digest counts as changed.
func (t *Tracker) HasChanged(path string) (bool, error) {
	recorded, err := t.GetHash(path)
	if err != nil {
		return false, err
	}
	if recorded == "" {
		return true, nil
	}

	content, err := os.ReadFile(filepath.Join(t.root, path))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}

	return util.Blake3HashHex(content) != recorded, nil
}
