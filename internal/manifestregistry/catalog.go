package manifestregistry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nodeswarm/peernode/internal/chunker"
)

// Catalog is the on-disk discoverability cache for remote manifests: a
// catalog of "digest D exists, is named F, is N bytes" entries that survive
// a restart, purely advisory. It never stores chunk bytes or in-progress
// download state, so loading it at startup does not resume downloads
// across restarts: a loaded entry is not treated as available until a
// live peer's availability-index record backs it again.
type Catalog struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenCatalog opens (creating if necessary) the SQLite-backed catalog at
// dbPath.
func OpenCatalog(dbPath string) (*Catalog, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("manifestregistry: create catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("manifestregistry: open catalog %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS remote_manifests (
			file_digest TEXT PRIMARY KEY,
			manifest_json TEXT NOT NULL,
			cached_at TIMESTAMP NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifestregistry: init catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Put records a remote manifest's existence in the catalog.
func (c *Catalog) Put(m *chunker.Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifestregistry: marshal manifest: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO remote_manifests (file_digest, manifest_json, cached_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_digest) DO UPDATE SET manifest_json = excluded.manifest_json, cached_at = excluded.cached_at`,
		m.FileDigest, string(payload), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("manifestregistry: write catalog entry: %w", err)
	}
	return nil
}

// LoadAll returns every manifest recorded in the catalog, for pre-populating
// the in-memory registry at startup.
func (c *Catalog) LoadAll() ([]*chunker.Manifest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT manifest_json FROM remote_manifests`)
	if err != nil {
		return nil, fmt.Errorf("manifestregistry: query catalog: %w", err)
	}
	defer rows.Close()

	var out []*chunker.Manifest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("manifestregistry: scan catalog row: %w", err)
		}
		var m chunker.Manifest
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}
