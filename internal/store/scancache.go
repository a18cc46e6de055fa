package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/nodeswarm/peernode/internal/chunker"
)

var scanCacheBucket = []byte("scan_cache")

// ScanCache is the (path, size, mtime) -> manifest cache consulted before
// re-hashing a shared file on Add local file. A cache hit still stats the
// file to detect staleness; only the hash pass is skipped. It is purely a
// performance aid over locally-shared files and never stores in-progress
// download state.
type ScanCache struct {
	db *bolt.DB

	// OnHit/OnMiss, if set, observe each Lookup outcome (wired to the
	// scan-cache counters by the node).
	OnHit  func()
	OnMiss func()
}

type scanCacheEntry struct {
	Size     int64             `json:"size"`
	ModUnix  int64             `json:"mod_unix"`
	Manifest *chunker.Manifest `json:"manifest"`
}

// OpenScanCache opens (creating if necessary) the bolt-backed cache at
// dbPath.
func OpenScanCache(dbPath string) (*ScanCache, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create scan cache dir: %w", err)
		}
	}
	db, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open scan cache %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(scanCacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init scan cache bucket: %w", err)
	}
	return &ScanCache{db: db}, nil
}

// Lookup returns the cached manifest for path if its recorded size and
// mtime still match, signalling a cache hit that lets the caller skip the
// hash pass.
func (c *ScanCache) Lookup(path string, size int64, modTime time.Time) (*chunker.Manifest, bool) {
	var entry scanCacheEntry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(scanCacheBucket)
		raw := b.Get([]byte(path))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found || entry.Size != size || entry.ModUnix != modTime.UnixNano() {
		if c.OnMiss != nil {
			c.OnMiss()
		}
		return nil, false
	}
	if c.OnHit != nil {
		c.OnHit()
	}
	return entry.Manifest, true
}

// Store records path's manifest under its current size and mtime.
func (c *ScanCache) Store(path string, size int64, modTime time.Time, manifest *chunker.Manifest) {
	entry := scanCacheEntry{Size: size, ModUnix: modTime.UnixNano(), Manifest: manifest}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(scanCacheBucket)
		return b.Put([]byte(path), payload)
	})
}

// Close releases the underlying database handle.
func (c *ScanCache) Close() error {
	return c.db.Close()
}
