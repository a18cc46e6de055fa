// Package store implements the chunk store: reading chunks from shared
// files, writing chunks into pre-allocated sparse download files, and
// finalizing a download once every chunk has been verified.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nodeswarm/peernode/internal/chunker"
	"github.com/nodeswarm/peernode/internal/manifestregistry"
)

var (
	// ErrNotFound is returned by ReadChunk when the digest is unknown, the
	// backing file is missing, or the read came back empty.
	ErrNotFound = errors.New("store: chunk not found")
	// ErrUnknownDownload is returned when operating on a digest with no
	// Begin call on record.
	ErrUnknownDownload = errors.New("store: unknown download")
	// ErrHashMismatch is returned by WriteChunk when the supplied bytes do
	// not hash to the manifest's per-chunk digest.
	ErrHashMismatch = errors.New("store: chunk hash mismatch")
	// ErrIntegrityError is returned by finalize when the recomputed
	// whole-file digest does not match the manifest digest.
	ErrIntegrityError = errors.New("store: whole-file digest mismatch on finalize")
)

// download is the in-memory state for one in-progress digest.
type download struct {
	manifest *chunker.Manifest
	tmpPath  string
	chunks   *ChunkSet
}

// Store owns the shared directory, the download directory, the manifest
// registry, and every in-progress download's chunk set and temp file.
type Store struct {
	mu          sync.Mutex
	sharedDir   string
	downloadDir string
	registry    *manifestregistry.Registry
	downloads   map[string]*download
	scanCache   *ScanCache
}

// New builds a Store rooted at sharedDir/downloadDir, backed by registry
// for manifest bookkeeping. scanCache may be nil to disable the local scan
// cache.
func New(sharedDir, downloadDir string, registry *manifestregistry.Registry, scanCache *ScanCache) *Store {
	return &Store{
		sharedDir:   sharedDir,
		downloadDir: downloadDir,
		registry:    registry,
		downloads:   make(map[string]*download),
		scanCache:   scanCache,
	}
}

// AddLocalFile stats path, computes its manifest (consulting the scan
// cache if configured), and registers it as a local file record.
func (s *Store) AddLocalFile(path string) (*chunker.Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}

	if s.scanCache != nil {
		if m, ok := s.scanCache.Lookup(path, info.Size(), info.ModTime()); ok {
			if err := s.registry.RegisterLocal(m, path); err != nil {
				return nil, err
			}
			return m, nil
		}
	}

	manifest, err := chunker.ComputeManifest(path, chunker.DefaultChunkOptions())
	if err != nil {
		return nil, err
	}
	if err := s.registry.RegisterLocal(manifest, path); err != nil {
		return nil, err
	}
	if s.scanCache != nil {
		s.scanCache.Store(path, info.Size(), info.ModTime(), manifest)
	}
	return manifest, nil
}

// ReadChunk resolves digest's local path, seeks to index*chunk_size, and
// reads up to chunk_size bytes. The tail chunk may be shorter.
func (s *Store) ReadChunk(digest string, index int) ([]byte, error) {
	path, ok := s.registry.LocalPath(digest)
	if !ok {
		return nil, ErrNotFound
	}
	manifest, err := s.registry.Get(digest)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := chunker.ReadChunkAt(path, index, manifest.ChunkSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// BeginDownload creates the sparse temp file for digest and records empty
// download state. Idempotent: a second call for an already in-progress
// download is a no-op.
func (s *Store) BeginDownload(digest string) error {
	manifest, err := s.registry.Get(digest)
	if err != nil {
		return fmt.Errorf("store: begin download %s: %w", digest, manifestregistry.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.downloads[digest]; exists {
		return nil
	}

	if err := os.MkdirAll(s.downloadDir, 0o755); err != nil {
		return fmt.Errorf("store: create download dir: %w", err)
	}
	tmpPath := filepath.Join(s.downloadDir, "."+manifest.FileName+".part")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("store: create temp file %s: %w", tmpPath, err)
	}
	defer f.Close()

	if manifest.FileSize > 0 {
		if _, err := f.WriteAt([]byte{0}, manifest.FileSize-1); err != nil {
			return fmt.Errorf("store: pre-size temp file %s: %w", tmpPath, err)
		}
	}

	s.downloads[digest] = &download{
		manifest: manifest,
		tmpPath:  tmpPath,
		chunks:   NewChunkSet(manifest.ChunkCount),
	}
	return nil
}

// WriteChunk verifies data against manifest.Chunks[index].Hash, writes it
// into the temp file on match, and advances the chunk set. Returns
// (complete, error): complete is true when this write completed the
// download and finalize succeeded.
func (s *Store) WriteChunk(digest string, index int, data []byte) (bool, error) {
	s.mu.Lock()
	dl, ok := s.downloads[digest]
	s.mu.Unlock()
	if !ok {
		return false, ErrUnknownDownload
	}
	if index < 0 || index >= dl.manifest.ChunkCount {
		return false, fmt.Errorf("store: chunk index %d out of range for %s", index, digest)
	}

	sum := sha256.Sum256(data)
	digestHex := hex.EncodeToString(sum[:])
	if digestHex != dl.manifest.Chunks[index].Hash {
		return false, ErrHashMismatch
	}

	f, err := os.OpenFile(dl.tmpPath, os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("store: open temp file %s: %w", dl.tmpPath, err)
	}
	offset := int64(index) * int64(dl.manifest.ChunkSize)
	_, writeErr := f.WriteAt(data, offset)
	closeErr := f.Close()
	if writeErr != nil {
		return false, fmt.Errorf("store: write chunk %d of %s: %w", index, digest, writeErr)
	}
	if closeErr != nil {
		return false, fmt.Errorf("store: close temp file %s: %w", dl.tmpPath, closeErr)
	}

	if err := dl.chunks.Set(index); err != nil {
		return false, err
	}

	if !dl.chunks.IsComplete() {
		return false, nil
	}
	if err := s.finalize(digest, dl); err != nil {
		return false, err
	}
	return true, nil
}

// IsComplete reports whether digest's chunk set covers every chunk. A
// digest with a local file record (a shared file, or a download that has
// finalized) reports true; an unknown digest reports false.
func (s *Store) IsComplete(digest string) bool {
	s.mu.Lock()
	dl, ok := s.downloads[digest]
	s.mu.Unlock()
	if !ok {
		_, hasLocal := s.registry.LocalPath(digest)
		return hasLocal
	}
	return dl.chunks.IsComplete()
}

// MissingChunks returns the ascending complement of digest's chunk set. For
// a known manifest with no Begin call yet, the full range; for an unknown
// digest, empty.
func (s *Store) MissingChunks(digest string) []int {
	s.mu.Lock()
	dl, inProgress := s.downloads[digest]
	s.mu.Unlock()
	if inProgress {
		return dl.chunks.Missing()
	}

	if _, hasLocal := s.registry.LocalPath(digest); hasLocal {
		return nil
	}

	manifest, err := s.registry.Get(digest)
	if err != nil {
		return nil
	}
	full := make([]int, manifest.ChunkCount)
	for i := range full {
		full[i] = i
	}
	return full
}

// Progress reports (received, total) chunks for an in-progress download.
func (s *Store) Progress(digest string) (received, total int, ok bool) {
	s.mu.Lock()
	dl, exists := s.downloads[digest]
	s.mu.Unlock()
	if !exists {
		return 0, 0, false
	}
	r, t := dl.chunks.Progress()
	return r, t, true
}

// finalize recomputes the whole-file digest over the temp file; on match,
// renames it to the final path and registers a local file record; on
// mismatch, leaves the temp file in place and returns ErrIntegrityError.
func (s *Store) finalize(digest string, dl *download) error {
	sum, err := hashFile(dl.tmpPath)
	if err != nil {
		return fmt.Errorf("store: hash temp file for finalize: %w", err)
	}
	if sum != digest {
		return ErrIntegrityError
	}

	finalPath := filepath.Join(s.downloadDir, dl.manifest.FileName)
	if err := os.Rename(dl.tmpPath, finalPath); err != nil {
		return fmt.Errorf("store: rename %s to %s: %w", dl.tmpPath, finalPath, err)
	}

	s.registry.PromoteToLocal(digest, finalPath)

	s.mu.Lock()
	delete(s.downloads, digest)
	s.mu.Unlock()
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
