package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nodeswarm/peernode/internal/chunker"
	"github.com/nodeswarm/peernode/internal/manifestregistry"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAddLocalFileRegistersManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hello.txt", []byte("hello world"))

	reg := manifestregistry.New()
	s := New(dir, t.TempDir(), reg, nil)

	manifest, err := s.AddLocalFile(path)
	if err != nil {
		t.Fatalf("AddLocalFile: %v", err)
	}
	if manifest.FileName != "hello.txt" {
		t.Errorf("FileName = %s", manifest.FileName)
	}
	got, ok := reg.LocalPath(manifest.FileDigest)
	if !ok || got != path {
		t.Fatalf("LocalPath = %s, %v", got, ok)
	}
}

func TestAddLocalFileUsesScanCacheOnHit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cached.txt", []byte("cache me"))

	cache, err := OpenScanCache(filepath.Join(t.TempDir(), "scan.db"))
	if err != nil {
		t.Fatalf("OpenScanCache: %v", err)
	}
	defer cache.Close()

	reg := manifestregistry.New()
	s := New(dir, t.TempDir(), reg, cache)

	first, err := s.AddLocalFile(path)
	if err != nil {
		t.Fatalf("AddLocalFile (1st): %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	cached, ok := cache.Lookup(path, info.Size(), info.ModTime())
	if !ok {
		t.Fatal("expected scan cache hit after first AddLocalFile")
	}
	if cached.FileDigest != first.FileDigest {
		t.Errorf("cached digest = %s, want %s", cached.FileDigest, first.FileDigest)
	}

	second, err := s.AddLocalFile(path)
	if err != nil {
		t.Fatalf("AddLocalFile (2nd): %v", err)
	}
	if second.FileDigest != first.FileDigest {
		t.Errorf("second digest = %s, want %s", second.FileDigest, first.FileDigest)
	}
}

func TestReadChunkNotFoundCases(t *testing.T) {
	dir := t.TempDir()
	reg := manifestregistry.New()
	s := New(dir, t.TempDir(), reg, nil)

	if _, err := s.ReadChunk("unknown-digest", 0); err != ErrNotFound {
		t.Fatalf("ReadChunk unknown digest = %v, want ErrNotFound", err)
	}

	path := writeFile(t, dir, "f.txt", []byte("content"))
	manifest, err := s.AddLocalFile(path)
	if err != nil {
		t.Fatalf("AddLocalFile: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.ReadChunk(manifest.FileDigest, 0); err != ErrNotFound {
		t.Fatalf("ReadChunk missing backing file = %v, want ErrNotFound", err)
	}
}

func TestBeginDownloadIdempotent(t *testing.T) {
	dir := t.TempDir()
	srcDir := t.TempDir()
	path := writeFile(t, srcDir, "src.bin", []byte("0123456789"))

	srcReg := manifestregistry.New()
	srcStore := New(srcDir, t.TempDir(), srcReg, nil)
	manifest, err := srcStore.AddLocalFile(path)
	if err != nil {
		t.Fatalf("AddLocalFile: %v", err)
	}

	downloadDir := t.TempDir()
	reg := manifestregistry.New()
	if err := reg.RegisterRemote(manifest); err != nil {
		t.Fatalf("RegisterRemote: %v", err)
	}
	s := New(dir, downloadDir, reg, nil)

	if err := s.BeginDownload(manifest.FileDigest); err != nil {
		t.Fatalf("BeginDownload (1st): %v", err)
	}
	if err := s.BeginDownload(manifest.FileDigest); err != nil {
		t.Fatalf("BeginDownload (2nd, idempotent): %v", err)
	}

	missing := s.MissingChunks(manifest.FileDigest)
	if len(missing) != manifest.ChunkCount {
		t.Fatalf("missing = %v, want %d entries", missing, manifest.ChunkCount)
	}
}

func TestBeginDownloadUnknownDigest(t *testing.T) {
	reg := manifestregistry.New()
	s := New(t.TempDir(), t.TempDir(), reg, nil)
	if err := s.BeginDownload("nope"); err == nil {
		t.Fatal("expected error beginning download for unknown digest")
	}
}

// buildSourceManifest shares content from a source store/registry pair and
// returns the manifest, for use seeding a separate downloader-side store.
func buildSourceManifest(t *testing.T, content []byte) (*chunker.Manifest, *Store) {
	t.Helper()
	srcDir := t.TempDir()
	path := writeFile(t, srcDir, "payload.bin", content)
	srcReg := manifestregistry.New()
	srcStore := New(srcDir, t.TempDir(), srcReg, nil)
	manifest, err := srcStore.AddLocalFile(path)
	if err != nil {
		t.Fatalf("AddLocalFile: %v", err)
	}
	return manifest, srcStore
}

func TestWriteChunkHashMismatch(t *testing.T) {
	manifest, srcStore := buildSourceManifest(t, []byte("abcdefghij"))
	_ = srcStore

	reg := manifestregistry.New()
	if err := reg.RegisterRemote(manifest); err != nil {
		t.Fatalf("RegisterRemote: %v", err)
	}
	s := New(t.TempDir(), t.TempDir(), reg, nil)
	if err := s.BeginDownload(manifest.FileDigest); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}

	_, err := s.WriteChunk(manifest.FileDigest, 0, []byte("wrong bytes"))
	if err != ErrHashMismatch {
		t.Fatalf("WriteChunk with bad data = %v, want ErrHashMismatch", err)
	}
}

func TestWriteChunkCompletesAndFinalizes(t *testing.T) {
	content := make([]byte, chunker.FixedChunkSize+1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	manifest, srcStore := buildSourceManifest(t, content)

	reg := manifestregistry.New()
	if err := reg.RegisterRemote(manifest); err != nil {
		t.Fatalf("RegisterRemote: %v", err)
	}
	downloadDir := t.TempDir()
	s := New(t.TempDir(), downloadDir, reg, nil)
	if err := s.BeginDownload(manifest.FileDigest); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}

	var lastComplete bool
	for i := 0; i < manifest.ChunkCount; i++ {
		data, err := srcStore.ReadChunk(manifest.FileDigest, i)
		if err != nil {
			t.Fatalf("source ReadChunk(%d): %v", i, err)
		}
		complete, err := s.WriteChunk(manifest.FileDigest, i, data)
		if err != nil {
			t.Fatalf("WriteChunk(%d): %v", i, err)
		}
		lastComplete = complete
	}
	if !lastComplete {
		t.Fatal("expected final WriteChunk to report complete")
	}

	finalPath := filepath.Join(downloadDir, manifest.FileName)
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile final: %v", err)
	}
	if string(got) != string(content) {
		t.Fatal("finalized file content does not match source content")
	}

	path, ok := reg.LocalPath(manifest.FileDigest)
	if !ok || path != finalPath {
		t.Fatalf("registry not promoted to local: path=%s ok=%v", path, ok)
	}
}

// TestMissingChunksAfterFinalizeIsEmpty guards against a finalized download
// being re-reported as fully missing once it drops out of the in-progress
// downloads map and becomes a local registry record.
func TestMissingChunksAfterFinalizeIsEmpty(t *testing.T) {
	content := []byte("small file content")
	manifest, srcStore := buildSourceManifest(t, content)

	reg := manifestregistry.New()
	if err := reg.RegisterRemote(manifest); err != nil {
		t.Fatalf("RegisterRemote: %v", err)
	}
	s := New(t.TempDir(), t.TempDir(), reg, nil)
	if err := s.BeginDownload(manifest.FileDigest); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}

	for i := 0; i < manifest.ChunkCount; i++ {
		data, err := srcStore.ReadChunk(manifest.FileDigest, i)
		if err != nil {
			t.Fatalf("ReadChunk(%d): %v", i, err)
		}
		if _, err := s.WriteChunk(manifest.FileDigest, i, data); err != nil {
			t.Fatalf("WriteChunk(%d): %v", i, err)
		}
	}

	if _, ok := reg.LocalPath(manifest.FileDigest); !ok {
		t.Fatal("expected digest to be promoted to local after finalize")
	}

	missing := s.MissingChunks(manifest.FileDigest)
	if len(missing) != 0 {
		t.Fatalf("MissingChunks after finalize = %v, want empty", missing)
	}
}

func TestMissingChunksUnknownDigestIsEmpty(t *testing.T) {
	reg := manifestregistry.New()
	s := New(t.TempDir(), t.TempDir(), reg, nil)
	missing := s.MissingChunks("never-heard-of-it")
	if len(missing) != 0 {
		t.Fatalf("MissingChunks for unknown digest = %v, want empty", missing)
	}
}
