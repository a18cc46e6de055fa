package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestComputeManifest_SmallFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "small.bin")

	testData := []byte("Hello, P2P!\n")
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	manifest, err := ComputeManifest(testFile, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	if manifest.ChunkCount != 1 {
		t.Errorf("expected 1 chunk, got %d", manifest.ChunkCount)
	}
	if manifest.FileSize != int64(len(testData)) {
		t.Errorf("expected file size %d, got %d", len(testData), manifest.FileSize)
	}
	if manifest.FileName != "small.bin" {
		t.Errorf("expected filename small.bin, got %s", manifest.FileName)
	}
	if manifest.HashAlgo != "SHA-256" {
		t.Errorf("expected hash algo SHA-256, got %s", manifest.HashAlgo)
	}
	if len(manifest.Chunks) != 1 {
		t.Fatalf("expected 1 chunk descriptor, got %d", len(manifest.Chunks))
	}
	if manifest.Chunks[0].Length != len(testData) {
		t.Errorf("expected chunk length %d, got %d", len(testData), manifest.Chunks[0].Length)
	}

	sum := sha256.Sum256(testData)
	want := hex.EncodeToString(sum[:])
	if manifest.FileDigest != want {
		t.Errorf("file digest = %s, want %s", manifest.FileDigest, want)
	}
	if manifest.Chunks[0].Hash != want {
		t.Errorf("chunk digest = %s, want %s", manifest.Chunks[0].Hash, want)
	}
	if err := manifest.Validate(); err != nil {
		t.Errorf("manifest failed validation: %v", err)
	}
}

func TestComputeManifest_MultipleChunks(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "multi.bin")

	// 700 KiB: 256 + 256 + 188 KiB, exercising a short tail chunk.
	testData := make([]byte, 700*1024)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	manifest, err := ComputeManifest(testFile, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	if manifest.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", manifest.ChunkCount)
	}
	if manifest.Chunks[0].Length != FixedChunkSize {
		t.Errorf("chunk 0 length = %d, want %d", manifest.Chunks[0].Length, FixedChunkSize)
	}
	if manifest.Chunks[1].Length != FixedChunkSize {
		t.Errorf("chunk 1 length = %d, want %d", manifest.Chunks[1].Length, FixedChunkSize)
	}
	if manifest.Chunks[2].Length != 188*1024 {
		t.Errorf("chunk 2 length = %d, want %d", manifest.Chunks[2].Length, 188*1024)
	}

	// Whole-file digest invariant: concatenating the chunks and hashing
	// reproduces the file digest.
	sum := sha256.Sum256(testData)
	if manifest.FileDigest != hex.EncodeToString(sum[:]) {
		t.Error("file digest does not match concatenation of chunk bytes")
	}
}

func TestComputeManifest_Deterministic(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "deterministic.bin")

	testData := []byte("Deterministic test data")
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	m1, err := ComputeManifest(testFile, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("first ComputeManifest failed: %v", err)
	}
	m2, err := ComputeManifest(testFile, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("second ComputeManifest failed: %v", err)
	}

	if m1.Chunks[0].Hash != m2.Chunks[0].Hash {
		t.Error("chunk hashes should be identical for the same file")
	}
	if m1.FileDigest != m2.FileDigest {
		t.Error("file digests should be identical for the same file")
	}
}

func TestReadChunkAt(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "chunks.bin")

	chunkSize := 1024
	testData := make([]byte, chunkSize*3)
	for i := range testData {
		testData[i] = byte(i % 256)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	chunk0, err := ReadChunkAt(testFile, 0, chunkSize)
	if err != nil {
		t.Fatalf("ReadChunkAt(0) failed: %v", err)
	}
	if len(chunk0) != chunkSize {
		t.Errorf("expected chunk size %d, got %d", chunkSize, len(chunk0))
	}

	chunk1, err := ReadChunkAt(testFile, 1, chunkSize)
	if err != nil {
		t.Fatalf("ReadChunkAt(1) failed: %v", err)
	}
	for i := 0; i < chunkSize; i++ {
		if chunk0[i] != testData[i] {
			t.Fatalf("chunk 0 byte %d mismatch", i)
		}
		if chunk1[i] != testData[chunkSize+i] {
			t.Fatalf("chunk 1 byte %d mismatch", i)
		}
	}
}

func TestComputeManifest_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "empty.bin")

	if err := os.WriteFile(testFile, []byte{}, 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	manifest, err := ComputeManifest(testFile, DefaultChunkOptions())
	if err != nil {
		t.Fatalf("ComputeManifest failed: %v", err)
	}

	if manifest.FileSize != 0 {
		t.Errorf("expected file size 0, got %d", manifest.FileSize)
	}
	if manifest.ChunkCount != 1 {
		t.Errorf("expected 1 chunk for empty file, got %d", manifest.ChunkCount)
	}
}

func TestComputeManifest_FileNotFound(t *testing.T) {
	_, err := ComputeManifest("/nonexistent/file.bin", DefaultChunkOptions())
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}
