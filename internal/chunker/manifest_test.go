package chunker

import "testing"

func validManifest() *Manifest {
	return &Manifest{
		FileDigest: "abc123",
		FileName:   "report.pdf",
		FileSize:   FixedChunkSize + 10,
		ChunkSize:  FixedChunkSize,
		ChunkCount: 2,
		HashAlgo:   "SHA-256",
		Chunks: []ChunkDescriptor{
			{Index: 0, Hash: "h0", Length: FixedChunkSize},
			{Index: 1, Hash: "h1", Length: 10},
		},
	}
}

func TestManifestValidate_OK(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid manifest, got %v", err)
	}
}

func TestManifestValidate_WrongChunkSize(t *testing.T) {
	m := validManifest()
	m.ChunkSize = 1024
	if err := m.Validate(); err == nil {
		t.Fatal("expected rejection for non-standard chunk size")
	}
}

func TestManifestValidate_WrongChunkCount(t *testing.T) {
	m := validManifest()
	m.ChunkCount = 3
	if err := m.Validate(); err == nil {
		t.Fatal("expected rejection for mismatched chunk count")
	}
}

func TestManifestValidate_MismatchedDescriptorLength(t *testing.T) {
	m := validManifest()
	m.Chunks = m.Chunks[:1]
	if err := m.Validate(); err == nil {
		t.Fatal("expected rejection when descriptor list length disagrees with chunk count")
	}
}

func TestManifestValidate_EmptyFilename(t *testing.T) {
	m := validManifest()
	m.FileName = ""
	if err := m.Validate(); err == nil {
		t.Fatal("expected rejection for empty filename")
	}
}

func TestManifestValidate_PathSeparatorInFilename(t *testing.T) {
	m := validManifest()
	m.FileName = "../etc/passwd"
	if err := m.Validate(); err == nil {
		t.Fatal("expected rejection for filename containing a path separator")
	}
}
