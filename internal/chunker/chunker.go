package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ComputeManifest streams filePath once, computing the whole-file digest and
// each chunk's digest in a single pass, and returns the resulting manifest.
func ComputeManifest(filePath string, options ChunkOptions) (*Manifest, error) {
	if options.ChunkSize <= 0 {
		options = DefaultChunkOptions()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("chunker: open %s: %w", filePath, err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("chunker: stat %s: %w", filePath, err)
	}

	fileSize := fileInfo.Size()
	fileName := filepath.Base(filePath)
	chunkCount := chunkCountFor(fileSize, int64(options.ChunkSize))

	whole := sha256.New()
	chunks := make([]ChunkDescriptor, 0, chunkCount)
	buffer := make([]byte, options.ChunkSize)

	if fileSize == 0 {
		digest := hex.EncodeToString(whole.Sum(nil))
		chunkHash := digest
		return &Manifest{
			FileDigest: digest,
			FileName:   fileName,
			FileSize:   0,
			ChunkSize:  options.ChunkSize,
			ChunkCount: 1,
			HashAlgo:   "SHA-256",
			Chunks: []ChunkDescriptor{{
				Index:  0,
				Hash:   chunkHash,
				Length: 0,
			}},
		}, nil
	}

	for i := 0; ; i++ {
		n, readErr := io.ReadFull(file, buffer)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return nil, fmt.Errorf("chunker: read chunk %d of %s: %w", i, filePath, readErr)
		}
		if n == 0 {
			break
		}

		chunkHasher := sha256.New()
		chunkHasher.Write(buffer[:n])
		chunkDigest := hex.EncodeToString(chunkHasher.Sum(nil))

		whole.Write(buffer[:n])

		chunks = append(chunks, ChunkDescriptor{
			Index:  i,
			Hash:   chunkDigest,
			Length: n,
		})

		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF || n < len(buffer) {
			break
		}
	}

	manifest := &Manifest{
		FileDigest: hex.EncodeToString(whole.Sum(nil)),
		FileName:   fileName,
		FileSize:   fileSize,
		ChunkSize:  options.ChunkSize,
		ChunkCount: len(chunks),
		HashAlgo:   "SHA-256",
		Chunks:     chunks,
	}

	return manifest, nil
}

func chunkCountFor(fileSize, chunkSize int64) int {
	if fileSize == 0 {
		return 1
	}
	count := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		count++
	}
	return int(count)
}

// ReadChunkAt reads up to chunkSize bytes at chunkIndex*chunkSize from
// filePath. The returned slice may be shorter than chunkSize for the tail
// chunk. Reading at or past end of file returns an empty slice and a nil
// error; callers translate a zero-length read into "chunk not found"
// themselves.
func ReadChunkAt(filePath string, chunkIndex int, chunkSize int) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("chunker: open %s: %w", filePath, err)
	}
	defer file.Close()

	offset := int64(chunkIndex) * int64(chunkSize)
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("chunker: seek to offset %d: %w", offset, err)
	}

	buffer := make([]byte, chunkSize)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("chunker: read chunk %d: %w", chunkIndex, err)
	}

	return buffer[:n], nil
}
