package node

import (
	"time"

	"github.com/nodeswarm/peernode/internal/chunker"
	"github.com/nodeswarm/peernode/internal/scheduler"
)

// Config bundles every tunable the node needs: listen address, shared and
// download directories, and the concurrency/retry/timeout knobs (kept as
// config fields rather than hard-coded so cmd/ can override them with
// flags).
type Config struct {
	Host string
	Port int

	SharedDir   string
	DownloadDir string

	// PeerID is the caller-supplied identity string advertised in every
	// handshake. Generating and persisting it is the caller's job; the
	// node only consumes it.
	PeerID string

	ChunkSize int

	MaxOutstandingPerFile int
	MaxChunkRetries       int
	HandshakeTimeout      time.Duration

	// AcceptRatePerSecond/AcceptBurst bound the node's own inbound accept
	// loop, distinct from any peer-fairness/choking policy.
	AcceptRatePerSecond float64
	AcceptBurst         int

	// ScanCachePath, if non-empty, enables the bolt-backed local scan
	// cache. CatalogPath, if non-empty, enables the sqlite-backed
	// manifest discoverability cache.
	ScanCachePath string
	CatalogPath   string

	ServiceVersion string
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  6881,
		SharedDir:             "./shared",
		DownloadDir:           "./downloads",
		ChunkSize:             chunker.FixedChunkSize,
		MaxOutstandingPerFile: scheduler.MaxOutstanding,
		MaxChunkRetries:       scheduler.MaxRetries,
		HandshakeTimeout:      15 * time.Second,
		AcceptRatePerSecond:   50,
		AcceptBurst:           100,
		ServiceVersion:        "dev",
	}
}
