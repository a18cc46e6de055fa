package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithDigest adds file digest context to logger.
func (l *Logger) WithDigest(digest string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("digest", digest).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// HandshakeEstablished logs a session completing its handshake.
func (l *Logger) HandshakeEstablished(peerID, remoteAddr string, filesAdvertised int) {
	l.logger.Info().
		Str("peer_id", peerID).
		Str("remote_addr", remoteAddr).
		Int("files_advertised", filesAdvertised).
		Msg("handshake established")
}

// HandshakeTimedOut logs a session that never completed its handshake in time.
func (l *Logger) HandshakeTimedOut(remoteAddr string, elapsed time.Duration) {
	l.logger.Warn().
		Str("remote_addr", remoteAddr).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("handshake timed out")
}

// ChunkVerified logs a chunk accepted into a download.
func (l *Logger) ChunkVerified(digest string, chunkIndex int, received, total int) {
	l.logger.Debug().
		Str("digest", digest).
		Int("chunk_index", chunkIndex).
		Int("received", received).
		Int("total", total).
		Msg("chunk verified and written")
}

// ChunkRejected logs a chunk that failed its per-chunk digest check.
func (l *Logger) ChunkRejected(digest string, chunkIndex int, peerID string) {
	l.logger.Warn().
		Str("digest", digest).
		Int("chunk_index", chunkIndex).
		Str("peer_id", peerID).
		Msg("chunk hash mismatch, discarded")
}

// DownloadCompleted logs a download finalized successfully.
func (l *Logger) DownloadCompleted(digest string, fileSize int64, duration time.Duration) {
	l.logger.Info().
		Str("digest", digest).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Msg("download completed, whole-file digest verified")
}

// DownloadStalled logs a scheduler giving up on a download.
func (l *Logger) DownloadStalled(digest string, missingChunks int, cycles int) {
	l.logger.Error().
		Str("digest", digest).
		Int("missing_chunks", missingChunks).
		Int("poll_cycles", cycles).
		Msg("download stalled, no progress and retries exhausted")
}

// PeerDetached logs a peer removed from the availability index.
func (l *Logger) PeerDetached(peerID string) {
	l.logger.Info().
		Str("peer_id", peerID).
		Msg("peer detached")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
