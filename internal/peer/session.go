package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodeswarm/peernode/internal/availability"
	"github.com/nodeswarm/peernode/internal/chunker"
	"github.com/nodeswarm/peernode/internal/manifestregistry"
	"github.com/nodeswarm/peernode/internal/observability"
	"github.com/nodeswarm/peernode/internal/store"
	"github.com/nodeswarm/peernode/internal/wire"
)

// State is the session state machine's current phase.
type State int

const (
	StateOpened State = iota
	StateAwaitingHandshake
	StateEstablished
	StateClosed
)

// DefaultHandshakeTimeout is the recommended bound from transport attach to
// the peer's handshake frame.
const DefaultHandshakeTimeout = 15 * time.Second

// outboxCapacity bounds outbound frames queued for the write loop.
const outboxCapacity = 64

var (
	// ErrSessionClosed is returned by outbound operations on a session that
	// has already transitioned to Closed.
	ErrSessionClosed = errors.New("peer: session closed")
	// ErrHandshakeTimeout is the terminal error when the peer never sends a
	// handshake within the configured bound.
	ErrHandshakeTimeout = errors.New("peer: handshake timeout")
)

// Handlers bundles the shared, mutex-protected components every session
// routes inbound messages into.
type Handlers struct {
	Registry     *manifestregistry.Registry
	Availability *availability.Index
	Store        *store.Store
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Session is one live TCP connection's framing, state machine, and remote
// identity.
type Session struct {
	id          string
	localPeerID string
	transport   Transport
	reader      *wire.Reader
	writer      *wire.Writer
	handlers    *Handlers
	handshakeTO time.Duration

	mu           sync.RWMutex
	state        State
	remotePeerID string

	outbox      chan *wire.Message
	established chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewSession wraps transport in a session identified locally as
// localPeerID, routing inbound messages through handlers.
func NewSession(transport Transport, localPeerID string, handlers *Handlers) *Session {
	return &Session{
		id:          uuid.NewString(),
		localPeerID: localPeerID,
		transport:   transport,
		reader:      wire.NewReader(transport),
		writer:      wire.NewWriter(transport),
		handlers:    handlers,
		handshakeTO: DefaultHandshakeTimeout,
		state:       StateOpened,
		outbox:      make(chan *wire.Message, outboxCapacity),
		established: make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// SessionID returns the session's internal correlation id (not the remote
// peer identifier).
func (s *Session) SessionID() string { return s.id }

// SetHandshakeTimeout overrides the bound from transport attach to the
// peer's handshake frame. Must be called before Run.
func (s *Session) SetHandshakeTimeout(d time.Duration) {
	if d > 0 {
		s.handshakeTO = d
	}
}

// PeerID returns the remote peer's advertised identifier, satisfying
// availability.Session. Empty until the handshake completes.
func (s *Session) PeerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remotePeerID
}

// State returns the session's current state machine phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session to completion: sends the initial handshake,
// starts the write loop, waits for the peer's handshake under a bounded
// timeout, then processes frames until the transport closes or ctx is
// canceled. It always returns once the session is done; the caller does
// not need to call Close separately, though doing so is safe.
func (s *Session) Run(ctx context.Context) error {
	defer s.close(nil)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()

	if err := s.sendHandshake(); err != nil {
		return fmt.Errorf("peer: send initial handshake: %w", err)
	}
	s.setState(StateAwaitingHandshake)

	handshakeTimer := time.AfterFunc(s.handshakeTO, func() {
		if s.State() != StateEstablished {
			if s.handlers.Logger != nil {
				s.handlers.Logger.HandshakeTimedOut(s.transport.RemoteAddr(), s.handshakeTO)
			}
			if s.handlers.Metrics != nil {
				s.handlers.Metrics.HandshakeTimeouts.Inc()
			}
			s.close(ErrHandshakeTimeout)
		}
	})
	defer handshakeTimer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			s.close(ctx.Err())
		case <-s.closed:
		}
	}()

	err := s.readLoop()
	<-writeDone
	if err != nil {
		return err
	}
	return s.closeErr
}

func (s *Session) readLoop() error {
	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			// A malformed frame is a protocol error scoped to that frame:
			// log, discard, keep the session. Anything else (EOF, reset,
			// frame overflow) ends the session.
			if errors.Is(err, wire.ErrMalformedFrame) {
				s.logWarn(err.Error())
				continue
			}
			s.close(err)
			return err
		}
		s.handle(msg)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.writer.WriteMessage(msg); err != nil {
				s.close(err)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handle(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeHandshake:
		s.handleHandshake(msg)
	case wire.TypeFileAnnounce:
		s.handleFileAnnounce(msg)
	case wire.TypeChunkRequest:
		s.handleChunkRequest(msg)
	case wire.TypeFileChunk:
		s.handleFileChunk(msg)
	case wire.TypeChunkNotFound:
		s.handleChunkNotFound(msg)
	case wire.TypeHave:
		s.handleHave(msg)
	case wire.TypePing:
		s.enqueue(wire.TypePong, &wire.EmptyPayload{})
	case wire.TypePong:
		// liveness acknowledged; nothing to do.
	default:
		s.logWarn(fmt.Sprintf("unknown message type %q, dropping frame", msg.Type))
	}
}

func (s *Session) handleHandshake(msg *wire.Message) {
	payload, err := msg.DecodeHandshake()
	if err != nil {
		s.logWarn(err.Error())
		return
	}
	if msg.PeerID == "" {
		s.logWarn("handshake with empty peer_id, dropping frame")
		return
	}

	s.mu.Lock()
	alreadyEstablished := s.state == StateEstablished
	s.remotePeerID = msg.PeerID
	if !alreadyEstablished {
		s.state = StateEstablished
	}
	s.mu.Unlock()

	s.handlers.Availability.Attach(msg.PeerID, s)
	registered := 0
	for i := range payload.Files {
		m := payload.Files[i]
		if s.registerRemoteManifest(&m, msg.PeerID) {
			registered++
		}
	}

	if !alreadyEstablished {
		close(s.established)
		if s.handlers.Logger != nil {
			s.handlers.Logger.HandshakeEstablished(msg.PeerID, s.transport.RemoteAddr(), registered)
		}
	}
}

func (s *Session) handleFileAnnounce(msg *wire.Message) {
	payload, err := msg.DecodeFileAnnounce()
	if err != nil {
		s.logWarn(err.Error())
		return
	}
	m := payload.Manifest
	s.registerRemoteManifest(&m, msg.PeerID)
}

// registerRemoteManifest validates and registers m, then records the
// advertising peer in the availability index at file granularity. Returns
// whether registration succeeded.
func (s *Session) registerRemoteManifest(m *chunker.Manifest, peerID string) bool {
	if err := s.handlers.Registry.RegisterRemote(m); err != nil {
		s.logWarn(fmt.Sprintf("rejected manifest from %s: %v", peerID, err))
		return false
	}
	if peerID != "" {
		s.handlers.Availability.RecordFile(peerID, m.FileDigest)
	}
	return true
}

func (s *Session) handleChunkRequest(msg *wire.Message) {
	payload, err := msg.DecodeChunkRequest()
	if err != nil {
		s.logWarn(err.Error())
		return
	}
	data, err := s.handlers.Store.ReadChunk(payload.FileHash, payload.ChunkIndex)
	if err != nil {
		s.enqueue(wire.TypeChunkNotFound, &wire.ChunkNotFoundPayload{
			FileHash:   payload.FileHash,
			ChunkIndex: payload.ChunkIndex,
		})
		return
	}
	manifest, err := s.handlers.Registry.Get(payload.FileHash)
	chunkHash := ""
	if err == nil && payload.ChunkIndex < len(manifest.Chunks) {
		chunkHash = manifest.Chunks[payload.ChunkIndex].Hash
	}
	s.enqueue(wire.TypeFileChunk, &wire.FileChunkPayload{
		FileHash:   payload.FileHash,
		ChunkIndex: payload.ChunkIndex,
		Data:       data,
		ChunkHash:  chunkHash,
	})
	if s.handlers.Metrics != nil {
		s.handlers.Metrics.RecordChunkSent(len(data))
	}
}

func (s *Session) handleFileChunk(msg *wire.Message) {
	payload, err := msg.DecodeFileChunk()
	if err != nil {
		s.logWarn(err.Error())
		return
	}
	_, err = s.handlers.Store.WriteChunk(payload.FileHash, payload.ChunkIndex, payload.Data)
	if err != nil {
		reason := "unknown"
		switch {
		case errors.Is(err, store.ErrHashMismatch):
			reason = "hash_mismatch"
		case errors.Is(err, store.ErrUnknownDownload):
			reason = "unknown_download"
		case errors.Is(err, store.ErrIntegrityError):
			reason = "integrity_error"
		}
		if s.handlers.Metrics != nil {
			s.handlers.Metrics.RecordChunkRejected(reason)
		}
		if reason == "hash_mismatch" && s.handlers.Logger != nil {
			s.handlers.Logger.ChunkRejected(payload.FileHash, payload.ChunkIndex, msg.PeerID)
		}
		return
	}
	if s.handlers.Metrics != nil {
		s.handlers.Metrics.RecordChunkReceived(len(payload.Data))
	}
	if received, total, ok := s.handlers.Store.Progress(payload.FileHash); ok && s.handlers.Logger != nil {
		s.handlers.Logger.ChunkVerified(payload.FileHash, payload.ChunkIndex, received, total)
	}

	// Gossip the newly held chunk so peers can narrow their availability
	// maps to chunk granularity.
	for _, as := range s.handlers.Availability.AllSessions() {
		if ps, ok := as.(*Session); ok {
			_ = ps.Have(payload.FileHash, payload.ChunkIndex)
		}
	}
}

func (s *Session) handleChunkNotFound(msg *wire.Message) {
	payload, err := msg.DecodeChunkNotFound()
	if err != nil {
		s.logWarn(err.Error())
		return
	}
	s.logWarn(fmt.Sprintf("peer %s lacks chunk %d of %s", msg.PeerID, payload.ChunkIndex, payload.FileHash))
}

func (s *Session) handleHave(msg *wire.Message) {
	payload, err := msg.DecodeHave()
	if err != nil {
		s.logWarn(err.Error())
		return
	}
	if msg.PeerID != "" {
		s.handlers.Availability.RecordChunk(msg.PeerID, payload.FileHash, payload.ChunkIndex)
	}
}

// sendHandshake enqueues our handshake frame advertising every locally
// shared manifest.
func (s *Session) sendHandshake() error {
	files := s.handlers.Registry.ListLocal()
	flat := make([]chunker.Manifest, len(files))
	for i, m := range files {
		flat[i] = *m
	}
	return s.enqueue(wire.TypeHandshake, &wire.HandshakePayload{Files: flat})
}

// Announce enqueues a file_announce frame for manifest.
func (s *Session) Announce(manifest *chunker.Manifest) error {
	return s.enqueue(wire.TypeFileAnnounce, &wire.FileAnnouncePayload{Manifest: *manifest})
}

// RequestChunk enqueues a chunk_request frame.
func (s *Session) RequestChunk(digest string, index int) error {
	return s.enqueue(wire.TypeChunkRequest, &wire.ChunkRequestPayload{FileHash: digest, ChunkIndex: index})
}

// Have enqueues a have frame announcing that this node now holds a chunk.
// Best-effort: dropped when the outbox is full, so gossip to a slow peer
// never blocks the read loop of the session that received the chunk.
func (s *Session) Have(digest string, index int) error {
	msg, err := wire.Encode(wire.TypeHave, s.localPeerID, &wire.HavePayload{FileHash: digest, ChunkIndex: index})
	if err != nil {
		return err
	}
	select {
	case s.outbox <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		return nil
	}
}

// Ping enqueues a liveness ping.
func (s *Session) Ping() error {
	return s.enqueue(wire.TypePing, &wire.EmptyPayload{})
}

// WaitEstablished blocks until the handshake completes or ctx is done,
// whichever comes first, used by outbound connect_peer calls.
func (s *Session) WaitEstablished(ctx context.Context) error {
	select {
	case <-s.established:
		return nil
	case <-s.closed:
		if s.closeErr != nil {
			return s.closeErr
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(t wire.Type, payload interface{}) error {
	msg, err := wire.Encode(t, s.localPeerID, payload)
	if err != nil {
		return err
	}
	select {
	case s.outbox <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Close tears the session down: closes the transport, which unblocks the
// read loop, triggering detach.
func (s *Session) Close() error {
	s.close(nil)
	return s.closeErr
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.setState(StateClosed)
		_ = s.transport.Close()
		close(s.closed)

		peerID := s.PeerID()
		if peerID != "" {
			s.handlers.Availability.Detach(peerID)
			if s.handlers.Logger != nil {
				s.handlers.Logger.PeerDetached(peerID)
			}
		}
	})
}

func (s *Session) logWarn(msg string) {
	if s.handlers.Logger != nil {
		s.handlers.Logger.Warn(msg)
	}
}
