// Package node wires the chunk store, manifest registry, availability
// index, peer sessions, and download scheduler into the Node API consumed
// by an external CLI/REPL: start/stop, connect_peer, share_file,
// download_file, and the read-only listing/status queries.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nodeswarm/peernode/internal/availability"
	"github.com/nodeswarm/peernode/internal/chunker"
	"github.com/nodeswarm/peernode/internal/manifestregistry"
	"github.com/nodeswarm/peernode/internal/observability"
	"github.com/nodeswarm/peernode/internal/peer"
	"github.com/nodeswarm/peernode/internal/ratelimit"
	"github.com/nodeswarm/peernode/internal/scheduler"
	"github.com/nodeswarm/peernode/internal/store"
	"github.com/nodeswarm/peernode/internal/validation"
)

var (
	// ErrUnknownDigest is a caller error: download_file named a digest the
	// registry has never heard of.
	ErrUnknownDigest = errors.New("node: unknown digest")
	// ErrPathNotFound is a caller error: share_file named a path that does
	// not exist.
	ErrPathNotFound = errors.New("node: file not found")
	// ErrAlreadyStarted/ErrNotStarted guard start/stop idempotence.
	ErrAlreadyStarted = errors.New("node: already started")
	ErrNotStarted     = errors.New("node: not started")
)

// DownloadResult is returned by DownloadFile once the scheduler for digest
// terminates.
type DownloadResult struct {
	Digest  string
	Outcome scheduler.Outcome
}

// Status is a snapshot of the node's own view of itself, for the
// status() read-only query.
type Status struct {
	PeerID           string
	ListenAddr       string
	SharedFiles      int
	KnownRemoteFiles int
	LivePeers        int
	ActiveDownloads  int
}

// Node is the top-level orchestrator: one listening socket, one registry,
// one availability index, one chunk store, and a set of scheduler
// goroutines for in-progress downloads.
type Node struct {
	cfg *Config

	registry     *manifestregistry.Registry
	availability *availability.Index
	store        *store.Store
	handlers     *peer.Handlers
	logger       *observability.Logger
	metrics      *observability.Metrics
	accept       *ratelimit.TokenBucket

	scanCache *store.ScanCache
	catalog   *manifestregistry.Catalog

	mu        sync.Mutex
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool

	downloadsMu sync.Mutex
	downloads   map[string]context.CancelFunc

	events *eventBus
}

// New builds a Node from cfg, wiring logging, metrics, caches, and the
// chunk store/registry/availability index. It does not bind a socket; call
// Start for that.
func New(cfg *Config, logger *observability.Logger, metrics *observability.Metrics) (*Node, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("node: config PeerID must be set by the caller")
	}

	registry := manifestregistry.New()

	var catalog *manifestregistry.Catalog
	if cfg.CatalogPath != "" {
		c, err := manifestregistry.OpenCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = c
		if cached, err := catalog.LoadAll(); err == nil {
			for _, m := range cached {
				_ = registry.RegisterRemote(m)
			}
			if metrics != nil {
				metrics.CatalogCacheOpsTotal.WithLabelValues("load", "success").Add(float64(len(cached)))
			}
		} else if metrics != nil {
			metrics.CatalogCacheOpsTotal.WithLabelValues("load", "failure").Inc()
		}
		registry.SetOnRemoteRegistered(func(m *chunker.Manifest) {
			result := "success"
			if err := catalog.Put(m); err != nil {
				result = "failure"
				if logger != nil {
					logger.Warn(fmt.Sprintf("catalog: failed to persist manifest %s: %v", m.FileDigest, err))
				}
			}
			if metrics != nil {
				metrics.CatalogCacheOpsTotal.WithLabelValues("put", result).Inc()
			}
		})
	}

	var scanCache *store.ScanCache
	if cfg.ScanCachePath != "" {
		sc, err := store.OpenScanCache(cfg.ScanCachePath)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			sc.OnHit = metrics.ScanCacheHitsTotal.Inc
			sc.OnMiss = metrics.ScanCacheMissesTotal.Inc
		}
		scanCache = sc
	}

	chunkStore := store.New(cfg.SharedDir, cfg.DownloadDir, registry, scanCache)
	availIdx := availability.New()

	n := &Node{
		cfg:          cfg,
		registry:     registry,
		availability: availIdx,
		store:        chunkStore,
		logger:       logger,
		metrics:      metrics,
		accept:       ratelimit.NewTokenBucket(cfg.AcceptRatePerSecond, cfg.AcceptBurst),
		scanCache:    scanCache,
		catalog:      catalog,
		downloads:    make(map[string]context.CancelFunc),
		events:       newEventBus(),
	}
	n.handlers = &peer.Handlers{
		Registry:     registry,
		Availability: availIdx,
		Store:        chunkStore,
		Logger:       logger,
		Metrics:      metrics,
	}
	return n, nil
}

// Start binds the listening socket and begins accepting inbound
// connections. Idempotent until Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	if err := os.MkdirAll(n.cfg.SharedDir, 0o755); err != nil {
		return fmt.Errorf("node: create shared dir: %w", err)
	}
	if err := os.MkdirAll(n.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("node: create download dir: %w", err)
	}
	if err := n.scanSharedDir(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("node: listen on %s: %w", addr, err)
	}
	n.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	n.ctx = runCtx
	n.cancel = cancel
	n.started = true

	n.wg.Add(1)
	go n.acceptLoop()
	return nil
}

// scanSharedDir registers every regular file under SharedDir as a local
// file record, matching the scan performed at startup and on share
// requests.
func (n *Node) scanSharedDir() error {
	entries, err := os.ReadDir(n.cfg.SharedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("node: scan shared dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(n.cfg.SharedDir, entry.Name())
		if _, err := n.store.AddLocalFile(path); err != nil && n.logger != nil {
			n.logger.Warn(fmt.Sprintf("skipping shared file %s: %v", path, err))
		}
	}
	return nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			if n.logger != nil {
				n.logger.Error(err, "accept failed")
			}
			return
		}
		if !n.accept.Allow(1) {
			if n.metrics != nil {
				n.metrics.AcceptRejected.Inc()
			}
			_ = conn.Close()
			continue
		}

		n.wg.Add(1)
		go n.serveInbound(conn)
	}
}

func (n *Node) serveInbound(conn net.Conn) {
	defer n.wg.Done()
	remoteAddr := conn.RemoteAddr().String()
	transport := peer.NewConnTransport(conn, remoteAddr)
	session := peer.NewSession(transport, n.cfg.PeerID, n.handlers)
	session.SetHandshakeTimeout(n.cfg.HandshakeTimeout)
	if n.metrics != nil {
		n.metrics.RecordConnection("inbound", true)
	}

	ctx, span := otel.Tracer("peernode/node").Start(n.ctx, "peer.session")
	span.SetAttributes(
		attribute.String("direction", "inbound"),
		attribute.String("remote_addr", remoteAddr),
	)
	defer span.End()

	start := time.Now()
	_ = session.Run(ctx)
	if n.metrics != nil {
		n.metrics.RecordConnectionClosed(time.Since(start).Seconds())
	}
}

// Stop cancels every scheduler task, closes every peer session, and closes
// the listening socket. In-progress download temp files are abandoned, not
// deleted.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	n.started = false
	cancel := n.cancel
	listener := n.listener
	n.mu.Unlock()

	cancel()
	if listener != nil {
		_ = listener.Close()
	}

	n.downloadsMu.Lock()
	for _, cancelDownload := range n.downloads {
		cancelDownload()
	}
	n.downloadsMu.Unlock()

	n.wg.Wait()

	if n.scanCache != nil {
		_ = n.scanCache.Close()
	}
	if n.catalog != nil {
		_ = n.catalog.Close()
	}
	return nil
}

// ConnectPeer opens an outbound session to host:port and returns once its
// handshake completes or the handshake timeout elapses. The session itself
// lives until the peer disconnects or the node stops.
func (n *Node) ConnectPeer(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	if err := validation.ValidateAddr(addr); err != nil {
		return fmt.Errorf("node: invalid peer address: %w", err)
	}

	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	runCtx := n.ctx
	n.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, n.cfg.HandshakeTimeout)
	if err != nil {
		if n.metrics != nil {
			n.metrics.RecordConnection("outbound", false)
		}
		return fmt.Errorf("node: dial %s: %w", addr, err)
	}
	if n.metrics != nil {
		n.metrics.RecordConnection("outbound", true)
	}

	transport := peer.NewConnTransport(conn, conn.RemoteAddr().String())
	session := peer.NewSession(transport, n.cfg.PeerID, n.handlers)
	session.SetHandshakeTimeout(n.cfg.HandshakeTimeout)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		start := time.Now()
		_ = session.Run(runCtx)
		if n.metrics != nil {
			n.metrics.RecordConnectionClosed(time.Since(start).Seconds())
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer waitCancel()
	if err := session.WaitEstablished(waitCtx); err != nil {
		_ = session.Close()
		return err
	}
	return nil
}

// ShareFile registers path locally and broadcasts file_announce to every
// live session.
func (n *Node) ShareFile(path string) (*chunker.Manifest, error) {
	if err := validation.ValidateFilePath(path, true); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	manifest, err := n.store.AddLocalFile(path)
	if err != nil {
		return nil, err
	}
	for _, session := range n.availability.AllSessions() {
		if s, ok := session.(*peer.Session); ok {
			_ = s.Announce(manifest)
		}
	}
	return manifest, nil
}

// DownloadFile starts a scheduler for digest and blocks until it
// terminates. If digest is already a local file, it returns immediately
// with OutcomeCompleted.
func (n *Node) DownloadFile(ctx context.Context, digest string) (*DownloadResult, error) {
	if err := validation.ValidateStringNonEmpty(digest); err != nil {
		return nil, fmt.Errorf("%w: digest must not be empty", ErrUnknownDigest)
	}
	if _, err := n.registry.Get(digest); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDigest, digest)
	}
	if _, isLocal := n.registry.LocalPath(digest); isLocal {
		return &DownloadResult{Digest: digest, Outcome: scheduler.OutcomeCompleted}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.downloadsMu.Lock()
	n.downloads[digest] = cancel
	n.downloadsMu.Unlock()
	defer func() {
		n.downloadsMu.Lock()
		delete(n.downloads, digest)
		n.downloadsMu.Unlock()
		cancel()
	}()

	n.events.publish(Event{Type: EventDownloadStarted, Digest: digest})

	sched := scheduler.New(digest, n.store, n.availability, n.logger, n.metrics)
	if n.cfg.MaxOutstandingPerFile > 0 {
		sched.Outstanding = n.cfg.MaxOutstandingPerFile
	}
	if n.cfg.MaxChunkRetries > 0 {
		sched.Retries = n.cfg.MaxChunkRetries
	}
	sched.OnProgress = func(received, total int) {
		n.events.publish(Event{Type: EventChunkProgress, Digest: digest, Received: received, Total: total})
	}

	spanCtx, span := otel.Tracer("peernode/node").Start(runCtx, "download.run")
	span.SetAttributes(attribute.String("digest", digest))
	defer span.End()

	start := time.Now()
	outcome := sched.Run(spanCtx)
	span.SetAttributes(attribute.String("outcome", string(outcome)))

	switch outcome {
	case scheduler.OutcomeCompleted:
		if manifest, err := n.registry.Get(digest); err == nil && n.logger != nil {
			n.logger.DownloadCompleted(digest, manifest.FileSize, time.Since(start))
		}
		n.events.publish(Event{Type: EventDownloadCompleted, Digest: digest})
	case scheduler.OutcomeStalled:
		n.events.publish(Event{Type: EventDownloadStalled, Digest: digest})
	}
	return &DownloadResult{Digest: digest, Outcome: outcome}, nil
}

// ListShared returns the manifests of every currently shared (local) file.
func (n *Node) ListShared() []*chunker.Manifest {
	return n.registry.ListLocal()
}

// ListAvailable returns every manifest known to the registry, local and
// remote, i.e. everything discoverable through handshakes and the
// catalog cache.
func (n *Node) ListAvailable() []*chunker.Manifest {
	return n.registry.ListAll()
}

// StatusSnapshot reports a read-only view of the node's own state.
func (n *Node) StatusSnapshot() Status {
	n.downloadsMu.Lock()
	active := len(n.downloads)
	n.downloadsMu.Unlock()

	shared := len(n.registry.ListLocal())
	return Status{
		PeerID:           n.cfg.PeerID,
		ListenAddr:       fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port),
		SharedFiles:      shared,
		KnownRemoteFiles: len(n.registry.ListAll()) - shared,
		LivePeers:        len(n.availability.AllSessions()),
		ActiveDownloads:  active,
	}
}

// Registry exposes the manifest registry for callers (e.g. the control
// plane) that need direct read access beyond the summary queries above.
func (n *Node) Registry() *manifestregistry.Registry { return n.registry }
