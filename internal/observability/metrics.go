package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Download metrics
	DownloadsTotal      *prometheus.CounterVec
	DownloadsActive     prometheus.Gauge
	DownloadDuration    prometheus.Histogram
	BytesTransferred    *prometheus.CounterVec
	ChunksSentTotal     prometheus.Counter
	ChunksReceivedTotal prometheus.Counter
	ChunksRejectedTotal *prometheus.CounterVec
	SchedulerStalls     prometheus.Counter

	// Connection metrics
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration prometheus.Histogram
	HandshakeTimeouts  prometheus.Counter
	AcceptRejected     prometheus.Counter

	// Cache metrics
	ScanCacheHitsTotal   prometheus.Counter
	ScanCacheMissesTotal prometheus.Counter
	CatalogCacheOpsTotal *prometheus.CounterVec

	activeDownloads   int64
	activeConnections int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernode_downloads_total",
				Help: "Total downloads initiated, by terminal status",
			},
			[]string{"status"},
		),

		DownloadsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "peernode_downloads_active",
				Help: "Currently in-progress downloads",
			},
		),

		DownloadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "peernode_download_duration_seconds",
				Help:    "Download completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		BytesTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernode_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),

		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_chunks_sent_total",
				Help: "Total chunks sent to peers",
			},
		),

		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_chunks_received_total",
				Help: "Total chunks accepted into a download",
			},
		),

		ChunksRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernode_chunks_rejected_total",
				Help: "Chunks rejected, by reason",
			},
			[]string{"reason"},
		),

		SchedulerStalls: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_scheduler_stalls_total",
				Help: "Download schedulers that surfaced a Stalled outcome",
			},
		),

		ConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernode_connections_total",
				Help: "Peer connections, inbound and outbound",
			},
			[]string{"direction", "result"},
		),

		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "peernode_connections_active",
				Help: "Currently established peer sessions",
			},
		),

		ConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "peernode_connection_duration_seconds",
				Help:    "Peer session lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
		),

		HandshakeTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_handshake_timeouts_total",
				Help: "Sessions aborted for failing to complete a handshake in time",
			},
		),

		AcceptRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_accept_rejected_total",
				Help: "Inbound connections rejected by the accept-loop admission limiter",
			},
		),

		ScanCacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_scan_cache_hits_total",
				Help: "Local file scan-cache hits avoiding a re-hash pass",
			},
		),

		ScanCacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "peernode_scan_cache_misses_total",
				Help: "Local file scan-cache misses requiring a full hash pass",
			},
		),

		CatalogCacheOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peernode_catalog_cache_operations_total",
				Help: "Discoverability catalog cache operations, by kind and result",
			},
			[]string{"operation", "result"},
		),
	}

	return m
}

// RecordDownloadStart increments active-download counters.
func (m *Metrics) RecordDownloadStart() {
	atomic.AddInt64(&m.activeDownloads, 1)
	m.DownloadsActive.Set(float64(atomic.LoadInt64(&m.activeDownloads)))
}

// RecordDownloadEnd records terminal download metrics.
func (m *Metrics) RecordDownloadEnd(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeDownloads, -1)
	m.DownloadsActive.Set(float64(atomic.LoadInt64(&m.activeDownloads)))

	m.DownloadsTotal.WithLabelValues(status).Inc()
	m.DownloadDuration.Observe(durationSeconds)

	if status == "stalled" {
		m.SchedulerStalls.Inc()
	}
}

// RecordChunkSent updates metrics for a chunk sent to a peer.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferred.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a chunk accepted into a download.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferred.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRejected increments the rejected-chunk counter for a reason.
func (m *Metrics) RecordChunkRejected(reason string) {
	m.ChunksRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordConnection logs a connection attempt outcome.
func (m *Metrics) RecordConnection(direction string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ConnectionsTotal.WithLabelValues(direction, result).Inc()

	if success {
		atomic.AddInt64(&m.activeConnections, 1)
		m.ConnectionsActive.Set(float64(atomic.LoadInt64(&m.activeConnections)))
	}
}

// RecordConnectionClosed updates metrics for a closed peer session.
func (m *Metrics) RecordConnectionClosed(durationSeconds float64) {
	atomic.AddInt64(&m.activeConnections, -1)
	m.ConnectionsActive.Set(float64(atomic.LoadInt64(&m.activeConnections)))
	m.ConnectionDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
