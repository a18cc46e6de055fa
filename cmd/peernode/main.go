// Command peernode runs the transfer engine as a standalone daemon:
// it binds the peer-to-peer listener and the HTTP/gRPC control plane,
// then blocks until terminated. Identity persistence and any interactive
// front end live outside this process and drive it over the control
// plane; this binary only hosts the node. Without -peer-id it uses a
// random UUID as the identity for this run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nodeswarm/peernode/internal/api"
	"github.com/nodeswarm/peernode/internal/node"
	"github.com/nodeswarm/peernode/internal/observability"
)

func main() {
	cfg := node.DefaultConfig()

	host := flag.String("host", cfg.Host, "listen host for the peer wire protocol")
	port := flag.Int("port", cfg.Port, "listen port for the peer wire protocol")
	sharedDir := flag.String("shared-dir", cfg.SharedDir, "directory of files to share")
	downloadDir := flag.String("download-dir", cfg.DownloadDir, "directory completed downloads land in")
	peerID := flag.String("peer-id", "", "this node's identity string (a random UUID if empty)")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:9090", "control-plane gRPC listen address")
	httpAddr := flag.String("http-addr", "127.0.0.1:8080", "control-plane HTTP listen address")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9100", "Prometheus /metrics listen address")
	scanCachePath := flag.String("scan-cache", "", "path to the local scan-cache database (disabled if empty)")
	catalogPath := flag.String("catalog", "", "path to the manifest discoverability catalog (disabled if empty)")
	flag.Parse()

	cfg.Host = *host
	cfg.Port = *port
	cfg.SharedDir = *sharedDir
	cfg.DownloadDir = *downloadDir
	cfg.ScanCachePath = *scanCachePath
	cfg.CatalogPath = *catalogPath
	cfg.PeerID = *peerID
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}

	logger := observability.NewLogger("peernode", cfg.ServiceVersion, os.Stdout)
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, "peernode")
	if err != nil {
		logger.Error(err, "failed to initialize tracing")
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	n, err := node.New(cfg, logger, metrics)
	if err != nil {
		logger.Error(err, "failed to build node")
		os.Exit(1)
	}
	if err := n.Start(ctx); err != nil {
		logger.Error(err, "failed to start node")
		os.Exit(1)
	}

	stopAPI, err := api.Start(ctx, api.Addresses{GRPCAddr: *grpcAddr, HTTPAddr: *httpAddr}, n)
	if err != nil {
		logger.Error(err, "failed to start control plane")
		os.Exit(1)
	}

	health := observability.NewHealthChecker(cfg.ServiceVersion)
	health.RegisterCheck("listener", observability.ListenerCheck(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), true))
	health.RegisterCheck("shared_dir", observability.SharedDirCheck(cfg.SharedDir, dirReadable(cfg.SharedDir)))
	if cfg.CatalogPath != "" {
		health.RegisterCheck("catalog", observability.DatabaseCheck(cfg.CatalogPath))
	}
	health.RegisterCheck("download_dir_space", observability.DiskSpaceCheck(cfg.DownloadDir, 1))
	go serveMetrics(*metricsAddr, metrics, health, logger)

	logger.Info(fmt.Sprintf("peernode %s listening on %s:%d, control plane on %s", cfg.PeerID, cfg.Host, cfg.Port, *httpAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	stopAPI()
	if err := n.Stop(); err != nil {
		logger.Error(err, "error during shutdown")
	}
}

func serveMetrics(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info(fmt.Sprintf("observability server listening on %s (metrics, health, pprof)", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server stopped")
	}
}

// dirReadable reports whether path can be listed, for the shared_dir health
// check registered at startup.
func dirReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	return err == nil || errors.Is(err, io.EOF)
}
