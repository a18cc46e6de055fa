package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodeswarm/peernode/internal/scheduler"
)

func startTestNode(t *testing.T, port int) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.SharedDir = t.TempDir()
	cfg.DownloadDir = t.TempDir()
	cfg.PeerID = "peer-" + string(rune('a'+port%26))
	cfg.HandshakeTimeout = 2 * time.Second

	n, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

// TestTwoPeerSingleFileDownload covers the two-peer single-file transfer
// scenario: A shares a file, B connects to A and downloads it, and the
// bytes match byte for byte.
func TestTwoPeerSingleFileDownload(t *testing.T) {
	nodeA := startTestNode(t, 19801)
	nodeB := startTestNode(t, 19802)

	content := []byte("hello from node A, this is the shared file content")
	srcPath := filepath.Join(nodeA.cfg.SharedDir, "hello.txt")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	manifest, err := nodeA.ShareFile(srcPath)
	if err != nil {
		t.Fatalf("ShareFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := nodeB.ConnectPeer(ctx, "127.0.0.1", 19801); err != nil {
		t.Fatalf("ConnectPeer: %v", err)
	}

	// Give the post-handshake file_announce/RegisterRemote a moment; the
	// handshake frame itself already advertises A's shared files, so this
	// is normally immediate.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := nodeB.registry.Get(manifest.FileDigest); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node B never learned of A's shared file via handshake")
		}
		time.Sleep(10 * time.Millisecond)
	}

	downloadCtx, downloadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer downloadCancel()
	result, err := nodeB.DownloadFile(downloadCtx, manifest.FileDigest)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if result.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("Outcome = %v, want Completed", result.Outcome)
	}

	downloadedPath := filepath.Join(nodeB.cfg.DownloadDir, "hello.txt")
	got, err := os.ReadFile(downloadedPath)
	if err != nil {
		t.Fatalf("ReadFile downloaded: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("downloaded content = %q, want %q", got, content)
	}
}

func TestDownloadFileUnknownDigest(t *testing.T) {
	n := startTestNode(t, 19803)
	_, err := n.DownloadFile(context.Background(), "not-a-real-digest")
	if !errors.Is(err, ErrUnknownDigest) {
		t.Fatalf("err = %v, want ErrUnknownDigest", err)
	}
}

func TestShareFileMissingPath(t *testing.T) {
	n := startTestNode(t, 19804)
	_, err := n.ShareFile(filepath.Join(n.cfg.SharedDir, "does-not-exist.txt"))
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("err = %v, want ErrPathNotFound", err)
	}
}

func TestConnectPeerFailsOnDeadEndpoint(t *testing.T) {
	n := startTestNode(t, 19805)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Port 19806 has nothing listening; dial should fail fast rather than
	// hang, exercising the caller-error path distinct from a handshake
	// timeout against a live-but-silent peer.
	if err := n.ConnectPeer(ctx, "127.0.0.1", 19806); err == nil {
		t.Fatal("expected ConnectPeer to an unreachable port to fail")
	}
}

func TestDownloadFileAlreadyLocalShortCircuits(t *testing.T) {
	n := startTestNode(t, 19807)
	content := []byte("already have this one")
	path := filepath.Join(n.cfg.SharedDir, "local.txt")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	manifest, err := n.ShareFile(path)
	if err != nil {
		t.Fatalf("ShareFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := n.DownloadFile(ctx, manifest.FileDigest)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if result.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("Outcome = %v, want Completed for an already-local file", result.Outcome)
	}
}
