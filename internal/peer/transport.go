// Package peer implements one peer session per TCP connection: frames
// messages, tracks handshake state and remote identity, routes inbound
// messages into the manifest registry / availability index / chunk store,
// and exposes outbound operations (announce, request chunk, ping).
package peer

import (
	"io"
)

// Transport is the narrow capability a session depends on instead of a
// concrete net.Conn, so the session state machine can be exercised in
// tests without binding a TCP port (an in-memory pipe satisfies it too).
type Transport interface {
	io.Reader
	io.Writer
	Close() error
	RemoteAddr() string
}

// connTransport adapts a net.Conn-shaped value to Transport. Kept separate
// from the interface so callers can pass *net.TCPConn, a net.Pipe() half,
// or a test double interchangeably.
type connTransport struct {
	conn interface {
		io.Reader
		io.Writer
		io.Closer
	}
	remoteAddr string
}

// NewConnTransport wraps conn (anything Read/Write/Close-shaped, typically
// a net.Conn) with its pre-resolved remote address string.
func NewConnTransport(conn interface {
	io.Reader
	io.Writer
	io.Closer
}, remoteAddr string) Transport {
	return &connTransport{conn: conn, remoteAddr: remoteAddr}
}

func (t *connTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *connTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *connTransport) Close() error                { return t.conn.Close() }
func (t *connTransport) RemoteAddr() string          { return t.remoteAddr }
