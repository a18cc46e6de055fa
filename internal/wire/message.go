// Package wire implements the framed, newline-delimited JSON message
// exchange between peer sessions: handshake, file announcement, chunk
// request/response, have, and liveness.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/nodeswarm/peernode/internal/chunker"
)

// Type is the message type tag carried on every frame.
type Type string

const (
	TypeHandshake      Type = "handshake"
	TypeFileAnnounce   Type = "file_announce"
	TypeChunkRequest   Type = "chunk_request"
	TypeFileChunk      Type = "file_chunk"
	TypeChunkNotFound  Type = "chunk_not_found"
	TypeHave           Type = "have"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
)

// Message is a decoded wire frame: three keys, type, sender peer_id, and a
// payload whose schema is determined by type. Payload decoding is deferred
// via json.RawMessage so a single Message value can represent any type; call
// the matching Decode* helper (DecodeHandshake, DecodeFileChunk, ...) once
// Type has been switched on.
type Message struct {
	Type    Type            `json:"type"`
	PeerID  string          `json:"peer_id"`
	Payload json.RawMessage `json:"payload"`
}

// HandshakePayload advertises the sender's locally shared manifests.
type HandshakePayload struct {
	Files []chunker.Manifest `json:"files"`
}

// FileAnnouncePayload is a manifest's fields (every field of
// chunker.Manifest) sent inline as the payload of a file_announce frame.
type FileAnnouncePayload struct {
	chunker.Manifest
}

// ChunkRequestPayload asks the peer for one chunk of one file.
type ChunkRequestPayload struct {
	FileHash   string `json:"file_hash"`
	ChunkIndex int    `json:"chunk_index"`
}

// FileChunkPayload delivers one chunk's bytes, base64-encoded by the
// standard JSON []byte marshaler, plus the chunk's own digest for the
// receiver to verify against the manifest.
type FileChunkPayload struct {
	FileHash   string `json:"file_hash"`
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
	ChunkHash  string `json:"chunk_hash"`
}

// ChunkNotFoundPayload tells the requester the responder lacks the chunk.
type ChunkNotFoundPayload struct {
	FileHash   string `json:"file_hash"`
	ChunkIndex int    `json:"chunk_index"`
}

// HavePayload announces that the sender now holds a specific chunk.
type HavePayload struct {
	FileHash   string `json:"file_hash"`
	ChunkIndex int    `json:"chunk_index"`
}

// EmptyPayload is used by ping/pong, which carry no fields.
type EmptyPayload struct{}

// Encode builds a Message for type/peerID with payload marshaled to JSON.
func Encode(t Type, peerID string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", t, err)
	}
	return &Message{Type: t, PeerID: peerID, Payload: raw}, nil
}

// DecodeHandshake unmarshals m's payload as a HandshakePayload.
func (m *Message) DecodeHandshake() (*HandshakePayload, error) {
	var p HandshakePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: decode handshake payload: %w", err)
	}
	return &p, nil
}

// DecodeFileAnnounce unmarshals m's payload as a FileAnnouncePayload.
func (m *Message) DecodeFileAnnounce() (*FileAnnouncePayload, error) {
	var p FileAnnouncePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: decode file_announce payload: %w", err)
	}
	return &p, nil
}

// DecodeChunkRequest unmarshals m's payload as a ChunkRequestPayload.
func (m *Message) DecodeChunkRequest() (*ChunkRequestPayload, error) {
	var p ChunkRequestPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: decode chunk_request payload: %w", err)
	}
	return &p, nil
}

// DecodeFileChunk unmarshals m's payload as a FileChunkPayload.
func (m *Message) DecodeFileChunk() (*FileChunkPayload, error) {
	var p FileChunkPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: decode file_chunk payload: %w", err)
	}
	return &p, nil
}

// DecodeChunkNotFound unmarshals m's payload as a ChunkNotFoundPayload.
func (m *Message) DecodeChunkNotFound() (*ChunkNotFoundPayload, error) {
	var p ChunkNotFoundPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: decode chunk_not_found payload: %w", err)
	}
	return &p, nil
}

// DecodeHave unmarshals m's payload as a HavePayload.
func (m *Message) DecodeHave() (*HavePayload, error) {
	var p HavePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: decode have payload: %w", err)
	}
	return &p, nil
}
