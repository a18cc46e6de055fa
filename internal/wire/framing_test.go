package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	msg, err := Encode(TypeHave, "peer-a", &HavePayload{FileHash: "digest", ChunkIndex: 4})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage (2nd): %v", err)
	}

	r := NewReader(&buf)
	first, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if first.Type != TypeHave || first.PeerID != "peer-a" {
		t.Fatalf("unexpected first message: %+v", first)
	}
	have, err := first.DecodeHave()
	if err != nil {
		t.Fatalf("DecodeHave: %v", err)
	}
	if have.FileHash != "digest" || have.ChunkIndex != 4 {
		t.Errorf("unexpected have payload: %+v", have)
	}

	second, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage (2nd): %v", err)
	}
	if second.Type != TypeHave {
		t.Errorf("second message type = %s", second.Type)
	}

	if _, err := r.ReadMessage(); err != io.EOF {
		t.Errorf("expected io.EOF after both frames consumed, got %v", err)
	}
}

func TestReadMessageFrameTooLarge(t *testing.T) {
	huge := strings.Repeat("a", MaxFrameSize+1024)
	r := NewReader(strings.NewReader(huge + "\n"))
	_, err := r.ReadMessage()
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadMessageMalformedJSON(t *testing.T) {
	r := NewReader(strings.NewReader("{not valid json}\n"))
	if _, err := r.ReadMessage(); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for malformed JSON frame, got %v", err)
	}
}

// TestReaderContinuesPastMalformedFrame checks that one bad frame does not
// desync the stream: the frame after it decodes normally.
func TestReaderContinuesPastMalformedFrame(t *testing.T) {
	good, _ := Encode(TypePing, "peer-a", &EmptyPayload{})
	var buf bytes.Buffer
	buf.WriteString("garbage frame\n")
	w := NewWriter(&buf)
	if err := w.WriteMessage(good); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	if _, err := r.ReadMessage(); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("first read = %v, want ErrMalformedFrame", err)
	}
	msg, err := r.ReadMessage()
	if err != nil || msg.Type != TypePing {
		t.Fatalf("second read = %+v, %v, want the ping frame", msg, err)
	}
}

func TestReaderHandlesMultipleFramesSeparately(t *testing.T) {
	a, _ := Encode(TypePing, "peer-a", &EmptyPayload{})
	b, _ := Encode(TypePong, "peer-b", &EmptyPayload{})

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteMessage(a); err != nil {
		t.Fatalf("WriteMessage a: %v", err)
	}
	if err := w.WriteMessage(b); err != nil {
		t.Fatalf("WriteMessage b: %v", err)
	}

	r := NewReader(&buf)
	got1, err := r.ReadMessage()
	if err != nil || got1.Type != TypePing {
		t.Fatalf("first = %+v, err = %v", got1, err)
	}
	got2, err := r.ReadMessage()
	if err != nil || got2.Type != TypePong {
		t.Fatalf("second = %+v, err = %v", got2, err)
	}
}
