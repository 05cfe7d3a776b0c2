package hostproto

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Request{Action: ActionEnsureRunning}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var req Request
	if err := Read(&buf, &req); err != nil {
		t.Fatalf("read: %v", err)
	}
	if req.Action != ActionEnsureRunning {
		t.Fatalf("unexpected action: %q", req.Action)
	}

	want := Response{OK: true, Port: 8001, Token: "tok", Status: "running"}
	if err := Write(&buf, want); err != nil {
		t.Fatalf("write response: %v", err)
	}
	var got Response
	if err := Read(&buf, &got); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %+v != %+v", got, want)
	}
}

func TestWriteRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	huge := Response{Error: strings.Repeat("x", MaxMessageSize)}
	if err := Write(&buf, huge); err == nil {
		t.Fatalf("expected oversize rejection")
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected message must not be written, got %d bytes", buf.Len())
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxMessageSize+1)
	var req Request
	if err := Read(bytes.NewReader(header[:]), &req); err == nil {
		t.Fatalf("expected frame size rejection")
	}
}

func TestReadTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString(`{"action":`)
	var req Request
	if err := Read(&buf, &req); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestReadEOF(t *testing.T) {
	var req Request
	if err := Read(bytes.NewReader(nil), &req); err != io.EOF {
		t.Fatalf("expected clean EOF on empty stream, got %v", err)
	}
}
