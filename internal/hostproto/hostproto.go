// Package hostproto implements the framed protocol spoken by the
// process-supervision bridge over standard input/output: each message is
// a 4-byte little-endian length prefix followed by a JSON payload.
package hostproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame; oversized frames are rejected.
const MaxMessageSize = 1 << 20

const (
	ActionEnsureRunning = "ensureRunning"
	ActionGetStatus     = "getStatus"
	ActionShutdown      = "shutdown"
)

// Request is a bridge command.
type Request struct {
	Action string `json:"action"`
}

// Response carries the daemon's port and token back to the bridge.
type Response struct {
	OK     bool   `json:"ok"`
	Port   int    `json:"port,omitempty"`
	Token  string `json:"token,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Write frames and writes one message.
func Write(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Read reads one framed message into v.
func Read(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
