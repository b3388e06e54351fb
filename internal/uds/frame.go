// Package uds implements the two Unix-domain-socket proxies pack code
// inside a network-isolated container uses to reach the outside world:
// the egress proxy (outbound TCP, gated by per-pack network grants) and
// the capability proxy (secrets/docker/flow requests, gated by the
// capability usage store). Both speak the same minimal framed protocol:
// a 4-byte big-endian length prefix followed by that many bytes of JSON.
package uds

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single request/response body; a pack connection
// asking for more than this is misbehaving, not merely large.
const maxFrameBytes = 1 << 20 // 1 MiB

// writeFrame writes v as a length-prefixed JSON frame.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("uds: marshal frame: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("uds: frame too large: %d bytes", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON frame and unmarshals it into v.
func readFrame(r *bufio.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return fmt.Errorf("uds: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// egressRequest is the framed request an egress-socket client sends to
// ask for an outbound connection.
type egressRequest struct {
	Domain  string `json:"domain"`
	Port    int    `json:"port"`
	Payload string `json:"payload,omitempty"` // base64, optional first-write piggyback
}

// egressResponse is the framed reply to an egressRequest, sent before
// the connection either becomes a raw forwarded byte stream (Allowed)
// or is closed (denied).
type egressResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// capabilityRequest is one typed call into the capability proxy.
type capabilityRequest struct {
	Kind   string         `json:"kind"` // "secrets.read" | "docker.run" | ... | "flow.run"
	Params map[string]any `json:"params"`
}

// capabilityResponse is the framed reply to a capabilityRequest.
type capabilityResponse struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
