// Package rpc implements the two-party capability protocol spoken on
// the supervisor's external socket and on the socket pair shared with
// the sandboxed app. Messages are CBOR, length-prefix framed; each side
// exposes a bootstrap capability and may export further capabilities in
// results.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// BootstrapID addresses the peer's bootstrap capability.
const BootstrapID = 0

// maxFrameSize bounds a single message; anything larger is a protocol
// violation.
const maxFrameSize = 1 << 20

// Call invokes a method on a capability exported by the peer.
type Call struct {
	Seq    uint32          `cbor:"seq"`
	Target uint32          `cbor:"target"`
	Method string          `cbor:"method"`
	Params cbor.RawMessage `cbor:"params,omitempty"`
}

// Return carries the outcome of a Call. When HasCap is set the result
// includes a newly exported capability addressable as Cap.
type Return struct {
	Seq     uint32          `cbor:"seq"`
	Results cbor.RawMessage `cbor:"results,omitempty"`
	Cap     uint32          `cbor:"cap,omitempty"`
	HasCap  bool            `cbor:"hasCap,omitempty"`
	Err     string          `cbor:"err,omitempty"`
}

type message struct {
	Call *Call   `cbor:"call,omitempty"`
	Ret  *Return `cbor:"ret,omitempty"`
}

func writeFrame(w io.Writer, msg *message) error {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) (*message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("oversized frame: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var msg message
	if err := cbor.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
