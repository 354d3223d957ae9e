// Package transport carries wire messages over TCP with a small binary
// frame header. A server registers peers by the login they present on
// connect and routes outbound messages by account or client type; a client
// keeps a persistent connection, reconnecting with backoff and buffering
// outbound messages while the link is down.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame header: a 2 byte magic flag then a 4 byte big endian payload
// length. A receiver that sees a wrong flag drops the connection rather
// than resynchronize.
const (
	frameFlag   uint16 = 0x0169
	frameHeader        = 6
	// MaxFrame bounds a single frame payload.
	MaxFrame = 0xFFFF
)

var errBadFlag = fmt.Errorf("transport: bad frame flag")

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("transport: frame payload %d exceeds %d", len(payload), MaxFrame)
	}
	var hdr [frameHeader]byte
	binary.BigEndian.PutUint16(hdr[0:2], frameFlag)
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one framed payload from r into a fresh slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if flag := binary.BigEndian.Uint16(hdr[0:2]); flag != frameFlag {
		return nil, fmt.Errorf("%w: 0x%04x", errBadFlag, flag)
	}
	n := binary.BigEndian.Uint32(hdr[2:6])
	if n > MaxFrame {
		return nil, fmt.Errorf("transport: frame length %d exceeds %d", n, MaxFrame)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
