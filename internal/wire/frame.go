package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame's payload, mirroring messaging.py's
// MAX_MESSAGE_SIZE guard against a runaway peer.
const MaxMessageSize = 10_000_000

// WriteFrame writes a u32 big-endian length prefix followed by payload,
// the framing spec §6 mandates (distinct from the Python original's
// 'P'-plus-8-byte-little-endian-length framing — see DESIGN.md).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds MaxMessageSize", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("wire: incoming frame of %d bytes exceeds MaxMessageSize", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
