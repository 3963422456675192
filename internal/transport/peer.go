package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/qfabric/qfabric/internal/wire"
)

// PeerConn is one framed TCP connection to a remote context, after a
// successful handshake. It corresponds to messaging.py's
// _PeerTcpConnection, minus the pickle framing (spec §6 mandates the u32
// length-prefixed frame implemented in internal/wire instead).
type PeerConn struct {
	conn        net.Conn
	peerContext string

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// handshake performs the mandatory first-frame exchange spec §6 requires:
// both sides send a Handshake message before anything else is accepted,
// and a workgroup/protocol-version mismatch aborts the connection.
func handshake(conn net.Conn, cfg Config, deadline time.Time) (string, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	defer conn.SetDeadline(time.Time{})

	out := wire.Message{
		Kind: wire.KindHandshake,
		Handshake: &wire.Handshake{
			Workgroup:       cfg.Workgroup,
			ProtocolVersion: wire.ProtocolVersion,
			ContextName:     cfg.ContextName,
		},
	}
	if err := wire.WriteFrame(conn, out.Encode()); err != nil {
		return "", fmt.Errorf("transport: sending handshake: %w", err)
	}

	buf, err := wire.ReadFrame(conn)
	if err != nil {
		return "", fmt.Errorf("transport: reading handshake: %w", err)
	}
	in, err := wire.DecodeMessage(buf)
	if err != nil {
		return "", fmt.Errorf("transport: decoding handshake: %w", err)
	}
	if in.Kind != wire.KindHandshake || in.Handshake == nil {
		return "", fmt.Errorf("%w: first frame was not a handshake", ErrProtocolMismatch)
	}
	if in.Handshake.Workgroup != cfg.Workgroup {
		return "", fmt.Errorf("%w: workgroup %q != %q", ErrProtocolMismatch, in.Handshake.Workgroup, cfg.Workgroup)
	}
	if in.Handshake.ProtocolVersion != wire.ProtocolVersion {
		return "", fmt.Errorf("%w: protocol version %d != %d", ErrProtocolMismatch, in.Handshake.ProtocolVersion, wire.ProtocolVersion)
	}
	return in.Handshake.ContextName, nil
}

// Send writes one framed message to the peer. Concurrent Sends are
// serialised, matching _PeerTcpConnection.send_message's single-writer
// contract.
func (p *PeerConn) Send(msg wire.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteFrame(p.conn, msg.Encode())
}

// Recv blocks for the next framed message from the peer.
func (p *PeerConn) Recv() (wire.Message, error) {
	buf, err := wire.ReadFrame(p.conn)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.DecodeMessage(buf)
}

// PeerContextName returns the remote context's name, as validated during
// the handshake.
func (p *PeerConn) PeerContextName() string { return p.peerContext }

func (p *PeerConn) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}
