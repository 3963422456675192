package transport

import (
	"context"
	"testing"
	"time"

	"github.com/qfabric/qfabric/internal/wire"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	delivered chan wire.Message
	added     chan string
	removed   chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		delivered: make(chan wire.Message, 8),
		added:     make(chan string, 8),
		removed:   make(chan string, 8),
	}
}

func (s *recordingSink) DeliverFromPeer(msg wire.Message, peer string) { s.delivered <- msg }
func (s *recordingSink) PeerContextAdded(peer string)                 { s.added <- peer }
func (s *recordingSink) PeerContextRemoved(peer string)               { s.removed <- peer }

func newTestableConfig(name string) Config {
	return Config{
		BindAddr:         "127.0.0.1",
		Workgroup:        "test-workgroup",
		ContextName:      name,
		ConnectTimeout:   500 * time.Millisecond,
		HandshakeTimeout: 500 * time.Millisecond,
	}
}

func TestManagerHandshakeAndSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSink := newRecordingSink()
	server := NewManager(newTestableConfig("server"), serverSink)
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	clientSink := newRecordingSink()
	client := NewManager(newTestableConfig("client"), clientSink)
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	peerName, err := client.ConnectToPeer(ctx, server.Addr().String())
	require.NoError(t, err)
	require.Equal(t, "server", peerName)

	select {
	case name := <-serverSink.added:
		require.Equal(t, "client", name)
	case <-time.After(time.Second):
		t.Fatal("server never observed inbound peer")
	}

	msg := wire.Message{
		Kind:        wire.KindMethodRequest,
		RequestID:   1,
		Source:      wire.Address{ContextName: "client", ObjectName: "caller"},
		Destination: wire.Address{ContextName: "server", ObjectName: "service"},
		MethodName:  "Ping",
	}
	require.NoError(t, client.SendToPeer("server", msg))

	select {
	case got := <-serverSink.delivered:
		require.Equal(t, "Ping", got.MethodName)
	case <-time.After(time.Second):
		t.Fatal("server never received message")
	}
}

func TestManagerRejectsWorkgroupMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewManager(newTestableConfig("server"), newRecordingSink())
	require.NoError(t, server.Start(ctx))
	defer server.Stop()

	mismatched := newTestableConfig("client")
	mismatched.Workgroup = "other-workgroup"
	client := NewManager(mismatched, newRecordingSink())
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	_, err := client.ConnectToPeer(ctx, server.Addr().String())
	require.Error(t, err)
}

func TestDiscoveryPacketRoundTrip(t *testing.T) {
	pkt := DiscoveryPacket{
		Kind:        PacketContextInfoResponse,
		Workgroup:   "wg",
		ContextName: "alice",
		TCPPort:     1234,
		Pid:         42,
	}
	buf := pkt.encode()
	got, err := decodeDiscoveryPacket(buf)
	require.NoError(t, err)
	require.Equal(t, pkt, got)
}
