package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []Value{
		Null(),
		Bool(true),
		Int(-42),
		Float(3.14159),
		String("hello"),
		Bytes([]byte{1, 2, 3}),
		List(Int(1), String("two"), Bool(false)),
		Map(map[string]Value{"a": Int(1), "b": String("x")}),
		Record("point", map[string]Value{"x": Int(1), "y": Int(2)}),
		Timestamp(1234567890, 500),
	}
	for _, v := range cases {
		buf := Encode(nil, v)
		got, n, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v.Kind, got.Kind)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := Address{ContextName: "alice", ObjectName: "$context"}
	parsed, err := ParseAddress(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)
}

func TestMessageRoundTrip(t *testing.T) {
	m := Message{
		Kind:        KindMethodRequest,
		RequestID:   99,
		Source:      Address{ContextName: "alice", ObjectName: "caller"},
		Destination: Address{ContextName: "bob", ObjectName: "service"},
		MethodName:  "Frobnicate",
		Args:        List(Int(1), String("two")),
	}
	buf := m.Encode()
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m.Kind, got.Kind)
	require.Equal(t, m.RequestID, got.RequestID)
	require.Equal(t, m.Source, got.Source)
	require.Equal(t, m.Destination, got.Destination)
	require.Equal(t, m.MethodName, got.MethodName)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("some framed payload")
	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.Error(t, WriteFrame(&buf, make([]byte, MaxMessageSize+1)))
}

func TestHandshakeRoundTrip(t *testing.T) {
	m := Message{
		Kind: KindHandshake,
		Handshake: &Handshake{
			Workgroup:       "default",
			ProtocolVersion: ProtocolVersion,
			ContextName:     "alice",
		},
	}
	buf := m.Encode()
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Handshake)
	require.Equal(t, *m.Handshake, *got.Handshake)
}

func TestSignalSubscribeRoundTrip(t *testing.T) {
	m := Message{
		Kind:          KindSignalSubscribe,
		RequestID:     7,
		Source:        Address{ContextName: "alice", ObjectName: "$pubsub"},
		Destination:   Address{ContextName: "bob", ObjectName: "$pubsub"},
		PublisherName: "thermostat",
		SignalName:    "temperature_changed",
	}
	buf := m.Encode()
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m.PublisherName, got.PublisherName)
	require.Equal(t, m.SignalName, got.SignalName)
}

func TestSignalSubscribeReplyRoundTrip(t *testing.T) {
	m := Message{
		Kind:             KindSignalSubscribeReply,
		RequestID:        7,
		SubscribeSuccess: false,
		SubscribeError:   "unknown publisher",
	}
	buf := m.Encode()
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m.SubscribeSuccess, got.SubscribeSuccess)
	require.Equal(t, m.SubscribeError, got.SubscribeError)
}

func TestErrorReplyRoundTrip(t *testing.T) {
	m := Message{
		Kind: KindErrorReply,
		Error: &ErrorInfo{
			Kind:    ErrKindUnknownMethod,
			Message: "no such method",
		},
	}
	buf := m.Encode()
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	require.Equal(t, ErrKindUnknownMethod, got.Error.Kind)
	require.Equal(t, "no such method", got.Error.Message)
}
