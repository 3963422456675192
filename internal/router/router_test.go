package router

import (
	"testing"

	"github.com/qfabric/qfabric/internal/wire"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	got chan wire.Message
}

func (h *captureHandler) HandleMessage(msg wire.Message) { h.got <- msg }

func TestSendMessageLocalDelivery(t *testing.T) {
	r := New("alice", nil)
	h := &captureHandler{got: make(chan wire.Message, 1)}
	require.NoError(t, r.RegisterMessageHandler("service", h))

	msg := wire.Message{
		Kind:        wire.KindMethodRequest,
		Source:      wire.Address{ContextName: "alice", ObjectName: "caller"},
		Destination: wire.Address{ContextName: "alice", ObjectName: "service"},
		MethodName:  "DoThing",
	}
	require.NoError(t, r.SendMessage(msg))

	select {
	case got := <-h.got:
		require.Equal(t, "DoThing", got.MethodName)
	default:
		t.Fatal("handler did not receive message")
	}
}

func TestSendMessageUnknownReceiverRepliesError(t *testing.T) {
	r := New("alice", nil)
	h := &captureHandler{got: make(chan wire.Message, 1)}
	require.NoError(t, r.RegisterMessageHandler("caller", h))

	msg := wire.Message{
		Kind:        wire.KindMethodRequest,
		RequestID:   7,
		Source:      wire.Address{ContextName: "alice", ObjectName: "caller"},
		Destination: wire.Address{ContextName: "alice", ObjectName: "nonexistent"},
		MethodName:  "DoThing",
	}
	require.NoError(t, r.SendMessage(msg))

	reply := <-h.got
	require.Equal(t, wire.KindErrorReply, reply.Kind)
	require.Equal(t, wire.ErrKindUnknownReceiver, reply.Error.Kind)
	require.EqualValues(t, 7, reply.RequestID)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New("alice", nil)
	require.NoError(t, r.RegisterMessageHandler("service", &captureHandler{got: make(chan wire.Message, 1)}))
	require.Error(t, r.RegisterMessageHandler("service", &captureHandler{got: make(chan wire.Message, 1)}))
}
