package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qfabric/qfabric/internal/pubsub"
	"github.com/qfabric/qfabric/internal/wire"
)

type fakeObjects struct {
	names map[string]bool
}

func (f *fakeObjects) HasObject(name string) bool { return f.names[name] }

// loopbackNetwork wires two Managers together in-process, routing every
// message one Manager sends straight into the other's HandleMessage, the
// way two contexts' transport Managers would relay between their signal
// managers over a real TCP connection.
type loopbackNetwork struct {
	byContext map[string]*pubsub.Manager
}

func (n *loopbackNetwork) senderFor(contextName string) pubsub.Sender {
	return routeFunc(func(msg wire.Message) error {
		peer, ok := n.byContext[msg.Destination.ContextName]
		if !ok {
			return nil
		}
		peer.HandleMessage(msg)
		return nil
	})
}

type routeFunc func(msg wire.Message) error

func (f routeFunc) SendMessage(msg wire.Message) error { return f(msg) }

func TestLocalSubscribeAndPublish(t *testing.T) {
	objs := &fakeObjects{names: map[string]bool{"thermostat": true}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	m := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), objs, nil, nil)
	net.byContext["ctx-a"] = m

	receiver := pubsub.NewReceiver(0, pubsub.DiscardOld)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Subscribe(ctx, "", "thermostat", "temp_changed", receiver))

	m.Publish("thermostat", "temp_changed", wire.Float(21.5))

	sig, err := receiver.GetNextSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ctx-a", sig.PublisherContext)
	assert.Equal(t, "thermostat", sig.PublisherName)
	assert.Equal(t, "temp_changed", sig.SignalName)
	assert.Equal(t, 21.5, sig.Args.Float)
}

func TestSubscribeUnknownPublisherFails(t *testing.T) {
	objs := &fakeObjects{names: map[string]bool{}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	m := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), objs, nil, nil)
	net.byContext["ctx-a"] = m

	receiver := pubsub.NewReceiver(0, pubsub.DiscardOld)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.Subscribe(ctx, "", "nonexistent", "sig", receiver)
	require.Error(t, err)
	assert.ErrorIs(t, err, pubsub.ErrUnknownPublisher)
}

func TestRemoteSubscribeAndPublish(t *testing.T) {
	objsB := &fakeObjects{names: map[string]bool{"thermostat": true}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	a := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), &fakeObjects{names: map[string]bool{}}, nil, nil)
	b := pubsub.NewManager("ctx-b", net.senderFor("ctx-b"), objsB, nil, nil)
	net.byContext["ctx-a"] = a
	net.byContext["ctx-b"] = b

	receiver := pubsub.NewReceiver(0, pubsub.DiscardOld)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Subscribe(ctx, "ctx-b", "thermostat", "temp_changed", receiver))

	b.Publish("thermostat", "temp_changed", wire.Int(99))

	sig, err := receiver.GetNextSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ctx-b", sig.PublisherContext)
	assert.Equal(t, int64(99), sig.Args.Int)
}

func TestRemoteUnsubscribeStopsDelivery(t *testing.T) {
	objsB := &fakeObjects{names: map[string]bool{"thermostat": true}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	a := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), &fakeObjects{names: map[string]bool{}}, nil, nil)
	b := pubsub.NewManager("ctx-b", net.senderFor("ctx-b"), objsB, nil, nil)
	net.byContext["ctx-a"] = a
	net.byContext["ctx-b"] = b

	receiver := pubsub.NewReceiver(0, pubsub.DiscardOld)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Subscribe(ctx, "ctx-b", "thermostat", "temp_changed", receiver))
	require.NoError(t, a.Unsubscribe("ctx-b", "thermostat", "temp_changed", receiver))

	b.Publish("thermostat", "temp_changed", wire.Int(1))
	assert.False(t, receiver.HasSignalReady())
}

func TestObjectRemovedNotifiesRemoteSubscribers(t *testing.T) {
	objsB := &fakeObjects{names: map[string]bool{"thermostat": true}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	a := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), &fakeObjects{names: map[string]bool{}}, nil, nil)
	b := pubsub.NewManager("ctx-b", net.senderFor("ctx-b"), objsB, nil, nil)
	net.byContext["ctx-a"] = a
	net.byContext["ctx-b"] = b

	receiver := pubsub.NewReceiver(0, pubsub.DiscardOld)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Subscribe(ctx, "ctx-b", "thermostat", "temp_changed", receiver))

	delete(objsB.names, "thermostat")
	b.ObjectRemoved("thermostat")

	// After removal notification, ctx-a's local subscription on ctx-b's
	// thermostat signal is gone: further local delivery attempts (were any
	// to arrive) would no longer reach the receiver. We assert indirectly
	// by re-subscribing (which would reuse the local fast-path if the
	// entry still existed) and checking the publisher rejects it.
	require.NoError(t, a.Unsubscribe("ctx-b", "thermostat", "temp_changed", receiver))
	err := a.Subscribe(ctx, "ctx-b", "thermostat", "temp_changed", receiver)
	assert.ErrorIs(t, err, pubsub.ErrSubscription)
}

func TestDiscardOldDropsUnderLoad(t *testing.T) {
	objs := &fakeObjects{names: map[string]bool{"pub": true}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	m := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), objs, nil, nil)
	net.byContext["ctx-a"] = m

	receiver := pubsub.NewReceiver(2, pubsub.DiscardOld)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Subscribe(ctx, "", "pub", "sig", receiver))

	m.Publish("pub", "sig", wire.Int(1))
	m.Publish("pub", "sig", wire.Int(2))
	m.Publish("pub", "sig", wire.Int(3))
	assert.Equal(t, 2, receiver.QueueLength())

	sig, err := receiver.GetNextSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sig.Args.Int)
}

func TestDiscardNewDropsUnderLoad(t *testing.T) {
	objs := &fakeObjects{names: map[string]bool{"pub": true}}
	net := &loopbackNetwork{byContext: map[string]*pubsub.Manager{}}
	m := pubsub.NewManager("ctx-a", net.senderFor("ctx-a"), objs, nil, nil)
	net.byContext["ctx-a"] = m

	receiver := pubsub.NewReceiver(2, pubsub.DiscardNew)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Subscribe(ctx, "", "pub", "sig", receiver))

	m.Publish("pub", "sig", wire.Int(1))
	m.Publish("pub", "sig", wire.Int(2))
	m.Publish("pub", "sig", wire.Int(3))
	assert.Equal(t, 2, receiver.QueueLength())

	sig, err := receiver.GetNextSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sig.Args.Int)
}
