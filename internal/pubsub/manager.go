package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/qfabric/qfabric/internal/qlog"
	"github.com/qfabric/qfabric/internal/qmetrics"
	"github.com/qfabric/qfabric/internal/wire"
)

// ObjectName is the well-known local object name every context's signal
// manager answers to, matching SignalManager.PUBSUB_OBJECT_ID.
const ObjectName = "$pubsub"

var (
	ErrUnknownPublisher = errors.New("pubsub: unknown publisher object")
	ErrSubscription     = errors.New("pubsub: subscription failed")
)

// Sender is the subset of router.Router the signal manager needs to reach
// a remote context's own signal manager.
type Sender interface {
	SendMessage(msg wire.Message) error
}

// ObjectChecker reports whether a named RPC object currently exists
// locally, so a subscription request can be rejected for an unknown
// publisher the same way rpc.py's context.get_rpc_object_descriptor does.
type ObjectChecker interface {
	HasObject(name string) bool
}

type pendingSubscription struct {
	publisherContext string
	publisherName    string
	signalName       string
	subscribe        bool
	receivers        map[*Receiver]struct{}

	done    chan struct{}
	success bool
	errMsg  string
}

func (p *pendingSubscription) resolve(success bool, errMsg string) {
	p.success = success
	p.errMsg = errMsg
	close(p.done)
}

func (p *pendingSubscription) wait(ctx context.Context) (bool, string, error) {
	select {
	case <-p.done:
		return p.success, p.errMsg, nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// Manager is the Signal Manager: one instance per context, tracking local
// subscriptions to any publisher (local or remote) and remote contexts
// subscribed to this context's locally hosted publishers.
type Manager struct {
	contextName string
	sender      Sender
	objects     ObjectChecker
	logger      *slog.Logger
	msink       metrics.MetricSink

	mu              sync.Mutex
	localSubs       map[string]map[*Receiver]struct{} // "context.publisher.signal" -> receivers
	remoteSubs      map[string]map[string]struct{}    // "publisher.signal" -> subscriber context names
	pendingByReqID  map[uint64]*pendingSubscription
	pendingBySignal map[string]*pendingSubscription // "context.publisher.signal"

	nextReqID uint64
}

func NewManager(contextName string, sender Sender, objects ObjectChecker, logger *slog.Logger, msink metrics.MetricSink) *Manager {
	return &Manager{
		contextName:     contextName,
		sender:          sender,
		objects:         objects,
		logger:          qlog.Default(logger),
		msink:           qmetrics.Sink(msink),
		localSubs:       make(map[string]map[*Receiver]struct{}),
		remoteSubs:      make(map[string]map[string]struct{}),
		pendingByReqID:  make(map[uint64]*pendingSubscription),
		pendingBySignal: make(map[string]*pendingSubscription),
	}
}

func fullName(contextName, publisherName, signalName string) string {
	return contextName + "." + publisherName + "." + signalName
}

// Subscribe subscribes receiver to the named signal, published by
// publisherName on publisherContext (empty meaning this context). Blocks
// until a remote subscription is confirmed; local subscriptions return
// immediately.
func (m *Manager) Subscribe(ctx context.Context, publisherContext, publisherName, signalName string, receiver *Receiver) error {
	if publisherContext == "" {
		publisherContext = m.contextName
	}
	if publisherContext == m.contextName {
		return m.subscribeLocal(publisherName, signalName, receiver)
	}
	return m.subscribeRemote(ctx, publisherContext, publisherName, signalName, receiver)
}

// Unsubscribe removes receiver's subscription to the named signal. Doing
// nothing is not an error if the receiver was never subscribed.
func (m *Manager) Unsubscribe(publisherContext, publisherName, signalName string, receiver *Receiver) error {
	if publisherContext == "" {
		publisherContext = m.contextName
	}
	if publisherContext == m.contextName {
		m.removeLocalSubscriber(publisherContext, publisherName, signalName, receiver)
		return nil
	}
	return m.unsubscribeRemote(publisherContext, publisherName, signalName, receiver)
}

func (m *Manager) subscribeLocal(publisherName, signalName string, receiver *Receiver) error {
	if !m.objects.HasObject(publisherName) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownPublisher, m.contextName, publisherName)
	}
	m.addLocalSubscriber(m.contextName, publisherName, signalName, receiver)
	if !m.objects.HasObject(publisherName) {
		// Publisher vanished concurrently; undo.
		m.removeLocalSubscriber(m.contextName, publisherName, signalName, receiver)
		return fmt.Errorf("%w: %s.%s", ErrUnknownPublisher, m.contextName, publisherName)
	}
	return nil
}

func (m *Manager) addLocalSubscriber(publisherContext, publisherName, signalName string, receiver *Receiver) {
	name := fullName(publisherContext, publisherName, signalName)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.localSubs[name]
	if !ok {
		subs = make(map[*Receiver]struct{})
		m.localSubs[name] = subs
	}
	subs[receiver] = struct{}{}
}

func (m *Manager) removeLocalSubscriber(publisherContext, publisherName, signalName string, receiver *Receiver) {
	name := fullName(publisherContext, publisherName, signalName)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.localSubs[name]
	if !ok {
		return
	}
	delete(subs, receiver)
	if len(subs) == 0 {
		delete(m.localSubs, name)
	}
}

func remoteKey(publisherName, signalName string) string {
	return publisherName + "." + signalName
}

func (m *Manager) addRemoteSubscriber(publisherName, signalName, subscriberContext string) {
	key := remoteKey(publisherName, signalName)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.remoteSubs[key]
	if !ok {
		subs = make(map[string]struct{})
		m.remoteSubs[key] = subs
	}
	subs[subscriberContext] = struct{}{}
}

func (m *Manager) removeRemoteSubscriber(publisherName, signalName, subscriberContext string) {
	key := remoteKey(publisherName, signalName)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.remoteSubs[key]
	if !ok {
		return
	}
	delete(subs, subscriberContext)
	if len(subs) == 0 {
		delete(m.remoteSubs, key)
	}
}

func (m *Manager) subscribeRemote(ctx context.Context, publisherContext, publisherName, signalName string, receiver *Receiver) error {
	name := fullName(publisherContext, publisherName, signalName)

	m.mu.Lock()
	if subs, ok := m.localSubs[name]; ok {
		subs[receiver] = struct{}{}
		m.mu.Unlock()
		return nil
	}
	pending, ok := m.pendingBySignal[name]
	var reqID uint64
	var sendReq bool
	if !ok {
		m.nextReqID++
		reqID = m.nextReqID
		pending = &pendingSubscription{
			publisherContext: publisherContext,
			publisherName:    publisherName,
			signalName:       signalName,
			subscribe:        true,
			receivers:        make(map[*Receiver]struct{}),
			done:             make(chan struct{}),
		}
		m.pendingBySignal[name] = pending
		m.pendingByReqID[reqID] = pending
		sendReq = true
	}
	pending.receivers[receiver] = struct{}{}
	m.mu.Unlock()

	if sendReq {
		m.sendSubscriptionRequest(reqID, publisherContext, publisherName, signalName, true)
	}

	success, errMsg, err := pending.wait(ctx)
	if err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("%w: %s", ErrSubscription, errMsg)
	}
	return nil
}

func (m *Manager) unsubscribeRemote(publisherContext, publisherName, signalName string, receiver *Receiver) error {
	name := fullName(publisherContext, publisherName, signalName)

	m.mu.Lock()
	lastSubscriber := false
	if subs, ok := m.localSubs[name]; ok {
		delete(subs, receiver)
		if len(subs) == 0 {
			delete(m.localSubs, name)
			lastSubscriber = true
		}
	}
	var reqID uint64
	var sendReq bool
	if lastSubscriber {
		if _, ok := m.pendingBySignal[name]; !ok {
			m.nextReqID++
			reqID = m.nextReqID
			pending := &pendingSubscription{
				publisherContext: publisherContext,
				publisherName:    publisherName,
				signalName:       signalName,
				subscribe:        false,
				receivers:        make(map[*Receiver]struct{}),
				done:             make(chan struct{}),
			}
			m.pendingBySignal[name] = pending
			m.pendingByReqID[reqID] = pending
			sendReq = true
		}
	}
	m.mu.Unlock()

	if sendReq {
		m.sendSubscriptionRequest(reqID, publisherContext, publisherName, signalName, false)
	}
	return nil
}

func (m *Manager) sendSubscriptionRequest(reqID uint64, publisherContext, publisherName, signalName string, subscribe bool) {
	kind := wire.KindSignalSubscribe
	if !subscribe {
		kind = wire.KindSignalUnsubscribe
	}
	msg := wire.Message{
		Kind:          kind,
		RequestID:     reqID,
		Source:        wire.Address{ContextName: m.contextName, ObjectName: ObjectName},
		Destination:   wire.Address{ContextName: publisherContext, ObjectName: ObjectName},
		PublisherName: publisherName,
		SignalName:    signalName,
	}
	if err := m.sender.SendMessage(msg); err != nil {
		m.handleSubscriptionReply(reqID, false, err.Error())
	}
}

// Publish broadcasts a signal published by publisherName to every local
// and remote subscriber. Local delivery is synchronous; remote delivery is
// best-effort: a failed send is logged and does not fail the publish call.
// Each remote send is a synchronous write to the subscriber's peer
// connection, so Publish does not return until every such write has.
func (m *Manager) Publish(publisherName, signalName string, args wire.Value) {
	m.msink.IncrCounter(qmetrics.MetricSignalPublished, 1)
	m.deliverLocal(m.contextName, publisherName, signalName, args)

	key := remoteKey(publisherName, signalName)
	m.mu.Lock()
	var subscribers []string
	if subs, ok := m.remoteSubs[key]; ok {
		subscribers = make([]string, 0, len(subs))
		for c := range subs {
			subscribers = append(subscribers, c)
		}
	}
	m.mu.Unlock()

	for _, subscriberContext := range subscribers {
		msg := wire.Message{
			Kind:        wire.KindSignal,
			Source:      wire.Address{ContextName: m.contextName, ObjectName: publisherName},
			Destination: wire.Address{ContextName: subscriberContext, ObjectName: ObjectName},
			SignalName:  signalName,
			SignalArgs:  args,
		}
		if err := m.sender.SendMessage(msg); err != nil {
			m.logger.Debug("failed to deliver signal to remote subscriber",
				qlog.LabelSignal.L(signalName), qlog.LabelContext.L(subscriberContext), qlog.LabelError.L(err))
		}
	}
}

func (m *Manager) deliverLocal(publisherContext, publisherName, signalName string, args wire.Value) {
	name := fullName(publisherContext, publisherName, signalName)
	m.mu.Lock()
	subs, ok := m.localSubs[name]
	var receivers []*Receiver
	if ok {
		receivers = make([]*Receiver, 0, len(subs))
		for r := range subs {
			receivers = append(receivers, r)
		}
	}
	m.mu.Unlock()
	dropped := 0
	for _, r := range receivers {
		if r.receiveSignal(publisherContext, publisherName, signalName, args) {
			dropped++
		}
	}
	if dropped > 0 {
		m.msink.IncrCounter(qmetrics.MetricSignalDropped, float32(dropped))
	}
}

// HandleMessage implements router.Handler, dispatching every message kind
// the signal manager itself can receive.
func (m *Manager) HandleMessage(msg wire.Message) {
	switch msg.Kind {
	case wire.KindSignal:
		m.deliverLocal(msg.Source.ContextName, msg.Source.ObjectName, msg.SignalName, msg.SignalArgs)
	case wire.KindSignalSubscribe, wire.KindSignalUnsubscribe:
		m.handleSubscriptionRequest(msg)
	case wire.KindSignalSubscribeReply:
		m.handleSubscriptionReply(msg.RequestID, msg.SubscribeSuccess, msg.SubscribeError)
	case wire.KindErrorReply:
		m.handleSubscriptionReply(msg.RequestID, false, errMsgOf(msg))
	case wire.KindSignalRemoved:
		m.handleRemoteSignalRemoved(msg)
	default:
		m.logger.Warn("signal manager received unexpected message kind", qlog.LabelMessageKind.L(msg.Kind))
	}
}

func errMsgOf(msg wire.Message) string {
	if msg.Error != nil {
		return msg.Error.Message
	}
	return "unknown error"
}

func (m *Manager) handleSubscriptionRequest(msg wire.Message) {
	publisherName := msg.PublisherName
	signalName := msg.SignalName
	subscriberContext := msg.Source.ContextName
	subscribe := msg.Kind == wire.KindSignalSubscribe

	var success bool
	var errMsg string
	if subscribe {
		if !m.objects.HasObject(publisherName) {
			success = false
			errMsg = fmt.Sprintf("unknown RPC object %s.%s", m.contextName, publisherName)
		} else {
			m.addRemoteSubscriber(publisherName, signalName, subscriberContext)
			if !m.objects.HasObject(publisherName) {
				m.removeRemoteSubscriber(publisherName, signalName, subscriberContext)
				success = false
				errMsg = fmt.Sprintf("unknown RPC object %s.%s", m.contextName, publisherName)
			} else {
				success = true
			}
		}
	} else {
		m.removeRemoteSubscriber(publisherName, signalName, subscriberContext)
		success = true
	}

	reply := wire.Message{
		Kind:             wire.KindSignalSubscribeReply,
		RequestID:        msg.RequestID,
		Source:           msg.Destination,
		Destination:      msg.Source,
		SubscribeSuccess: success,
		SubscribeError:   errMsg,
	}
	if err := m.sender.SendMessage(reply); err != nil {
		m.logger.Debug("failed to reply to subscription request", qlog.LabelError.L(err))
	}
}

func (m *Manager) handleSubscriptionReply(reqID uint64, success bool, errMsg string) {
	m.mu.Lock()
	pending, ok := m.pendingByReqID[reqID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pendingByReqID, reqID)
	name := fullName(pending.publisherContext, pending.publisherName, pending.signalName)
	delete(m.pendingBySignal, name)

	if pending.subscribe && success {
		subs, ok := m.localSubs[name]
		if !ok {
			subs = make(map[*Receiver]struct{})
			m.localSubs[name] = subs
		}
		for r := range pending.receivers {
			subs[r] = struct{}{}
		}
	}

	var requeueID uint64
	var requeue bool
	if !pending.subscribe && len(pending.receivers) > 0 {
		// New subscribers arrived while the unsubscribe was in flight;
		// immediately resubscribe on their behalf.
		m.nextReqID++
		requeueID = m.nextReqID
		next := &pendingSubscription{
			publisherContext: pending.publisherContext,
			publisherName:    pending.publisherName,
			signalName:       pending.signalName,
			subscribe:        true,
			receivers:        pending.receivers,
			done:             make(chan struct{}),
		}
		m.pendingBySignal[name] = next
		m.pendingByReqID[requeueID] = next
		requeue = true
	}
	m.mu.Unlock()

	if pending.subscribe {
		pending.resolve(success, errMsg)
	}
	if requeue {
		m.sendSubscriptionRequest(requeueID, pending.publisherContext, pending.publisherName, pending.signalName, true)
	}
}

func (m *Manager) handleRemoteSignalRemoved(msg wire.Message) {
	name := fullName(msg.Source.ContextName, msg.PublisherName, msg.SignalName)
	m.mu.Lock()
	delete(m.localSubs, name)
	m.mu.Unlock()
}

// ObjectRemoved drops local subscriptions on signals the removed object
// published, and notifies every remote subscriber that those signals are
// gone, mirroring handle_object_removed.
func (m *Manager) ObjectRemoved(publisherName string) {
	prefix := m.contextName + "." + publisherName + "."
	remotePrefix := publisherName + "."

	m.mu.Lock()
	for name := range m.localSubs {
		if hasPrefix(name, prefix) {
			delete(m.localSubs, name)
		}
	}
	type notify struct {
		signalName        string
		subscriberContext string
	}
	var notifications []notify
	for key, subs := range m.remoteSubs {
		if !hasPrefix(key, remotePrefix) {
			continue
		}
		signalName := key[len(remotePrefix):]
		for subscriberContext := range subs {
			notifications = append(notifications, notify{signalName, subscriberContext})
		}
		delete(m.remoteSubs, key)
	}
	m.mu.Unlock()

	for _, n := range notifications {
		msg := wire.Message{
			Kind:          wire.KindSignalRemoved,
			Source:        wire.Address{ContextName: m.contextName, ObjectName: ObjectName},
			Destination:   wire.Address{ContextName: n.subscriberContext, ObjectName: ObjectName},
			PublisherName: publisherName,
			SignalName:    n.signalName,
		}
		if err := m.sender.SendMessage(msg); err != nil {
			m.logger.Debug("failed to notify remote subscriber of signal removal", qlog.LabelError.L(err))
		}
	}
}

// PeerContextAdded implements router.PeerObserver. No action is needed
// when a peer connects; subscriptions are established lazily on demand.
func (m *Manager) PeerContextAdded(name string) {}

// PeerContextRemoved implements router.PeerObserver: drops remote
// subscribers in the removed context, and local subscriptions on signals
// published by that context, mirroring handle_peer_context_removed.
func (m *Manager) PeerContextRemoved(contextName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, subs := range m.remoteSubs {
		if _, ok := subs[contextName]; ok {
			delete(subs, contextName)
			if len(subs) == 0 {
				delete(m.remoteSubs, key)
			}
		}
	}

	prefix := contextName + "."
	for name := range m.localSubs {
		if hasPrefix(name, prefix) {
			delete(m.localSubs, name)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
