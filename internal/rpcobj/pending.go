package rpcobj

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/qfabric/qfabric/internal/wire"
	"github.com/qfabric/qfabric/internal/worker"
)

// pendingCall is one in-flight request's future: the call's proxy created
// it, sent the request, and is waiting (or not — non-blocking calls never
// read resultCh until the caller asks) for a reply. peerContext is the
// destination's context name, recorded at registration time so a
// PeerContextRemoved notification can find every call still waiting on
// that peer without scanning the whole table.
type pendingCall struct {
	id          uint64
	peerContext string
	deadline    time.Time
	resultCh    chan wire.Message

	cancelledCh chan struct{}
	cancelOnce  sync.Once
}

func lessByDeadline(a, b *pendingCall) bool {
	if a.deadline.Equal(b.deadline) {
		return a.id < b.id
	}
	return a.deadline.Before(b.deadline)
}

// pendingTable is the pending-call future table every Proxy shares,
// keyed by a random request ID (matching rpc.py's random 64-bit request
// IDs) with a google/btree ordered index on deadline so an idle sweep can
// find and discard expired entries in O(log n) instead of scanning every
// live call, plus a secondary index on peer context name so a peer
// disconnect can fail exactly the calls waiting on it. Grounded on
// rpc.py's QMI_RpcFuture bookkeeping, reimplemented with a real ordered-map
// dependency from the pack instead of a plain unordered map, since an
// expiry sweep is exactly the access pattern a btree is for.
type pendingTable struct {
	mu       sync.Mutex
	byID     map[uint64]*pendingCall
	byExpiry *btree.BTreeG[*pendingCall]
	byPeer   map[string]map[uint64]*pendingCall

	w *worker.Worker
}

func newPendingTable(ctx context.Context) *pendingTable {
	t := &pendingTable{
		byID:     make(map[uint64]*pendingCall),
		byExpiry: btree.NewG(32, lessByDeadline),
		byPeer:   make(map[string]map[uint64]*pendingCall),
	}
	t.w = worker.Start(ctx, t.sweepLoop, nil)
	return t
}

func (t *pendingTable) shutdown() {
	t.w.ShutdownAndWait()
}

// newRequestID draws a random, non-zero 64-bit request ID.
func newRequestID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		id := binary.BigEndian.Uint64(b[:])
		if id != 0 {
			return id
		}
	}
}

// register creates a pending call bound to peerContext (the destination's
// context name) with the given timeout and returns it. A zero timeout
// gives the call a deadline 24 hours from now, after which the sweep
// expires it like any other.
func (t *pendingTable) register(peerContext string, timeout time.Duration) *pendingCall {
	id := newRequestID()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	} else {
		deadline = time.Now().Add(24 * time.Hour) // effectively unbounded, still sweepable
	}
	pc := &pendingCall{
		id:          id,
		peerContext: peerContext,
		deadline:    deadline,
		resultCh:    make(chan wire.Message, 1),
		cancelledCh: make(chan struct{}),
	}

	t.mu.Lock()
	t.byID[id] = pc
	t.byExpiry.ReplaceOrInsert(pc)
	byPeer, ok := t.byPeer[peerContext]
	if !ok {
		byPeer = make(map[uint64]*pendingCall)
		t.byPeer[peerContext] = byPeer
	}
	byPeer[id] = pc
	t.mu.Unlock()
	return pc
}

// complete resolves a pending call by request ID, e.g. once a Reply or
// ErrorReply arrives. Returns false if no such call is pending — this is
// exactly the "late reply after timeout" case, silently discarded per
// spec's stated policy (logged by the caller at debug level).
func (t *pendingTable) complete(id uint64, msg wire.Message) bool {
	t.mu.Lock()
	pc, ok := t.byID[id]
	if ok {
		t.remove(pc)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pc.resultCh <- msg
	return true
}

func (t *pendingTable) forget(id uint64) {
	t.mu.Lock()
	if pc, ok := t.byID[id]; ok {
		t.remove(pc)
	}
	t.mu.Unlock()
}

// remove deletes pc from every index. Callers must hold t.mu.
func (t *pendingTable) remove(pc *pendingCall) {
	delete(t.byID, pc.id)
	t.byExpiry.Delete(pc)
	if byPeer, ok := t.byPeer[pc.peerContext]; ok {
		delete(byPeer, pc.id)
		if len(byPeer) == 0 {
			delete(t.byPeer, pc.peerContext)
		}
	}
}

// failPeer fails every pending call waiting on peerContext with
// ErrKindPeerLost, mirroring pubsub.Manager.PeerContextRemoved's cleanup
// on the same router.PeerObserver notification.
func (t *pendingTable) failPeer(peerContext string) {
	t.mu.Lock()
	byPeer := t.byPeer[peerContext]
	lost := make([]*pendingCall, 0, len(byPeer))
	for _, pc := range byPeer {
		lost = append(lost, pc)
	}
	for _, pc := range lost {
		t.remove(pc)
	}
	t.mu.Unlock()

	for _, pc := range lost {
		select {
		case pc.resultCh <- wire.Message{
			Kind: wire.KindErrorReply,
			Error: &wire.ErrorInfo{
				Kind:    wire.ErrKindPeerLost,
				Message: "peer connection lost",
			},
		}:
		default:
		}
	}
}

// sweepLoop periodically discards pending calls whose deadline has
// passed and that nobody ever collected (non-blocking calls whose caller
// never polled the future), preventing an unbounded pendingTable.
func (t *pendingTable) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepExpired(time.Now())
		}
	}
}

func (t *pendingTable) sweepExpired(now time.Time) {
	var expired []*pendingCall
	t.mu.Lock()
	for {
		item, ok := t.byExpiry.Min()
		if !ok || item.deadline.After(now) {
			break
		}
		t.remove(item)
		expired = append(expired, item)
	}
	t.mu.Unlock()

	for _, pc := range expired {
		select {
		case pc.resultCh <- wire.Message{
			Kind: wire.KindErrorReply,
			Error: &wire.ErrorInfo{
				Kind:    wire.ErrKindTimeout,
				Message: "rpc call timed out",
			},
		}:
		default:
		}
	}
}
