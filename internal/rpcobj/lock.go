package rpcobj

import (
	"fmt"
	"sync"
)

// lockState is a single RPC object's lock, keyed purely by an opaque
// token string rather than by the locking context. This is deliberate:
// rpc.py's QMI_RpcProxy.lock/unlock/force_unlock let a caller supply a
// custom token and later unlock it from a *different* context object, as
// long as the token string matches — token identity, not context identity,
// is what authorises unlock (see SPEC_FULL.md's "Custom lock tokens with
// cross-context unlock").
type lockState struct {
	mu      sync.Mutex
	locked  bool
	token   string
	context string // informational: which context currently holds it
}

// tryLock attempts to acquire the lock for token. Re-locking with the same
// token that already holds the lock is idempotent and succeeds (matching
// rpc.py's behaviour of tolerating repeated lock() calls by the same
// owner).
func (l *lockState) tryLock(token, contextName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		l.locked = true
		l.token = token
		l.context = contextName
		return nil
	}
	if l.token == token {
		return nil
	}
	return ErrLocked
}

func (l *lockState) unlock(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return ErrNotLocked
	}
	if l.token != token {
		return ErrWrongToken
	}
	l.locked = false
	l.token = ""
	l.context = ""
	return nil
}

func (l *lockState) forceUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	l.token = ""
	l.context = ""
}

// checkLocked returns nil if the object may currently be called with the
// supplied token (either unlocked, or locked with a matching token).
func (l *lockState) checkLocked(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return nil
	}
	if l.token == token {
		return nil
	}
	return fmt.Errorf("%w: held by a different caller", ErrLocked)
}

func (l *lockState) status() (locked bool, token, contextName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked, l.token, l.context
}
