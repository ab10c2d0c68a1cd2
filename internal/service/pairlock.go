package service

import "sync"

type pairKey struct {
	serviceID   string
	buyerWallet string
}

// PairLocks guards in-flight settlements per (service, buyer) pair. A second
// concurrent purchase for the same pair is rejected immediately instead of
// queued; a slow confirmation therefore blocks only that pair.
type PairLocks struct {
	mu       sync.Mutex
	inflight map[pairKey]struct{}
}

// NewPairLocks creates an empty lock set.
func NewPairLocks() *PairLocks {
	return &PairLocks{inflight: make(map[pairKey]struct{})}
}

// TryAcquire claims the pair. Returns false without blocking if a settlement
// for the pair is already running.
func (l *PairLocks) TryAcquire(serviceID, buyerWallet string) bool {
	key := pairKey{serviceID, buyerWallet}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.inflight[key]; held {
		return false
	}
	l.inflight[key] = struct{}{}
	return true
}

// Release frees the pair. Always called, including on timeout: the pair is
// then re-guarded durably by its unresolved attempt, not by this lock.
func (l *PairLocks) Release(serviceID, buyerWallet string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, pairKey{serviceID, buyerWallet})
}
