package transaction

import (
	"context"
	"sync"
	"sync/atomic"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

type LockMode uint8

const (
	LockShared LockMode = iota + 1
	LockExclusive
)

func compatible(a, b LockMode) bool {
	return a == LockShared && b == LockShared
}

// LockKey names a lockable item inside a space, a heap or an index.
type LockKey struct {
	Space uint64
	Item  string
}

// TupleKey locks one row version.
func TupleKey(heap pagemanager.PageID, tid pagemanager.TID) LockKey {
	return LockKey{Space: uint64(heap), Item: string(tid.Append(nil))}
}

// IndexKey locks one key value of an index.
func IndexKey(index pagemanager.PageID, key []byte) LockKey {
	return LockKey{Space: uint64(index), Item: string(key)}
}

type lockRequest struct {
	txn     *Transaction
	mode    LockMode
	granted bool
	upgrade bool
	ready   chan struct{}
	err     error
}

type lockQueue struct {
	reqs []*lockRequest
}

func (q *lockQueue) granted(id uint64) *lockRequest {
	for _, r := range q.reqs {
		if r.granted && r.txn.ID == id {
			return r
		}
	}
	return nil
}

// blockers lists the transactions req has to wait for: incompatible
// holders and, unless req is an upgrade, every waiter queued ahead of it.
func (q *lockQueue) blockers(req *lockRequest) []uint64 {
	var out []uint64
	ahead := true
	for _, r := range q.reqs {
		if r == req {
			ahead = false
			continue
		}
		if r.txn.ID == req.txn.ID {
			continue
		}
		switch {
		case r.granted:
			if !compatible(r.mode, req.mode) {
				out = append(out, r.txn.ID)
			}
		case ahead && !req.upgrade:
			out = append(out, r.txn.ID)
		}
	}
	return out
}

func (q *lockQueue) remove(req *lockRequest) {
	for i, r := range q.reqs {
		if r == req {
			q.reqs = append(q.reqs[:i], q.reqs[i+1:]...)
			return
		}
	}
}

type waitInfo struct {
	key LockKey
	req *lockRequest
}

// LockManager grants shared and exclusive locks held until the end of a
// transaction. Waiters queue first come first served; upgrades jump the
// queue. Every wait is checked against the wait-for graph and a cycle
// aborts the transaction in it that did the least work.
type LockManager struct {
	mu     sync.Mutex
	queues map[LockKey]*lockQueue
	held   map[uint64]map[LockKey]struct{}
	waits  map[uint64]waitInfo
	graph  *DependencyGraph
	logger *zap.Logger

	deadlocks atomic.Uint64
	waitCount atomic.Uint64
}

func NewLockManager(logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		queues: make(map[LockKey]*lockQueue),
		held:   make(map[uint64]map[LockKey]struct{}),
		waits:  make(map[uint64]waitInfo),
		graph:  NewDependencyGraph(),
		logger: logger.Named("locks"),
	}
}

// Acquire blocks until txn holds key in mode, the wait closes a cycle
// (ErrDeadlock) or ctx ends.
func (lm *LockManager) Acquire(ctx context.Context, txn *Transaction, key LockKey, mode LockMode) error {
	lm.mu.Lock()
	q, ok := lm.queues[key]
	if !ok {
		q = &lockQueue{}
		lm.queues[key] = q
	}
	req := &lockRequest{txn: txn, mode: mode, ready: make(chan struct{})}
	if r := q.granted(txn.ID); r != nil {
		if r.mode == LockExclusive || mode == LockShared {
			lm.mu.Unlock()
			return nil
		}
		req.upgrade = true
	}
	q.reqs = append(q.reqs, req)
	if len(q.blockers(req)) == 0 {
		lm.grantLocked(key, q, req)
		lm.mu.Unlock()
		return nil
	}
	return lm.wait(ctx, key, q, req)
}

// wait parks req; lm.mu is held on entry and released before blocking.
func (lm *LockManager) wait(ctx context.Context, key LockKey, q *lockQueue, req *lockRequest) error {
	id := req.txn.ID
	lm.waits[id] = waitInfo{key: key, req: req}
	lm.graph.SetWaits(id, q.blockers(req))
	lm.waitCount.Add(1)
	if cycle := lm.graph.FindCycle(id); cycle != nil {
		victim := lm.pickVictim(cycle)
		lm.deadlocks.Add(1)
		lm.logger.Warn("deadlock detected",
			zap.Uint64s("cycle", cycle),
			zap.Uint64("victim", victim))
		if victim == id {
			lm.cancelLocked(key, req, ErrDeadlock)
			lm.mu.Unlock()
			return ErrDeadlock
		}
		w := lm.waits[victim]
		lm.cancelLocked(w.key, w.req, ErrDeadlock)
	}
	lm.mu.Unlock()

	select {
	case <-req.ready:
		return req.err
	case <-ctx.Done():
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	select {
	case <-req.ready:
		return req.err
	default:
	}
	lm.cancelLocked(key, req, ctx.Err())
	return ctx.Err()
}

// pickVictim chooses the cycle member with the fewest log records, the
// youngest on a tie.
func (lm *LockManager) pickVictim(cycle []uint64) uint64 {
	victim := cycle[0]
	best := lm.waits[victim].req.txn.Work()
	for _, id := range cycle[1:] {
		work := lm.waits[id].req.txn.Work()
		if work < best || (work == best && id > victim) {
			victim, best = id, work
		}
	}
	return victim
}

func (lm *LockManager) grantLocked(key LockKey, q *lockQueue, req *lockRequest) {
	id := req.txn.ID
	if req.upgrade {
		q.remove(req)
		q.granted(id).mode = LockExclusive
	} else {
		req.granted = true
	}
	if lm.held[id] == nil {
		lm.held[id] = make(map[LockKey]struct{})
	}
	lm.held[id][key] = struct{}{}
	if w, ok := lm.waits[id]; ok && w.req == req {
		delete(lm.waits, id)
		lm.graph.ClearWaits(id)
	}
	close(req.ready)
}

// cancelLocked fails a waiting request with err.
func (lm *LockManager) cancelLocked(key LockKey, req *lockRequest, err error) {
	q := lm.queues[key]
	q.remove(req)
	req.err = err
	id := req.txn.ID
	if w, ok := lm.waits[id]; ok && w.req == req {
		delete(lm.waits, id)
		lm.graph.ClearWaits(id)
	}
	close(req.ready)
	lm.promoteLocked(key, q)
}

// promoteLocked grants queued requests that became compatible, in order,
// and refreshes the wait-for edges of the rest.
func (lm *LockManager) promoteLocked(key LockKey, q *lockQueue) {
	for _, r := range append([]*lockRequest(nil), q.reqs...) {
		if r.granted {
			continue
		}
		if len(q.blockers(r)) == 0 {
			lm.grantLocked(key, q, r)
		}
	}
	for _, r := range q.reqs {
		if !r.granted {
			lm.graph.SetWaits(r.txn.ID, q.blockers(r))
		}
	}
	if len(q.reqs) == 0 {
		delete(lm.queues, key)
	}
}

// ReleaseAll drops every lock txn holds and wakes the waiters that can
// now proceed.
func (lm *LockManager) ReleaseAll(txn *Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	id := txn.ID
	if w, ok := lm.waits[id]; ok {
		lm.cancelLocked(w.key, w.req, ErrTxnNotActive)
	}
	for key := range lm.held[id] {
		q := lm.queues[key]
		if q == nil {
			continue
		}
		kept := q.reqs[:0]
		for _, r := range q.reqs {
			if r.txn.ID != id {
				kept = append(kept, r)
			}
		}
		clear(q.reqs[len(kept):])
		q.reqs = kept
		lm.promoteLocked(key, q)
	}
	delete(lm.held, id)
	lm.graph.RemoveTransaction(id)
}

// Holds reports the mode txn holds key in, zero when it holds nothing.
func (lm *LockManager) Holds(txn *Transaction, key LockKey) LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if q := lm.queues[key]; q != nil {
		if r := q.granted(txn.ID); r != nil {
			return r.mode
		}
	}
	return 0
}

func (lm *LockManager) Deadlocks() uint64 { return lm.deadlocks.Load() }
func (lm *LockManager) Waits() uint64     { return lm.waitCount.Load() }
