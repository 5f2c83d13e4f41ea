package transaction

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

// Log is the part of the write-ahead log transactions use.
type Log interface {
	Append(rec *wal.LogRecord, t *wal.TxnLog) (wal.LSN, error)
	WaitDurable(ctx context.Context, lsn wal.LSN) error
}

// Rollbacker undoes the logged changes of a transaction.
type Rollbacker interface {
	Rollback(ctx context.Context, t *wal.TxnLog) error
}

// Stats is a snapshot of Manager counters.
type Stats struct {
	Active    int
	NextID    uint64
	Begun     uint64
	Committed uint64
	Aborted   uint64
	Conflicts uint64
	Deadlocks uint64
	LockWaits uint64
}

// Manager hands out transaction ids and snapshots and drives commit and
// abort.
type Manager struct {
	log    Log
	clog   *CommitLog
	locks  *LockManager
	undo   Rollbacker
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*Transaction

	begun     atomic.Uint64
	committed atomic.Uint64
	aborted   atomic.Uint64
	conflicts atomic.Uint64
}

func NewManager(log Log, clog *CommitLog, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:    log,
		clog:   clog,
		locks:  NewLockManager(logger),
		logger: logger.Named("txn"),
		nextID: 1,
		active: make(map[uint64]*Transaction),
	}
}

// SetRollbacker installs the undo machinery used by Abort.
func (m *Manager) SetRollbacker(r Rollbacker) { m.undo = r }

func (m *Manager) Locks() *LockManager   { return m.locks }
func (m *Manager) CommitLog() *CommitLog { return m.clog }

// SetNextID moves the id counter forward, never backward. Recovery calls
// it with one past the highest id it saw.
func (m *Manager) SetNextID(id uint64) {
	m.mu.Lock()
	if id > m.nextID {
		m.nextID = id
	}
	m.mu.Unlock()
}

func (m *Manager) NextID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// Begin starts a transaction with a snapshot of the transactions running
// right now.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	snap := &Snapshot{Xmin: id, Xmax: id, Active: make([]uint64, 0, len(m.active))}
	for other := range m.active {
		snap.Active = append(snap.Active, other)
		if other < snap.Xmin {
			snap.Xmin = other
		}
	}
	slices.Sort(snap.Active)
	txn := &Transaction{ID: id, Snapshot: snap, Log: wal.NewTxnLog(id)}
	m.active[id] = txn
	m.mu.Unlock()

	m.begun.Add(1)
	m.logger.Debug("transaction started", zap.Uint64("txn_id", id), zap.Int("concurrent", len(snap.Active)))
	return txn
}

// Commit makes txn durable. The commit record is on stable storage before
// Commit returns; the commit log and the lock release follow.
func (m *Manager) Commit(ctx context.Context, txn *Transaction) error {
	if txn.State() != TxnStateRunning {
		return fmt.Errorf("%w: %d is %s", ErrTxnNotActive, txn.ID, txn.State())
	}
	if txn.Wrote() {
		lsn, err := m.log.Append(&wal.LogRecord{Type: wal.RecordCommit}, txn.Log)
		if err != nil {
			return fmt.Errorf("commit %d: %w", txn.ID, err)
		}
		// The record is in the log; its fate no longer depends on the caller.
		if err := m.log.WaitDurable(context.WithoutCancel(ctx), lsn); err != nil {
			m.logger.Error("commit record not durable", zap.Uint64("txn_id", txn.ID), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
			return fmt.Errorf("commit %d: %w", txn.ID, err)
		}
	}
	m.clog.Set(txn.ID, StatusCommitted)
	m.finish(txn, TxnStateCommitted)
	m.committed.Add(1)
	return nil
}

// Abort rolls txn back and releases its locks.
func (m *Manager) Abort(ctx context.Context, txn *Transaction) error {
	if txn.State() != TxnStateRunning {
		return fmt.Errorf("%w: %d is %s", ErrTxnNotActive, txn.ID, txn.State())
	}
	if txn.Wrote() {
		if m.undo == nil {
			return fmt.Errorf("abort %d: no rollback handler installed", txn.ID)
		}
		if err := m.undo.Rollback(ctx, txn.Log); err != nil {
			m.logger.Error("rollback failed", zap.Uint64("txn_id", txn.ID), zap.Error(err))
			return fmt.Errorf("abort %d: %w", txn.ID, err)
		}
		if _, err := m.log.Append(&wal.LogRecord{Type: wal.RecordAbort}, txn.Log); err != nil {
			return fmt.Errorf("abort %d: %w", txn.ID, err)
		}
	}
	m.clog.Set(txn.ID, StatusAborted)
	m.finish(txn, TxnStateAborted)
	m.aborted.Add(1)
	return nil
}

func (m *Manager) finish(txn *Transaction, state TransactionState) {
	txn.setState(state)
	m.locks.ReleaseAll(txn)
	m.mu.Lock()
	delete(m.active, txn.ID)
	m.mu.Unlock()
	m.logger.Debug("transaction finished",
		zap.Uint64("txn_id", txn.ID),
		zap.Stringer("state", state),
		zap.Int("records", txn.Work()))
}

// Lock takes a transaction lock for txn.
func (m *Manager) Lock(ctx context.Context, txn *Transaction, key LockKey, mode LockMode) error {
	return m.locks.Acquire(ctx, txn, key, mode)
}

// Visible applies the snapshot rules of txn to a version.
func (m *Manager) Visible(txn *Transaction, xmin, xmax uint64) bool {
	return Visible(xmin, xmax, txn.ID, txn.Snapshot, m.clog)
}

// CheckWrite decides whether txn may stamp its id on a version it holds an
// exclusive lock for. A version deleted or replaced by a transaction that
// committed outside txn's snapshot is a serialization conflict: the first
// committer wins.
func (m *Manager) CheckWrite(txn *Transaction, xmin, xmax uint64) error {
	if xmin != txn.ID && (!txn.Snapshot.Includes(xmin) || m.clog.Status(xmin) != StatusCommitted) {
		m.conflicts.Add(1)
		return fmt.Errorf("%w: version created by %d", ErrSerializationConflict, xmin)
	}
	switch xmax {
	case 0:
		return nil
	case Tombstone:
		m.conflicts.Add(1)
		return fmt.Errorf("%w: version was removed", ErrSerializationConflict)
	case txn.ID:
		return fmt.Errorf("%w: version already replaced by this transaction", ErrSerializationConflict)
	}
	if m.clog.Status(xmax) == StatusAborted {
		return nil
	}
	m.conflicts.Add(1)
	return fmt.Errorf("%w: version replaced by %d", ErrSerializationConflict, xmax)
}

// Horizon is the oldest transaction any running snapshot may still need.
// Versions whose xmax committed below it are invisible to everyone.
func (m *Manager) Horizon() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.nextID
	for _, txn := range m.active {
		if txn.Snapshot.Xmin < h {
			h = txn.Snapshot.Xmin
		}
	}
	return h
}

// Collectible reports whether no snapshot, now or later, can see a version.
func (m *Manager) Collectible(xmin, xmax, horizon uint64) bool {
	if xmax == Tombstone {
		return true
	}
	if xmin != FrozenXID && m.clog.Status(xmin) == StatusAborted {
		return true
	}
	return xmax != 0 && xmax < horizon && m.clog.Status(xmax) == StatusCommitted
}

// ActiveLogs returns the log chain of every running transaction that wrote
// something.
func (m *Manager) ActiveLogs() map[uint64]wal.TxnLogState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]wal.TxnLogState, len(m.active))
	for id, txn := range m.active {
		if s := txn.Log.State(); s.LastLSN != wal.InvalidLSN {
			out[id] = s
		}
	}
	return out
}

// OldestFirstLSN is the first record of the oldest running writer,
// InvalidLSN when nothing is running.
func (m *Manager) OldestFirstLSN() wal.LSN {
	oldest := wal.InvalidLSN
	for _, s := range m.ActiveLogs() {
		if oldest == wal.InvalidLSN || s.FirstLSN < oldest {
			oldest = s.FirstLSN
		}
	}
	return oldest
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active, next := len(m.active), m.nextID
	m.mu.Unlock()
	return Stats{
		Active:    active,
		NextID:    next,
		Begun:     m.begun.Load(),
		Committed: m.committed.Load(),
		Aborted:   m.aborted.Load(),
		Conflicts: m.conflicts.Load(),
		Deadlocks: m.locks.Deadlocks(),
		LockWaits: m.locks.Waits(),
	}
}
