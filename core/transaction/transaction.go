package transaction

import (
	"errors"
	"sync"

	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

var (
	ErrSerializationConflict = errors.New("could not serialize access due to a concurrent update")
	ErrDeadlock              = errors.New("deadlock detected, transaction chosen as victim")
	ErrTxnNotActive          = errors.New("transaction is not active")
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // operations are being applied
	TxnStateCommitted                         // commit record is durable
	TxnStateAborted                           // rolled back
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is the in-memory record of a transaction: its snapshot and
// its chain of log records.
type Transaction struct {
	ID       uint64
	Snapshot *Snapshot
	Log      *wal.TxnLog

	mu    sync.Mutex
	state TransactionState
}

func (t *Transaction) State() TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s TransactionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Work is the number of log records the transaction wrote, the cost of
// rolling it back.
func (t *Transaction) Work() int {
	return t.Log.State().Records
}

// Wrote reports whether the transaction logged anything.
func (t *Transaction) Wrote() bool {
	return t.Log.State().LastLSN != wal.InvalidLSN
}
