package storageengine

import (
	"errors"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/transaction"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

var (
	ErrEngineHalted = errors.New("storage engine halted after a fatal error")
	ErrEngineClosed = errors.New("storage engine is closed")
	ErrDuplicateKey = errors.New("duplicate key violates unique index")

	// ErrStatementAborted is returned when a statement fails after making
	// some of its changes. Its transaction has been aborted.
	ErrStatementAborted = errors.New("statement failed partway, transaction aborted")
)

// Errors of the layers below, so callers need only this package.
var (
	ErrBufferPoolExhausted   = bufferpool.ErrBufferPoolExhausted
	ErrLogFull               = wal.ErrLogFull
	ErrWALCorrupt            = wal.ErrWALCorrupt
	ErrSerializationConflict = transaction.ErrSerializationConflict
	ErrDeadlock              = transaction.ErrDeadlock
	ErrTxnNotActive          = transaction.ErrTxnNotActive
	ErrPageChecksumMismatch  = flushmanager.ErrPageChecksumMismatch
	ErrOutOfSpace            = flushmanager.ErrOutOfSpace
	ErrKeyNotFound           = btree.ErrKeyNotFound
)

// fatal reports errors after which the on-disk state can no longer be
// trusted. The engine halts on them.
func fatal(err error) bool {
	switch {
	case err == nil, errors.Is(err, ErrEngineHalted):
		return false
	case errors.Is(err, flushmanager.ErrPageChecksumMismatch),
		errors.Is(err, flushmanager.ErrIO),
		errors.Is(err, wal.ErrWALCorrupt),
		errors.Is(err, wal.ErrWALFailed):
		return true
	}
	return false
}

// abortsTxn reports errors that abort the transaction that hit them.
func abortsTxn(err error) bool {
	return errors.Is(err, transaction.ErrSerializationConflict) ||
		errors.Is(err, transaction.ErrDeadlock) ||
		errors.Is(err, ErrStatementAborted)
}
