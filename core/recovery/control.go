package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/vmihailenco/msgpack"
)

var ErrBadControlFile = errors.New("control file is unreadable")

// ControlFile is the master record: where the last complete checkpoint
// lives in the log.
type ControlFile struct {
	DatabaseID    string  `msgpack:"database_id"`
	CheckpointLSN wal.LSN `msgpack:"checkpoint_lsn"`
	RedoLSN       wal.LSN `msgpack:"redo_lsn"`
	NextTxnID     uint64  `msgpack:"next_txn_id"`
	// NextLSN is the durable end of the log at the checkpoint. It seeds a log
	// whose segments are all gone.
	NextLSN wal.LSN `msgpack:"next_lsn"`
}

// ReadControlFile loads the master record. ok is false when none was
// written yet.
func ReadControlFile(path string) (ControlFile, bool, error) {
	var cf ControlFile
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cf, false, nil
	}
	if err != nil {
		return cf, false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := msgpack.Unmarshal(data, &cf); err != nil {
		return cf, false, fmt.Errorf("%w: %v", ErrBadControlFile, err)
	}
	return cf, true, nil
}

// WriteControlFile replaces the master record atomically.
func WriteControlFile(path string, cf ControlFile) error {
	data, err := msgpack.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("encode control file: %w", err)
	}
	return common.WriteFileAtomic(path, data, filepath.Dir(path))
}

// CheckpointData is the payload of a CHECKPOINT record.
type CheckpointData struct {
	RedoLSN   wal.LSN         `msgpack:"redo_lsn"`
	NextTxnID uint64          `msgpack:"next_txn_id"`
	Active    []ActiveTxn     `msgpack:"att"`
	Dirty     []DirtyPageInfo `msgpack:"dpt"`
}

// ActiveTxn is one entry of the active transaction table.
type ActiveTxn struct {
	TxnID    uint64  `msgpack:"txn"`
	FirstLSN wal.LSN `msgpack:"first"`
	LastLSN  wal.LSN `msgpack:"last"`
	UndoNext wal.LSN `msgpack:"undo_next"`
	Records  int     `msgpack:"records"`
}

func (a ActiveTxn) state() wal.TxnLogState {
	return wal.TxnLogState{
		TxnID:    a.TxnID,
		FirstLSN: a.FirstLSN,
		LastLSN:  a.LastLSN,
		UndoNext: a.UndoNext,
		Records:  a.Records,
	}
}

// DirtyPageInfo is one entry of the dirty page table.
type DirtyPageInfo struct {
	PageID uint64  `msgpack:"page"`
	RecLSN wal.LSN `msgpack:"rec_lsn"`
}

func encodeCheckpoint(d *CheckpointData) ([]byte, error) {
	return msgpack.Marshal(d)
}

func decodeCheckpoint(b []byte) (*CheckpointData, error) {
	d := &CheckpointData{}
	if err := msgpack.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("%w: checkpoint payload: %v", wal.ErrWALCorrupt, err)
	}
	return d, nil
}
