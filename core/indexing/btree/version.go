package btree

import (
	"context"
	"encoding/binary"
	"fmt"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// Undo operations logged by the index.
const (
	UndoInsert  uint8 = 1 // remove the entry again
	UndoSetXmax uint8 = 2 // restore the previous xmax
)

// Index undo payload: index u64 | old xmax u64 | leaf item.
func encodeUndo(index pagemanager.PageID, e Entry) []byte {
	out := make([]byte, 0, 16+leafItemOverhead+len(e.Key))
	out = binary.LittleEndian.AppendUint64(out, uint64(index))
	out = binary.LittleEndian.AppendUint64(out, e.Xmax)
	return append(out, encodeLeafItem(e)...)
}

func decodeUndo(b []byte) (pagemanager.PageID, uint64, Entry, error) {
	if len(b) < 16+leafItemOverhead {
		return 0, 0, Entry{}, ErrBadUndoEntry
	}
	item := b[16:]
	if n := int(binary.LittleEndian.Uint16(item)); len(item) != leafItemOverhead+n {
		return 0, 0, Entry{}, ErrBadUndoEntry
	}
	return pagemanager.PageID(binary.LittleEndian.Uint64(b)), binary.LittleEndian.Uint64(b[8:]), decodeLeafItem(item), nil
}

// SetXmax stamps the deleting transaction on an entry and returns the
// previous xmax. When txn is non-nil the change is undone on rollback.
func (t *BTree) SetXmax(ctx context.Context, txn *wal.TxnLog, key []byte, tid pagemanager.TID, xmax uint64) (uint64, error) {
	m, err := t.bpm.Begin(txn)
	if err != nil {
		return 0, err
	}
	leaf, _, err := t.optimisticLeaf(ctx, key, tid, anySafe)
	if err != nil {
		return 0, err
	}
	defer leaf.Release()
	return t.setXmax(m, leaf, key, tid, xmax, txn != nil)
}

func (t *BTree) setXmax(m *bufferpool.MiniTxn, leaf *bufferpool.WritePageGuard, key []byte, tid pagemanager.TID, xmax uint64, undoable bool) (uint64, error) {
	p := leaf.Page()
	idx, found := leafSearch(p, key, tid)
	if !found {
		return 0, fmt.Errorf("%w: %q %s", ErrKeyNotFound, key, tid)
	}
	m.Track(leaf)
	item := p.Item(idx)
	old := decodeLeafItem(item)
	prev := old.Xmax
	if undoable {
		m.SetUndo(UndoSetXmax, encodeUndo(t.metaID, old))
	}
	setLeafXmax(item, xmax)
	if _, err := m.Commit(); err != nil {
		return 0, err
	}
	return prev, nil
}

// MarkDeleted tombstones an entry outside any transaction. Vacuum removes
// tombstoned entries.
func (t *BTree) MarkDeleted(ctx context.Context, key []byte, tid pagemanager.TID) error {
	_, err := t.SetXmax(ctx, nil, key, tid, Tombstone)
	return err
}

// Undo reverses one logged index change for txn, which must be
// compensating so the change is logged as a CLR. An entry that is already
// gone counts as undone.
func Undo(ctx context.Context, bpm *bufferpool.BufferPoolManager, opts Options, op uint8, payload []byte, txn *wal.TxnLog) error {
	id, oldXmax, e, err := decodeUndo(payload)
	if err != nil {
		return err
	}
	t, err := Open(ctx, bpm, id, opts)
	if err != nil {
		return err
	}
	switch op {
	case UndoInsert:
		err = t.remove(ctx, txn, e.Key, e.TID)
	case UndoSetXmax:
		_, err = t.SetXmax(ctx, txn, e.Key, e.TID, oldXmax)
	default:
		return fmt.Errorf("%w: unknown undo op %d", ErrBadUndoEntry, op)
	}
	if isNotFound(err) {
		return nil
	}
	return err
}

// Search returns the TIDs stored under key, skipping tombstones.
func (t *BTree) Search(ctx context.Context, key []byte) ([]pagemanager.TID, error) {
	entries, err := t.ScanVersions(ctx, key)
	if err != nil {
		return nil, err
	}
	var out []pagemanager.TID
	for _, e := range entries {
		if e.Xmax != Tombstone {
			out = append(out, e.TID)
		}
	}
	return out, nil
}

// ScanVersions returns every entry under key with its xmin and xmax, for
// visibility checks by the caller.
func (t *BTree) ScanVersions(ctx context.Context, key []byte) ([]Entry, error) {
	c, err := t.OpenCursor(ctx, PrefixRange(key, true))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	var out []Entry
	for c.Next(ctx) {
		out = append(out, c.Entry())
	}
	return out, c.Err()
}
