package heap

import (
	"context"
	"encoding/binary"
	"fmt"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// Undo operations logged by heaps. They share the operation space with the
// index operations.
const (
	UndoInsert uint8 = 3 // kill the inserted version
	UndoStamp  uint8 = 4 // restore xmax and the successor link
)

// undo payload: heap u64 | tid | xmax u64 | next tid
const undoEntrySize = 8 + pagemanager.TIDSize + 8 + pagemanager.TIDSize

type undoEntry struct {
	heap pagemanager.PageID
	tid  pagemanager.TID
	xmax uint64
	next pagemanager.TID
}

func (u undoEntry) encode() []byte {
	out := make([]byte, 0, undoEntrySize)
	out = binary.LittleEndian.AppendUint64(out, uint64(u.heap))
	out = u.tid.Append(out)
	out = binary.LittleEndian.AppendUint64(out, u.xmax)
	return u.next.Append(out)
}

func decodeUndoEntry(b []byte) (undoEntry, error) {
	if len(b) != undoEntrySize {
		return undoEntry{}, fmt.Errorf("%w: %d bytes", ErrBadUndoEntry, len(b))
	}
	return undoEntry{
		heap: pagemanager.PageID(binary.LittleEndian.Uint64(b)),
		tid:  pagemanager.DecodeTID(b[8:]),
		xmax: binary.LittleEndian.Uint64(b[8+pagemanager.TIDSize:]),
		next: pagemanager.DecodeTID(b[16+pagemanager.TIDSize:]),
	}, nil
}

// Undo reverses one logged heap change for txn, which must be compensating.
// A version that is already gone counts as undone.
func Undo(ctx context.Context, bpm *bufferpool.BufferPoolManager, op uint8, payload []byte, txn *wal.TxnLog) error {
	u, err := decodeUndoEntry(payload)
	if err != nil {
		return err
	}
	m, err := bpm.Begin(txn)
	if err != nil {
		return err
	}
	g, err := bpm.FetchWrite(ctx, u.tid.PageID)
	if err != nil {
		return err
	}
	defer g.Release()
	p := g.Page()
	slot := int(u.tid.Slot)
	if p.Type() != pagemanager.PageTypeHeap || p.Owner() != uint64(u.heap) ||
		slot >= p.ItemCount() || p.IsDead(slot) {
		return nil
	}
	m.Track(g)
	switch op {
	case UndoInsert:
		if err := p.KillItem(slot); err != nil {
			m.Abort()
			return err
		}
	case UndoStamp:
		item := p.Item(slot)
		setXmax(item, u.xmax)
		setNext(item, u.next)
	default:
		m.Abort()
		return fmt.Errorf("%w: unknown undo op %d", ErrBadUndoEntry, op)
	}
	_, err = m.Commit()
	return err
}
