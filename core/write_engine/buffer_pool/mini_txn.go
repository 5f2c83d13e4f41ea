package bufferpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// reservePages is the log space a mini transaction asks for up front, in
// pages. Most operations touch one page; a split touches three but logs
// diffs for two of them.
const reservePages = 2

// MiniTxn makes the page changes of one logical operation atomic in the
// log: every tracked page is logged in a single UPDATE (or CLR) record.
// Pages must stay latched until Commit or Abort returns.
type MiniTxn struct {
	bpm       *BufferPoolManager
	txn       *wal.TxnLog
	pages     []*WritePageGuard
	before    [][]byte
	allocated []pagemanager.PageID
	freed     []pagemanager.PageID
	undoOp    uint8
	undo      []byte
	held      []*WritePageGuard
	done      bool
}

// Begin starts a mini transaction on behalf of txn, nil for system work.
// It waits for log space before any latch is taken.
func (bpm *BufferPoolManager) Begin(txn *wal.TxnLog) (*MiniTxn, error) {
	if bpm.log != nil && (txn == nil || !txn.Compensating()) {
		if err := bpm.log.Reserve(reservePages * bpm.pageSize); err != nil {
			return nil, err
		}
	}
	return &MiniTxn{bpm: bpm, txn: txn}, nil
}

func (m *MiniTxn) Txn() *wal.TxnLog { return m.txn }

// Track records the before image of a latched page about to be changed.
// Tracking the same page twice is a no-op.
func (m *MiniTxn) Track(g *WritePageGuard) {
	for _, p := range m.pages {
		if p.frame == g.frame {
			return
		}
	}
	m.pages = append(m.pages, g)
	m.before = append(m.before, bytes.Clone(g.frame.data))
}

// NewPage allocates a page, latches it and tracks it. The caller
// initialises its content.
func (m *MiniTxn) NewPage(ctx context.Context) (*WritePageGuard, error) {
	g, err := m.bpm.newPage(ctx)
	if err != nil {
		return nil, err
	}
	m.Track(g)
	m.allocated = append(m.allocated, g.PageID())
	return g, nil
}

// FreePage marks a tracked page free. Its id returns to the allocator once
// the record is appended.
func (m *MiniTxn) FreePage(g *WritePageGuard) {
	m.Track(g)
	pagemanager.Wrap(g.frame.data).Init(pagemanager.PageTypeFree, 0, 0)
	m.freed = append(m.freed, g.PageID())
}

// Hold hands g over to the mini transaction, which releases it once
// Commit or Abort has run.
func (m *MiniTxn) Hold(g *WritePageGuard) {
	m.held = append(m.held, g)
}

// SetUndo attaches the logical undo of the operation to the record.
func (m *MiniTxn) SetUndo(op uint8, payload []byte) {
	m.undoOp = op
	m.undo = payload
}

// Commit logs the changed pages and stamps them with the record's LSN. A
// page whose LSN predates the last checkpoint is logged as a full image,
// every other page as a diff. It returns InvalidLSN when nothing changed.
func (m *MiniTxn) Commit() (wal.LSN, error) {
	if m.done {
		return wal.InvalidLSN, errors.New("mini transaction already finished")
	}
	for {
		horizon := m.bpm.log.RedoPoint()
		payload := wal.UpdatePayload{UndoOp: m.undoOp, Undo: m.undo}
		var changed []*frame
		for i, g := range m.pages {
			before, after := m.before[i], g.frame.data
			if bytes.Equal(before[pagemanager.DiffStart:], after[pagemanager.DiffStart:]) {
				continue
			}
			img := wal.PageImage{PageID: g.PageID()}
			if lsn := pagemanager.PageLSN(before); lsn == wal.InvalidLSN || lsn < horizon {
				img.Full = true
				img.Data = after
			} else {
				img.Data = pagemanager.Diff(before, after)
			}
			payload.Pages = append(payload.Pages, img)
			changed = append(changed, g.frame)
		}
		if len(changed) == 0 {
			m.done = true
			m.release()
			return wal.InvalidLSN, nil
		}

		rec := &wal.LogRecord{Type: wal.RecordUpdate, Payload: payload.Encode()}
		m.bpm.markPending(changed)
		lsn, err := m.bpm.log.AppendImages(rec, m.txn, horizon)
		if errors.Is(err, wal.ErrStaleRedoPoint) {
			continue
		}
		if err != nil {
			m.Abort()
			return wal.InvalidLSN, fmt.Errorf("log page changes: %w", err)
		}
		for _, f := range changed {
			pagemanager.SetPageLSN(f.data, lsn)
		}
		m.bpm.finishDirty(changed, lsn)
		m.done = true
		m.release()
		return lsn, nil
	}
}

// release hands freed page ids back to the allocator and unlatches held
// pages.
func (m *MiniTxn) release() {
	for _, id := range m.freed {
		m.bpm.dm.DeallocatePage(id)
	}
	m.releaseHeld()
}

func (m *MiniTxn) releaseHeld() {
	for _, g := range m.held {
		g.Release()
	}
	m.held = nil
}

// Abort restores every tracked page and returns pages allocated by the
// mini transaction. It is a no-op after Commit.
func (m *MiniTxn) Abort() {
	if m.done {
		return
	}
	m.done = true
	for i, g := range m.pages {
		copy(g.frame.data, m.before[i])
	}
	for _, id := range m.allocated {
		m.bpm.dm.DeallocatePage(id)
	}
	m.releaseHeld()
}
