package bufferpool

import (
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// ReadPageGuard holds a pin and a shared latch on a page.
type ReadPageGuard struct {
	frame    *frame
	bpm      *BufferPoolManager
	released bool
}

func (g *ReadPageGuard) PageID() pagemanager.PageID { return g.frame.pageID }
func (g *ReadPageGuard) Data() []byte               { return g.frame.data }
func (g *ReadPageGuard) Page() pagemanager.SlottedPage {
	return pagemanager.Wrap(g.frame.data)
}

// Release unlatches and unpins the page. It is safe to call more than once.
func (g *ReadPageGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.frame.latch.RUnlock()
	g.bpm.unpin(g.frame)
}

// WritePageGuard holds a pin and the exclusive latch on a page. Changes
// made through it must be logged by a MiniTxn before the guard is released.
type WritePageGuard struct {
	frame    *frame
	bpm      *BufferPoolManager
	released bool
	corrupt  bool
}

func (g *WritePageGuard) PageID() pagemanager.PageID { return g.frame.pageID }
func (g *WritePageGuard) Data() []byte               { return g.frame.data }
func (g *WritePageGuard) Page() pagemanager.SlottedPage {
	return pagemanager.Wrap(g.frame.data)
}

// Corrupt reports whether the page failed checksum verification when it was
// fetched for redo.
func (g *WritePageGuard) Corrupt() bool { return g.corrupt }

// ApplyRedo stamps lsn on a page that redo just changed and marks it dirty.
func (g *WritePageGuard) ApplyRedo(lsn wal.LSN) {
	pagemanager.SetPageLSN(g.frame.data, lsn)
	g.corrupt = false
	g.bpm.markRedone(g.frame, lsn)
}

func (g *WritePageGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.frame.latch.Unlock()
	g.bpm.unpin(g.frame)
}
