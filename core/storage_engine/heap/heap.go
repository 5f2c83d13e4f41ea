package heap

import (
	"context"
	"fmt"
	"sync"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

type Options struct {
	Logger *zap.Logger
}

// Heap stores the row versions of one table in a chain of heap pages. The
// heap is identified by its first page. Slots are never reused, so a TID
// names the same version for as long as the version lives.
type Heap struct {
	bpm    *bufferpool.BufferPoolManager
	id     pagemanager.PageID
	logger *zap.Logger

	mu   sync.Mutex // serialises inserts
	tail pagemanager.PageID
	// roomy tracks pages with reclaimed space and the free bytes last seen.
	roomy map[pagemanager.PageID]int
}

func newHeap(bpm *bufferpool.BufferPoolManager, id pagemanager.PageID, opts Options) *Heap {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heap{
		bpm:    bpm,
		id:     id,
		tail:   id,
		roomy:  make(map[pagemanager.PageID]int),
		logger: logger.Named("heap").With(zap.Uint64("heap_id", uint64(id))),
	}
}

// Create allocates the first page of a new heap.
func Create(ctx context.Context, bpm *bufferpool.BufferPoolManager, opts Options) (*Heap, error) {
	return CreateWith(ctx, bpm, opts, nil)
}

// CreateWith runs hook inside the mini transaction that allocates the heap.
func CreateWith(ctx context.Context, bpm *bufferpool.BufferPoolManager, opts Options, hook func(*bufferpool.MiniTxn, pagemanager.PageID) error) (*Heap, error) {
	m, err := bpm.Begin(nil)
	if err != nil {
		return nil, err
	}
	g, err := m.NewPage(ctx)
	if err != nil {
		m.Abort()
		return nil, err
	}
	defer g.Release()
	id := g.PageID()
	g.Page().Init(pagemanager.PageTypeHeap, uint64(id), 0)
	if hook != nil {
		if err := hook(m, id); err != nil {
			m.Abort()
			return nil, err
		}
	}
	if _, err := m.Commit(); err != nil {
		return nil, fmt.Errorf("create heap: %w", err)
	}
	return newHeap(bpm, id, opts), nil
}

// Open walks the page chain of an existing heap to find its tail and the
// pages worth reusing.
func Open(ctx context.Context, bpm *bufferpool.BufferPoolManager, id pagemanager.PageID, opts Options) (*Heap, error) {
	h := newHeap(bpm, id, opts)
	pages := 0
	for next := id; next != pagemanager.InvalidPageID; pages++ {
		g, err := bpm.FetchRead(ctx, next)
		if err != nil {
			return nil, err
		}
		p := g.Page()
		if p.Type() != pagemanager.PageTypeHeap || p.Owner() != uint64(id) {
			g.Release()
			return nil, fmt.Errorf("%w: page %d (%s, owner %d)", ErrNotAHeap, next, p.Type(), p.Owner())
		}
		h.tail = next
		if p.Next() != pagemanager.InvalidPageID && h.worthReusing(p.FreeSpace()) {
			h.roomy[next] = p.FreeSpace()
		}
		next = p.Next()
		g.Release()
	}
	h.logger.Debug("heap opened", zap.Int("pages", pages), zap.Int("reusable", len(h.roomy)))
	return h, nil
}

func (h *Heap) ID() pagemanager.PageID { return h.id }

func (h *Heap) worthReusing(free int) bool {
	return free >= h.bpm.PageSize()/4
}

// Insert appends a new version and returns its TID. When txn is non-nil
// the insert is undone if the transaction rolls back.
func (h *Heap) Insert(ctx context.Context, txn *wal.TxnLog, xmin uint64, payload []byte) (pagemanager.TID, error) {
	if max := MaxPayloadSize(h.bpm.PageSize()); len(payload) > max {
		return pagemanager.TID{}, fmt.Errorf("%w: %d > %d bytes", ErrTupleTooLarge, len(payload), max)
	}
	rec := Tuple{Xmin: xmin, Payload: payload}.encode()

	m, err := h.bpm.Begin(txn)
	if err != nil {
		return pagemanager.TID{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var guards []*bufferpool.WritePageGuard
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()
	g, grew, err := h.placeLocked(ctx, m, len(rec), &guards)
	if err != nil {
		m.Abort()
		return pagemanager.TID{}, err
	}
	m.Track(g)
	slot, err := g.Page().AppendItem(rec)
	if err != nil {
		m.Abort()
		return pagemanager.TID{}, err
	}
	tid := pagemanager.TID{PageID: g.PageID(), Slot: uint16(slot)}
	if txn != nil {
		m.SetUndo(UndoInsert, undoEntry{heap: h.id, tid: tid}.encode())
	}
	if _, err := m.Commit(); err != nil {
		return pagemanager.TID{}, err
	}
	if grew {
		h.tail = g.PageID()
		h.logger.Debug("heap grew", zap.Uint64("page_id", uint64(g.PageID())))
	}
	if free, ok := h.roomy[g.PageID()]; ok {
		if free = g.Page().FreeSpace(); h.worthReusing(free) {
			h.roomy[g.PageID()] = free
		} else {
			delete(h.roomy, g.PageID())
		}
	}
	return tid, nil
}

// placeLocked finds a page with room for n bytes: a page vacuum made room
// on, the tail, or a new page linked after the tail.
func (h *Heap) placeLocked(ctx context.Context, m *bufferpool.MiniTxn, n int, guards *[]*bufferpool.WritePageGuard) (*bufferpool.WritePageGuard, bool, error) {
	for id, free := range h.roomy {
		if free < n+pagemanager.SlotSize {
			continue
		}
		g, err := h.bpm.FetchWrite(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if g.Page().Fits(n) {
			*guards = append(*guards, g)
			return g, false, nil
		}
		delete(h.roomy, id)
		g.Release()
	}

	tail, err := h.bpm.FetchWrite(ctx, h.tail)
	if err != nil {
		return nil, false, err
	}
	*guards = append(*guards, tail)
	if tail.Page().Fits(n) {
		return tail, false, nil
	}
	g, err := m.NewPage(ctx)
	if err != nil {
		return nil, false, err
	}
	*guards = append(*guards, g)
	g.Page().Init(pagemanager.PageTypeHeap, uint64(h.id), 0)
	m.Track(tail)
	tail.Page().SetNext(g.PageID())
	return g, true, nil
}

// Stamp sets the xmax of the version at tid and links its successor, next
// being invalid for a delete. check runs under the page latch against the
// current version and can veto the change. It returns the version as it
// was before the stamp.
func (h *Heap) Stamp(ctx context.Context, txn *wal.TxnLog, tid pagemanager.TID, xmax uint64, next pagemanager.TID, check func(Tuple) error) (Tuple, error) {
	m, err := h.bpm.Begin(txn)
	if err != nil {
		return Tuple{}, err
	}
	g, err := h.bpm.FetchWrite(ctx, tid.PageID)
	if err != nil {
		return Tuple{}, err
	}
	defer g.Release()
	item, err := h.item(g.Page(), tid)
	if err != nil {
		return Tuple{}, err
	}
	old, err := decodeTuple(item)
	if err != nil {
		return Tuple{}, err
	}
	if check != nil {
		if err := check(old); err != nil {
			return old, err
		}
	}
	m.Track(g)
	setXmax(item, xmax)
	setNext(item, next)
	if txn != nil {
		m.SetUndo(UndoStamp, undoEntry{heap: h.id, tid: tid, xmax: old.Xmax, next: old.Next}.encode())
	}
	if _, err := m.Commit(); err != nil {
		return Tuple{}, err
	}
	return old, nil
}

// Delete stamps xmax on the version at tid.
func (h *Heap) Delete(ctx context.Context, txn *wal.TxnLog, tid pagemanager.TID, xmax uint64, check func(Tuple) error) (Tuple, error) {
	return h.Stamp(ctx, txn, tid, xmax, pagemanager.TID{}, check)
}

// Update writes a new version of the row at old and links it into the
// chain. The new version is written first; a failed check leaves it
// behind for the rollback of txn to remove.
func (h *Heap) Update(ctx context.Context, txn *wal.TxnLog, old pagemanager.TID, xid uint64, payload []byte, check func(Tuple) error) (pagemanager.TID, error) {
	tid, err := h.Insert(ctx, txn, xid, payload)
	if err != nil {
		return pagemanager.TID{}, err
	}
	if _, err := h.Stamp(ctx, txn, old, xid, tid, check); err != nil {
		return pagemanager.TID{}, err
	}
	return tid, nil
}

// Read returns a copy of the version at tid.
func (h *Heap) Read(ctx context.Context, tid pagemanager.TID) (Tuple, error) {
	g, err := h.bpm.FetchRead(ctx, tid.PageID)
	if err != nil {
		return Tuple{}, err
	}
	defer g.Release()
	item, err := h.item(g.Page(), tid)
	if err != nil {
		return Tuple{}, err
	}
	return decodeTuple(item)
}

func (h *Heap) item(p pagemanager.SlottedPage, tid pagemanager.TID) ([]byte, error) {
	if p.Type() != pagemanager.PageTypeHeap || p.Owner() != uint64(h.id) {
		return nil, fmt.Errorf("%w: %s in heap %d", ErrTupleNotFound, tid, h.id)
	}
	if int(tid.Slot) >= p.ItemCount() || p.IsDead(int(tid.Slot)) {
		return nil, fmt.Errorf("%w: %s", ErrTupleNotFound, tid)
	}
	return p.Item(int(tid.Slot)), nil
}

// Scan calls fn for every live version in page order until fn returns
// false. Each page is copied under its latch and fn runs unlatched.
func (h *Heap) Scan(ctx context.Context, fn func(pagemanager.TID, Tuple) bool) error {
	type entry struct {
		tid pagemanager.TID
		t   Tuple
	}
	for id := h.id; id != pagemanager.InvalidPageID; {
		g, err := h.bpm.FetchRead(ctx, id)
		if err != nil {
			return err
		}
		p := g.Page()
		var batch []entry
		for i := 0; i < p.ItemCount(); i++ {
			if p.IsDead(i) {
				continue
			}
			t, err := decodeTuple(p.Item(i))
			if err != nil {
				g.Release()
				return fmt.Errorf("page %d slot %d: %w", id, i, err)
			}
			batch = append(batch, entry{pagemanager.TID{PageID: id, Slot: uint16(i)}, t})
		}
		next := p.Next()
		g.Release()
		for _, e := range batch {
			if !fn(e.tid, e.t) {
				return nil
			}
		}
		id = next
	}
	return nil
}
