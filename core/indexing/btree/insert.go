package btree

import (
	"context"
	"fmt"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

// Insert adds (key, tid) outside any transaction. The entry is visible to
// every snapshot.
func (t *BTree) Insert(ctx context.Context, key []byte, tid pagemanager.TID) error {
	return t.insert(ctx, nil, Entry{Key: key, TID: tid})
}

// InsertVersion adds an entry created by txn. Rolling txn back removes it.
func (t *BTree) InsertVersion(ctx context.Context, txn *wal.TxnLog, e Entry) error {
	return t.insert(ctx, txn, e)
}

func (t *BTree) insert(ctx context.Context, txn *wal.TxnLog, e Entry) error {
	if err := t.checkKey(e.Key); err != nil {
		return err
	}
	item := encodeLeafItem(e)
	m, err := t.bpm.Begin(txn)
	if err != nil {
		return err
	}
	if txn != nil {
		m.SetUndo(UndoInsert, encodeUndo(t.metaID, e))
	}

	if t.opts.Optimistic {
		leaf, ok, err := t.optimisticLeaf(ctx, e.Key, e.TID, t.insertSafe)
		if err != nil {
			return err
		}
		if ok {
			defer leaf.Release()
			idx, found := leafSearch(leaf.Page(), e.Key, e.TID)
			if found {
				return fmt.Errorf("%w: %q %s", ErrKeyExists, e.Key, e.TID)
			}
			m.Track(leaf)
			if err := leaf.Page().InsertItem(idx, item); err != nil {
				m.Abort()
				return err
			}
			_, err := m.Commit()
			return err
		}
	}

	pa, err := t.descendWrite(ctx, e.Key, e.TID, t.insertSafe)
	if err != nil {
		return err
	}
	defer pa.release()

	leaf := pa.leaf()
	idx, found := leafSearch(leaf.Page(), e.Key, e.TID)
	if found {
		return fmt.Errorf("%w: %q %s", ErrKeyExists, e.Key, e.TID)
	}
	if leaf.Page().Fits(len(item)) {
		m.Track(leaf)
		if err := leaf.Page().InsertItem(idx, item); err != nil {
			m.Abort()
			return err
		}
		_, err := m.Commit()
		return err
	}
	return t.splitInsert(ctx, m, pa, idx, item)
}

// splitStep is the planned change to one node of the path.
type splitStep struct {
	g     *bufferpool.WritePageGuard
	pos   int
	item  []byte // inserted at pos when the node does not split
	split bool
	left  [][]byte
	right [][]byte
	// rightID is the page receiving the upper part.
	rightID pagemanager.PageID
}

type splitPlan struct {
	steps     []splitStep
	rootSplit bool
	rootID    pagemanager.PageID
	rootItems [][]byte
	pages     int
}

// planSplit works out, without touching any page, how inserting item at
// pos of the leaf propagates up the path. ids supplies the pages to use;
// with nil ids it only counts them.
func (t *BTree) planSplit(pa *path, pos int, item []byte, ids []pagemanager.PageID) splitPlan {
	var plan splitPlan
	next := func() pagemanager.PageID {
		var id pagemanager.PageID
		if plan.pages < len(ids) {
			id = ids[plan.pages]
		}
		plan.pages++
		return id
	}
	for level := len(pa.nodes) - 1; ; level-- {
		g := pa.nodes[level].g
		p := g.Page()
		items := insertAt(p.Items(), pos, item)
		if itemsSize(items) <= p.Usable() {
			plan.steps = append(plan.steps, splitStep{g: g, pos: pos, item: item})
			return plan
		}

		appendAtEnd := p.Next() == pagemanager.InvalidPageID && pos == len(items)-1
		k := t.splitPoint(items, p.Usable(), appendAtEnd)
		left := items[:k:k]
		right := append([][]byte(nil), items[k:]...)
		rightID := next()
		var sep []byte
		if isLeaf(p) {
			e := decodeLeafItem(right[0])
			sep = encodeInternalItem(e.Key, e.TID, rightID)
		} else {
			key, tid, child := decodeInternalItem(right[0])
			sep = encodeInternalItem(key, tid, rightID)
			right[0] = encodeInternalItem(nil, pagemanager.TID{}, child)
		}
		plan.steps = append(plan.steps, splitStep{g: g, pos: pos, split: true, left: left, right: right, rightID: rightID})

		if level == 0 {
			// Only the root can be unsafe at the top of the path.
			plan.rootSplit = true
			plan.rootID = next()
			plan.rootItems = [][]byte{encodeInternalItem(nil, pagemanager.TID{}, g.PageID()), sep}
			return plan
		}
		pos = pa.nodes[level-1].childIdx + 1
		item = sep
	}
}

// splitPoint picks how many items stay on the left. An append to the
// rightmost node keeps the fill factor on the left; any other split halves
// the bytes.
func (t *BTree) splitPoint(items [][]byte, usable int, appendAtEnd bool) int {
	n := len(items)
	if appendAtEnd {
		limit := int(t.opts.FillFactor * float64(usable))
		size, k := 0, 0
		for k < n-1 && size+len(items[k])+pagemanager.SlotSize <= limit {
			size += len(items[k]) + pagemanager.SlotSize
			k++
		}
		if k >= 1 && itemsSize(items[k:]) <= usable {
			return k
		}
	}
	total := itemsSize(items)
	size := 0
	for k := 0; k < n-1; k++ {
		size += len(items[k]) + pagemanager.SlotSize
		if size >= total/2 {
			return k + 1
		}
	}
	return n - 1
}

// splitInsert allocates every page the split needs up front, so running
// out of space leaves the tree untouched, then applies the plan in one
// mini transaction.
func (t *BTree) splitInsert(ctx context.Context, m *bufferpool.MiniTxn, pa *path, pos int, item []byte) error {
	need := t.planSplit(pa, pos, item, nil).pages
	fresh := make([]*bufferpool.WritePageGuard, 0, need)
	defer func() {
		for _, g := range fresh {
			g.Release()
		}
	}()
	ids := make([]pagemanager.PageID, 0, need)
	for i := 0; i < need; i++ {
		g, err := m.NewPage(ctx)
		if err != nil {
			m.Abort()
			t.logger.Warn("split abandoned", zap.Int("pages_needed", need), zap.Error(err))
			return fmt.Errorf("split: %w", err)
		}
		fresh = append(fresh, g)
		ids = append(ids, g.PageID())
	}
	byID := make(map[pagemanager.PageID]*bufferpool.WritePageGuard, need)
	for _, g := range fresh {
		byID[g.PageID()] = g
	}

	plan := t.planSplit(pa, pos, item, ids)
	for _, s := range plan.steps {
		m.Track(s.g)
		p := s.g.Page()
		if !s.split {
			if err := p.InsertItem(s.pos, s.item); err != nil {
				m.Abort()
				return err
			}
			continue
		}
		if p.Next() != pagemanager.InvalidPageID {
			t.nonRightmostSplits.Add(1)
		}
		t.splits.Add(1)
		rg := byID[s.rightID]
		rp := rg.Page()
		rp.Init(p.Type(), uint64(t.metaID), p.Level())
		rp.SetNext(p.Next())
		if err := rp.SetItems(s.right); err != nil {
			m.Abort()
			return err
		}
		if err := p.SetItems(s.left); err != nil {
			m.Abort()
			return err
		}
		p.SetNext(s.rightID)
	}
	if plan.rootSplit {
		if pa.meta == nil {
			m.Abort()
			return fmt.Errorf("%w: root split without the meta latch", ErrTreeCorrupt)
		}
		old := plan.steps[len(plan.steps)-1].g
		rg := byID[plan.rootID]
		rp := rg.Page()
		rp.Init(pagemanager.PageTypeBTreeInternal, uint64(t.metaID), old.Page().Level()+1)
		if err := rp.SetItems(plan.rootItems); err != nil {
			m.Abort()
			return err
		}
		m.Track(pa.meta)
		writeMeta(pa.meta.Data(), plan.rootID, pa.height+1)
		t.rootSplits.Add(1)
		t.logger.Debug("root split", zap.Uint64("new_root", uint64(plan.rootID)), zap.Int("height", pa.height+1))
	}
	_, err := m.Commit()
	return err
}
