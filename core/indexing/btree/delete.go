package btree

import (
	"context"
	"fmt"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

// Delete physically removes (key, tid) and rebalances the tree.
func (t *BTree) Delete(ctx context.Context, key []byte, tid pagemanager.TID) error {
	return t.remove(ctx, nil, key, tid)
}

// RemoveVersion physically removes an entry on behalf of txn, which is nil
// for vacuum. Removal is not undoable.
func (t *BTree) RemoveVersion(ctx context.Context, txn *wal.TxnLog, key []byte, tid pagemanager.TID) error {
	return t.remove(ctx, txn, key, tid)
}

func (t *BTree) remove(ctx context.Context, txn *wal.TxnLog, key []byte, tid pagemanager.TID) error {
	m, err := t.bpm.Begin(txn)
	if err != nil {
		return err
	}
	pa, err := t.descendWrite(ctx, key, tid, t.deleteSafe)
	if err != nil {
		return err
	}
	defer pa.release()

	leaf := pa.leaf()
	idx, found := leafSearch(leaf.Page(), key, tid)
	if !found {
		return fmt.Errorf("%w: %q %s", ErrKeyNotFound, key, tid)
	}
	m.Track(leaf)
	if err := leaf.Page().RemoveItem(idx); err != nil {
		m.Abort()
		return err
	}
	var held []*bufferpool.WritePageGuard
	defer func() {
		for _, g := range held {
			g.Release()
		}
	}()
	if err := t.rebalance(ctx, m, pa, &held); err != nil {
		m.Abort()
		return err
	}
	_, err = m.Commit()
	return err
}

// rebalance walks up the path from the leaf, merging or refilling nodes
// that fell below the merge threshold. Sibling guards are appended to held
// and released by the caller after the commit.
func (t *BTree) rebalance(ctx context.Context, m *bufferpool.MiniTxn, pa *path, held *[]*bufferpool.WritePageGuard) error {
	level := len(pa.nodes) - 1
	for ; level > 0; level-- {
		node := pa.nodes[level].g
		if !t.underflow(node.Page()) {
			return nil
		}
		parent := pa.nodes[level-1].g
		pp := parent.Page()
		ci := pa.nodes[level-1].childIdx

		var left, right *bufferpool.WritePageGuard
		var rightIdx int
		switch {
		case ci+1 < pp.ItemCount():
			sib, err := t.bpm.FetchWrite(ctx, childAt(pp, ci+1))
			if err != nil {
				return err
			}
			*held = append(*held, sib)
			left, right, rightIdx = node, sib, ci+1
		case ci > 0:
			// Latches are taken left to right; a busy left sibling is left
			// for a later delete.
			sib, ok, err := t.bpm.TryFetchWrite(ctx, childAt(pp, ci-1))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			*held = append(*held, sib)
			left, right, rightIdx = sib, node, ci
		default:
			return nil
		}

		merged, err := t.mergeOrRedistribute(m, parent, rightIdx, left, right)
		if err != nil || !merged {
			return err
		}
	}

	top := pa.nodes[0].g
	tp := top.Page()
	if pa.meta == nil || !pa.isRoot(top) || isLeaf(tp) || tp.ItemCount() != 1 {
		return nil
	}
	// The root lost its last separator: its only child becomes the root.
	child := childAt(tp, 0)
	m.Track(pa.meta)
	writeMeta(pa.meta.Data(), child, pa.height-1)
	m.FreePage(top)
	t.rootCollapses.Add(1)
	t.logger.Debug("root collapsed", zap.Uint64("new_root", uint64(child)), zap.Int("height", pa.height-1))
	return nil
}

// mergeOrRedistribute fixes an underfull pair of adjacent siblings. It
// reports whether right was merged away, removing a separator from parent.
func (t *BTree) mergeOrRedistribute(m *bufferpool.MiniTxn, parent *bufferpool.WritePageGuard, rightIdx int, left, right *bufferpool.WritePageGuard) (bool, error) {
	pp, lp, rp := parent.Page(), left.Page(), right.Page()
	leftItems, rightItems := lp.Items(), rp.Items()
	leaf := isLeaf(lp)

	if !leaf {
		// The separator comes down in front of the right node's first child.
		sepKey, sepTID, _ := decodeInternalItem(pp.Item(rightIdx))
		_, _, child := decodeInternalItem(rightItems[0])
		rightItems[0] = encodeInternalItem(sepKey, sepTID, child)
	}
	all := append(append(make([][]byte, 0, len(leftItems)+len(rightItems)), leftItems...), rightItems...)

	if itemsSize(all) <= lp.Usable() {
		m.Track(left)
		m.Track(right)
		m.Track(parent)
		if err := lp.SetItems(all); err != nil {
			return false, err
		}
		lp.SetNext(rp.Next())
		if err := pp.RemoveItem(rightIdx); err != nil {
			return false, err
		}
		m.FreePage(right)
		t.merges.Add(1)
		return true, nil
	}

	k := t.splitPoint(all, lp.Usable(), false)
	if k == len(leftItems) {
		return false, nil
	}
	newLeft := all[:k:k]
	newRight := append([][]byte(nil), all[k:]...)
	var sep []byte
	if leaf {
		e := decodeLeafItem(newRight[0])
		sep = encodeInternalItem(e.Key, e.TID, right.PageID())
	} else {
		key, tid, child := decodeInternalItem(newRight[0])
		sep = encodeInternalItem(key, tid, right.PageID())
		newRight[0] = encodeInternalItem(nil, pagemanager.TID{}, child)
	}
	if pp.FreeSpace()+len(pp.Item(rightIdx)) < len(sep) {
		// A longer separator would overflow the parent.
		return false, nil
	}
	if itemsSize(newLeft) > lp.Usable() || itemsSize(newRight) > rp.Usable() {
		return false, nil
	}
	m.Track(left)
	m.Track(right)
	m.Track(parent)
	if err := lp.SetItems(newLeft); err != nil {
		return false, err
	}
	if err := rp.SetItems(newRight); err != nil {
		return false, err
	}
	if err := pp.ReplaceItem(rightIdx, sep); err != nil {
		return false, err
	}
	t.redistributions.Add(1)
	return false, nil
}
