package btree

import (
	"context"
	"fmt"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// TreeInfo summarises a verified tree.
type TreeInfo struct {
	Height  int
	Pages   int
	Leaves  int
	Entries int
}

type bound struct {
	key []byte
	tid pagemanager.TID
	set bool
}

func (b bound) below(key []byte, tid pagemanager.TID) bool {
	return !b.set || compareKeyTID(b.key, b.tid, key, tid) <= 0
}

func (b bound) above(key []byte, tid pagemanager.TID) bool {
	return !b.set || compareKeyTID(key, tid, b.key, b.tid) < 0
}

// Verify checks the whole tree: entries ordered within each node and within
// the separators bounding it, every leaf at the same depth, and a leaf
// chain linking the leaves left to right. It read-latches one page at a
// time and is meant for quiescent trees.
func (t *BTree) Verify(ctx context.Context) (TreeInfo, error) {
	meta, err := t.bpm.FetchRead(ctx, t.metaID)
	if err != nil {
		return TreeInfo{}, err
	}
	root, height := readMeta(meta.Data())
	meta.Release()

	info := TreeInfo{Height: height}
	var leaves []pagemanager.PageID
	var walk func(id pagemanager.PageID, depth int, lo, hi bound) error
	walk = func(id pagemanager.PageID, depth int, lo, hi bound) error {
		g, err := t.bpm.FetchRead(ctx, id)
		if err != nil {
			return err
		}
		p := g.Page()
		info.Pages++
		if p.Owner() != uint64(t.metaID) {
			g.Release()
			return fmt.Errorf("%w: page %d belongs to index %d", ErrTreeCorrupt, id, p.Owner())
		}
		if isLeaf(p) {
			defer g.Release()
			if depth != height {
				return fmt.Errorf("%w: leaf %d at depth %d of %d", ErrTreeCorrupt, id, depth, height)
			}
			var prev *Entry
			for i := 0; i < p.ItemCount(); i++ {
				e := decodeLeafItem(p.Item(i))
				if prev != nil && prev.Compare(e) >= 0 {
					return fmt.Errorf("%w: leaf %d out of order at %d", ErrTreeCorrupt, id, i)
				}
				if !lo.below(e.Key, e.TID) || !hi.above(e.Key, e.TID) {
					return fmt.Errorf("%w: leaf %d entry %d outside its separators", ErrTreeCorrupt, id, i)
				}
				prev = &e
			}
			info.Leaves++
			info.Entries += p.ItemCount()
			leaves = append(leaves, id)
			return nil
		}
		if p.Type() != pagemanager.PageTypeBTreeInternal || p.ItemCount() == 0 {
			g.Release()
			return fmt.Errorf("%w: page %d is not a valid internal node", ErrTreeCorrupt, id)
		}
		type child struct {
			id     pagemanager.PageID
			lo, hi bound
		}
		children := make([]child, p.ItemCount())
		for i := range children {
			key, tid, c := decodeInternalItem(p.Item(i))
			children[i].id = c
			if i == 0 {
				children[i].lo = lo
			} else {
				children[i].lo = bound{key: append([]byte(nil), key...), tid: tid, set: true}
				if !lo.below(key, tid) || !hi.above(key, tid) {
					g.Release()
					return fmt.Errorf("%w: separator %d of page %d outside its bounds", ErrTreeCorrupt, i, id)
				}
				if i >= 2 && compareKeyTID(children[i-1].lo.key, children[i-1].lo.tid, key, tid) >= 0 {
					g.Release()
					return fmt.Errorf("%w: separators of page %d out of order", ErrTreeCorrupt, id)
				}
				children[i-1].hi = children[i].lo
			}
		}
		children[len(children)-1].hi = hi
		g.Release()
		for _, c := range children {
			if err := walk(c.id, depth+1, c.lo, c.hi); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, 1, bound{}, bound{}); err != nil {
		return info, err
	}

	for i, id := range leaves {
		g, err := t.bpm.FetchRead(ctx, id)
		if err != nil {
			return info, err
		}
		next := g.Page().Next()
		g.Release()
		want := pagemanager.InvalidPageID
		if i+1 < len(leaves) {
			want = leaves[i+1]
		}
		if next != want {
			return info, fmt.Errorf("%w: leaf %d links to %d, want %d", ErrTreeCorrupt, id, next, want)
		}
	}
	return info, nil
}
