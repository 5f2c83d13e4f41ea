package btree

import (
	"bytes"
	"context"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// KeyRange selects keys in [Start, End). A nil bound is open.
type KeyRange struct {
	Start []byte
	End   []byte
}

// PrefixRange covers exactly key when exact is set, otherwise every key
// starting with key.
func PrefixRange(key []byte, exact bool) KeyRange {
	if exact {
		return KeyRange{Start: key, End: append(bytes.Clone(key), 0)}
	}
	end := bytes.Clone(key)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return KeyRange{Start: key, End: end[:i+1]}
		}
	}
	return KeyRange{Start: key}
}

func (r KeyRange) beyond(key []byte) bool {
	return r.End != nil && bytes.Compare(key, r.End) >= 0
}

// Position is where a cursor stands: the leaf it last read, the offset in
// its buffered batch and the last entry returned. A cursor reopened at a
// position resumes right after LastEntry.
type Position struct {
	LeafPageID pagemanager.PageID
	Offset     int
	LastEntry  *Entry
}

// Cursor iterates entries in ascending (key, TID) order. It buffers one
// leaf at a time and holds no latch between calls, so it tolerates
// concurrent splits and merges: each refill descends again from the root
// using the last returned entry.
type Cursor struct {
	tree   *BTree
	rng    KeyRange
	buf    []Entry
	pos    int
	leafID pagemanager.PageID
	last   *Entry
	cur    Entry
	done   bool
	err    error
}

// OpenCursor positions a cursor before the first entry of rng.
func (t *BTree) OpenCursor(ctx context.Context, rng KeyRange) (*Cursor, error) {
	return t.OpenCursorAt(ctx, rng, Position{})
}

// OpenCursorAt resumes a scan after pos.LastEntry.
func (t *BTree) OpenCursorAt(ctx context.Context, rng KeyRange, pos Position) (*Cursor, error) {
	c := &Cursor{tree: t, rng: rng, leafID: pos.LeafPageID}
	if pos.LastEntry != nil {
		e := pos.LastEntry.clone()
		c.last = &e
	}
	if err := c.fill(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Next advances the cursor. It returns false at the end of the range or
// on error; Err tells them apart.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	for c.pos >= len(c.buf) {
		if c.done {
			return false
		}
		if err := c.fill(ctx); err != nil {
			c.err = err
			return false
		}
	}
	c.cur = c.buf[c.pos]
	c.pos++
	e := c.cur
	c.last = &e
	return true
}

// Entry is the entry Next moved to. Its key is owned by the caller.
func (c *Cursor) Entry() Entry { return c.cur }

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Position() Position {
	p := Position{LeafPageID: c.leafID, Offset: c.pos}
	if c.last != nil {
		e := c.last.clone()
		p.LastEntry = &e
	}
	return p
}

// Close drops the buffered batch.
func (c *Cursor) Close() {
	c.buf = nil
	c.done = true
}

// fill loads the next non-empty batch, moving right with latch coupling
// past leaves holding nothing after the last entry.
func (c *Cursor) fill(ctx context.Context) error {
	c.buf = c.buf[:0]
	c.pos = 0
	var key []byte
	var tid pagemanager.TID
	if c.last != nil {
		key, tid = c.last.Key, c.last.TID
	} else {
		key = c.rng.Start
	}
	g, err := c.tree.descendRead(ctx, key, tid)
	if err != nil {
		return err
	}
	first := true
	for {
		p := g.Page()
		i := 0
		if first {
			var found bool
			i, found = leafSearch(p, key, tid)
			if found && c.last != nil {
				i++
			}
			first = false
		}
		for ; i < p.ItemCount(); i++ {
			e := decodeLeafItem(p.Item(i))
			if c.rng.beyond(e.Key) {
				c.done = true
				break
			}
			c.buf = append(c.buf, e.clone())
		}
		c.leafID = g.PageID()
		next := p.Next()
		if len(c.buf) > 0 || c.done {
			g.Release()
			return nil
		}
		if next == pagemanager.InvalidPageID {
			c.done = true
			g.Release()
			return nil
		}
		ng, err := c.tree.bpm.FetchRead(ctx, next)
		g.Release()
		if err != nil {
			return err
		}
		g = ng
	}
}
