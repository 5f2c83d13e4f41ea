package storageengine

import (
	"context"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
)

// KeyRange selects index keys in [Start, End); a nil bound is open.
type KeyRange = btree.KeyRange

// Position is a saved cursor position; see OpenCursorAt.
type Position = btree.Position

// Cursor walks the entries of an index visible to one transaction, in
// ascending (key, TID) order. It holds no latch between calls.
type Cursor struct {
	e     *Engine
	txn   *Txn
	own   bool
	inner *btree.Cursor
	cur   btree.Entry
	err   error
}

// OpenCursor starts a scan of rng. With a nil txn the cursor reads
// through a snapshot of its own, released by Close.
func (e *Engine) OpenCursor(ctx context.Context, txn *Txn, indexID uint32, rng KeyRange) (*Cursor, error) {
	return e.OpenCursorAt(ctx, txn, indexID, rng, Position{})
}

// OpenCursorAt resumes a scan right after a position saved from an
// earlier cursor.
func (e *Engine) OpenCursorAt(ctx context.Context, txn *Txn, indexID uint32, rng KeyRange, pos Position) (c *Cursor, err error) {
	ctx, end := e.startOp(ctx, "OpenCursor", attribute.Int64("index.id", int64(indexID)))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return nil, err
	}
	ix, err := e.indexFor(ctx, indexID)
	if err != nil {
		return nil, err
	}
	c = &Cursor{e: e, txn: txn}
	if txn == nil {
		c.txn, c.own = e.begin(ctx), true
	}
	c.inner, err = ix.tree.OpenCursorAt(ctx, rng, pos)
	if err != nil {
		if c.own {
			_ = e.commit(ctx, c.txn)
		}
		return nil, err
	}
	return c, nil
}

// Next moves to the next visible entry. It returns false at the end of
// the range or on error; Err tells them apart.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := c.e.usable(); err != nil {
		c.err = err
		return false
	}
	for c.inner.Next(ctx) {
		ent := c.inner.Entry()
		if c.e.txns.Visible(c.txn, ent.Xmin, ent.Xmax) {
			c.cur = ent
			return true
		}
	}
	c.err = c.inner.Err()
	if fatal(c.err) {
		c.e.halt(c.err)
	}
	return false
}

func (c *Cursor) Key() []byte          { return c.cur.Key }
func (c *Cursor) TID() pagemanager.TID { return c.cur.TID }
func (c *Cursor) Err() error           { return c.err }
func (c *Cursor) Position() Position   { return c.inner.Position() }

// Close ends the scan and, for a cursor opened without a transaction,
// its snapshot.
func (c *Cursor) Close() error {
	c.inner.Close()
	if c.own && c.txn != nil {
		txn := c.txn
		c.txn = nil
		return c.e.commit(context.Background(), txn)
	}
	return nil
}
