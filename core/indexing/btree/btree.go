package btree

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	ErrKeyExists    = errors.New("entry already exists in index")
	ErrKeyNotFound  = errors.New("entry not found in index")
	ErrKeyTooLarge  = errors.New("key exceeds the maximum key size")
	ErrEmptyKey     = errors.New("index keys must not be empty")
	ErrNotAnIndex   = errors.New("page is not a b+tree meta page")
	ErrTreeCorrupt  = errors.New("b+tree structure is inconsistent")
	ErrBadUndoEntry = errors.New("malformed index undo payload")
)

// Options tunes a tree. The zero value is usable.
type Options struct {
	// FillFactor is the share of a node kept on the left when the rightmost
	// node splits on an append. Between 0.5 and 1.
	FillFactor float64
	// MergeThreshold is the occupancy below which a node is merged with or
	// refilled from a sibling.
	MergeThreshold float64
	// Optimistic descends with shared latches and only latches the leaf
	// exclusively, falling back to the pessimistic path when the leaf is
	// not safe.
	Optimistic bool
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.FillFactor <= 0 || o.FillFactor > 1 {
		o.FillFactor = 0.9
	}
	if o.FillFactor < 0.5 {
		o.FillFactor = 0.5
	}
	if o.MergeThreshold <= 0 || o.MergeThreshold >= 1 {
		o.MergeThreshold = 0.5
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Stats counts structure modifications.
type Stats struct {
	Splits             uint64
	NonRightmostSplits uint64
	RootSplits         uint64
	Merges             uint64
	Redistributions    uint64
	RootCollapses      uint64
}

// BTree is a B+tree whose nodes live in buffer pool pages. The tree is
// identified by its meta page, which holds the root page id and height and
// whose latch guards root changes.
type BTree struct {
	bpm      *bufferpool.BufferPoolManager
	metaID   pagemanager.PageID
	opts     Options
	logger   *zap.Logger
	pageSize int

	splits             atomic.Uint64
	nonRightmostSplits atomic.Uint64
	rootSplits         atomic.Uint64
	merges             atomic.Uint64
	redistributions    atomic.Uint64
	rootCollapses      atomic.Uint64
}

func newTree(bpm *bufferpool.BufferPoolManager, metaID pagemanager.PageID, opts Options) *BTree {
	opts = opts.withDefaults()
	return &BTree{
		bpm:      bpm,
		metaID:   metaID,
		opts:     opts,
		logger:   opts.Logger.Named("btree").With(zap.Uint64("index_id", uint64(metaID))),
		pageSize: bpm.PageSize(),
	}
}

// Create allocates the meta page and an empty root leaf in one logged
// step. The tree id is the meta page id.
func Create(ctx context.Context, bpm *bufferpool.BufferPoolManager, opts Options) (*BTree, error) {
	return CreateWith(ctx, bpm, opts, nil)
}

// CreateWith is Create with a hook that runs inside the same mini
// transaction once the tree id is known, so a catalog entry naming the
// tree is logged together with its pages.
func CreateWith(ctx context.Context, bpm *bufferpool.BufferPoolManager, opts Options, hook func(*bufferpool.MiniTxn, pagemanager.PageID) error) (*BTree, error) {
	m, err := bpm.Begin(nil)
	if err != nil {
		return nil, err
	}
	meta, err := m.NewPage(ctx)
	if err != nil {
		m.Abort()
		return nil, err
	}
	defer meta.Release()
	root, err := m.NewPage(ctx)
	if err != nil {
		m.Abort()
		return nil, err
	}
	defer root.Release()

	id := meta.PageID()
	meta.Page().Init(pagemanager.PageTypeBTreeMeta, uint64(id), 0)
	writeMeta(meta.Data(), root.PageID(), 1)
	root.Page().Init(pagemanager.PageTypeBTreeLeaf, uint64(id), 0)
	if hook != nil {
		if err := hook(m, id); err != nil {
			m.Abort()
			return nil, err
		}
	}
	if _, err := m.Commit(); err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	t := newTree(bpm, id, opts)
	t.logger.Info("index created", zap.Uint64("root", uint64(root.PageID())))
	return t, nil
}

// Open attaches to an existing tree.
func Open(ctx context.Context, bpm *bufferpool.BufferPoolManager, id pagemanager.PageID, opts Options) (*BTree, error) {
	g, err := bpm.FetchRead(ctx, id)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	if g.Page().Type() != pagemanager.PageTypeBTreeMeta {
		return nil, fmt.Errorf("%w: page %d is %s", ErrNotAnIndex, id, g.Page().Type())
	}
	return newTree(bpm, id, opts), nil
}

// ID is the meta page id.
func (t *BTree) ID() pagemanager.PageID { return t.metaID }

func (t *BTree) Stats() Stats {
	return Stats{
		Splits:             t.splits.Load(),
		NonRightmostSplits: t.nonRightmostSplits.Load(),
		RootSplits:         t.rootSplits.Load(),
		Merges:             t.merges.Load(),
		Redistributions:    t.redistributions.Load(),
		RootCollapses:      t.rootCollapses.Load(),
	}
}

// Height returns the number of levels, 1 for a lone root leaf.
func (t *BTree) Height(ctx context.Context) (int, error) {
	g, err := t.bpm.FetchRead(ctx, t.metaID)
	if err != nil {
		return 0, err
	}
	defer g.Release()
	_, h := readMeta(g.Data())
	return h, nil
}

func (t *BTree) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if max := MaxKeySize(t.pageSize); len(key) > max {
		return fmt.Errorf("%w: %d > %d bytes", ErrKeyTooLarge, len(key), max)
	}
	return nil
}

// --- Descent ---

// descendRead returns the leaf that would hold (key, tid), read-latched.
// Shared latches are coupled from the meta page down.
func (t *BTree) descendRead(ctx context.Context, key []byte, tid pagemanager.TID) (*bufferpool.ReadPageGuard, error) {
	meta, err := t.bpm.FetchRead(ctx, t.metaID)
	if err != nil {
		return nil, err
	}
	root, _ := readMeta(meta.Data())
	g, err := t.bpm.FetchRead(ctx, root)
	meta.Release()
	if err != nil {
		return nil, err
	}
	for !isLeaf(g.Page()) {
		if g.Page().ItemCount() == 0 {
			g.Release()
			return nil, fmt.Errorf("%w: empty internal page %d", ErrTreeCorrupt, g.PageID())
		}
		child := childAt(g.Page(), childIndex(g.Page(), key, tid))
		c, err := t.bpm.FetchRead(ctx, child)
		g.Release()
		if err != nil {
			return nil, err
		}
		g = c
	}
	return g, nil
}

// optimisticLeaf read-crabs to the parent of the leaf and write-latches
// the leaf. It returns false when the leaf is not safe for the operation;
// nothing is held then.
func (t *BTree) optimisticLeaf(ctx context.Context, key []byte, tid pagemanager.TID, safe func(pagemanager.SlottedPage, bool) bool) (*bufferpool.WritePageGuard, bool, error) {
	meta, err := t.bpm.FetchRead(ctx, t.metaID)
	if err != nil {
		return nil, false, err
	}
	root, height := readMeta(meta.Data())
	if height == 1 {
		leaf, err := t.bpm.FetchWrite(ctx, root)
		meta.Release()
		if err != nil {
			return nil, false, err
		}
		if !safe(leaf.Page(), true) {
			leaf.Release()
			return nil, false, nil
		}
		return leaf, true, nil
	}

	g, err := t.bpm.FetchRead(ctx, root)
	meta.Release()
	if err != nil {
		return nil, false, err
	}
	for g.Page().Level() > 1 {
		c, err := t.bpm.FetchRead(ctx, childAt(g.Page(), childIndex(g.Page(), key, tid)))
		g.Release()
		if err != nil {
			return nil, false, err
		}
		g = c
	}
	leaf, err := t.bpm.FetchWrite(ctx, childAt(g.Page(), childIndex(g.Page(), key, tid)))
	g.Release()
	if err != nil {
		return nil, false, err
	}
	if !safe(leaf.Page(), false) {
		leaf.Release()
		return nil, false, nil
	}
	return leaf, true, nil
}

type pathNode struct {
	g *bufferpool.WritePageGuard
	// childIdx is the item descended through; unused for the leaf.
	childIdx int
}

// path holds the exclusive latches a structure modification may need: the
// meta page while the root can change, and every node from the highest
// unsafe ancestor's parent down to the leaf.
type path struct {
	meta   *bufferpool.WritePageGuard
	rootID pagemanager.PageID
	height int
	nodes  []pathNode
}

func (pa *path) leaf() *bufferpool.WritePageGuard { return pa.nodes[len(pa.nodes)-1].g }

func (pa *path) isRoot(g *bufferpool.WritePageGuard) bool { return g.PageID() == pa.rootID }

// releaseAncestors keeps only the last node.
func (pa *path) releaseAncestors() {
	if pa.meta != nil {
		pa.meta.Release()
		pa.meta = nil
	}
	last := len(pa.nodes) - 1
	for i := 0; i < last; i++ {
		pa.nodes[i].g.Release()
	}
	pa.nodes = append(pa.nodes[:0], pa.nodes[last])
}

func (pa *path) release() {
	if pa.meta != nil {
		pa.meta.Release()
		pa.meta = nil
	}
	for _, n := range pa.nodes {
		n.g.Release()
	}
	pa.nodes = nil
}

// descendWrite couples exclusive latches from the meta page to the leaf
// for (key, tid), dropping everything above a node that safe accepts.
func (t *BTree) descendWrite(ctx context.Context, key []byte, tid pagemanager.TID, safe func(pagemanager.SlottedPage, bool) bool) (*path, error) {
	meta, err := t.bpm.FetchWrite(ctx, t.metaID)
	if err != nil {
		return nil, err
	}
	root, height := readMeta(meta.Data())
	pa := &path{meta: meta, rootID: root, height: height}
	g, err := t.bpm.FetchWrite(ctx, root)
	if err != nil {
		pa.release()
		return nil, err
	}
	pa.nodes = append(pa.nodes, pathNode{g: g})
	if safe(g.Page(), true) {
		pa.releaseAncestors()
	}
	for !isLeaf(g.Page()) {
		p := g.Page()
		if p.ItemCount() == 0 {
			pa.release()
			return nil, fmt.Errorf("%w: empty internal page %d", ErrTreeCorrupt, g.PageID())
		}
		i := childIndex(p, key, tid)
		pa.nodes[len(pa.nodes)-1].childIdx = i
		c, err := t.bpm.FetchWrite(ctx, childAt(p, i))
		if err != nil {
			pa.release()
			return nil, err
		}
		pa.nodes = append(pa.nodes, pathNode{g: c})
		if safe(c.Page(), false) {
			pa.releaseAncestors()
		}
		g = c
	}
	return pa, nil
}

// insertSafe: the node can take a maximal item without splitting.
func (t *BTree) insertSafe(p pagemanager.SlottedPage, _ bool) bool {
	max := maxInternalItem(t.pageSize)
	if isLeaf(p) {
		max = maxLeafItem(t.pageSize)
	}
	return p.FreeSpace() >= max+pagemanager.SlotSize
}

// deleteSafe: losing a maximal item cannot trigger a rebalance.
func (t *BTree) deleteSafe(p pagemanager.SlottedPage, isRoot bool) bool {
	if isRoot {
		return isLeaf(p) || p.ItemCount() > 2
	}
	max := maxInternalItem(t.pageSize)
	if isLeaf(p) {
		max = maxLeafItem(t.pageSize)
	}
	return float64(p.UsedBytes()-max-pagemanager.SlotSize) >= t.opts.MergeThreshold*float64(p.Usable())
}

func (t *BTree) underflow(p pagemanager.SlottedPage) bool {
	return float64(p.UsedBytes()) < t.opts.MergeThreshold*float64(p.Usable())
}

// anySafe is used by operations that never change the size of a leaf.
func anySafe(pagemanager.SlottedPage, bool) bool { return true }
