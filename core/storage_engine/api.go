package storageengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/storage_engine/catalog"
	"github.com/sushant-115/gojostore/core/storage_engine/heap"
	"github.com/sushant-115/gojostore/core/transaction"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Txn is a transaction handed out by BeginTxn.
type Txn = transaction.Transaction

// --- Transactions ---

func (e *Engine) begin(ctx context.Context) *Txn {
	txn := e.txns.Begin()
	e.metrics.ActiveTxnsUpDown.Add(ctx, 1)
	return txn
}

func (e *Engine) commit(ctx context.Context, txn *Txn) error {
	if err := notRunning(txn); err != nil {
		return err
	}
	err := e.txns.Commit(ctx, txn)
	if err != nil && txn.State() == transaction.TxnStateRunning && !fatal(err) {
		// A commit that never reached the log leaves nothing to keep.
		return errors.Join(err, e.abort(ctx, txn))
	}
	e.finished(ctx, txn)
	return err
}

func (e *Engine) abort(ctx context.Context, txn *Txn) error {
	if err := notRunning(txn); err != nil {
		return err
	}
	err := e.txns.Abort(ctx, txn)
	e.finished(ctx, txn)
	return err
}

func notRunning(txn *Txn) error {
	if st := txn.State(); st != transaction.TxnStateRunning {
		return fmt.Errorf("%w: %d is %s", transaction.ErrTxnNotActive, txn.ID, st)
	}
	return nil
}

func (e *Engine) finished(ctx context.Context, txn *Txn) {
	switch st := txn.State(); st {
	case transaction.TxnStateCommitted, transaction.TxnStateAborted:
		e.metrics.ActiveTxnsUpDown.Add(ctx, -1)
		e.metrics.TxnOutcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", st.String())))
	}
}

// run executes fn inside txn, or inside a transaction of its own when txn
// is nil. A conflict aborts txn; an autocommit transaction is aborted on
// any error and committed otherwise.
func (e *Engine) run(ctx context.Context, txn *Txn, fn func(*Txn) error) error {
	if err := e.usable(); err != nil {
		return err
	}
	if txn != nil {
		if err := notRunning(txn); err != nil {
			return err
		}
		err := fn(txn)
		if abortsTxn(err) && txn.State() == transaction.TxnStateRunning {
			e.logger.Debug("transaction aborted", zap.Uint64("txn_id", txn.ID), zap.Error(err))
			if aerr := e.abort(ctx, txn); aerr != nil {
				return errors.Join(err, aerr)
			}
		}
		return err
	}
	txn = e.begin(ctx)
	if err := fn(txn); err != nil {
		if aerr := e.abort(ctx, txn); aerr != nil {
			return errors.Join(err, aerr)
		}
		return err
	}
	return e.commit(ctx, txn)
}

// BeginTxn starts a transaction with a snapshot taken now.
func (e *Engine) BeginTxn(ctx context.Context) (*Txn, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	return e.begin(ctx), nil
}

// CommitTxn makes txn durable. On return its changes survive any crash.
func (e *Engine) CommitTxn(ctx context.Context, txn *Txn) (err error) {
	ctx, end := e.startOp(ctx, "CommitTxn", attribute.Int64("txn.id", int64(txn.ID)))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return err
	}
	return e.commit(ctx, txn)
}

// AbortTxn rolls txn back.
func (e *Engine) AbortTxn(ctx context.Context, txn *Txn) (err error) {
	ctx, end := e.startOp(ctx, "AbortTxn", attribute.Int64("txn.id", int64(txn.ID)))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return err
	}
	return e.abort(ctx, txn)
}

// --- Catalog ---

// syncDDL makes a catalog change durable. DDL is not transactional.
func (e *Engine) syncDDL(ctx context.Context) error {
	return e.log.Flush(ctx, e.log.NextLSN()-1)
}

// CreateTable allocates the heap of a new table.
func (e *Engine) CreateTable(ctx context.Context, name string) (info catalog.TableInfo, err error) {
	ctx, end := e.startOp(ctx, "CreateTable", attribute.String("table", name))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return info, err
	}
	var h *heap.Heap
	ent, err := e.cat.Define(ctx, catalog.Entry{Kind: catalog.KindTable, Name: name},
		func(hook func(*bufferpool.MiniTxn, pagemanager.PageID) error) error {
			var err error
			h, err = heap.CreateWith(ctx, e.bpm, e.heapOpts, hook)
			return err
		})
	if err != nil {
		return info, err
	}
	if err := e.syncDDL(ctx); err != nil {
		return info, err
	}
	e.mu.Lock()
	e.heaps[ent.ID] = h
	e.mu.Unlock()
	return e.cat.TableByID(ctx, ent.ID)
}

// CreateIndex creates an empty index over table. Entries are added by the
// caller through Insert.
func (e *Engine) CreateIndex(ctx context.Context, table, name string, unique bool) (info catalog.IndexInfo, err error) {
	ctx, end := e.startOp(ctx, "CreateIndex", attribute.String("table", table), attribute.String("index", name))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return info, err
	}
	t, err := e.cat.Table(ctx, table)
	if err != nil {
		return info, err
	}
	var tree *btree.BTree
	ent, err := e.cat.Define(ctx, catalog.Entry{Kind: catalog.KindIndex, Name: name, Table: t.ID, Unique: unique},
		func(hook func(*bufferpool.MiniTxn, pagemanager.PageID) error) error {
			var err error
			tree, err = btree.CreateWith(ctx, e.bpm, e.treeOpts, hook)
			return err
		})
	if err != nil {
		return info, err
	}
	if err := e.syncDDL(ctx); err != nil {
		return info, err
	}
	info, err = e.cat.IndexByID(ctx, ent.ID)
	if err != nil {
		return info, err
	}
	e.mu.Lock()
	e.indexes[ent.ID] = &openIndex{info: info, tree: tree}
	e.mu.Unlock()
	return info, nil
}

func (e *Engine) Table(ctx context.Context, name string) (catalog.TableInfo, error) {
	return e.cat.Table(ctx, name)
}

func (e *Engine) Index(ctx context.Context, name string) (catalog.IndexInfo, error) {
	return e.cat.Index(ctx, name)
}

func (e *Engine) Tables(ctx context.Context) ([]catalog.TableInfo, error) {
	return e.cat.Tables(ctx)
}

// Indexes lists the indexes of a table, or all of them for tableID 0.
func (e *Engine) Indexes(ctx context.Context, tableID uint32) ([]catalog.IndexInfo, error) {
	return e.cat.Indexes(ctx, tableID)
}

func (e *Engine) heapFor(ctx context.Context, tableID uint32) (*heap.Heap, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	h, ok := e.heaps[tableID]
	e.mu.RUnlock()
	if ok {
		return h, nil
	}
	info, err := e.cat.TableByID(ctx, tableID)
	if err != nil {
		return nil, err
	}
	h, err = heap.Open(ctx, e.bpm, info.Heap, e.heapOpts)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.heaps[tableID]; ok {
		return cur, nil
	}
	e.heaps[tableID] = h
	return h, nil
}

func (e *Engine) indexFor(ctx context.Context, indexID uint32) (*openIndex, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	ix, ok := e.indexes[indexID]
	e.mu.RUnlock()
	if ok {
		return ix, nil
	}
	info, err := e.cat.IndexByID(ctx, indexID)
	if err != nil {
		return nil, err
	}
	tree, err := btree.Open(ctx, e.bpm, info.Tree, e.treeOpts)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.indexes[indexID]; ok {
		return cur, nil
	}
	ix = &openIndex{info: info, tree: tree}
	e.indexes[indexID] = ix
	return ix, nil
}

// --- Tuples ---

// InsertTuple stores a new row version created by txn.
func (e *Engine) InsertTuple(ctx context.Context, txn *Txn, tableID uint32, payload []byte) (tid pagemanager.TID, err error) {
	ctx, end := e.startOp(ctx, "InsertTuple", attribute.Int64("table.id", int64(tableID)))
	defer func() { end(err) }()
	h, err := e.heapFor(ctx, tableID)
	if err != nil {
		return tid, err
	}
	err = e.run(ctx, txn, func(txn *Txn) error {
		var err error
		tid, err = h.Insert(ctx, txn.Log, txn.ID, payload)
		return err
	})
	return tid, err
}

// ReadTuple returns the payload of the row at tid as txn sees it. When
// the version at tid is not visible, its chain of newer versions is
// followed. ok is false when no version is visible.
func (e *Engine) ReadTuple(ctx context.Context, txn *Txn, tableID uint32, tid pagemanager.TID) (payload []byte, ok bool, err error) {
	ctx, end := e.startOp(ctx, "ReadTuple", attribute.Int64("table.id", int64(tableID)), attribute.Stringer("tid", tid))
	defer func() { end(err) }()
	h, err := e.heapFor(ctx, tableID)
	if err != nil {
		return nil, false, err
	}
	err = e.run(ctx, txn, func(txn *Txn) error {
		for cur := tid; cur.IsValid(); {
			t, err := h.Read(ctx, cur)
			if errors.Is(err, heap.ErrTupleNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if e.txns.Visible(txn, t.Xmin, t.Xmax) {
				payload, ok = t.Payload, true
				return nil
			}
			cur = t.Next
		}
		return nil
	})
	return payload, ok, err
}

// writeCheck is the veto heap writes run under the page latch.
func (e *Engine) writeCheck(txn *Txn) func(heap.Tuple) error {
	return func(t heap.Tuple) error { return e.txns.CheckWrite(txn, t.Xmin, t.Xmax) }
}

// UpdateTuple replaces the row at tid with a new version and returns its
// TID. A concurrent committed change to the row aborts txn with
// ErrSerializationConflict.
func (e *Engine) UpdateTuple(ctx context.Context, txn *Txn, tableID uint32, tid pagemanager.TID, payload []byte) (newTID pagemanager.TID, err error) {
	ctx, end := e.startOp(ctx, "UpdateTuple", attribute.Int64("table.id", int64(tableID)), attribute.Stringer("tid", tid))
	defer func() { end(err) }()
	h, err := e.heapFor(ctx, tableID)
	if err != nil {
		return newTID, err
	}
	err = e.run(ctx, txn, func(txn *Txn) error {
		if err := e.txns.Lock(ctx, txn, transaction.TupleKey(h.ID(), tid), transaction.LockExclusive); err != nil {
			return err
		}
		var err error
		newTID, err = h.Update(ctx, txn.Log, tid, txn.ID, payload, e.writeCheck(txn))
		return err
	})
	return newTID, err
}

// DeleteTuple stamps txn as the deleter of the row at tid.
func (e *Engine) DeleteTuple(ctx context.Context, txn *Txn, tableID uint32, tid pagemanager.TID) (err error) {
	ctx, end := e.startOp(ctx, "DeleteTuple", attribute.Int64("table.id", int64(tableID)), attribute.Stringer("tid", tid))
	defer func() { end(err) }()
	h, err := e.heapFor(ctx, tableID)
	if err != nil {
		return err
	}
	return e.run(ctx, txn, func(txn *Txn) error {
		if err := e.txns.Lock(ctx, txn, transaction.TupleKey(h.ID(), tid), transaction.LockExclusive); err != nil {
			return err
		}
		_, err := h.Delete(ctx, txn.Log, tid, txn.ID, e.writeCheck(txn))
		return err
	})
}

// --- Index entries ---

// live reports whether an existing entry still claims its key for a
// writer holding the key lock: it was not rolled back, vacuumed away or
// deleted by a committed transaction or by txn itself.
func (e *Engine) live(txn *Txn, ent btree.Entry) bool {
	if ent.Xmax == btree.Tombstone {
		return false
	}
	clog := e.txns.CommitLog()
	if ent.Xmin != txn.ID && clog.Status(ent.Xmin) == transaction.StatusAborted {
		return false
	}
	switch ent.Xmax {
	case 0:
		return true
	case txn.ID:
		return false
	}
	return clog.Status(ent.Xmax) != transaction.StatusCommitted
}

// Insert adds the entry (key, tid) created by txn. A unique index
// rejects a key that another live entry holds with ErrDuplicateKey.
func (e *Engine) Insert(ctx context.Context, txn *Txn, indexID uint32, key []byte, tid pagemanager.TID) (err error) {
	ctx, end := e.startOp(ctx, "Insert", attribute.Int64("index.id", int64(indexID)), attribute.Stringer("tid", tid))
	defer func() { end(err) }()
	ix, err := e.indexFor(ctx, indexID)
	if err != nil {
		return err
	}
	return e.run(ctx, txn, func(txn *Txn) error {
		if ix.info.Unique {
			if err := e.txns.Lock(ctx, txn, transaction.IndexKey(ix.tree.ID(), key), transaction.LockExclusive); err != nil {
				return err
			}
			versions, err := ix.tree.ScanVersions(ctx, key)
			if err != nil {
				return err
			}
			for _, v := range versions {
				if e.live(txn, v) {
					return fmt.Errorf("%w: %q in index %s", ErrDuplicateKey, key, ix.info.Name)
				}
			}
		}
		return ix.tree.InsertVersion(ctx, txn.Log, btree.Entry{Key: key, TID: tid, Xmin: txn.ID})
	})
}

// Get returns the TID of the first entry under key visible to txn.
func (e *Engine) Get(ctx context.Context, txn *Txn, indexID uint32, key []byte) (tid pagemanager.TID, ok bool, err error) {
	ctx, end := e.startOp(ctx, "Get", attribute.Int64("index.id", int64(indexID)))
	defer func() { end(err) }()
	ix, err := e.indexFor(ctx, indexID)
	if err != nil {
		return tid, false, err
	}
	err = e.run(ctx, txn, func(txn *Txn) error {
		versions, err := ix.tree.ScanVersions(ctx, key)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if e.txns.Visible(txn, v.Xmin, v.Xmax) {
				tid, ok = v.TID, true
				return nil
			}
		}
		return nil
	})
	return tid, ok, err
}

// setXmax stamps one index entry. Tests replace it to fail partway
// through a statement.
var setXmax = (*btree.BTree).SetXmax

// Delete stamps txn as the deleter of every entry under key visible to
// it. The entries stay in the tree until vacuum removes them.
// A failure after some entries were stamped aborts txn and wraps
// ErrStatementAborted.
func (e *Engine) Delete(ctx context.Context, txn *Txn, indexID uint32, key []byte) (err error) {
	ctx, end := e.startOp(ctx, "Delete", attribute.Int64("index.id", int64(indexID)))
	defer func() { end(err) }()
	ix, err := e.indexFor(ctx, indexID)
	if err != nil {
		return err
	}
	return e.run(ctx, txn, func(txn *Txn) error {
		if err := e.txns.Lock(ctx, txn, transaction.IndexKey(ix.tree.ID(), key), transaction.LockExclusive); err != nil {
			return err
		}
		versions, err := ix.tree.ScanVersions(ctx, key)
		if err != nil {
			return err
		}
		// An entry deleted by a transaction outside the snapshot is still
		// visible here; CheckWrite turns it into a conflict. All entries
		// are checked before the first one is stamped.
		var targets []btree.Entry
		for _, v := range versions {
			if !e.txns.Visible(txn, v.Xmin, v.Xmax) {
				continue
			}
			if err := e.txns.CheckWrite(txn, v.Xmin, v.Xmax); err != nil {
				return err
			}
			targets = append(targets, v)
		}
		if len(targets) == 0 {
			return fmt.Errorf("%w: %q in index %s", btree.ErrKeyNotFound, key, ix.info.Name)
		}
		for i, v := range targets {
			if _, err := setXmax(ix.tree, ctx, txn.Log, v.Key, v.TID, txn.ID); err != nil {
				if i > 0 {
					return fmt.Errorf("%w: %d of %d entries under %q stamped: %w", ErrStatementAborted, i, len(targets), key, err)
				}
				return err
			}
		}
		return nil
	})
}

// DeleteEntry removes (key, tid) outside any transaction, right away or
// as a tombstone for vacuum depending on the index delete policy.
func (e *Engine) DeleteEntry(ctx context.Context, indexID uint32, key []byte, tid pagemanager.TID) (err error) {
	ctx, end := e.startOp(ctx, "DeleteEntry", attribute.Int64("index.id", int64(indexID)), attribute.Stringer("tid", tid))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return err
	}
	ix, err := e.indexFor(ctx, indexID)
	if err != nil {
		return err
	}
	if e.cfg.IndexDeletePolicy == DeletePolicyEager {
		return ix.tree.Delete(ctx, key, tid)
	}
	return ix.tree.MarkDeleted(ctx, key, tid)
}
