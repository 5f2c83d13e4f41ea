package storageengine

import (
	"context"
	"errors"
	"time"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/storage_engine/heap"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// VacuumStats reports one vacuum pass over a table and its indexes.
type VacuumStats struct {
	TableID      uint32
	Horizon      uint64
	Heap         heap.VacuumStats
	IndexEntries int
	Duration     time.Duration
}

// Vacuum removes the index entries and row versions of a table that no
// snapshot can see any more. Index entries go first so no visible entry
// ever points at a reclaimed slot.
func (e *Engine) Vacuum(ctx context.Context, tableID uint32) (st VacuumStats, err error) {
	ctx, end := e.startOp(ctx, "Vacuum", attribute.Int64("table.id", int64(tableID)))
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return st, err
	}
	e.vacuumMu.Lock()
	defer e.vacuumMu.Unlock()

	start := time.Now()
	h, err := e.heapFor(ctx, tableID)
	if err != nil {
		return st, err
	}
	horizon := e.txns.Horizon()
	st = VacuumStats{TableID: tableID, Horizon: horizon}

	indexes, err := e.cat.Indexes(ctx, tableID)
	if err != nil {
		return st, err
	}
	for _, info := range indexes {
		ix, err := e.indexFor(ctx, info.ID)
		if err != nil {
			return st, err
		}
		n, err := e.vacuumIndex(ctx, ix.tree, horizon)
		st.IndexEntries += n
		if err != nil {
			return st, err
		}
	}

	st.Heap, err = h.Vacuum(ctx, func(t heap.Tuple) bool {
		return e.txns.Collectible(t.Xmin, t.Xmax, horizon)
	}, e.vacLimiter)
	if err != nil {
		return st, err
	}
	st.Duration = time.Since(start)
	e.metrics.VacuumVersionsCounter.Add(ctx, int64(st.Heap.VersionsKilled+st.IndexEntries))
	e.logger.Info("table vacuumed",
		zap.Uint32("table_id", tableID),
		zap.Uint64("horizon", horizon),
		zap.Int("versions_removed", st.Heap.VersionsKilled),
		zap.Int("index_entries_removed", st.IndexEntries),
		zap.Duration("duration", st.Duration))
	return st, nil
}

// vacuumIndex deletes collectible and tombstoned entries, rebalancing the
// tree as it goes. The cursor tolerates the deletions behind it.
func (e *Engine) vacuumIndex(ctx context.Context, tree *btree.BTree, horizon uint64) (int, error) {
	c, err := tree.OpenCursor(ctx, btree.KeyRange{})
	if err != nil {
		return 0, err
	}
	defer c.Close()
	removed := 0
	for c.Next(ctx) {
		ent := c.Entry()
		if !e.txns.Collectible(ent.Xmin, ent.Xmax, horizon) {
			continue
		}
		if err := tree.Delete(ctx, ent.Key, ent.TID); err != nil {
			if errors.Is(err, btree.ErrKeyNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, c.Err()
}

// vacuumAll vacuums every table.
func (e *Engine) vacuumAll(ctx context.Context) error {
	tables, err := e.cat.Tables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if _, err := e.Vacuum(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}
