package bufferpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

func TestMiniTxn(t *testing.T) {
	ctx := context.Background()

	t.Run("logs a full image before the first diff after a checkpoint", func(t *testing.T) {
		log := newMemWAL()
		bpm, _ := newTestPool(t, 4, log)
		id := writeNewPage(t, bpm, "first")
		u := log.lastPayload(t)
		require.Len(t, u.Pages, 1)
		assert.True(t, u.Pages[0].Full, "a new page is logged whole")

		appendItem := func(item string) wal.LSN {
			m, err := bpm.Begin(nil)
			require.NoError(t, err)
			g, err := bpm.FetchWrite(ctx, id)
			require.NoError(t, err)
			defer g.Release()
			m.Track(g)
			_, err = g.Page().AppendItem([]byte(item))
			require.NoError(t, err)
			lsn, err := m.Commit()
			require.NoError(t, err)
			assert.Equal(t, lsn, pagemanager.PageLSN(g.Data()))
			return lsn
		}

		appendItem("second")
		u = log.lastPayload(t)
		require.Len(t, u.Pages, 1)
		assert.False(t, u.Pages[0].Full)
		assert.Less(t, len(u.Pages[0].Data), testPageSize/2)

		log.setRedo()
		appendItem("third")
		assert.True(t, log.lastPayload(t).Pages[0].Full, "first change after the redo point")

		appendItem("fourth")
		assert.False(t, log.lastPayload(t).Pages[0].Full)
	})

	t.Run("diff replays onto the previous page image", func(t *testing.T) {
		log := newMemWAL()
		bpm, _ := newTestPool(t, 4, log)
		id := writeNewPage(t, bpm, "base")

		g, err := bpm.FetchRead(ctx, id)
		require.NoError(t, err)
		before := append([]byte(nil), g.Data()...)
		g.Release()

		m, err := bpm.Begin(nil)
		require.NoError(t, err)
		w, err := bpm.FetchWrite(ctx, id)
		require.NoError(t, err)
		m.Track(w)
		require.NoError(t, w.Page().ReplaceItem(0, []byte("BASE")))
		_, err = m.Commit()
		require.NoError(t, err)
		after := append([]byte(nil), w.Data()...)
		w.Release()

		u := log.lastPayload(t)
		require.NoError(t, pagemanager.ApplyDiff(before, u.Pages[0].Data))
		assert.Equal(t, after[pagemanager.DiffStart:], before[pagemanager.DiffStart:])
	})

	t.Run("abort restores pages and returns allocations", func(t *testing.T) {
		log := newMemWAL()
		bpm, dm := newTestPool(t, 4, log)
		id := writeNewPage(t, bpm, "keep")
		records := len(log.records)

		m, err := bpm.Begin(nil)
		require.NoError(t, err)
		g, err := bpm.FetchWrite(ctx, id)
		require.NoError(t, err)
		m.Track(g)
		require.NoError(t, g.Page().ReplaceItem(0, []byte("lost")))
		extra, err := m.NewPage(ctx)
		require.NoError(t, err)
		extraID := extra.PageID()
		m.Abort()
		extra.Release()
		g.Release()

		assert.Len(t, log.records, records)
		r, err := bpm.FetchRead(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "keep", string(r.Page().Item(0)))
		r.Release()

		next, err := dm.AllocatePage()
		require.NoError(t, err)
		assert.Equal(t, extraID, next, "aborted allocation is reused")
	})

	t.Run("freed pages return to the allocator after commit", func(t *testing.T) {
		bpm, dm := newTestPool(t, 4, newMemWAL())
		id := writeNewPage(t, bpm, "gone")

		m, err := bpm.Begin(nil)
		require.NoError(t, err)
		g, err := bpm.FetchWrite(ctx, id)
		require.NoError(t, err)
		m.FreePage(g)
		assert.Zero(t, dm.FreePageCount())
		_, err = m.Commit()
		require.NoError(t, err)
		g.Release()

		assert.Equal(t, 1, dm.FreePageCount())
		r, err := bpm.FetchRead(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, pagemanager.PageTypeFree, r.Page().Type())
		r.Release()
	})

	t.Run("retries when the redo point moves", func(t *testing.T) {
		log := newMemWAL()
		bpm, _ := newTestPool(t, 4, log)
		id := writeNewPage(t, bpm, "x")

		log.mu.Lock()
		log.staleOnce = true
		log.mu.Unlock()

		m, err := bpm.Begin(nil)
		require.NoError(t, err)
		g, err := bpm.FetchWrite(ctx, id)
		require.NoError(t, err)
		m.Track(g)
		_, err = g.Page().AppendItem([]byte("y"))
		require.NoError(t, err)
		lsn, err := m.Commit()
		require.NoError(t, err)
		g.Release()

		assert.NotEqual(t, wal.InvalidLSN, lsn)
		assert.True(t, log.lastPayload(t).Pages[0].Full, "images are rebuilt against the new redo point")
	})

	t.Run("unchanged pages are not logged", func(t *testing.T) {
		log := newMemWAL()
		bpm, _ := newTestPool(t, 4, log)
		id := writeNewPage(t, bpm, "same")
		records := len(log.records)

		m, err := bpm.Begin(nil)
		require.NoError(t, err)
		g, err := bpm.FetchWrite(ctx, id)
		require.NoError(t, err)
		m.Track(g)
		lsn, err := m.Commit()
		require.NoError(t, err)
		g.Release()
		assert.Equal(t, wal.InvalidLSN, lsn)
		assert.Len(t, log.records, records)
	})

	t.Run("transaction records join the chain and carry undo", func(t *testing.T) {
		log := newMemWAL()
		bpm, _ := newTestPool(t, 4, log)
		txn := wal.NewTxnLog(7)

		m, err := bpm.Begin(txn)
		require.NoError(t, err)
		g, err := m.NewPage(ctx)
		require.NoError(t, err)
		g.Page().Init(pagemanager.PageTypeHeap, 0, 0)
		m.SetUndo(3, []byte("undo"))
		lsn, err := m.Commit()
		require.NoError(t, err)
		g.Release()

		u := log.lastPayload(t)
		assert.Equal(t, uint8(3), u.UndoOp)
		assert.Equal(t, []byte("undo"), u.Undo)
		assert.Equal(t, lsn, log.records[len(log.records)-1].LSN)
	})
}
