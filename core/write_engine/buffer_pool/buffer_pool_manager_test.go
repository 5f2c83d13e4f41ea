package bufferpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 1024

var errInjected = errors.New("injected log failure")

// memWAL is an in-memory WAL that records what the pool asks of it.
type memWAL struct {
	mu        sync.Mutex
	next      wal.LSN
	flushed   wal.LSN
	redo      wal.LSN
	records   []*wal.LogRecord
	flushErr  error
	staleOnce bool
	flushes   int
}

func newMemWAL() *memWAL { return &memWAL{next: 1, flushed: 1} }

func (w *memWAL) Reserve(int) error { return nil }

func (w *memWAL) AppendImages(rec *wal.LogRecord, t *wal.TxnLog, horizon wal.LSN) (wal.LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.staleOnce {
		w.staleOnce = false
		w.redo = w.next
		return wal.InvalidLSN, wal.ErrStaleRedoPoint
	}
	if horizon != w.redo {
		return wal.InvalidLSN, wal.ErrStaleRedoPoint
	}
	rec.LSN = w.next
	w.next += wal.LSN(rec.Size())
	w.records = append(w.records, rec)
	return rec.LSN, nil
}

func (w *memWAL) Flush(_ context.Context, lsn wal.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushErr != nil {
		return w.flushErr
	}
	w.flushes++
	w.flushed = w.next
	return nil
}

func (w *memWAL) RedoPoint() wal.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.redo
}

func (w *memWAL) setRedo() {
	w.mu.Lock()
	w.redo = w.next
	w.mu.Unlock()
}

func (w *memWAL) lastPayload(t *testing.T) *wal.UpdatePayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.records)
	u, err := wal.DecodeUpdatePayload(w.records[len(w.records)-1].Payload)
	require.NoError(t, err)
	return u
}

func newTestPool(t *testing.T, frames int, log WAL) (*BufferPoolManager, *flushmanager.DiskManager) {
	t.Helper()
	dm, err := flushmanager.NewDiskManager(flushmanager.NewMemFile(), flushmanager.Options{PageSize: testPageSize})
	require.NoError(t, err)
	bpm, err := NewBufferPoolManager(dm, log, Options{
		Frames:       frames,
		FetchTimeout: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return bpm, dm
}

// writeNewPage allocates a heap page holding one item through a mini
// transaction.
func writeNewPage(t *testing.T, bpm *BufferPoolManager, item string) pagemanager.PageID {
	t.Helper()
	m, err := bpm.Begin(nil)
	require.NoError(t, err)
	g, err := m.NewPage(context.Background())
	require.NoError(t, err)
	p := g.Page()
	p.Init(pagemanager.PageTypeHeap, 0, 0)
	_, err = p.AppendItem([]byte(item))
	require.NoError(t, err)
	_, err = m.Commit()
	require.NoError(t, err)
	id := g.PageID()
	g.Release()
	return id
}

func TestBufferPoolManager(t *testing.T) {
	ctx := context.Background()

	t.Run("reads back a page after eviction", func(t *testing.T) {
		bpm, _ := newTestPool(t, 2, newMemWAL())
		ids := []pagemanager.PageID{
			writeNewPage(t, bpm, "one"),
			writeNewPage(t, bpm, "two"),
			writeNewPage(t, bpm, "three"),
		}
		for i, want := range []string{"one", "two", "three"} {
			g, err := bpm.FetchRead(ctx, ids[i])
			require.NoError(t, err)
			assert.Equal(t, want, string(g.Page().Item(0)))
			g.Release()
		}
		s := bpm.Stats()
		assert.Equal(t, 2, s.Frames)
		assert.NotZero(t, s.Evictions)
		assert.NotZero(t, s.DirtyWrites)
		assert.NotZero(t, s.Misses)
	})

	t.Run("counts hits on resident pages", func(t *testing.T) {
		bpm, _ := newTestPool(t, 4, newMemWAL())
		id := writeNewPage(t, bpm, "hot")
		before := bpm.Stats().Hits
		for i := 0; i < 3; i++ {
			g, err := bpm.FetchRead(ctx, id)
			require.NoError(t, err)
			g.Release()
		}
		assert.Equal(t, before+3, bpm.Stats().Hits)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		bpm, _ := newTestPool(t, 2, newMemWAL())
		id := writeNewPage(t, bpm, "x")
		g, err := bpm.FetchWrite(ctx, id)
		require.NoError(t, err)
		g.Release()
		g.Release()
		assert.Equal(t, 0, bpm.Stats().Pinned)
	})

	t.Run("fails with exhausted when every frame is pinned", func(t *testing.T) {
		bpm, _ := newTestPool(t, 2, newMemWAL())
		a := writeNewPage(t, bpm, "a")
		b := writeNewPage(t, bpm, "b")
		c := writeNewPage(t, bpm, "c")

		ga, err := bpm.FetchRead(ctx, a)
		require.NoError(t, err)
		gb, err := bpm.FetchRead(ctx, b)
		require.NoError(t, err)

		_, err = bpm.FetchRead(ctx, c)
		assert.ErrorIs(t, err, ErrBufferPoolExhausted)

		ga.Release()
		gb.Release()
		gc, err := bpm.FetchRead(ctx, c)
		require.NoError(t, err)
		gc.Release()
	})

	t.Run("a waiting fetch proceeds once a frame is unpinned", func(t *testing.T) {
		dm, err := flushmanager.NewDiskManager(flushmanager.NewMemFile(), flushmanager.Options{PageSize: testPageSize})
		require.NoError(t, err)
		bpm, err := NewBufferPoolManager(dm, newMemWAL(), Options{Frames: 2, FetchTimeout: 5 * time.Second})
		require.NoError(t, err)
		a := writeNewPage(t, bpm, "a")
		b := writeNewPage(t, bpm, "b")
		c := writeNewPage(t, bpm, "c")
		ga, err := bpm.FetchRead(ctx, a)
		require.NoError(t, err)
		gb, err := bpm.FetchRead(ctx, b)
		require.NoError(t, err)
		defer gb.Release()

		go func() {
			time.Sleep(20 * time.Millisecond)
			ga.Release()
		}()
		gc, err := bpm.FetchRead(ctx, c)
		require.NoError(t, err)
		gc.Release()
	})

	t.Run("does not write a page whose log cannot be flushed", func(t *testing.T) {
		log := newMemWAL()
		bpm, dm := newTestPool(t, 2, log)
		a := writeNewPage(t, bpm, "a")
		writeNewPage(t, bpm, "b")

		log.mu.Lock()
		log.flushErr = errInjected
		log.mu.Unlock()

		m, err := bpm.Begin(nil)
		require.NoError(t, err)
		_, err = m.NewPage(ctx)
		assert.ErrorIs(t, err, errInjected)
		m.Abort()

		buf := make([]byte, testPageSize)
		require.NoError(t, dm.ReadPage(a, buf))
		assert.True(t, pagemanager.IsZero(buf), "page reached disk before its log record")
		assert.Zero(t, bpm.Stats().DirtyWrites)

		log.mu.Lock()
		log.flushErr = nil
		log.mu.Unlock()
		require.NoError(t, bpm.FlushAll(ctx))
		require.NoError(t, dm.ReadPage(a, buf))
		assert.Equal(t, "a", string(pagemanager.Wrap(buf).Item(0)))
	})

	t.Run("flush clears dirty state and reports recovery lsns", func(t *testing.T) {
		log := newMemWAL()
		bpm, dm := newTestPool(t, 4, log)
		id := writeNewPage(t, bpm, "dirty")

		dpt := bpm.DirtyPageTable()
		require.Contains(t, dpt, id)
		assert.Equal(t, log.records[0].LSN, dpt[id])
		assert.Equal(t, []pagemanager.PageID{id}, bpm.DirtyPages())

		require.NoError(t, bpm.FlushPage(ctx, id))
		assert.Empty(t, bpm.DirtyPageTable())
		assert.Equal(t, 1, log.flushes)

		buf := make([]byte, testPageSize)
		require.NoError(t, dm.ReadPage(id, buf))
		assert.Equal(t, log.records[0].LSN, pagemanager.PageLSN(buf))
	})

	t.Run("redo fetch tolerates a corrupt page", func(t *testing.T) {
		file := flushmanager.NewMemFile()
		dm, err := flushmanager.NewDiskManager(file, flushmanager.Options{PageSize: testPageSize})
		require.NoError(t, err)
		bpm, err := NewBufferPoolManager(dm, newMemWAL(), Options{Frames: 2})
		require.NoError(t, err)
		id := writeNewPage(t, bpm, "page")
		require.NoError(t, bpm.FlushAll(ctx))

		fresh, err := NewBufferPoolManager(dm, newMemWAL(), Options{Frames: 2})
		require.NoError(t, err)
		file.Corrupt(int64(id)*testPageSize+200, []byte{0xff, 0xee})

		_, err = fresh.FetchRead(ctx, id)
		assert.ErrorIs(t, err, flushmanager.ErrPageChecksumMismatch)

		g, err := fresh.FetchForRedo(ctx, id)
		require.NoError(t, err)
		assert.True(t, g.Corrupt())
		g.ApplyRedo(42)
		assert.False(t, g.Corrupt())
		g.Release()
		assert.Equal(t, wal.LSN(42), fresh.DirtyPageTable()[id])
	})
}
