package heap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	bpm *bufferpool.BufferPoolManager
	log *wal.LogManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dm, err := flushmanager.NewDiskManager(flushmanager.NewMemFile(), flushmanager.Options{PageSize: 1024})
	require.NoError(t, err)
	lm, err := wal.NewLogManager(wal.Options{Dir: t.TempDir(), SegmentSize: 1 << 20, DatabaseID: dm.DatabaseID()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })
	bpm, err := bufferpool.NewBufferPoolManager(dm, lm, bufferpool.Options{
		Frames:       16,
		FetchTimeout: time.Second,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return &testEnv{bpm: bpm, log: lm}
}

func row(i int) []byte {
	return []byte(fmt.Sprintf("row-%04d-%s", i, bytes.Repeat([]byte("x"), 40)))
}

func TestHeapInsertReadScan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h, err := Create(ctx, env.bpm, Options{})
	require.NoError(t, err)

	var tids []pagemanager.TID
	for i := 0; i < 100; i++ {
		tid, err := h.Insert(ctx, nil, 5, row(i))
		require.NoError(t, err)
		tids = append(tids, tid)
	}
	assert.NotEqual(t, tids[0].PageID, tids[99].PageID, "heap should span several pages")

	tup, err := h.Read(ctx, tids[42])
	require.NoError(t, err)
	assert.Equal(t, row(42), tup.Payload)
	assert.Equal(t, uint64(5), tup.Xmin)
	assert.Zero(t, tup.Xmax)
	assert.False(t, tup.Next.IsValid())

	var seen []pagemanager.TID
	require.NoError(t, h.Scan(ctx, func(tid pagemanager.TID, tup Tuple) bool {
		seen = append(seen, tid)
		return true
	}))
	assert.Equal(t, tids, seen)

	reopened, err := Open(ctx, env.bpm, h.ID(), Options{})
	require.NoError(t, err)
	assert.Equal(t, h.tail, reopened.tail)

	_, err = h.Read(ctx, pagemanager.TID{PageID: tids[0].PageID, Slot: 999})
	assert.ErrorIs(t, err, ErrTupleNotFound)
	_, err = h.Insert(ctx, nil, 5, make([]byte, MaxPayloadSize(1024)+1))
	assert.ErrorIs(t, err, ErrTupleTooLarge)
}

func TestHeapUpdateLinksVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h, err := Create(ctx, env.bpm, Options{})
	require.NoError(t, err)

	v1, err := h.Insert(ctx, nil, 1, []byte("one"))
	require.NoError(t, err)
	v2, err := h.Update(ctx, nil, v1, 2, []byte("two"), nil)
	require.NoError(t, err)

	old, err := h.Read(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), old.Xmax)
	assert.Equal(t, v2, old.Next)
	assert.NotZero(t, old.Flags&FlagUpdated)

	cur, err := h.Read(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur.Xmin)
	assert.Equal(t, []byte("two"), cur.Payload)

	veto := errors.New("conflict")
	_, err = h.Delete(ctx, nil, v2, 3, func(Tuple) error { return veto })
	assert.ErrorIs(t, err, veto)
	cur, err = h.Read(ctx, v2)
	require.NoError(t, err)
	assert.Zero(t, cur.Xmax)
}

func TestHeapUndo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h, err := Create(ctx, env.bpm, Options{})
	require.NoError(t, err)
	base, err := h.Insert(ctx, nil, 0, []byte("base"))
	require.NoError(t, err)

	txn := wal.NewTxnLog(7)
	v2, err := h.Update(ctx, txn, base, 7, []byte("next"), nil)
	require.NoError(t, err)

	for txn.State().UndoNext != wal.InvalidLSN {
		rec, err := env.log.ReadRecord(ctx, txn.State().UndoNext)
		require.NoError(t, err)
		u, err := wal.DecodeUpdatePayload(rec.Payload)
		require.NoError(t, err)
		txn.BeginCompensation(rec.PrevLSN)
		require.NoError(t, Undo(ctx, env.bpm, u.UndoOp, u.Undo, txn))
	}

	tup, err := h.Read(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, tup.Xmax)
	assert.False(t, tup.Next.IsValid())
	assert.Zero(t, tup.Flags&FlagUpdated)
	_, err = h.Read(ctx, v2)
	assert.ErrorIs(t, err, ErrTupleNotFound)

	// A second pass over the same records changes nothing.
	payload := undoEntry{heap: h.ID(), tid: v2}.encode()
	assert.NoError(t, Undo(ctx, env.bpm, UndoInsert, payload, txn))
}

func TestHeapVacuumReclaimsSpaceWithoutReusingSlots(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	h, err := Create(ctx, env.bpm, Options{})
	require.NoError(t, err)

	var tids []pagemanager.TID
	for i := 0; i < 60; i++ {
		tid, err := h.Insert(ctx, nil, uint64(i+1), row(i))
		require.NoError(t, err)
		tids = append(tids, tid)
	}
	perPage := map[pagemanager.PageID]int{}
	for _, tid := range tids {
		perPage[tid.PageID]++
	}

	st, err := h.Vacuum(ctx, func(tup Tuple) bool { return tup.Xmin%2 == 1 }, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, st.VersionsKilled)
	assert.Positive(t, st.BytesReclaimed)

	for i, tid := range tids {
		tup, err := h.Read(ctx, tid)
		if i%2 == 0 {
			assert.ErrorIs(t, err, ErrTupleNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, row(i), tup.Payload)
	}

	tid, err := h.Insert(ctx, nil, 100, row(100))
	require.NoError(t, err)
	assert.NotEqual(t, h.tail, tid.PageID, "insert should reuse vacuumed space")
	assert.Contains(t, perPage, tid.PageID)
	assert.Equal(t, perPage[tid.PageID], int(tid.Slot), "slots are never reused")
}
