package recovery

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/storage_engine/heap"
	"github.com/sushant-115/gojostore/core/transaction"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 1024

type stack struct {
	dir   string
	file  *flushmanager.MemFile
	dm    *flushmanager.DiskManager
	log   *wal.LogManager
	bpm   *bufferpool.BufferPoolManager
	clog  *transaction.CommitLog
	txns  *transaction.Manager
	rec   *Manager
	stats Stats
}

// openStack wires the storage layers over file and runs restart recovery.
func openStack(t *testing.T, dir string, file *flushmanager.MemFile) *stack {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	s := &stack{dir: dir, file: file}

	var err error
	s.dm, err = flushmanager.NewDiskManager(file, flushmanager.Options{PageSize: testPageSize, Logger: logger})
	require.NoError(t, err)
	s.log, err = wal.NewLogManager(wal.Options{
		Dir:         filepath.Join(dir, "wal"),
		SegmentSize: 16 << 10,
		DatabaseID:  s.dm.DatabaseID(),
		Logger:      logger,
	})
	require.NoError(t, err)
	s.bpm, err = bufferpool.NewBufferPoolManager(s.dm, s.log, bufferpool.Options{
		Frames:       64,
		FetchTimeout: 5 * time.Second,
		Logger:       logger,
	})
	require.NoError(t, err)
	s.clog, err = transaction.OpenCommitLog(filepath.Join(dir, "clog"))
	require.NoError(t, err)
	s.txns = transaction.NewManager(s.log, s.clog, logger)
	s.rec = NewManager(s.log, s.bpm, s.dm, s.txns, Options{
		ControlPath: filepath.Join(dir, "control"),
		Logger:      logger,
	})
	indexUndo := func(ctx context.Context, op uint8, payload []byte, txn *wal.TxnLog) error {
		return btree.Undo(ctx, s.bpm, btree.Options{}, op, payload, txn)
	}
	heapUndo := func(ctx context.Context, op uint8, payload []byte, txn *wal.TxnLog) error {
		return heap.Undo(ctx, s.bpm, op, payload, txn)
	}
	s.rec.Register(btree.UndoInsert, indexUndo)
	s.rec.Register(btree.UndoSetXmax, indexUndo)
	s.rec.Register(heap.UndoInsert, heapUndo)
	s.rec.Register(heap.UndoStamp, heapUndo)
	s.txns.SetRollbacker(s.rec)

	s.stats, err = s.rec.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, StateRunning, s.rec.State())
	t.Cleanup(func() {
		s.log.Abandon()
		_ = s.clog.Close()
	})
	return s
}

// crash stops the stack without flushing anything and returns the page
// file as the disk saw it.
func (s *stack) crash() *flushmanager.MemFile {
	s.log.Abandon()
	return s.file.Crash()
}

func (s *stack) flushLog(t *testing.T) {
	t.Helper()
	require.NoError(t, s.log.Flush(context.Background(), s.log.NextLSN()-1))
}

func keyOf(i int) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(i))
}

func tidOf(i int) pagemanager.TID {
	return pagemanager.TID{PageID: pagemanager.PageID(i/50 + 1), Slot: uint16(i % 50)}
}

func keysOf(t *testing.T, tree *btree.BTree) map[uint64]btree.Entry {
	t.Helper()
	ctx := context.Background()
	c, err := tree.OpenCursor(ctx, btree.KeyRange{})
	require.NoError(t, err)
	defer c.Close()
	out := make(map[uint64]btree.Entry)
	for c.Next(ctx) {
		e := c.Entry()
		out[binary.BigEndian.Uint64(e.Key)] = e
	}
	require.NoError(t, c.Err())
	return out
}

func copyDir(t *testing.T, src, dst string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dst, 0755))
	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() {
			copyDir(t, filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()))
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, e.Name()), data, 0644))
	}
}

func TestControlFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	_, ok, err := ReadControlFile(path)
	require.NoError(t, err)
	assert.False(t, ok)

	want := ControlFile{DatabaseID: "db", CheckpointLSN: 4096, RedoLSN: 1024, NextTxnID: 17, NextLSN: 5000}
	require.NoError(t, WriteControlFile(path, want))
	got, ok, err := ReadControlFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, os.WriteFile(path, []byte{0xc1}, 0644))
	_, _, err = ReadControlFile(path)
	assert.ErrorIs(t, err, ErrBadControlFile)
}

func TestRecoverCommittedSurvivesAndLoserIsRolledBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStack(t, dir, flushmanager.NewMemFile())

	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)
	_, err = s.rec.Checkpoint(ctx)
	require.NoError(t, err)

	winner := s.txns.Begin()
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.InsertVersion(ctx, winner.Log, btree.Entry{Key: keyOf(i), TID: tidOf(i), Xmin: winner.ID}))
	}
	require.NoError(t, s.txns.Commit(ctx, winner))

	loser := s.txns.Begin()
	for i := 1000; i < 1050; i++ {
		require.NoError(t, tree.InsertVersion(ctx, loser.Log, btree.Entry{Key: keyOf(i), TID: tidOf(i), Xmin: loser.ID}))
	}
	_, err = tree.SetXmax(ctx, loser.Log, keyOf(5), tidOf(5), loser.ID)
	require.NoError(t, err)
	s.flushLog(t)

	r := openStack(t, dir, s.crash())
	assert.Equal(t, 1, r.stats.Losers)
	assert.Equal(t, 51, r.stats.RecordsUndone)
	assert.Equal(t, transaction.StatusCommitted, r.clog.Status(winner.ID))
	assert.Equal(t, transaction.StatusAborted, r.clog.Status(loser.ID))
	assert.Greater(t, r.txns.NextID(), loser.ID)

	tree, err = btree.Open(ctx, r.bpm, tree.ID(), btree.Options{})
	require.NoError(t, err)
	keys := keysOf(t, tree)
	require.Len(t, keys, 200)
	for i := 0; i < 200; i++ {
		e, ok := keys[uint64(i)]
		require.True(t, ok, "key %d", i)
		assert.Equal(t, winner.ID, e.Xmin)
		assert.Zero(t, e.Xmax, "key %d", i)
	}
	_, err = tree.Verify(ctx)
	require.NoError(t, err)
}

func TestRecoverAfterSplitWithParentUnwritten(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStack(t, dir, flushmanager.NewMemFile())

	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)
	_, err = s.rec.Checkpoint(ctx)
	require.NoError(t, err)
	for i := 0; i < 600; i++ {
		require.NoError(t, tree.Insert(ctx, keyOf(i), tidOf(i)))
	}
	require.Greater(t, tree.Stats().Splits, uint64(0))
	s.flushLog(t)

	// Write back every other dirty page so children reach the disk while
	// their parents do not.
	for i, id := range s.bpm.DirtyPages() {
		if i%2 == 0 {
			require.NoError(t, s.bpm.FlushPage(ctx, id))
		}
	}
	require.NoError(t, s.dm.Sync())

	r := openStack(t, dir, s.crash())
	tree, err = btree.Open(ctx, r.bpm, tree.ID(), btree.Options{})
	require.NoError(t, err)
	info, err := tree.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 600, info.Entries)
	assert.Len(t, keysOf(t, tree), 600)
	assert.Greater(t, r.stats.PagesRedone, 0)
}

func TestRecoverIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStack(t, dir, flushmanager.NewMemFile())

	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)
	h, err := heap.Create(ctx, s.bpm, heap.Options{})
	require.NoError(t, err)
	_, err = s.rec.Checkpoint(ctx)
	require.NoError(t, err)

	committed := s.txns.Begin()
	for i := 0; i < 150; i++ {
		tid, err := h.Insert(ctx, committed.Log, committed.ID, keyOf(i))
		require.NoError(t, err)
		require.NoError(t, tree.InsertVersion(ctx, committed.Log, btree.Entry{Key: keyOf(i), TID: tid, Xmin: committed.ID}))
	}
	require.NoError(t, s.txns.Commit(ctx, committed))
	open := s.txns.Begin()
	for i := 150; i < 200; i++ {
		tid, err := h.Insert(ctx, open.Log, open.ID, keyOf(i))
		require.NoError(t, err)
		require.NoError(t, tree.InsertVersion(ctx, open.Log, btree.Entry{Key: keyOf(i), TID: tid, Xmin: open.ID}))
	}
	s.flushLog(t)
	crashed := s.crash()

	// Two restarts from identical log and page state.
	dirA, dirB := filepath.Join(t.TempDir(), "a"), filepath.Join(t.TempDir(), "b")
	copyDir(t, dir, dirA)
	copyDir(t, dir, dirB)
	a := openStack(t, dirA, crashed.Clone())
	b := openStack(t, dirB, crashed.Clone())
	require.Equal(t, a.dm.NumPages(), b.dm.NumPages())
	bufA, bufB := make([]byte, testPageSize), make([]byte, testPageSize)
	for id := pagemanager.PageID(1); uint64(id) < a.dm.NumPages(); id++ {
		require.NoError(t, a.dm.ReadPage(id, bufA))
		require.NoError(t, b.dm.ReadPage(id, bufB))
		require.Equal(t, bufA, bufB, "page %d", id)
	}

	// A crash right after recovery followed by another recovery changes
	// nothing visible.
	again := openStack(t, dirA, a.crash())
	assert.Zero(t, again.stats.Losers)
	tree, err = btree.Open(ctx, again.bpm, tree.ID(), btree.Options{})
	require.NoError(t, err)
	assert.Len(t, keysOf(t, tree), 150)
	h, err = heap.Open(ctx, again.bpm, h.ID(), heap.Options{})
	require.NoError(t, err)
	rows := 0
	require.NoError(t, h.Scan(ctx, func(pagemanager.TID, heap.Tuple) bool {
		rows++
		return true
	}))
	assert.Equal(t, 150, rows)
}

func TestRecoverRebuildsTornPageFromFullImage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStack(t, dir, flushmanager.NewMemFile())

	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(ctx, keyOf(i), tidOf(i)))
	}
	_, err = s.rec.Checkpoint(ctx)
	require.NoError(t, err)

	// The first change after the checkpoint logs full page images.
	for i := 100; i < 120; i++ {
		require.NoError(t, tree.Insert(ctx, keyOf(i), tidOf(i)))
	}
	s.flushLog(t)
	dirty := s.bpm.DirtyPages()
	require.NotEmpty(t, dirty)
	s.file.TearNextWrite(100)
	require.ErrorIs(t, s.bpm.FlushPage(ctx, dirty[0]), flushmanager.ErrIO)

	crashed := s.crash()
	dm, err := flushmanager.NewDiskManager(crashed.Clone(), flushmanager.Options{PageSize: testPageSize})
	require.NoError(t, err)
	require.ErrorIs(t, dm.ReadPage(dirty[0], make([]byte, testPageSize)), flushmanager.ErrPageChecksumMismatch)

	r := openStack(t, dir, crashed)
	tree, err = btree.Open(ctx, r.bpm, tree.ID(), btree.Options{})
	require.NoError(t, err)
	info, err := tree.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, info.Entries)
	require.NoError(t, r.dm.ReadPage(dirty[0], make([]byte, testPageSize)))
}

func TestRollbackOfLiveTransaction(t *testing.T) {
	ctx := context.Background()
	s := openStack(t, t.TempDir(), flushmanager.NewMemFile())
	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)
	h, err := heap.Create(ctx, s.bpm, heap.Options{})
	require.NoError(t, err)

	txn := s.txns.Begin()
	var tids []pagemanager.TID
	for i := 0; i < 30; i++ {
		tid, err := h.Insert(ctx, txn.Log, txn.ID, keyOf(i))
		require.NoError(t, err)
		tids = append(tids, tid)
		require.NoError(t, tree.InsertVersion(ctx, txn.Log, btree.Entry{Key: keyOf(i), TID: tid, Xmin: txn.ID}))
	}
	require.NoError(t, s.txns.Abort(ctx, txn))

	assert.Empty(t, keysOf(t, tree))
	for _, tid := range tids {
		_, err := h.Read(ctx, tid)
		assert.ErrorIs(t, err, heap.ErrTupleNotFound)
	}
	assert.Equal(t, transaction.StatusAborted, s.clog.Status(txn.ID))

	last, err := s.log.ReadRecord(ctx, txn.Log.State().LastLSN)
	require.NoError(t, err)
	assert.Equal(t, wal.RecordAbort, last.Type)
	clr, err := s.log.ReadRecord(ctx, last.PrevLSN)
	require.NoError(t, err)
	assert.Equal(t, wal.RecordCLR, clr.Type)
	assert.Equal(t, wal.InvalidLSN, clr.UndoNextLSN)
}

func TestRecoverFinishesInterruptedRollback(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStack(t, dir, flushmanager.NewMemFile())
	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)
	_, err = s.rec.Checkpoint(ctx)
	require.NoError(t, err)

	txn := s.txns.Begin()
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.InsertVersion(ctx, txn.Log, btree.Entry{Key: keyOf(i), TID: tidOf(i), Xmin: txn.ID}))
	}
	// Compensation is logged but the ABORT record never makes it.
	require.NoError(t, s.rec.Rollback(ctx, txn.Log))
	s.flushLog(t)

	r := openStack(t, dir, s.crash())
	assert.Equal(t, 1, r.stats.Losers)
	assert.Zero(t, r.stats.RecordsUndone, "CLRs already cover the whole chain")
	assert.Equal(t, transaction.StatusAborted, r.clog.Status(txn.ID))
	tree, err = btree.Open(ctx, r.bpm, tree.ID(), btree.Options{})
	require.NoError(t, err)
	assert.Empty(t, keysOf(t, tree))
}

func TestCheckpointKeepsLogOfRunningTransaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openStack(t, dir, flushmanager.NewMemFile())
	tree, err := btree.Create(ctx, s.bpm, btree.Options{})
	require.NoError(t, err)

	txn := s.txns.Begin()
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.InsertVersion(ctx, txn.Log, btree.Entry{Key: keyOf(i), TID: tidOf(i), Xmin: txn.ID}))
	}
	stats, err := s.rec.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveTxns)

	// Enough autocommit work to roll several segments past the checkpoint.
	for i := 1000; i < 1400; i++ {
		require.NoError(t, tree.Insert(ctx, keyOf(i), tidOf(i)))
	}
	_, err = s.rec.Checkpoint(ctx)
	require.NoError(t, err)
	first, err := s.log.ReadRecord(ctx, txn.Log.State().FirstLSN)
	require.NoError(t, err, "records of a running transaction must survive truncation")
	assert.Equal(t, txn.ID, first.TxnID)
	s.flushLog(t)

	r := openStack(t, dir, s.crash())
	assert.Equal(t, 1, r.stats.Losers)
	assert.Equal(t, 100, r.stats.RecordsUndone)
	tree, err = btree.Open(ctx, r.bpm, tree.ID(), btree.Options{})
	require.NoError(t, err)
	keys := keysOf(t, tree)
	assert.Len(t, keys, 400)
	_, ok := keys[0]
	assert.False(t, ok)
}
