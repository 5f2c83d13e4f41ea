package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

var ErrBufferPoolExhausted = errors.New("buffer pool exhausted: every frame is pinned")

// WAL is the part of the log manager the pool depends on.
type WAL interface {
	Reserve(n int) error
	AppendImages(rec *wal.LogRecord, t *wal.TxnLog, horizon wal.LSN) (wal.LSN, error)
	Flush(ctx context.Context, lsn wal.LSN) error
	RedoPoint() wal.LSN
}

// Options configures a BufferPoolManager.
type Options struct {
	Frames int
	// Policy is PolicyClock (default) or PolicyLRUK.
	Policy string
	K      int
	// FetchTimeout bounds the wait for an evictable frame.
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Frames      int
	Resident    int
	Pinned      int
	Dirty       int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	DirtyWrites uint64
}

type loadMode int

const (
	loadDisk loadMode = iota
	loadRedo          // tolerate a checksum mismatch
	loadZero          // fresh page, do not read
)

// BufferPoolManager caches pages in a fixed set of frames. A dirty page
// is written only after the log is durable up to its page LSN.
type BufferPoolManager struct {
	dm       *flushmanager.DiskManager
	log      WAL
	logger   *zap.Logger
	pageSize int
	timeout  time.Duration

	mu        sync.Mutex
	frames    []*frame
	pageTable map[pagemanager.PageID]int
	freeList  []int
	replacer  Replacer
	waiters   int
	unpinned  chan struct{}

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	dirtyWrites atomic.Uint64
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(dm *flushmanager.DiskManager, log WAL, opts Options) (*BufferPoolManager, error) {
	if opts.Frames < 2 {
		return nil, fmt.Errorf("buffer pool needs at least 2 frames, got %d", opts.Frames)
	}
	replacer, err := NewReplacer(opts.Policy, opts.Frames, opts.K)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Second
	}
	bpm := &BufferPoolManager{
		dm:        dm,
		log:       log,
		logger:    logger,
		pageSize:  dm.PageSize(),
		timeout:   opts.FetchTimeout,
		frames:    make([]*frame, opts.Frames),
		pageTable: make(map[pagemanager.PageID]int, opts.Frames),
		freeList:  make([]int, 0, opts.Frames),
		replacer:  replacer,
		unpinned:  make(chan struct{}),
	}
	for i := range bpm.frames {
		bpm.frames[i] = &frame{id: i, data: make([]byte, bpm.pageSize)}
		bpm.freeList = append(bpm.freeList, i)
	}
	logger.Info("buffer pool initialized",
		zap.Int("frames", opts.Frames), zap.Int("page_size", bpm.pageSize), zap.String("policy", opts.Policy))
	return bpm, nil
}

func (bpm *BufferPoolManager) PageSize() int { return bpm.pageSize }

// FetchRead pins the page and takes its shared latch.
func (bpm *BufferPoolManager) FetchRead(ctx context.Context, id pagemanager.PageID) (*ReadPageGuard, error) {
	f, _, err := bpm.pin(ctx, id, loadDisk)
	if err != nil {
		return nil, err
	}
	f.latch.RLock()
	return &ReadPageGuard{frame: f, bpm: bpm}, nil
}

// FetchWrite pins the page and takes its exclusive latch.
func (bpm *BufferPoolManager) FetchWrite(ctx context.Context, id pagemanager.PageID) (*WritePageGuard, error) {
	f, _, err := bpm.pin(ctx, id, loadDisk)
	if err != nil {
		return nil, err
	}
	f.latch.Lock()
	return &WritePageGuard{frame: f, bpm: bpm}, nil
}

// TryFetchWrite is FetchWrite that gives up instead of waiting for the
// latch. It returns (nil, false, nil) when the latch is held elsewhere.
func (bpm *BufferPoolManager) TryFetchWrite(ctx context.Context, id pagemanager.PageID) (*WritePageGuard, bool, error) {
	f, _, err := bpm.pin(ctx, id, loadDisk)
	if err != nil {
		return nil, false, err
	}
	if !f.latch.TryLock() {
		bpm.unpin(f)
		return nil, false, nil
	}
	return &WritePageGuard{frame: f, bpm: bpm}, true, nil
}

// FetchForRedo is FetchWrite for recovery: a page whose checksum does not
// verify is still returned, flagged Corrupt, so a full image can replace it.
func (bpm *BufferPoolManager) FetchForRedo(ctx context.Context, id pagemanager.PageID) (*WritePageGuard, error) {
	f, corrupt, err := bpm.pin(ctx, id, loadRedo)
	if err != nil {
		return nil, err
	}
	f.latch.Lock()
	return &WritePageGuard{frame: f, bpm: bpm, corrupt: corrupt}, nil
}

// newPage allocates a page id and pins a frame for it without reading the
// disk. A page still cached from before it was freed keeps its bytes.
func (bpm *BufferPoolManager) newPage(ctx context.Context) (*WritePageGuard, error) {
	id, err := bpm.dm.AllocatePage()
	if err != nil {
		return nil, err
	}
	f, _, err := bpm.pin(ctx, id, loadZero)
	if err != nil {
		bpm.dm.DeallocatePage(id)
		return nil, err
	}
	f.latch.Lock()
	return &WritePageGuard{frame: f, bpm: bpm}, nil
}

func (bpm *BufferPoolManager) pin(ctx context.Context, id pagemanager.PageID, mode loadMode) (*frame, bool, error) {
	if id == pagemanager.InvalidPageID {
		return nil, false, fmt.Errorf("%w: %d", flushmanager.ErrInvalidPageID, id)
	}
	deadline := time.Now().Add(bpm.timeout)
	for {
		bpm.mu.Lock()
		if idx, ok := bpm.pageTable[id]; ok {
			f := bpm.frames[idx]
			f.pins++
			bpm.replacer.RecordAccess(idx)
			bpm.replacer.SetEvictable(idx, false)
			bpm.mu.Unlock()
			bpm.hits.Add(1)
			return f, false, nil
		}

		idx, err := bpm.victimLocked(ctx)
		if err != nil {
			bpm.mu.Unlock()
			return nil, false, err
		}
		if idx >= 0 {
			f := bpm.frames[idx]
			corrupt := false
			if mode == loadZero {
				clear(f.data)
			} else if err := bpm.dm.ReadPage(id, f.data); err != nil {
				if mode != loadRedo || !errors.Is(err, flushmanager.ErrPageChecksumMismatch) {
					f.reset()
					bpm.freeList = append(bpm.freeList, idx)
					bpm.mu.Unlock()
					return nil, false, err
				}
				corrupt = true
			}
			f.pageID = id
			f.pins = 1
			f.dirty = false
			f.recLSN = wal.InvalidLSN
			bpm.pageTable[id] = idx
			bpm.replacer.RecordAccess(idx)
			bpm.replacer.SetEvictable(idx, false)
			bpm.mu.Unlock()
			bpm.misses.Add(1)
			return f, corrupt, nil
		}

		// Every frame is pinned: wait for an unpin.
		bpm.waiters++
		ch := bpm.unpinned
		bpm.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			bpm.doneWaiting()
			return nil, false, fmt.Errorf("%w: fetching page %d", ErrBufferPoolExhausted, id)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			bpm.doneWaiting()
		case <-timer.C:
			bpm.doneWaiting()
			return nil, false, fmt.Errorf("%w: fetching page %d", ErrBufferPoolExhausted, id)
		case <-ctx.Done():
			timer.Stop()
			bpm.doneWaiting()
			return nil, false, ctx.Err()
		}
	}
}

func (bpm *BufferPoolManager) doneWaiting() {
	bpm.mu.Lock()
	bpm.waiters--
	bpm.mu.Unlock()
}

// victimLocked returns a frame ready for reuse, -1 when none is evictable.
// A dirty victim is written first, after the log is flushed up to its
// page LSN; if either step fails the frame stays resident.
func (bpm *BufferPoolManager) victimLocked(ctx context.Context) (int, error) {
	if n := len(bpm.freeList); n > 0 {
		idx := bpm.freeList[n-1]
		bpm.freeList = bpm.freeList[:n-1]
		return idx, nil
	}
	idx, ok := bpm.replacer.Evict()
	if !ok {
		return -1, nil
	}
	f := bpm.frames[idx]
	if f.dirty {
		if err := bpm.writeBack(ctx, f.pageID, f.data); err != nil {
			bpm.replacer.RecordAccess(idx)
			bpm.replacer.SetEvictable(idx, true)
			bpm.logger.Error("failed to write back evicted page",
				zap.Uint64("page_id", uint64(f.pageID)), zap.Uint64("page_lsn", uint64(pagemanager.PageLSN(f.data))), zap.Error(err))
			return -1, fmt.Errorf("evict page %d: %w", f.pageID, err)
		}
	}
	delete(bpm.pageTable, f.pageID)
	f.reset()
	bpm.evictions.Add(1)
	return idx, nil
}

// writeBack enforces write-ahead logging for one page image.
func (bpm *BufferPoolManager) writeBack(ctx context.Context, id pagemanager.PageID, data []byte) error {
	if lsn := pagemanager.PageLSN(data); lsn != wal.InvalidLSN && bpm.log != nil {
		if err := bpm.log.Flush(ctx, lsn); err != nil {
			return err
		}
	}
	if err := bpm.dm.WritePage(id, data); err != nil {
		return err
	}
	bpm.dirtyWrites.Add(1)
	return nil
}

func (bpm *BufferPoolManager) unpin(f *frame) {
	bpm.mu.Lock()
	f.pins--
	if f.pins == 0 {
		bpm.replacer.SetEvictable(f.id, true)
		if bpm.waiters > 0 {
			close(bpm.unpinned)
			bpm.unpinned = make(chan struct{})
		}
	}
	bpm.mu.Unlock()
}

// FlushPage writes a dirty resident page. The page stays dirty if it was
// modified while the write was in progress.
func (bpm *BufferPoolManager) FlushPage(ctx context.Context, id pagemanager.PageID) error {
	bpm.mu.Lock()
	idx, ok := bpm.pageTable[id]
	if !ok || !bpm.frames[idx].dirty {
		bpm.mu.Unlock()
		return nil
	}
	f := bpm.frames[idx]
	f.pins++
	bpm.replacer.SetEvictable(idx, false)
	bpm.mu.Unlock()

	buf := make([]byte, bpm.pageSize)
	f.latch.RLock()
	copy(buf, f.data)
	bpm.mu.Lock()
	version := f.version
	bpm.mu.Unlock()
	f.latch.RUnlock()

	err := bpm.writeBack(ctx, id, buf)
	bpm.mu.Lock()
	if err == nil && f.version == version {
		f.dirty = false
		f.recLSN = wal.InvalidLSN
	}
	bpm.mu.Unlock()
	bpm.unpin(f)
	if err != nil {
		return fmt.Errorf("flush page %d: %w", id, err)
	}
	return nil
}

// FlushAll writes every dirty page.
func (bpm *BufferPoolManager) FlushAll(ctx context.Context) error {
	for _, id := range bpm.DirtyPages() {
		if err := bpm.FlushPage(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DirtyPages lists the dirty resident pages in page id order.
func (bpm *BufferPoolManager) DirtyPages() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ids := make([]pagemanager.PageID, 0)
	for id, idx := range bpm.pageTable {
		if bpm.frames[idx].dirty {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DirtyPageTable maps every dirty page to its recovery LSN. A page whose
// first record is still being appended reports InvalidLSN.
func (bpm *BufferPoolManager) DirtyPageTable() map[pagemanager.PageID]wal.LSN {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	dpt := make(map[pagemanager.PageID]wal.LSN)
	for id, idx := range bpm.pageTable {
		if f := bpm.frames[idx]; f.dirty {
			dpt[id] = f.recLSN
		}
	}
	return dpt
}

// markPending flags frames as dirty before their record is appended, so a
// concurrent checkpoint cannot miss them.
func (bpm *BufferPoolManager) markPending(frames []*frame) {
	bpm.mu.Lock()
	for _, f := range frames {
		f.dirty = true
		f.version++
	}
	bpm.mu.Unlock()
}

func (bpm *BufferPoolManager) finishDirty(frames []*frame, lsn wal.LSN) {
	bpm.mu.Lock()
	for _, f := range frames {
		if f.recLSN == wal.InvalidLSN {
			f.recLSN = lsn
		}
		f.version++
	}
	bpm.mu.Unlock()
}

func (bpm *BufferPoolManager) markRedone(f *frame, lsn wal.LSN) {
	bpm.mu.Lock()
	f.dirty = true
	if f.recLSN == wal.InvalidLSN {
		f.recLSN = lsn
	}
	f.version++
	bpm.mu.Unlock()
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	s := Stats{Frames: len(bpm.frames), Resident: len(bpm.pageTable)}
	for _, idx := range bpm.pageTable {
		f := bpm.frames[idx]
		if f.pins > 0 {
			s.Pinned++
		}
		if f.dirty {
			s.Dirty++
		}
	}
	bpm.mu.Unlock()
	s.Hits = bpm.hits.Load()
	s.Misses = bpm.misses.Load()
	s.Evictions = bpm.evictions.Load()
	s.DirtyWrites = bpm.dirtyWrites.Load()
	return s
}
