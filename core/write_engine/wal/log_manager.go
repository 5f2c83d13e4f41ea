package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/internal/sys"
	"go.uber.org/zap"
)

var (
	ErrLogFull        = errors.New("write-ahead log is full")
	ErrWALCorrupt     = errors.New("write-ahead log is corrupt")
	ErrLogClosed      = errors.New("write-ahead log is closed")
	ErrWALFailed      = errors.New("write-ahead log failed, no further writes are accepted")
	ErrForeignLog     = errors.New("write-ahead log belongs to another database")
	ErrRecordTooLarge = errors.New("log record larger than a segment")
	// ErrStaleRedoPoint is returned by AppendImages when a checkpoint moved
	// the redo point after the page images were computed.
	ErrStaleRedoPoint = errors.New("redo point moved while building page images")
)

// FsyncMode selects how commits reach stable storage.
type FsyncMode string

const (
	FsyncSync  FsyncMode = "sync"  // every commit flushes inline
	FsyncGroup FsyncMode = "group" // a background flusher batches commits
)

// Options configures a LogManager.
type Options struct {
	Dir        string
	ArchiveDir string // truncated segments are copied here when set
	// ArchiveBytesPerSecond throttles archive copies. Zero is unlimited.
	ArchiveBytesPerSecond int64
	SegmentSize           int64
	// MaxSize bounds the retained log. Zero is unbounded.
	MaxSize             int64
	LogFullTimeout      time.Duration
	FsyncMode           FsyncMode
	GroupCommitInterval time.Duration
	// DatabaseID is stamped into segment headers; segments carrying another
	// id are rejected.
	DatabaseID uuid.UUID
	// MinNextLSN is a point the log is known to have made durable. A fresh
	// log starts there; a kept log that ends below it is corrupt.
	MinNextLSN LSN
	Logger     *zap.Logger
}

// chunk is a run of buffered bytes belonging to one segment.
type chunk struct {
	seg    *segment
	header []byte // non-nil when the segment file has to be created
	start  LSN
	data   []byte
}

// Stats is a snapshot of LogManager counters.
type Stats struct {
	NextLSN      LSN
	FlushedLSN   LSN
	Appends      uint64
	Syncs        uint64
	BytesWritten uint64
	Segments     int
	RetainedSize int64
}

// LogManager manages the Write-Ahead Log segments. mu guards LSN assignment
// and the in-memory tail; ioMu serialises writers so appends proceed while
// a flush is in progress. Lock order: ioMu, then mu.
type LogManager struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	nextLSN    LSN
	redoPoint  LSN
	segments   []*segment
	pending    []*chunk
	failed     error
	flushedCh  chan struct{}
	spaceFreed chan struct{}
	onFull     func()

	ioMu      sync.Mutex
	writeSeg  *segment
	writeFile *os.File
	durable   atomic.Uint64

	readMu    sync.Mutex
	readFiles map[LSN]*os.File

	appends      atomic.Uint64
	syncs        atomic.Uint64
	bytesWritten atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewLogManager opens the log in opts.Dir, repairs a torn tail and starts
// the group flusher when configured.
func NewLogManager(opts Options) (*LogManager, error) {
	if opts.SegmentSize <= segmentHeaderSize {
		return nil, fmt.Errorf("log segment size must exceed %d bytes", segmentHeaderSize)
	}
	if opts.MaxSize > 0 && opts.MaxSize < opts.SegmentSize {
		return nil, fmt.Errorf("log max size (%d) must be at least one segment (%d)", opts.MaxSize, opts.SegmentSize)
	}
	if opts.FsyncMode == "" {
		opts.FsyncMode = FsyncSync
	}
	if opts.FsyncMode == FsyncGroup && opts.GroupCommitInterval <= 0 {
		opts.GroupCommitInterval = 2 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", opts.ArchiveDir, err)
		}
	}

	lm := &LogManager{
		opts:       opts,
		logger:     opts.Logger.Named("wal"),
		flushedCh:  make(chan struct{}),
		spaceFreed: make(chan struct{}),
		readFiles:  make(map[LSN]*os.File),
		closed:     make(chan struct{}),
	}
	if err := lm.openSegments(); err != nil {
		return nil, err
	}
	lm.durable.Store(uint64(lm.nextLSN))

	if opts.FsyncMode == FsyncGroup {
		lm.wg.Add(1)
		go lm.groupFlusher()
	}
	lm.logger.Info("log manager initialized",
		zap.String("dir", opts.Dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)),
		zap.String("fsync_mode", string(opts.FsyncMode)))
	return lm, nil
}

// openSegments validates existing segments and prepares the active one.
// Segments are synced before the next one is created, so only the last
// segment holding records can end in a torn write; that tail is cut off.
// Damage anywhere before it fails with ErrWALCorrupt and changes nothing.
func (lm *LogManager) openSegments() error {
	segs, err := listSegments(lm.opts.Dir)
	if err != nil {
		return err
	}
	var kept []*segment
	expected := LSN(1)
	for i, seg := range segs {
		data, err := os.ReadFile(seg.path)
		if err != nil {
			return fmt.Errorf("failed to read log segment %s: %w", seg.path, err)
		}
		dbID, start, herr := decodeSegmentHeader(data)
		if herr == nil && lm.opts.DatabaseID != uuid.Nil && dbID != lm.opts.DatabaseID {
			return fmt.Errorf("%w: segment %s has database id %s", ErrForeignLog, seg.path, dbID)
		}
		if herr != nil || start != seg.start || (len(kept) > 0 && start != expected) {
			if err := lm.checkNoRecords(segs[i:]); err != nil {
				return fmt.Errorf("%w: segment %s does not continue the log at lsn %d: %v", ErrWALCorrupt, seg.path, expected, err)
			}
			lm.logger.Warn("discarding log tail at invalid segment",
				zap.String("segment", seg.path), zap.Error(herr))
			if err := lm.removeSegments(segs[i:]); err != nil {
				return err
			}
			break
		}
		end, offset, clean, _ := scanSegment(data, seg, nil)
		if !clean {
			if err := lm.checkNoRecords(segs[i+1:]); err != nil {
				return fmt.Errorf("%w: segment %s is damaged at lsn %d: %v", ErrWALCorrupt, seg.path, end, err)
			}
			lm.logger.Warn("truncating torn log tail",
				zap.String("segment", seg.path),
				zap.Uint64("lsn", uint64(end)),
				zap.Int("dropped_bytes", len(data)-offset))
			if err := os.Truncate(seg.path, int64(offset)); err != nil {
				return fmt.Errorf("failed to truncate log segment %s: %w", seg.path, err)
			}
			if err := lm.removeSegments(segs[i+1:]); err != nil {
				return err
			}
			kept = append(kept, seg)
			expected = end
			break
		}
		kept = append(kept, seg)
		expected = end
	}

	if len(kept) > 0 && expected < lm.opts.MinNextLSN {
		return fmt.Errorf("%w: log ends at lsn %d below the durable end %d", ErrWALCorrupt, expected, lm.opts.MinNextLSN)
	}
	lm.segments = kept
	if len(kept) == 0 {
		if expected < lm.opts.MinNextLSN {
			expected = lm.opts.MinNextLSN
		}
		// A fresh log. The first segment is created by the first flush.
		seg := &segment{start: expected, path: filepath.Join(lm.opts.Dir, segmentName(expected))}
		lm.segments = []*segment{seg}
		lm.pending = []*chunk{{seg: seg, header: encodeSegmentHeader(lm.opts.DatabaseID, seg.start), start: seg.start}}
	}
	lm.nextLSN = expected
	return nil
}

// checkNoRecords fails when any of segs holds a valid record, which means
// the damage before it is not a torn tail.
func (lm *LogManager) checkNoRecords(segs []*segment) error {
	for _, seg := range segs {
		data, err := os.ReadFile(seg.path)
		if err != nil {
			return fmt.Errorf("read %s: %w", seg.path, err)
		}
		_, start, herr := decodeSegmentHeader(data)
		if herr != nil {
			continue
		}
		if end, _, _, _ := scanSegment(data, &segment{start: start, path: seg.path}, nil); end > start {
			return fmt.Errorf("segment %s holds records from lsn %d", seg.path, start)
		}
	}
	return nil
}

func (lm *LogManager) removeSegments(segs []*segment) error {
	for _, s := range segs {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove log segment %s: %w", s.path, err)
		}
	}
	return nil
}

// SetCheckpointHook installs fn, called (without blocking) when an append
// finds the log full.
func (lm *LogManager) SetCheckpointHook(fn func()) {
	lm.mu.Lock()
	lm.onFull = fn
	lm.mu.Unlock()
}

// NextLSN returns the LSN the next appended record will receive.
func (lm *LogManager) NextLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// FlushedLSN returns the durable end of the log: every record with an LSN
// below it is on stable storage.
func (lm *LogManager) FlushedLSN() LSN {
	return LSN(lm.durable.Load())
}

// RedoPoint is the redo LSN of the latest checkpoint. A page whose LSN is
// below it must be logged as a full image on its next change.
func (lm *LogManager) RedoPoint() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.redoPoint
}

// SetRedoPoint starts a checkpoint: the redo point becomes the current end
// of the log, which is returned.
func (lm *LogManager) SetRedoPoint() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.redoPoint = lm.nextLSN
	return lm.redoPoint
}

// RestoreRedoPoint reinstates the redo point of the last checkpoint at startup.
func (lm *LogManager) RestoreRedoPoint(lsn LSN) {
	lm.mu.Lock()
	lm.redoPoint = lsn
	lm.mu.Unlock()
}

// Reserve waits until n more bytes fit under the configured maximum log
// size. It gives up with ErrLogFull after the log-full timeout.
func (lm *LogManager) Reserve(n int) error {
	if lm.opts.MaxSize <= 0 {
		return nil
	}
	deadline := time.Now().Add(lm.opts.LogFullTimeout)
	for {
		lm.mu.Lock()
		if lm.failed != nil {
			err := lm.failed
			lm.mu.Unlock()
			return err
		}
		used := int64(lm.nextLSN - lm.segments[0].start)
		if used+int64(n) <= lm.opts.MaxSize {
			lm.mu.Unlock()
			return nil
		}
		ch := lm.spaceFreed
		hook := lm.onFull
		lm.mu.Unlock()

		if hook != nil {
			hook()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %d of %d bytes retained", ErrLogFull, used, lm.opts.MaxSize)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("%w: %d of %d bytes retained", ErrLogFull, used, lm.opts.MaxSize)
		case <-lm.closed:
			timer.Stop()
			return ErrLogClosed
		}
	}
}

// Append assigns rec an LSN and buffers it. The record is not durable until
// a flush covers it. When t is non-nil the record joins that transaction's
// chain; while t is compensating, UPDATE records are written as CLRs.
func (lm *LogManager) Append(rec *LogRecord, t *TxnLog) (LSN, error) {
	return lm.append(rec, t, false, InvalidLSN)
}

// AppendImages is Append for a record whose page images were chosen
// against redo point horizon. It fails with ErrStaleRedoPoint when a
// checkpoint has moved the redo point since.
func (lm *LogManager) AppendImages(rec *LogRecord, t *TxnLog, horizon LSN) (LSN, error) {
	return lm.append(rec, t, true, horizon)
}

func (lm *LogManager) append(rec *LogRecord, t *TxnLog, checkHorizon bool, horizon LSN) (LSN, error) {
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		rec.TxnID = t.state.TxnID
		rec.PrevLSN = t.state.LastLSN
		if t.compensating && rec.Type == RecordUpdate {
			rec.Type = RecordCLR
			rec.UndoNextLSN = t.state.UndoNext
		}
	}

	lm.mu.Lock()
	if lm.failed != nil {
		err := lm.failed
		lm.mu.Unlock()
		return InvalidLSN, err
	}
	if checkHorizon && horizon != lm.redoPoint {
		lm.mu.Unlock()
		return InvalidLSN, ErrStaleRedoPoint
	}
	size := rec.Size()
	if int64(size) > lm.opts.SegmentSize-segmentHeaderSize {
		lm.mu.Unlock()
		return InvalidLSN, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}

	active := lm.segments[len(lm.segments)-1]
	used := int64(lm.nextLSN - active.start)
	if used > 0 && used+int64(size) > lm.opts.SegmentSize-segmentHeaderSize {
		active = &segment{start: lm.nextLSN, path: filepath.Join(lm.opts.Dir, segmentName(lm.nextLSN))}
		lm.segments = append(lm.segments, active)
		lm.pending = append(lm.pending, &chunk{seg: active, header: encodeSegmentHeader(lm.opts.DatabaseID, active.start), start: active.start})
	}
	if len(lm.pending) == 0 || lm.pending[len(lm.pending)-1].seg != active {
		lm.pending = append(lm.pending, &chunk{seg: active, start: lm.nextLSN})
	}
	c := lm.pending[len(lm.pending)-1]

	lsn := lm.nextLSN
	rec.LSN = lsn
	c.data = rec.appendFrame(c.data)
	lm.nextLSN += LSN(size)
	lm.mu.Unlock()
	lm.appends.Add(1)

	if t != nil {
		if t.state.FirstLSN == InvalidLSN {
			t.state.FirstLSN = lsn
		}
		t.state.LastLSN = lsn
		t.state.Records++
		switch rec.Type {
		case RecordUpdate:
			t.state.UndoNext = lsn
		case RecordCLR:
			t.state.UndoNext = rec.UndoNextLSN
		}
	}
	return lsn, nil
}

// Flush forces every buffered record up to and including lsn to stable
// storage.
func (lm *LogManager) Flush(ctx context.Context, lsn LSN) error {
	if lm.FlushedLSN() > lsn {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lm.ioMu.Lock()
	defer lm.ioMu.Unlock()
	if lm.FlushedLSN() > lsn {
		return nil
	}
	return lm.flushLocked()
}

// WaitDurable returns once the record at lsn is durable. In group mode it
// waits for the background flusher so that concurrent committers share one
// fsync; in sync mode it flushes inline.
func (lm *LogManager) WaitDurable(ctx context.Context, lsn LSN) error {
	if lm.opts.FsyncMode != FsyncGroup {
		return lm.Flush(ctx, lsn)
	}
	for {
		if lm.FlushedLSN() > lsn {
			return nil
		}
		lm.mu.Lock()
		if lm.failed != nil {
			err := lm.failed
			lm.mu.Unlock()
			return err
		}
		ch := lm.flushedCh
		lm.mu.Unlock()
		if lm.FlushedLSN() > lsn {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-lm.closed:
			if lm.FlushedLSN() > lsn {
				return nil
			}
			return ErrLogClosed
		}
	}
}

// flushLocked writes all pending chunks and syncs them. ioMu must be held.
func (lm *LogManager) flushLocked() error {
	lm.mu.Lock()
	if lm.failed != nil {
		err := lm.failed
		lm.mu.Unlock()
		return err
	}
	chunks := lm.pending
	lm.pending = nil
	end := lm.nextLSN
	lm.mu.Unlock()

	if len(chunks) == 0 {
		return nil
	}
	if err := lm.writeChunks(chunks); err != nil {
		// The buffered tail is gone and a failed fsync cannot be retried
		// safely, so the log stops accepting writes.
		ferr := fmt.Errorf("%w: %v", ErrWALFailed, err)
		lm.mu.Lock()
		lm.failed = ferr
		close(lm.flushedCh)
		lm.flushedCh = make(chan struct{})
		lm.mu.Unlock()
		lm.logger.Error("log flush failed", zap.Error(err), zap.Uint64("lsn", uint64(end)))
		return ferr
	}

	lm.durable.Store(uint64(end))
	lm.mu.Lock()
	close(lm.flushedCh)
	lm.flushedCh = make(chan struct{})
	lm.mu.Unlock()
	return nil
}

func (lm *LogManager) writeChunks(chunks []*chunk) error {
	for _, c := range chunks {
		if lm.writeSeg != c.seg {
			if lm.writeFile != nil {
				if err := sys.Fdatasync(lm.writeFile); err != nil {
					return fmt.Errorf("sync segment %s: %w", lm.writeSeg.path, err)
				}
				lm.syncs.Add(1)
				lm.writeFile.Close()
				lm.writeFile = nil
			}
			f, err := os.OpenFile(c.seg.path, os.O_RDWR|os.O_CREATE, 0644)
			if err != nil {
				return fmt.Errorf("open segment %s: %w", c.seg.path, err)
			}
			lm.writeFile, lm.writeSeg = f, c.seg
		}
		if c.header != nil {
			if _, err := lm.writeFile.WriteAt(c.header, 0); err != nil {
				return fmt.Errorf("write segment header %s: %w", c.seg.path, err)
			}
			if err := sys.SyncDir(lm.opts.Dir); err != nil {
				return fmt.Errorf("sync log directory: %w", err)
			}
		}
		off := int64(segmentHeaderSize) + int64(c.start-c.seg.start)
		if _, err := lm.writeFile.WriteAt(c.data, off); err != nil {
			return fmt.Errorf("write segment %s: %w", c.seg.path, err)
		}
		lm.bytesWritten.Add(uint64(len(c.data)))
	}
	if err := sys.Fdatasync(lm.writeFile); err != nil {
		return fmt.Errorf("sync segment %s: %w", lm.writeSeg.path, err)
	}
	lm.syncs.Add(1)
	return nil
}

// groupFlusher batches the records of concurrent committers into one fsync
// per group commit interval.
func (lm *LogManager) groupFlusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.opts.GroupCommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.closed:
			return
		case <-ticker.C:
			if lm.FlushedLSN() >= lm.NextLSN() {
				continue
			}
			lm.ioMu.Lock()
			if err := lm.flushLocked(); err != nil && !errors.Is(err, ErrWALFailed) {
				lm.logger.Error("group commit flush failed", zap.Error(err))
			}
			lm.ioMu.Unlock()
		}
	}
}

// ReadRecord returns the record at lsn, flushing first if it is still buffered.
func (lm *LogManager) ReadRecord(ctx context.Context, lsn LSN) (*LogRecord, error) {
	if lsn >= lm.FlushedLSN() {
		if err := lm.Flush(ctx, lsn); err != nil {
			return nil, err
		}
	}
	lm.mu.Lock()
	var seg *segment
	for i := len(lm.segments) - 1; i >= 0; i-- {
		if lm.segments[i].start <= lsn {
			seg = lm.segments[i]
			break
		}
	}
	lm.mu.Unlock()
	if seg == nil || lsn < seg.start {
		return nil, fmt.Errorf("%w: lsn %d is no longer retained", ErrWALCorrupt, lsn)
	}

	f, err := lm.readFile(seg)
	if err != nil {
		return nil, err
	}
	off := int64(segmentHeaderSize) + int64(lsn-seg.start)
	var hdr [frameHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("%w: reading frame at lsn %d: %v", ErrWALCorrupt, lsn, err)
	}
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	if n < bodyHeaderSize || int64(n) > lm.opts.SegmentSize {
		return nil, fmt.Errorf("%w: bad frame length at lsn %d", ErrWALCorrupt, lsn)
	}
	buf := make([]byte, frameHeaderSize+n)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("%w: reading record at lsn %d: %v", ErrWALCorrupt, lsn, err)
	}
	rec, _, err := decodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("lsn %d: %w", lsn, err)
	}
	if rec.LSN != lsn {
		return nil, fmt.Errorf("%w: record at %d claims lsn %d", ErrWALCorrupt, lsn, rec.LSN)
	}
	return rec, nil
}

func (lm *LogManager) readFile(seg *segment) (*os.File, error) {
	lm.readMu.Lock()
	defer lm.readMu.Unlock()
	if f, ok := lm.readFiles[seg.start]; ok {
		return f, nil
	}
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", seg.path, err)
	}
	lm.readFiles[seg.start] = f
	return f, nil
}

// Reader iterates durable records in LSN order.
type Reader struct {
	lm       *LogManager
	segments []*segment
	idx      int
	data     []byte
	offset   int
	pos      LSN
	end      LSN
}

// NewReader returns a Reader positioned at the first record with LSN >= from.
func (lm *LogManager) NewReader(from LSN) *Reader {
	lm.mu.Lock()
	segs := append([]*segment(nil), lm.segments...)
	lm.mu.Unlock()
	r := &Reader{lm: lm, segments: segs, idx: -1, pos: from, end: lm.FlushedLSN()}
	for i, s := range segs {
		if s.start <= from {
			r.idx = i - 1
		}
	}
	return r
}

// Next returns the next record, or io.EOF at the durable end of the log.
func (r *Reader) Next() (*LogRecord, error) {
	for {
		if r.data != nil && r.offset < len(r.data) {
			rec, n, err := decodeFrame(r.data[r.offset:])
			if err != nil {
				return nil, err
			}
			r.offset += n
			if rec.LSN >= r.end {
				return nil, io.EOF
			}
			if rec.LSN < r.pos {
				continue
			}
			r.pos = rec.LSN + LSN(n)
			return rec, nil
		}
		r.idx++
		if r.idx >= len(r.segments) {
			return nil, io.EOF
		}
		seg := r.segments[r.idx]
		if seg.start >= r.end {
			return nil, io.EOF
		}
		data, err := os.ReadFile(seg.path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", seg.path, err)
		}
		r.data = data
		r.offset = segmentHeaderSize
	}
}

// Truncate drops every segment that lies entirely below lsn. Segments are
// copied to the archive directory first when one is configured. It returns
// the number of segments removed.
func (lm *LogManager) Truncate(ctx context.Context, lsn LSN) (int, error) {
	durable := lm.FlushedLSN()
	lm.mu.Lock()
	var drop []*segment
	for len(lm.segments) > 1 {
		next := lm.segments[1]
		if next.start > lsn || next.start >= durable {
			break
		}
		drop = append(drop, lm.segments[0])
		lm.segments = lm.segments[1:]
	}
	lm.mu.Unlock()
	if len(drop) == 0 {
		return 0, nil
	}

	for _, seg := range drop {
		lm.readMu.Lock()
		if f, ok := lm.readFiles[seg.start]; ok {
			f.Close()
			delete(lm.readFiles, seg.start)
		}
		lm.readMu.Unlock()
		if lm.opts.ArchiveDir != "" {
			dst := filepath.Join(lm.opts.ArchiveDir, filepath.Base(seg.path))
			if err := common.CopyThrottled(ctx, seg.path, dst, lm.opts.ArchiveBytesPerSecond); err != nil {
				return 0, fmt.Errorf("archive segment %s: %w", seg.path, err)
			}
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove segment %s: %w", seg.path, err)
		}
	}

	lm.mu.Lock()
	close(lm.spaceFreed)
	lm.spaceFreed = make(chan struct{})
	lm.mu.Unlock()
	lm.logger.Info("truncated log",
		zap.Int("segments", len(drop)),
		zap.Uint64("before_lsn", uint64(lsn)))
	return len(drop), nil
}

// Stats returns current counters.
func (lm *LogManager) Stats() Stats {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return Stats{
		NextLSN:      lm.nextLSN,
		FlushedLSN:   lm.FlushedLSN(),
		Appends:      lm.appends.Load(),
		Syncs:        lm.syncs.Load(),
		BytesWritten: lm.bytesWritten.Load(),
		Segments:     len(lm.segments),
		RetainedSize: int64(lm.nextLSN - lm.segments[0].start),
	}
}

// Close flushes the tail and releases file handles.
func (lm *LogManager) Close() error {
	var err error
	lm.closeOnce.Do(func() {
		close(lm.closed)
		lm.wg.Wait()
		lm.ioMu.Lock()
		err = lm.flushLocked()
		if lm.writeFile != nil {
			err = errors.Join(err, lm.writeFile.Close())
			lm.writeFile = nil
		}
		lm.ioMu.Unlock()
		lm.readMu.Lock()
		for k, f := range lm.readFiles {
			f.Close()
			delete(lm.readFiles, k)
		}
		lm.readMu.Unlock()
		lm.logger.Info("log manager closed", zap.Uint64("flushed_lsn", uint64(lm.FlushedLSN())))
	})
	return err
}

// Abandon stops the log without flushing, as a crash would. Buffered
// records are lost.
func (lm *LogManager) Abandon() {
	lm.closeOnce.Do(func() {
		close(lm.closed)
		lm.wg.Wait()
		lm.ioMu.Lock()
		if lm.writeFile != nil {
			lm.writeFile.Close()
			lm.writeFile = nil
		}
		lm.ioMu.Unlock()
		lm.readMu.Lock()
		for k, f := range lm.readFiles {
			f.Close()
			delete(lm.readFiles, k)
		}
		lm.readMu.Unlock()
	})
}
