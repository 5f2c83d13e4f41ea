package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojostore/core/transaction"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNoUndoHandler = errors.New("no undo handler registered for log record")
	ErrUnrecoverable = errors.New("page cannot be rebuilt from the log")
)

// State is the phase of the recovery state machine.
type State int32

const (
	StateAnalysis State = iota
	StateRedo
	StateUndo
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateAnalysis:
		return "analysis"
	case StateRedo:
		return "redo"
	case StateUndo:
		return "undo"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// UndoHandler reverses one logged change on behalf of txn. txn is
// compensating, so whatever the handler writes is logged as a CLR. A
// change that is already gone must count as undone.
type UndoHandler func(ctx context.Context, op uint8, payload []byte, txn *wal.TxnLog) error

// Options configures a Manager.
type Options struct {
	// ControlPath is the master record file.
	ControlPath string
	// CheckpointPagesPerSecond throttles checkpoint page writes. Zero is
	// unlimited.
	CheckpointPagesPerSecond int
	Logger                   *zap.Logger
}

// Stats describes the last restart and checkpoint activity.
type Stats struct {
	State          State
	CheckpointLSN  wal.LSN
	RedoStart      wal.LSN
	RecordsScanned int
	PagesRedone    int
	Losers         int
	RecordsUndone  int
	Duration       time.Duration

	Checkpoints    uint64
	LastCheckpoint CheckpointStats
}

// Manager runs restart recovery, transaction rollback and checkpoints.
type Manager struct {
	log     *wal.LogManager
	bpm     *bufferpool.BufferPoolManager
	dm      *flushmanager.DiskManager
	txns    *transaction.Manager
	opts    Options
	logger  *zap.Logger
	limiter *rate.Limiter

	handlers map[uint8]UndoHandler
	state    atomic.Int32
	ckptMu   sync.Mutex

	mu    sync.Mutex
	stats Stats
}

func NewManager(log *wal.LogManager, bpm *bufferpool.BufferPoolManager, dm *flushmanager.DiskManager, txns *transaction.Manager, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Manager{
		log:      log,
		bpm:      bpm,
		dm:       dm,
		txns:     txns,
		opts:     opts,
		logger:   logger.Named("recovery"),
		handlers: make(map[uint8]UndoHandler),
	}
	if opts.CheckpointPagesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.CheckpointPagesPerSecond), opts.CheckpointPagesPerSecond)
	}
	return r
}

// Register installs the handler for undo op. It must be called before
// Recover.
func (r *Manager) Register(op uint8, h UndoHandler) {
	r.handlers[op] = h
}

func (r *Manager) State() State { return State(r.state.Load()) }

func (r *Manager) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.State = r.State()
	return s
}

// analysis is the state rebuilt from the last checkpoint and the log tail.
type analysis struct {
	att     map[uint64]*wal.TxnLogState
	dpt     map[pagemanager.PageID]wal.LSN
	nextTxn uint64
	scanned int
}

// Recover brings the page file back to a state consistent with the log:
// analysis rebuilds the transaction and dirty page tables, redo repeats
// history and undo rolls back every transaction without a COMMIT. A
// checkpoint closes the restart.
func (r *Manager) Recover(ctx context.Context) (Stats, error) {
	start := time.Now()
	r.state.Store(int32(StateAnalysis))

	cf, found, err := ReadControlFile(r.opts.ControlPath)
	if err != nil {
		return Stats{}, err
	}
	if found && cf.DatabaseID != "" && cf.DatabaseID != r.dm.DatabaseID().String() {
		return Stats{}, fmt.Errorf("%w: written for database %s", ErrBadControlFile, cf.DatabaseID)
	}

	a := &analysis{
		att:     make(map[uint64]*wal.TxnLogState),
		dpt:     make(map[pagemanager.PageID]wal.LSN),
		nextTxn: 1,
	}
	from := wal.InvalidLSN
	if found && cf.CheckpointLSN != wal.InvalidLSN {
		data, err := r.readCheckpoint(ctx, cf.CheckpointLSN)
		if err != nil {
			return Stats{}, err
		}
		if err := r.loadCheckpoint(ctx, a, data); err != nil {
			return Stats{}, err
		}
		from = data.RedoLSN
		r.log.RestoreRedoPoint(data.RedoLSN)
	}
	if cf.NextTxnID > a.nextTxn {
		a.nextTxn = cf.NextTxnID
	}
	r.logger.Info("recovery started",
		zap.Uint64("checkpoint_lsn", uint64(cf.CheckpointLSN)),
		zap.Uint64("redo_lsn", uint64(from)),
		zap.Uint64("log_end", uint64(r.log.NextLSN())))

	if err := r.analyze(ctx, a, from); err != nil {
		return Stats{}, fmt.Errorf("analysis: %w", err)
	}
	stats := Stats{CheckpointLSN: cf.CheckpointLSN, RecordsScanned: a.scanned, Losers: len(a.att)}

	r.state.Store(int32(StateRedo))
	redoStart, redone, err := r.redo(ctx, a)
	if err != nil {
		return Stats{}, fmt.Errorf("redo: %w", err)
	}
	stats.RedoStart, stats.PagesRedone = redoStart, redone

	r.state.Store(int32(StateUndo))
	undone, err := r.undoLosers(ctx, a)
	if err != nil {
		return Stats{}, fmt.Errorf("undo: %w", err)
	}
	stats.RecordsUndone = undone

	r.txns.SetNextID(a.nextTxn)
	if _, err := r.Checkpoint(ctx); err != nil {
		return Stats{}, fmt.Errorf("end of recovery checkpoint: %w", err)
	}
	if err := r.dm.RebuildFreeList(); err != nil {
		return Stats{}, fmt.Errorf("rebuild free list: %w", err)
	}
	r.state.Store(int32(StateRunning))
	stats.Duration = time.Since(start)

	r.mu.Lock()
	stats.Checkpoints, stats.LastCheckpoint = r.stats.Checkpoints, r.stats.LastCheckpoint
	r.stats = stats
	r.mu.Unlock()
	r.logger.Info("recovery finished",
		zap.Int("records_scanned", stats.RecordsScanned),
		zap.Int("pages_redone", stats.PagesRedone),
		zap.Int("losers", stats.Losers),
		zap.Int("records_undone", stats.RecordsUndone),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (r *Manager) readCheckpoint(ctx context.Context, lsn wal.LSN) (*CheckpointData, error) {
	rec, err := r.log.ReadRecord(ctx, lsn)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint record at %d: %w", lsn, err)
	}
	if rec.Type != wal.RecordCheckpoint {
		return nil, fmt.Errorf("%w: record at %d is %s, not a checkpoint", ErrBadControlFile, lsn, rec.Type)
	}
	return decodeCheckpoint(rec.Payload)
}

// loadCheckpoint seeds the tables from a checkpoint. A transaction whose
// last record is its COMMIT or ABORT finished while the snapshot was taken.
func (r *Manager) loadCheckpoint(ctx context.Context, a *analysis, data *CheckpointData) error {
	a.nextTxn = max(a.nextTxn, data.NextTxnID)
	for _, d := range data.Dirty {
		a.dpt[pagemanager.PageID(d.PageID)] = d.RecLSN
	}
	clog := r.txns.CommitLog()
	for _, t := range data.Active {
		rec, err := r.log.ReadRecord(ctx, t.LastLSN)
		if err != nil {
			return fmt.Errorf("read last record of txn %d at %d: %w", t.TxnID, t.LastLSN, err)
		}
		switch rec.Type {
		case wal.RecordCommit:
			clog.Set(t.TxnID, transaction.StatusCommitted)
			continue
		case wal.RecordAbort:
			clog.Set(t.TxnID, transaction.StatusAborted)
			continue
		}
		s := t.state()
		a.att[t.TxnID] = &s
	}
	return nil
}

// analyze scans the log from the redo point. Records already reflected
// in the checkpoint tables are scanned again without effect.
func (r *Manager) analyze(ctx context.Context, a *analysis, from wal.LSN) error {
	clog := r.txns.CommitLog()
	reader := r.log.NewReader(from)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		a.scanned++

		if rec.Type == wal.RecordUpdate || rec.Type == wal.RecordCLR {
			u, err := wal.DecodeUpdatePayload(rec.Payload)
			if err != nil {
				return fmt.Errorf("%w: record %d: %v", wal.ErrWALCorrupt, rec.LSN, err)
			}
			for _, img := range u.Pages {
				if _, ok := a.dpt[img.PageID]; !ok {
					a.dpt[img.PageID] = rec.LSN
				}
			}
		}
		if rec.TxnID == 0 {
			continue
		}
		a.nextTxn = max(a.nextTxn, rec.TxnID+1)

		switch rec.Type {
		case wal.RecordCommit:
			delete(a.att, rec.TxnID)
			clog.Set(rec.TxnID, transaction.StatusCommitted)
			continue
		case wal.RecordAbort:
			delete(a.att, rec.TxnID)
			clog.Set(rec.TxnID, transaction.StatusAborted)
			continue
		}

		s, ok := a.att[rec.TxnID]
		if !ok {
			s = &wal.TxnLogState{TxnID: rec.TxnID, FirstLSN: rec.LSN}
			a.att[rec.TxnID] = s
		}
		if rec.LSN <= s.LastLSN {
			continue
		}
		s.LastLSN = rec.LSN
		s.Records++
		switch rec.Type {
		case wal.RecordUpdate:
			s.UndoNext = rec.LSN
		case wal.RecordCLR:
			s.UndoNext = rec.UndoNextLSN
		}
	}
}

// redo repeats history from the smallest recLSN, losers and CLRs
// included. It returns where it started and how many page images it
// applied.
func (r *Manager) redo(ctx context.Context, a *analysis) (wal.LSN, int, error) {
	if len(a.dpt) == 0 {
		return wal.InvalidLSN, 0, nil
	}
	start := wal.InvalidLSN
	for _, lsn := range a.dpt {
		if start == wal.InvalidLSN || lsn < start {
			start = lsn
		}
	}
	reader := r.log.NewReader(start)
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return start, applied, err
		}
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return start, applied, nil
		}
		if err != nil {
			return start, applied, err
		}
		if rec.Type != wal.RecordUpdate && rec.Type != wal.RecordCLR {
			continue
		}
		u, err := wal.DecodeUpdatePayload(rec.Payload)
		if err != nil {
			return start, applied, fmt.Errorf("%w: record %d: %v", wal.ErrWALCorrupt, rec.LSN, err)
		}
		for _, img := range u.Pages {
			recLSN, ok := a.dpt[img.PageID]
			if !ok || rec.LSN < recLSN {
				continue
			}
			done, err := r.redoPage(ctx, rec.LSN, img)
			if err != nil {
				return start, applied, err
			}
			if done {
				applied++
			}
		}
	}
}

// redoPage applies one page image unless the page already carries it. A
// page that failed its checksum can only be rebuilt from a full image.
func (r *Manager) redoPage(ctx context.Context, lsn wal.LSN, img wal.PageImage) (bool, error) {
	g, err := r.bpm.FetchForRedo(ctx, img.PageID)
	if err != nil {
		return false, fmt.Errorf("fetch page %d: %w", img.PageID, err)
	}
	defer g.Release()

	data := g.Data()
	if !g.Corrupt() && pagemanager.PageLSN(data) >= lsn {
		return false, nil
	}
	if img.Full {
		if len(img.Data) != len(data) {
			return false, fmt.Errorf("%w: record %d holds a %d byte image of page %d", wal.ErrWALCorrupt, lsn, len(img.Data), img.PageID)
		}
		if g.Corrupt() {
			r.logger.Warn("rebuilding torn page from full image",
				zap.Uint64("page_id", uint64(img.PageID)),
				zap.Uint64("lsn", uint64(lsn)))
		}
		copy(data, img.Data)
	} else {
		if g.Corrupt() {
			r.logger.Error("corrupt page has no full image in the log",
				zap.Uint64("page_id", uint64(img.PageID)),
				zap.Uint64("lsn", uint64(lsn)))
			return false, fmt.Errorf("%w: page %d at LSN %d: %w", ErrUnrecoverable, img.PageID, lsn, flushmanager.ErrPageChecksumMismatch)
		}
		if err := pagemanager.ApplyDiff(data, img.Data); err != nil {
			return false, fmt.Errorf("%w: record %d page %d: %v", wal.ErrWALCorrupt, lsn, img.PageID, err)
		}
	}
	g.ApplyRedo(lsn)
	return true, nil
}

// undoLosers rolls back every transaction left in the table, always
// undoing the record with the highest LSN next.
func (r *Manager) undoLosers(ctx context.Context, a *analysis) (int, error) {
	losers := make(map[uint64]*wal.TxnLog, len(a.att))
	for id, s := range a.att {
		losers[id] = wal.RestoreTxnLog(*s)
		r.logger.Info("rolling back loser",
			zap.Uint64("txn_id", id),
			zap.Uint64("last_lsn", uint64(s.LastLSN)),
			zap.Uint64("undo_next", uint64(s.UndoNext)))
	}
	undone := 0
	for len(losers) > 0 {
		var next *wal.TxnLog
		nextLSN := wal.InvalidLSN
		for _, t := range losers {
			if lsn := t.State().UndoNext; next == nil || lsn > nextLSN {
				next, nextLSN = t, lsn
			}
		}
		if nextLSN == wal.InvalidLSN {
			if err := r.finishLoser(next); err != nil {
				return undone, err
			}
			delete(losers, next.ID())
			continue
		}
		if err := r.undoStep(ctx, next, nextLSN); err != nil {
			return undone, fmt.Errorf("txn %d at %d: %w", next.ID(), nextLSN, err)
		}
		undone++
	}
	return undone, nil
}

func (r *Manager) finishLoser(t *wal.TxnLog) error {
	if _, err := r.log.Append(&wal.LogRecord{Type: wal.RecordAbort}, t); err != nil {
		return fmt.Errorf("log abort of txn %d: %w", t.ID(), err)
	}
	r.txns.CommitLog().Set(t.ID(), transaction.StatusAborted)
	return nil
}

// Rollback undoes every change of a live transaction. It implements
// transaction.Rollbacker; the caller logs the ABORT record.
func (r *Manager) Rollback(ctx context.Context, t *wal.TxnLog) error {
	for {
		lsn := t.State().UndoNext
		if lsn == wal.InvalidLSN {
			return nil
		}
		if err := r.undoStep(ctx, t, lsn); err != nil {
			return fmt.Errorf("roll back txn %d at %d: %w", t.ID(), lsn, err)
		}
	}
}

// undoStep undoes the record at lsn and moves t's undo cursor past it.
func (r *Manager) undoStep(ctx context.Context, t *wal.TxnLog, lsn wal.LSN) error {
	rec, err := r.log.ReadRecord(ctx, lsn)
	if err != nil {
		return err
	}
	switch rec.Type {
	case wal.RecordUpdate:
		u, err := wal.DecodeUpdatePayload(rec.Payload)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", wal.ErrWALCorrupt, lsn, err)
		}
		if u.UndoOp == 0 {
			t.SetUndoNext(rec.PrevLSN)
			return nil
		}
		h, ok := r.handlers[u.UndoOp]
		if !ok {
			return fmt.Errorf("%w: op %d", ErrNoUndoHandler, u.UndoOp)
		}
		t.BeginCompensation(rec.PrevLSN)
		return h(ctx, u.UndoOp, u.Undo, t)
	case wal.RecordCLR:
		t.SetUndoNext(rec.UndoNextLSN)
	default:
		t.SetUndoNext(rec.PrevLSN)
	}
	return nil
}
