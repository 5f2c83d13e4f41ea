// Package storageengine ties the storage layers into one transactional
// engine: it opens the page file and the log, runs restart recovery,
// keeps the catalog and drives checkpoints and vacuum in the background.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojostore/core/indexing/btree"
	"github.com/sushant-115/gojostore/core/recovery"
	"github.com/sushant-115/gojostore/core/storage_engine/catalog"
	"github.com/sushant-115/gojostore/core/storage_engine/heap"
	"github.com/sushant-115/gojostore/core/transaction"
	bufferpool "github.com/sushant-115/gojostore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Files under the data directory.
const (
	dataFileName    = "data.db"
	walDirName      = "wal"
	clogFileName    = "clog"
	controlFileName = "control"
)

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	logger *zap.Logger
	tel    *telemetry.Telemetry
	file   flushmanager.PageFile
}

// WithLogger replaces the logger built from Config.Logger.
func WithLogger(l *zap.Logger) Option { return func(o *openOptions) { o.logger = l } }

// WithTelemetry replaces the telemetry built from Config.Telemetry. The
// caller keeps ownership of it.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(o *openOptions) { o.tel = t } }

// WithPageFile stores pages in f instead of data.db.
func WithPageFile(f flushmanager.PageFile) Option { return func(o *openOptions) { o.file = f } }

type openIndex struct {
	info catalog.IndexInfo
	tree *btree.BTree
}

type haltState struct{ cause error }

// Engine is an open database.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	tel     *telemetry.Telemetry
	telStop telemetry.ShutdownFunc
	tracer  trace.Tracer
	metrics *internaltelemetry.EngineMetrics
	gauges  metric.Registration

	dm   *flushmanager.DiskManager
	log  *wal.LogManager
	bpm  *bufferpool.BufferPoolManager
	clog *transaction.CommitLog
	txns *transaction.Manager
	rec  *recovery.Manager
	cat  *catalog.Catalog

	treeOpts   btree.Options
	heapOpts   heap.Options
	vacLimiter *rate.Limiter

	mu      sync.RWMutex
	heaps   map[uint32]*heap.Heap
	indexes map[uint32]*openIndex

	halted    atomic.Pointer[haltState]
	closed    atomic.Bool
	closeOnce sync.Once
	ckptReq   chan struct{}
	stopBg    context.CancelFunc
	bg        *errgroup.Group
	vacuumMu  sync.Mutex
}

// Open opens or creates the database in cfg.DataDir and runs restart
// recovery before returning.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o openOptions
	for _, fn := range opts {
		fn(&o)
	}

	e := &Engine{
		cfg:     cfg,
		heaps:   make(map[uint32]*heap.Heap),
		indexes: make(map[uint32]*openIndex),
		ckptReq: make(chan struct{}, 1),
	}
	e.logger = o.logger
	if e.logger == nil {
		l, err := logger.New(cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		e.logger = l
	}
	e.tel = o.tel
	if e.tel == nil {
		tel, stop, err := telemetry.New(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("start telemetry: %w", err)
		}
		e.tel, e.telStop = tel, stop
	}
	e.tracer = e.tel.Tracer

	ok := false
	defer func() {
		if !ok {
			e.release()
		}
	}()
	if err := e.openStorage(ctx, o.file); err != nil {
		return nil, err
	}
	if err := e.openMetrics(); err != nil {
		return nil, err
	}
	e.startWorkers()
	ok = true
	e.logger.Info("storage engine open",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("page_size", cfg.PageSize),
		zap.Uint64("pages", e.dm.NumPages()),
		zap.Uint64("next_txn_id", e.txns.NextID()))
	return e, nil
}

func (e *Engine) openStorage(ctx context.Context, file flushmanager.PageFile) error {
	cfg := e.cfg
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dmOpts := flushmanager.Options{PageSize: cfg.PageSize, MaxPages: cfg.MaxDataPages, Logger: e.logger}
	var err error
	if file != nil {
		e.dm, err = flushmanager.NewDiskManager(file, dmOpts)
	} else {
		e.dm, err = flushmanager.OpenFile(filepath.Join(cfg.DataDir, dataFileName), dmOpts)
	}
	if err != nil {
		return err
	}

	controlPath := filepath.Join(cfg.DataDir, controlFileName)
	cf, _, err := recovery.ReadControlFile(controlPath)
	if err != nil {
		return err
	}
	e.log, err = wal.NewLogManager(wal.Options{
		Dir:                   filepath.Join(cfg.DataDir, walDirName),
		ArchiveDir:            cfg.WALArchiveDir,
		ArchiveBytesPerSecond: cfg.WALArchiveBytesPerSecond,
		SegmentSize:           cfg.WALSegmentSize,
		MaxSize:               cfg.WALMaxSize,
		LogFullTimeout:        cfg.LogFullTimeout,
		FsyncMode:             wal.FsyncMode(cfg.FsyncMode),
		GroupCommitInterval:   cfg.GroupCommitInterval,
		DatabaseID:            e.dm.DatabaseID(),
		MinNextLSN:            cf.NextLSN,
		Logger:                e.logger,
	})
	if err != nil {
		return err
	}
	e.bpm, err = bufferpool.NewBufferPoolManager(e.dm, e.log, bufferpool.Options{
		Frames:       cfg.BufferPoolFrames,
		Policy:       cfg.EvictionPolicy,
		K:            cfg.LRUK,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       e.logger.Named("bufferpool"),
	})
	if err != nil {
		return err
	}
	e.clog, err = transaction.OpenCommitLog(filepath.Join(cfg.DataDir, clogFileName))
	if err != nil {
		return err
	}
	e.txns = transaction.NewManager(e.log, e.clog, e.logger)

	e.treeOpts = btree.Options{
		FillFactor:     cfg.FillFactor,
		MergeThreshold: cfg.MergeThreshold,
		Optimistic:     cfg.OptimisticDescent,
		Logger:         e.logger,
	}
	e.heapOpts = heap.Options{Logger: e.logger}
	if cfg.VacuumPagesPerSecond > 0 {
		e.vacLimiter = rate.NewLimiter(rate.Limit(cfg.VacuumPagesPerSecond), cfg.VacuumPagesPerSecond)
	}

	e.rec = recovery.NewManager(e.log, e.bpm, e.dm, e.txns, recovery.Options{
		ControlPath:              controlPath,
		CheckpointPagesPerSecond: cfg.CheckpointPagesPerSecond,
		Logger:                   e.logger,
	})
	indexUndo := func(ctx context.Context, op uint8, payload []byte, txn *wal.TxnLog) error {
		return btree.Undo(ctx, e.bpm, e.treeOpts, op, payload, txn)
	}
	heapUndo := func(ctx context.Context, op uint8, payload []byte, txn *wal.TxnLog) error {
		return heap.Undo(ctx, e.bpm, op, payload, txn)
	}
	e.rec.Register(btree.UndoInsert, indexUndo)
	e.rec.Register(btree.UndoSetXmax, indexUndo)
	e.rec.Register(heap.UndoInsert, heapUndo)
	e.rec.Register(heap.UndoStamp, heapUndo)
	e.txns.SetRollbacker(e.rec)

	if _, err := e.rec.Recover(ctx); err != nil {
		return fmt.Errorf("restart recovery: %w", err)
	}

	if e.dm.NumPages() <= 1 {
		if e.cat, err = catalog.Bootstrap(ctx, e.bpm, e.logger); err != nil {
			return err
		}
		if _, err := e.rec.Checkpoint(ctx); err != nil {
			return err
		}
		return nil
	}
	e.cat, err = catalog.Open(ctx, e.bpm, e.logger)
	return err
}

func (e *Engine) openMetrics() error {
	m, err := internaltelemetry.NewEngineMetrics(e.tel.Meter)
	if err != nil {
		return fmt.Errorf("engine metrics: %w", err)
	}
	e.metrics = m
	e.gauges, err = e.tel.Meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		bs := e.bpm.Stats()
		ws := e.log.Stats()
		o.ObserveInt64(m.BufferPoolDirtyGauge, int64(bs.Dirty))
		o.ObserveInt64(m.BufferPoolHitsGauge, int64(bs.Hits))
		o.ObserveInt64(m.WALRetainedGauge, ws.RetainedSize)
		o.ObserveInt64(m.WALFlushedLSNGauge, int64(ws.FlushedLSN))
		return nil
	}, m.BufferPoolDirtyGauge, m.BufferPoolHitsGauge, m.WALRetainedGauge, m.WALFlushedLSNGauge)
	return err
}

func (e *Engine) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	e.stopBg = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.bg = g
	g.Go(func() error { return e.checkpointLoop(ctx) })
	if e.cfg.VacuumInterval > 0 {
		g.Go(func() error { return e.vacuumLoop(ctx) })
	}
	e.log.SetCheckpointHook(e.requestCheckpoint)
}

// requestCheckpoint asks the checkpointer for a checkpoint without
// blocking. The log calls it when it runs short of space.
func (e *Engine) requestCheckpoint() {
	select {
	case e.ckptReq <- struct{}{}:
	default:
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if e.cfg.CheckpointInterval > 0 {
		t := time.NewTicker(e.cfg.CheckpointInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-e.ckptReq:
		}
		if e.usable() != nil {
			continue
		}
		if _, err := e.Checkpoint(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("background checkpoint failed", zap.Error(err))
		}
	}
}

func (e *Engine) vacuumLoop(ctx context.Context) error {
	t := time.NewTicker(e.cfg.VacuumInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if e.usable() != nil {
			continue
		}
		if err := e.vacuumAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("background vacuum failed", zap.Error(err))
		}
	}
}

func (e *Engine) stopWorkers() {
	if e.stopBg == nil {
		return
	}
	e.stopBg()
	_ = e.bg.Wait()
	e.stopBg = nil
}

// usable returns the error every call gets once the engine is closed or
// halted.
func (e *Engine) usable() error {
	if h := e.halted.Load(); h != nil {
		return fmt.Errorf("%w: %v", ErrEngineHalted, h.cause)
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// halt stops the engine for good. The first cause wins.
func (e *Engine) halt(cause error) {
	if e.halted.CompareAndSwap(nil, &haltState{cause: cause}) {
		e.logger.Error("storage engine halted",
			zap.Error(cause),
			zap.Uint64("flushed_lsn", uint64(e.log.FlushedLSN())))
	}
}

// Halted returns the error that halted the engine, or nil.
func (e *Engine) Halted() error {
	if h := e.halted.Load(); h != nil {
		return h.cause
	}
	return nil
}

// startOp opens a span for an API call. The returned func ends it and
// records the call's metrics.
func (e *Engine) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "storageengine."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		opAttr := metric.WithAttributes(attribute.String("op", op))
		if err != nil {
			if fatal(err) {
				e.halt(err)
			}
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			e.metrics.OpErrorsCounter.Add(ctx, 1, opAttr)
		} else {
			span.SetStatus(otelcodes.Ok, "")
		}
		span.End()
		e.metrics.OpsCounter.Add(ctx, 1, opAttr)
		e.metrics.OpLatencyHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000, opAttr)
	}
}

// Checkpoint takes a fuzzy checkpoint now.
func (e *Engine) Checkpoint(ctx context.Context) (st recovery.CheckpointStats, err error) {
	ctx, end := e.startOp(ctx, "Checkpoint")
	defer func() { end(err) }()
	if err := e.usable(); err != nil {
		return st, err
	}
	st, err = e.rec.Checkpoint(ctx)
	if err != nil {
		return st, err
	}
	e.metrics.CheckpointCounter.Add(ctx, 1)
	e.metrics.CheckpointPagesFlushed.Add(ctx, int64(st.PagesFlushed))
	return st, nil
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Pages      uint64
	FreePages  int
	BufferPool bufferpool.Stats
	WAL        wal.Stats
	Txns       transaction.Stats
	Recovery   recovery.Stats
	Halted     error
}

func (e *Engine) Stats() Stats {
	return Stats{
		Pages:      e.dm.NumPages(),
		FreePages:  e.dm.FreePageCount(),
		BufferPool: e.bpm.Stats(),
		WAL:        e.log.Stats(),
		Txns:       e.txns.Stats(),
		Recovery:   e.rec.Stats(),
		Halted:     e.Halted(),
	}
}

// Close stops the background workers, takes a final checkpoint and closes
// every file. Transactions still running are rolled back by the next
// Open. A halted engine skips the checkpoint.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.stopWorkers()
		var errs []error
		if e.Halted() == nil {
			if _, cerr := e.rec.Checkpoint(ctx); cerr != nil {
				errs = append(errs, fmt.Errorf("final checkpoint: %w", cerr))
			}
		}
		e.closed.Store(true)
		errs = append(errs, e.release())
		err = errors.Join(errs...)
		if err != nil {
			e.logger.Error("storage engine closed with errors", zap.Error(err))
		} else {
			e.logger.Info("storage engine closed")
		}
		_ = e.logger.Sync()
	})
	return err
}

// release closes whatever Open managed to create.
func (e *Engine) release() error {
	var errs []error
	if e.gauges != nil {
		errs = append(errs, e.gauges.Unregister())
	}
	if e.cat != nil {
		e.cat.Close()
	}
	if e.log != nil {
		errs = append(errs, e.log.Close())
	}
	if e.clog != nil {
		errs = append(errs, e.clog.Close())
	}
	if e.dm != nil {
		errs = append(errs, e.dm.Close())
	}
	if e.telStop != nil {
		errs = append(errs, e.telStop(context.Background()))
	}
	return errors.Join(errs...)
}
