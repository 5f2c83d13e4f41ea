package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"go.uber.org/zap"
)

// CheckpointStats describes one checkpoint.
type CheckpointStats struct {
	LSN             wal.LSN
	RedoLSN         wal.LSN
	PagesFlushed    int
	ActiveTxns      int
	DirtyPages      int
	SegmentsRemoved int
	Duration        time.Duration
}

// Checkpoint takes a fuzzy checkpoint. Transactions keep running while
// the pages dirty at the redo point are written; the log below the redo
// point (and below the oldest running writer) is then dropped.
func (r *Manager) Checkpoint(ctx context.Context) (CheckpointStats, error) {
	r.ckptMu.Lock()
	defer r.ckptMu.Unlock()
	start := time.Now()

	redo := r.log.SetRedoPoint()
	pages := r.bpm.DirtyPages()
	for _, id := range pages {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return CheckpointStats{}, err
			}
		}
		if err := r.bpm.FlushPage(ctx, id); err != nil {
			return CheckpointStats{}, fmt.Errorf("checkpoint: %w", err)
		}
	}
	if err := r.dm.Sync(); err != nil {
		return CheckpointStats{}, fmt.Errorf("checkpoint: %w", err)
	}

	data := &CheckpointData{RedoLSN: redo, NextTxnID: r.txns.NextID()}
	for _, s := range r.txns.ActiveLogs() {
		data.Active = append(data.Active, ActiveTxn{
			TxnID:    s.TxnID,
			FirstLSN: s.FirstLSN,
			LastLSN:  s.LastLSN,
			UndoNext: s.UndoNext,
			Records:  s.Records,
		})
	}
	// Everything logged below the redo point reached the page file above.
	for id, lsn := range r.bpm.DirtyPageTable() {
		if lsn == wal.InvalidLSN || lsn < redo {
			lsn = redo
		}
		data.Dirty = append(data.Dirty, DirtyPageInfo{PageID: uint64(id), RecLSN: lsn})
	}
	sort.Slice(data.Active, func(i, j int) bool { return data.Active[i].TxnID < data.Active[j].TxnID })
	sort.Slice(data.Dirty, func(i, j int) bool { return data.Dirty[i].PageID < data.Dirty[j].PageID })

	payload, err := encodeCheckpoint(data)
	if err != nil {
		return CheckpointStats{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	lsn, err := r.log.Append(&wal.LogRecord{Type: wal.RecordCheckpoint, Payload: payload}, nil)
	if err != nil {
		return CheckpointStats{}, fmt.Errorf("log checkpoint: %w", err)
	}
	if err := r.log.Flush(ctx, lsn); err != nil {
		return CheckpointStats{}, fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := r.txns.CommitLog().Sync(); err != nil {
		return CheckpointStats{}, fmt.Errorf("sync commit log: %w", err)
	}
	cf := ControlFile{
		DatabaseID:    r.dm.DatabaseID().String(),
		CheckpointLSN: lsn,
		RedoLSN:       redo,
		NextTxnID:     data.NextTxnID,
		NextLSN:       r.log.FlushedLSN(),
	}
	if err := WriteControlFile(r.opts.ControlPath, cf); err != nil {
		return CheckpointStats{}, fmt.Errorf("write control file: %w", err)
	}

	cut := redo
	if oldest := r.txns.OldestFirstLSN(); oldest != wal.InvalidLSN && oldest < cut {
		cut = oldest
	}
	removed, err := r.log.Truncate(ctx, cut)
	if err != nil {
		// The checkpoint itself is complete; the next one retries.
		r.logger.Warn("log truncation failed", zap.Error(err), zap.Uint64("before_lsn", uint64(cut)))
	}

	stats := CheckpointStats{
		LSN:             lsn,
		RedoLSN:         redo,
		PagesFlushed:    len(pages),
		ActiveTxns:      len(data.Active),
		DirtyPages:      len(data.Dirty),
		SegmentsRemoved: removed,
		Duration:        time.Since(start),
	}
	r.mu.Lock()
	r.stats.Checkpoints++
	r.stats.LastCheckpoint = stats
	r.mu.Unlock()
	r.logger.Info("checkpoint complete",
		zap.Uint64("lsn", uint64(lsn)),
		zap.Uint64("redo_lsn", uint64(redo)),
		zap.Int("pages_flushed", stats.PagesFlushed),
		zap.Int("active_txns", stats.ActiveTxns),
		zap.Int("segments_removed", removed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}
