package transaction

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/gojostore/internal/sys"
)

// Status is the outcome of a transaction as recorded in the commit log.
type Status uint8

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// FrozenXID is the id of versions that predate every snapshot. It is always
// committed.
const FrozenXID uint64 = 0

// CommitLog maps transaction ids to their outcome, one byte per id. The
// file is only a cache of the outcomes recorded in the WAL: it is synced at
// checkpoints, before the log that could rebuild it is truncated.
type CommitLog struct {
	mu     sync.RWMutex
	status []byte
	// dirty is the first id changed since the last sync.
	dirty int
	file  *os.File
}

// OpenCommitLog loads the commit log at path. An empty path keeps it in
// memory only.
func OpenCommitLog(path string) (*CommitLog, error) {
	c := &CommitLog{dirty: -1}
	if path == "" {
		return c, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open commit log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read commit log: %w", err)
	}
	c.status = data
	c.file = f
	return c, nil
}

// Status returns the outcome of xid. Ids never recorded are in progress.
func (c *CommitLog) Status(xid uint64) Status {
	if xid == FrozenXID {
		return StatusCommitted
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if xid >= uint64(len(c.status)) {
		return StatusInProgress
	}
	return Status(c.status[xid])
}

// Set records the outcome of xid.
func (c *CommitLog) Set(xid uint64, s Status) {
	if xid == FrozenXID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if need := int(xid) + 1; need > len(c.status) {
		c.status = append(c.status, make([]byte, need-len(c.status))...)
	}
	if c.status[xid] == byte(s) {
		return
	}
	c.status[xid] = byte(s)
	if c.dirty < 0 || int(xid) < c.dirty {
		c.dirty = int(xid)
	}
}

// Sync writes the entries changed since the last sync and makes them
// durable.
func (c *CommitLog) Sync() error {
	c.mu.Lock()
	if c.file == nil || c.dirty < 0 {
		c.mu.Unlock()
		return nil
	}
	from := c.dirty
	chunk := append([]byte(nil), c.status[from:]...)
	c.dirty = -1
	c.mu.Unlock()

	if _, err := c.file.WriteAt(chunk, int64(from)); err != nil {
		c.markDirty(from)
		return fmt.Errorf("write commit log: %w", err)
	}
	if err := sys.Fdatasync(c.file); err != nil {
		c.markDirty(from)
		return fmt.Errorf("sync commit log: %w", err)
	}
	return nil
}

func (c *CommitLog) markDirty(from int) {
	c.mu.Lock()
	if c.dirty < 0 || from < c.dirty {
		c.dirty = from
	}
	c.mu.Unlock()
}

// Len is one past the highest id recorded.
func (c *CommitLog) Len() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.status))
}

func (c *CommitLog) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.Sync()
	return errors.Join(err, c.file.Close())
}
