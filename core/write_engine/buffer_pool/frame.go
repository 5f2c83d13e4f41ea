package bufferpool

import (
	"sync"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

// frame is one slot of the pool. latch protects data; every other field is
// guarded by the pool mutex.
type frame struct {
	latch  sync.RWMutex
	id     int
	data   []byte
	pageID pagemanager.PageID
	pins   int
	dirty  bool
	// recLSN is the LSN of the first record that dirtied the frame since it
	// was last written. It stays InvalidLSN while that record is being
	// appended.
	recLSN wal.LSN
	// version changes on every logged modification so a flush can tell
	// whether the page changed while it was being written.
	version uint64
}

func (f *frame) reset() {
	f.pageID = pagemanager.InvalidPageID
	f.pins = 0
	f.dirty = false
	f.recLSN = wal.InvalidLSN
}
