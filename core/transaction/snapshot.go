package transaction

import (
	"math"
	"slices"
)

// Tombstone is the xmax of an entry deleted outside any transaction. It
// hides the entry from every snapshot.
const Tombstone uint64 = math.MaxUint64

// Snapshot is the set of transactions whose effects a transaction sees:
// every id below Xmax that was not running when the snapshot was taken.
type Snapshot struct {
	// Xmin is the oldest transaction running at snapshot time. Every id
	// below it has finished.
	Xmin uint64
	// Xmax is the first id not yet assigned at snapshot time.
	Xmax   uint64
	Active []uint64 // sorted
}

// Includes reports whether xid finished before the snapshot was taken.
// Whether it committed is up to the commit log.
func (s *Snapshot) Includes(xid uint64) bool {
	if xid == FrozenXID {
		return true
	}
	if xid >= s.Xmax {
		return false
	}
	if xid < s.Xmin {
		return true
	}
	_, running := slices.BinarySearch(s.Active, xid)
	return !running
}

// StatusSource answers commit log lookups.
type StatusSource interface {
	Status(xid uint64) Status
}

// Visible decides whether a version stamped (xmin, xmax) is visible to
// transaction self reading through snap.
func Visible(xmin, xmax, self uint64, snap *Snapshot, clog StatusSource) bool {
	if xmax == Tombstone {
		return false
	}
	if xmin == self {
		return xmax != self
	}
	if !snap.Includes(xmin) || clog.Status(xmin) != StatusCommitted {
		return false
	}
	if xmax == 0 {
		return true
	}
	if xmax == self {
		return false
	}
	if clog.Status(xmax) != StatusCommitted {
		return true
	}
	return !snap.Includes(xmax)
}
