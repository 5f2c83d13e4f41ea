package bufferpool

import "fmt"

// Replacer picks the frame to evict. The pool serialises every call under
// its own mutex, so implementations need no locking.
type Replacer interface {
	// RecordAccess notes a use of the frame and starts tracking it.
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	// Evict chooses a victim among evictable frames and stops tracking it.
	Evict() (int, bool)
	// Remove stops tracking the frame.
	Remove(frameID int)
	// Size is the number of evictable frames.
	Size() int
}

const (
	PolicyClock = "clock"
	PolicyLRUK  = "lru-k"
)

// NewReplacer builds the replacer named by policy for a pool of n frames.
func NewReplacer(policy string, n, k int) (Replacer, error) {
	switch policy {
	case "", PolicyClock:
		return NewClockReplacer(n), nil
	case PolicyLRUK:
		if k < 1 {
			return nil, fmt.Errorf("lru-k needs k >= 1, got %d", k)
		}
		return NewLRUKReplacer(n, k), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", policy)
	}
}

// clockReplacer is the second-chance sweep: the hand clears reference bits
// until it finds an evictable frame whose bit is already clear.
type clockReplacer struct {
	present   []bool
	ref       []bool
	evictable []bool
	hand      int
	size      int
}

func NewClockReplacer(n int) *clockReplacer {
	return &clockReplacer{
		present:   make([]bool, n),
		ref:       make([]bool, n),
		evictable: make([]bool, n),
	}
}

func (c *clockReplacer) RecordAccess(frameID int) {
	c.present[frameID] = true
	c.ref[frameID] = true
}

func (c *clockReplacer) SetEvictable(frameID int, evictable bool) {
	if !c.present[frameID] || c.evictable[frameID] == evictable {
		return
	}
	c.evictable[frameID] = evictable
	if evictable {
		c.size++
	} else {
		c.size--
	}
}

func (c *clockReplacer) Evict() (int, bool) {
	if c.size == 0 {
		return -1, false
	}
	n := len(c.present)
	// Two full turns clear every reference bit at most once.
	for i := 0; i < 2*n+1; i++ {
		id := c.hand
		c.hand = (c.hand + 1) % n
		if !c.present[id] || !c.evictable[id] {
			continue
		}
		if c.ref[id] {
			c.ref[id] = false
			continue
		}
		c.Remove(id)
		return id, true
	}
	return -1, false
}

func (c *clockReplacer) Remove(frameID int) {
	if !c.present[frameID] {
		return
	}
	if c.evictable[frameID] {
		c.size--
	}
	c.present[frameID] = false
	c.evictable[frameID] = false
	c.ref[frameID] = false
}

func (c *clockReplacer) Size() int { return c.size }
