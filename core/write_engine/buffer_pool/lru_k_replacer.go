package bufferpool

// lrukNode keeps the last k access timestamps of one frame, oldest first.
type lrukNode struct {
	frameID     int
	k           int
	history     []uint64
	isEvictable bool
}

func (n *lrukNode) hasKAccess() bool {
	return len(n.history) == n.k
}

// kthAccess is the timestamp of the k-th most recent access, or of the
// oldest one when fewer than k were recorded.
func (n *lrukNode) kthAccess() uint64 {
	return n.history[0]
}

func (n *lrukNode) addTimestamp(ts uint64) {
	if len(n.history) < n.k {
		n.history = append(n.history, ts)
		return
	}
	copy(n.history, n.history[1:])
	n.history[len(n.history)-1] = ts
}

// lrukReplacer evicts the frame with the largest backward k-distance.
// Frames with fewer than k accesses have infinite distance and go first,
// oldest first access among them.
type lrukReplacer struct {
	k     int
	now   uint64
	nodes map[int]*lrukNode
	size  int
}

func NewLRUKReplacer(capacity, k int) *lrukReplacer {
	return &lrukReplacer{k: k, nodes: make(map[int]*lrukNode, capacity)}
}

func (r *lrukReplacer) RecordAccess(frameID int) {
	r.now++
	node, ok := r.nodes[frameID]
	if !ok {
		node = &lrukNode{frameID: frameID, k: r.k}
		r.nodes[frameID] = node
	}
	node.addTimestamp(r.now)
}

func (r *lrukReplacer) SetEvictable(frameID int, evictable bool) {
	node, ok := r.nodes[frameID]
	if !ok || node.isEvictable == evictable {
		return
	}
	node.isEvictable = evictable
	if evictable {
		r.size++
	} else {
		r.size--
	}
}

func (r *lrukReplacer) Evict() (int, bool) {
	var victim *lrukNode
	for _, node := range r.nodes {
		if !node.isEvictable {
			continue
		}
		if victim == nil || r.before(node, victim) {
			victim = node
		}
	}
	if victim == nil {
		return -1, false
	}
	r.Remove(victim.frameID)
	return victim.frameID, true
}

// before reports whether a should be evicted ahead of b.
func (r *lrukReplacer) before(a, b *lrukNode) bool {
	if a.hasKAccess() != b.hasKAccess() {
		return !a.hasKAccess()
	}
	return a.kthAccess() < b.kthAccess()
}

func (r *lrukReplacer) Remove(frameID int) {
	node, ok := r.nodes[frameID]
	if !ok {
		return
	}
	if node.isEvictable {
		r.size--
	}
	delete(r.nodes, frameID)
}

func (r *lrukReplacer) Size() int { return r.size }
