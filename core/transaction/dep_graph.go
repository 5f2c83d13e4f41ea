package transaction

// DependencyGraph tracks wait-for relationships between transactions: an
// edge from A to B means A waits for a lock B holds. A transaction waits
// for one lock at a time, so its out-edges are replaced as a whole.
// Callers serialise access.
type DependencyGraph struct {
	edges map[uint64]map[uint64]struct{}
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{edges: make(map[uint64]map[uint64]struct{})}
}

// SetWaits replaces the out-edges of waiter.
func (dg *DependencyGraph) SetWaits(waiter uint64, holders []uint64) {
	if len(holders) == 0 {
		delete(dg.edges, waiter)
		return
	}
	out := make(map[uint64]struct{}, len(holders))
	for _, h := range holders {
		if h != waiter {
			out[h] = struct{}{}
		}
	}
	dg.edges[waiter] = out
}

// ClearWaits drops the out-edges of waiter.
func (dg *DependencyGraph) ClearWaits(waiter uint64) {
	delete(dg.edges, waiter)
}

// RemoveTransaction drops every edge touching id.
func (dg *DependencyGraph) RemoveTransaction(id uint64) {
	delete(dg.edges, id)
	for waiter, holders := range dg.edges {
		delete(holders, id)
		if len(holders) == 0 {
			delete(dg.edges, waiter)
		}
	}
}

// FindCycle returns the transactions on a cycle through start, or nil.
func (dg *DependencyGraph) FindCycle(start uint64) []uint64 {
	visited := make(map[uint64]bool)
	var path []uint64
	var dfs func(id uint64) bool
	dfs = func(id uint64) bool {
		visited[id] = true
		path = append(path, id)
		for next := range dg.edges[id] {
			if next == start {
				return true
			}
			if !visited[next] && dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(start) {
		return path
	}
	return nil
}

// Waiting lists the transactions with out-edges.
func (dg *DependencyGraph) Waiting() []uint64 {
	out := make([]uint64, 0, len(dg.edges))
	for id := range dg.edges {
		out = append(out, id)
	}
	return out
}
