package heap

import (
	"context"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// VacuumStats reports one vacuum pass over a heap.
type VacuumStats struct {
	Pages          int
	PagesChanged   int
	VersionsKilled int
	BytesReclaimed int
}

// Vacuum kills every version dead reports as collectible and compacts the
// pages it changed. The freed slots stay reserved; the reclaimed bytes
// become available to inserts. limiter, when set, paces page visits.
func (h *Heap) Vacuum(ctx context.Context, dead func(Tuple) bool, limiter *rate.Limiter) (VacuumStats, error) {
	var st VacuumStats
	for id := h.id; id != pagemanager.InvalidPageID; {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return st, err
			}
		}
		next, killed, reclaimed, free, err := h.vacuumPage(ctx, id, dead)
		if err != nil {
			return st, err
		}
		st.Pages++
		if killed > 0 {
			st.PagesChanged++
			st.VersionsKilled += killed
			st.BytesReclaimed += reclaimed
			h.mu.Lock()
			if id != h.tail && h.worthReusing(free) {
				h.roomy[id] = free
			}
			h.mu.Unlock()
		}
		id = next
	}
	h.logger.Info("heap vacuumed",
		zap.Int("pages", st.Pages),
		zap.Int("versions_killed", st.VersionsKilled),
		zap.Int("bytes_reclaimed", st.BytesReclaimed))
	return st, nil
}

func (h *Heap) vacuumPage(ctx context.Context, id pagemanager.PageID, dead func(Tuple) bool) (pagemanager.PageID, int, int, int, error) {
	m, err := h.bpm.Begin(nil)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	g, err := h.bpm.FetchWrite(ctx, id)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	defer g.Release()
	p := g.Page()
	next := p.Next()
	var victims []int
	for i := 0; i < p.ItemCount(); i++ {
		if p.IsDead(i) {
			continue
		}
		t, err := decodeTuple(p.Item(i))
		if err != nil {
			return 0, 0, 0, 0, err
		}
		if dead(t) {
			victims = append(victims, i)
		}
	}
	if len(victims) == 0 {
		return next, 0, 0, p.FreeSpace(), nil
	}
	m.Track(g)
	before := p.FreeSpace()
	for _, i := range victims {
		if err := p.KillItem(i); err != nil {
			m.Abort()
			return 0, 0, 0, 0, err
		}
	}
	p.Compact()
	if _, err := m.Commit(); err != nil {
		return 0, 0, 0, 0, err
	}
	free := p.FreeSpace()
	return next, len(victims), free - before, free, nil
}
