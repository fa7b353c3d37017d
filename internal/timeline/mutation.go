package timeline

import (
	"sync"

	"github.com/suPer8Hu/mediation/internal/chat"
)

// Snapshot is a deep copy of the loaded pages.
type Snapshot struct {
	pages  []chat.Page
	loaded bool
}

// Snapshot captures the current pages for a later Restore.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{pages: clonePages(c.pages), loaded: c.loaded}
}

// Restore swaps the loaded pages for snap wholesale.
func (c *Cache) Restore(snap Snapshot) {
	c.mu.Lock()
	c.pages = clonePages(snap.pages)
	c.loaded = snap.loaded
	c.mu.Unlock()
	c.notify()
}

// PendingMutation tracks one optimistic write until it is confirmed or
// rolled back.
type PendingMutation struct {
	TempID string

	cache *Cache
	snap  Snapshot
	once  sync.Once
	undo  func()
}

// BeginMutation snapshots the cache, then inserts item optimistically.
func (c *Cache) BeginMutation(item chat.Item) *PendingMutation {
	m := &PendingMutation{TempID: item.ID, cache: c, snap: c.Snapshot()}
	m.undo = c.AddOptimisticItem(item)
	return m
}

// Rollback restores the snapshot taken before the optimistic write. It has
// an effect at most once and reports whether this call applied it.
func (m *PendingMutation) Rollback() bool {
	applied := false
	m.once.Do(func() {
		m.cache.Restore(m.snap)
		applied = true
	})
	return applied
}

// Undo removes only the optimistic item, leaving every other change made
// since the mutation began.
func (m *PendingMutation) Undo() bool {
	applied := false
	m.once.Do(func() {
		m.undo()
		applied = true
	})
	return applied
}

// Settle marks the mutation confirmed so later rollbacks do nothing.
func (m *PendingMutation) Settle() {
	m.once.Do(func() {})
}
