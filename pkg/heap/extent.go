// Package heap implements table heaps: doubly-linked chains of slotted
// table pages, with an extent allocator steering inserts to pages that have
// room.
package heap

import (
	"sync"

	"crio/pkg/page"
)

// ExtentAllocator is the free-space map for one table: an in-memory index
// from page id to that page's free bytes. It is best-effort by design —
// a stale entry costs an extra page visit, never correctness, because
// inserts re-verify free space after latching the page.
type ExtentAllocator struct {
	mu   sync.Mutex
	free map[page.PageID]int
}

// NewExtentAllocator builds an empty free-space map.
func NewExtentAllocator() *ExtentAllocator {
	return &ExtentAllocator{free: make(map[page.PageID]int)}
}

// PageWith returns some page believed to have at least need free bytes.
func (e *ExtentAllocator) PageWith(need int) (page.PageID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, free := range e.free {
		if free >= need {
			return id, true
		}
	}
	return page.InvalidPageID, false
}

// Update records the page's free bytes. Called on insert, delete, and
// compaction.
func (e *ExtentAllocator) Update(id page.PageID, free int) {
	e.mu.Lock()
	e.free[id] = free
	e.mu.Unlock()
}

// Remove drops the page from the map.
func (e *ExtentAllocator) Remove(id page.PageID) {
	e.mu.Lock()
	delete(e.free, id)
	e.mu.Unlock()
}

// Len returns the number of tracked pages.
func (e *ExtentAllocator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.free)
}
