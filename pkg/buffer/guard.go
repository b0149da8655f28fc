package buffer

import "crio/pkg/page"

// Page guards pair a pin with a frame rwlock so "forgot to unpin" is not
// expressible: every access path holds a guard, and releasing the guard
// unpins. Guards must not be copied; Release is idempotent and is meant to
// be deferred at acquisition.
//
// Release order: the pin is dropped first (marking the frame evictable when
// it reaches zero), then the rwlock is released.

// ReadPageGuard grants shared access to a page's bytes. It holds the frame's
// reader lock and one pin.
type ReadPageGuard struct {
	pool     *Pool
	frame    *Frame
	pageID   page.PageID
	released bool
}

// PageID returns the guarded page's id.
func (g *ReadPageGuard) PageID() page.PageID {
	return g.pageID
}

// Data returns the page's bytes. The slice must not be written through, and
// must not be retained past Release.
func (g *ReadPageGuard) Data() []byte {
	return g.frame.data
}

// Release unpins the page and drops the reader lock. Safe to call twice.
func (g *ReadPageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.pool.unpin(g.frame, false)
	g.frame.rwlock.RUnlock()
}

// WritePageGuard grants exclusive access to a page's bytes. It holds the
// frame's writer lock and one pin, and the frame is marked dirty at
// acquisition: any write-guarded access counts as a mutation.
type WritePageGuard struct {
	pool     *Pool
	frame    *Frame
	pageID   page.PageID
	released bool
}

// PageID returns the guarded page's id.
func (g *WritePageGuard) PageID() page.PageID {
	return g.pageID
}

// Data returns the page's bytes for reading and writing. The slice must not
// be retained past Release.
func (g *WritePageGuard) Data() []byte {
	return g.frame.data
}

// Release unpins the page and drops the writer lock. Safe to call twice.
func (g *WritePageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.pool.unpin(g.frame, true)
	g.frame.rwlock.Unlock()
}
