// Package buffer implements the buffer pool: a fixed array of page frames,
// the LRU-K replacer choosing eviction victims, RAII-style page guards, and
// sequential prefetching.
package buffer

import (
	"sync"
	"sync/atomic"

	"crio/pkg/page"
)

// Frame is an in-memory slot holding at most one page. The data buffer is a
// page-aligned 4096-byte block; the rwlock guards its contents. pageID is
// stable while pinCount > 0 and is only reassigned under the pool's latch.
type Frame struct {
	id       page.FrameID
	data     []byte
	pageID   page.PageID // InvalidPageID while the frame is free
	pinCount atomic.Int32
	dirty    atomic.Bool
	rwlock   sync.RWMutex
}

// ID returns the frame's index in the pool's frame array.
func (f *Frame) ID() page.FrameID {
	return f.id
}

// Data returns the frame's page buffer.
func (f *Frame) Data() []byte {
	return f.data
}

// PinCount returns the number of active references to the frame.
func (f *Frame) PinCount() int {
	return int(f.pinCount.Load())
}

// IsDirty reports whether the frame's page must be written back before the
// frame can be reused.
func (f *Frame) IsDirty() bool {
	return f.dirty.Load()
}

// pin increments the pin count, preventing eviction.
func (f *Frame) pin() {
	f.pinCount.Add(1)
}

// unpin decrements the pin count, returning the new value.
func (f *Frame) unpin() int32 {
	return f.pinCount.Add(-1)
}

// reset clears the frame's metadata for return to the free list. The data
// buffer is left as-is; its contents are undefined for a free frame.
func (f *Frame) reset() {
	f.pageID = page.InvalidPageID
	f.pinCount.Store(0)
	f.dirty.Store(false)
}
