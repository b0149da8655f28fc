package buffer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	log "github.com/sirupsen/logrus"

	"crio/pkg/config"
	"crio/pkg/disk"
	"crio/pkg/page"
)

var (
	// ErrNoFreeFrame means every frame is pinned and nothing is evictable.
	ErrNoFreeFrame = errors.New("no free or evictable frames")
	// ErrPagePinned means the page cannot be deleted while guards hold it.
	ErrPagePinned = errors.New("page is still pinned")
)

// errSkipPrefetch aborts a single prefetch target without surfacing.
var errSkipPrefetch = errors.New("prefetch target skipped")

// Stats counts buffer pool traffic.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Pool is the buffer pool manager: a fixed array of frames caching disk
// pages, a page table mapping cached page ids to frames, a free list of
// unused frames, and the LRU-K replacer choosing victims among the rest.
//
// The page table and free list share one latch, held only for lookups and
// updates, never across disk I/O. On a miss the frame's write lock is taken
// while the latch is still held (handoff) and kept across the I/O after the
// latch is dropped; on a hit the rwlock is acquired after the latch is
// released, so the cache-hit fast path costs one map lookup plus the frame's
// rwlock.
type Pool struct {
	dm        *disk.Manager
	scheduler *disk.Scheduler
	replacer  *LRUKReplacer
	tracker   *AccessTracker // nil when prefetching is disabled

	latch     sync.Mutex
	frames    []*Frame
	pageTable map[page.PageID]page.FrameID
	freeList  []page.FrameID

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewPool builds a pool of cfg.PoolSize frames over the given disk manager
// and scheduler. Frame buffers come from one contiguous page-aligned
// allocation so they can be handed to the direct-I/O layer as-is.
func NewPool(dm *disk.Manager, scheduler *disk.Scheduler, cfg config.Config) *Pool {
	bp := &Pool{
		dm:        dm,
		scheduler: scheduler,
		replacer:  NewLRUKReplacer(cfg.K),
		pageTable: make(map[page.PageID]page.FrameID, cfg.PoolSize),
		frames:    make([]*Frame, cfg.PoolSize),
		freeList:  make([]page.FrameID, 0, cfg.PoolSize),
	}
	if cfg.EnablePrefetch && cfg.PrefetchLookahead > 0 {
		bp.tracker = NewAccessTracker(cfg.SequentialThreshold, cfg.PrefetchLookahead)
	}
	block := directio.AlignedBlock(page.Size * cfg.PoolSize)
	for i := range bp.frames {
		bp.frames[i] = &Frame{
			id:     page.FrameID(i),
			data:   block[i*page.Size : (i+1)*page.Size],
			pageID: page.InvalidPageID,
		}
		bp.freeList = append(bp.freeList, page.FrameID(i))
	}
	return bp
}

// FetchPageRead returns a read guard on the page, bringing it into the pool
// on a miss. Fails with ErrNoFreeFrame when the pool is exhausted.
func (bp *Pool) FetchPageRead(id page.PageID) (*ReadPageGuard, error) {
	frame, err := bp.pinPage(id, false)
	if err != nil {
		return nil, err
	}
	g := &ReadPageGuard{pool: bp, frame: frame, pageID: id}
	bp.maybePrefetch(id)
	return g, nil
}

// FetchPageWrite returns a write guard on the page, bringing it into the
// pool on a miss. The frame is marked dirty at acquisition.
func (bp *Pool) FetchPageWrite(id page.PageID) (*WritePageGuard, error) {
	frame, err := bp.pinPage(id, true)
	if err != nil {
		return nil, err
	}
	frame.dirty.Store(true)
	g := &WritePageGuard{pool: bp, frame: frame, pageID: id}
	bp.maybePrefetch(id)
	return g, nil
}

// NewPage allocates a fresh page id on disk and returns it with a write
// guard over a zeroed buffer. The page reaches disk on its first flush or
// eviction.
func (bp *Pool) NewPage() (page.PageID, *WritePageGuard, error) {
	id, err := bp.dm.Allocate()
	if err != nil {
		return page.InvalidPageID, nil, err
	}
	frame, err := bp.loadFrame(id, true, false)
	if err != nil {
		return page.InvalidPageID, nil, err
	}
	frame.dirty.Store(true)
	return id, &WritePageGuard{pool: bp, frame: frame, pageID: id}, nil
}

// pinPage returns the page's frame, pinned and with the requested rwlock
// held (write lock when forWrite).
func (bp *Pool) pinPage(id page.PageID, forWrite bool) (*Frame, error) {
	bp.latch.Lock()
	if fid, ok := bp.pageTable[id]; ok {
		frame := bp.frames[fid]
		frame.pin()
		bp.replacer.SetEvictable(fid, false)
		bp.replacer.RecordAccess(fid)
		bp.latch.Unlock()
		bp.hits.Add(1)
		if forWrite {
			frame.rwlock.Lock()
		} else {
			frame.rwlock.RLock()
		}
		return frame, nil
	}
	bp.latch.Unlock()

	frame, err := bp.loadFrame(id, false, false)
	if err != nil {
		return nil, err
	}
	if !forWrite {
		// Downgrade to a reader lock. The frame stays pinned throughout, so
		// it cannot be evicted in the gap; at worst a writer slips in first.
		frame.rwlock.Unlock()
		frame.rwlock.RLock()
	}
	return frame, nil
}

// loadFrame brings the page into a frame via the miss path: take a frame
// from the free list or evict a victim, write the victim back if dirty, then
// read the page from disk (or zero the buffer for new pages). The returned
// frame is pinned, installed in the page table, and write-locked.
//
// With nonblocking set (prefetch), the scheduler is never waited on for
// queue space and dirty victims are left in place; errSkipPrefetch comes
// back instead.
func (bp *Pool) loadFrame(id page.PageID, zero, nonblocking bool) (*Frame, error) {
	bp.latch.Lock()
	if _, ok := bp.pageTable[id]; ok {
		// Raced with another fetch of the same page.
		bp.latch.Unlock()
		if nonblocking {
			return nil, errSkipPrefetch
		}
		return bp.pinPage(id, true)
	}

	var fid page.FrameID
	if n := len(bp.freeList); n > 0 {
		fid = bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
	} else {
		var ok bool
		fid, ok = bp.replacer.Evict()
		if !ok {
			bp.latch.Unlock()
			if nonblocking {
				return nil, errSkipPrefetch
			}
			return nil, ErrNoFreeFrame
		}
		bp.evictions.Add(1)
	}
	frame := bp.frames[fid]

	oldID := frame.pageID
	oldDirty := frame.dirty.Load()
	if nonblocking && oldDirty {
		// A hint is not worth a write-back; put the victim back.
		bp.pageTable[oldID] = fid
		bp.replacer.RecordAccess(fid)
		bp.replacer.SetEvictable(fid, true)
		bp.latch.Unlock()
		return nil, errSkipPrefetch
	}
	if oldID.Valid() {
		delete(bp.pageTable, oldID)
	}
	frame.pageID = id
	frame.pinCount.Store(1)
	bp.pageTable[id] = fid
	bp.replacer.Remove(fid)
	bp.replacer.RecordAccess(fid)
	frame.rwlock.Lock() // handoff: taken under the latch, held across I/O
	bp.latch.Unlock()
	bp.misses.Add(1)

	if oldDirty {
		if err := bp.scheduler.WriteSync(oldID, frame.data); err != nil {
			log.WithError(err).WithField("page", oldID).
				Error("evicting dirty page failed")
			bp.discardFrame(frame)
			return nil, err
		}
	}
	frame.dirty.Store(false)

	if zero {
		for i := range frame.data {
			frame.data[i] = 0
		}
		return frame, nil
	}
	var err error
	if nonblocking {
		done := make(chan error, 1)
		if err = bp.scheduler.TrySchedule(disk.Request{PageID: id, Data: frame.data, Done: done}); err == nil {
			err = <-done
		} else if err == disk.ErrQueueFull {
			bp.discardFrame(frame)
			return nil, errSkipPrefetch
		}
	} else {
		err = bp.scheduler.ReadSync(id, frame.data)
	}
	if err != nil {
		// The frame's contents are undefined now; hand it back as free.
		bp.discardFrame(frame)
		return nil, err
	}
	return frame, nil
}

// discardFrame returns a frame whose load failed to the free list. The
// frame's write lock must be held; it is released here.
func (bp *Pool) discardFrame(frame *Frame) {
	bp.latch.Lock()
	delete(bp.pageTable, frame.pageID)
	bp.replacer.Remove(frame.id)
	frame.reset()
	bp.freeList = append(bp.freeList, frame.id)
	bp.latch.Unlock()
	frame.rwlock.Unlock()
}

// unpin drops one pin, ORs the dirty flag, and marks the frame evictable
// when the pin count reaches zero. Called by guard release, not user code.
func (bp *Pool) unpin(frame *Frame, dirty bool) {
	if dirty {
		frame.dirty.Store(true)
	}
	if frame.unpin() > 0 {
		return
	}
	bp.latch.Lock()
	// Re-check under the latch: a concurrent fetch may have re-pinned.
	if frame.pageID.Valid() && frame.PinCount() == 0 {
		bp.replacer.SetEvictable(frame.id, true)
	}
	bp.latch.Unlock()
}

// FlushPage writes the page back if it is cached and dirty, then clears the
// dirty flag. Pinned pages may be flushed.
func (bp *Pool) FlushPage(id page.PageID) error {
	bp.latch.Lock()
	fid, ok := bp.pageTable[id]
	if !ok {
		bp.latch.Unlock()
		return nil
	}
	frame := bp.frames[fid]
	frame.pin()
	bp.replacer.SetEvictable(fid, false)
	bp.latch.Unlock()

	frame.rwlock.RLock()
	var err error
	if frame.dirty.Load() {
		if err = bp.scheduler.WriteSync(id, frame.data); err == nil {
			frame.dirty.Store(false)
		}
	}
	frame.rwlock.RUnlock()
	bp.unpin(frame, false)
	return err
}

// FlushAll flushes every cached dirty page.
func (bp *Pool) FlushAll() error {
	bp.latch.Lock()
	ids := make([]page.PageID, 0, len(bp.pageTable))
	for id := range bp.pageTable {
		ids = append(ids, id)
	}
	bp.latch.Unlock()
	for _, id := range ids {
		if err := bp.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage drops the page from the pool and tells the disk manager the
// page is free. Refuses with ErrPagePinned while any guard holds the page.
func (bp *Pool) DeletePage(id page.PageID) error {
	bp.latch.Lock()
	if fid, ok := bp.pageTable[id]; ok {
		frame := bp.frames[fid]
		if frame.PinCount() > 0 {
			bp.latch.Unlock()
			return ErrPagePinned
		}
		delete(bp.pageTable, id)
		bp.replacer.Remove(fid)
		frame.reset()
		bp.freeList = append(bp.freeList, fid)
	}
	bp.latch.Unlock()
	bp.dm.DeallocatePage(id)
	return nil
}

// Cached reports whether the page currently occupies a frame.
func (bp *Pool) Cached(id page.PageID) bool {
	bp.latch.Lock()
	defer bp.latch.Unlock()
	_, ok := bp.pageTable[id]
	return ok
}

// PinCountOf returns the page's pin count, or -1 if it is not cached.
func (bp *Pool) PinCountOf(id page.PageID) int {
	bp.latch.Lock()
	defer bp.latch.Unlock()
	if fid, ok := bp.pageTable[id]; ok {
		return bp.frames[fid].PinCount()
	}
	return -1
}

// Stats returns a snapshot of the pool's traffic counters.
func (bp *Pool) Stats() Stats {
	return Stats{
		Hits:      bp.hits.Load(),
		Misses:    bp.misses.Load(),
		Evictions: bp.evictions.Load(),
	}
}

// maybePrefetch feeds the tracker and, when a sequential run is detected,
// pulls the hinted window into the pool. Prefetched pages land unpinned and
// evictable with a single recorded access. Hints never wait for queue space
// and are dropped when no clean frame or queue slot is available; a hint
// read that was queued is awaited before the next target. Pages already
// cached or beyond the segment's allocation are skipped silently.
func (bp *Pool) maybePrefetch(id page.PageID) {
	if bp.tracker == nil {
		return
	}
	start, n, ok := bp.tracker.Observe(id)
	if !ok {
		return
	}
	for i := 0; i < n; i++ {
		target := page.PageID(uint32(start) + uint32(i))
		if !bp.dm.Allocated(target) {
			continue
		}
		bp.latch.Lock()
		_, cached := bp.pageTable[target]
		bp.latch.Unlock()
		if cached {
			continue
		}
		frame, err := bp.loadFrame(target, false, true)
		if err != nil {
			if errors.Is(err, errSkipPrefetch) {
				continue
			}
			return
		}
		frame.rwlock.Unlock()
		bp.unpin(frame, false)
	}
}
