package buffer

import (
	"sync"

	"crio/pkg/page"
)

// accessInfo tracks the last K access timestamps of one frame, oldest first.
type accessInfo struct {
	history   []uint64
	evictable bool
}

// kDistance returns the backward k-distance (now minus the K-th most recent
// access) and whether the frame has K recorded accesses at all. Frames with
// fewer than K accesses have an infinite k-distance.
func (ai *accessInfo) kDistance(now uint64, k int) (uint64, bool) {
	if len(ai.history) < k {
		return 0, false
	}
	return now - ai.history[len(ai.history)-k], true
}

func (ai *accessInfo) earliest() uint64 {
	return ai.history[0]
}

// LRUKReplacer selects eviction victims among unpinned frames using the
// LRU-K policy: the victim is the evictable frame with the largest backward
// k-distance. Frames with fewer than K recorded accesses count as infinitely
// distant and are picked first, ordered by their earliest access (classic
// LRU). This evicts one-hit sequential-scan stragglers before frames with a
// proven re-reference pattern, defeating sequential flooding.
//
// Victim selection is a linear scan over tracked frames; every other
// operation is O(1) amortized.
type LRUKReplacer struct {
	k int

	mu        sync.Mutex
	clock     uint64 // monotonic access counter
	frames    map[page.FrameID]*accessInfo
	evictable int
}

// NewLRUKReplacer builds a replacer with the given K (number of access
// timestamps remembered per frame).
func NewLRUKReplacer(k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:      k,
		frames: make(map[page.FrameID]*accessInfo),
	}
}

// RecordAccess pushes a new access timestamp for the frame, dropping the
// oldest beyond K.
func (r *LRUKReplacer) RecordAccess(id page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock++
	info, ok := r.frames[id]
	if !ok {
		info = &accessInfo{}
		r.frames[id] = info
	}
	info.history = append(info.history, r.clock)
	if len(info.history) > r.k {
		info.history = info.history[len(info.history)-r.k:]
	}
}

// SetEvictable toggles the frame's eviction eligibility. Pinned frames must
// be kept non-evictable by the caller.
func (r *LRUKReplacer) SetEvictable(id page.FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.frames[id]
	if !ok {
		if !evictable {
			return
		}
		info = &accessInfo{}
		r.frames[id] = info
	}
	if info.evictable != evictable {
		info.evictable = evictable
		if evictable {
			r.evictable++
		} else {
			r.evictable--
		}
	}
}

// Evict selects a victim among evictable frames and drops its tracking.
// Returns NoFrame and false if nothing is evictable.
func (r *LRUKReplacer) Evict() (page.FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evictable == 0 {
		return page.NoFrame, false
	}

	victim := page.NoFrame
	var victimDist uint64
	victimInf := false
	var victimEarliest uint64

	for id, info := range r.frames {
		if !info.evictable || len(info.history) == 0 {
			continue
		}
		dist, hasK := info.kDistance(r.clock, r.k)
		inf := !hasK
		earliest := info.earliest()

		replace := false
		switch {
		case victim == page.NoFrame:
			replace = true
		case inf && !victimInf:
			replace = true
		case !inf && victimInf:
			replace = false
		case inf && victimInf:
			replace = earliest < victimEarliest
		default:
			replace = dist > victimDist ||
				(dist == victimDist && earliest < victimEarliest)
		}
		if replace {
			victim, victimDist, victimInf, victimEarliest = id, dist, inf, earliest
		}
	}

	if victim == page.NoFrame {
		return page.NoFrame, false
	}
	delete(r.frames, victim)
	r.evictable--
	return victim, true
}

// Remove drops the frame's tracking entirely. Used when a frame is being
// reassigned to a different page.
func (r *LRUKReplacer) Remove(id page.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.frames[id]; ok {
		if info.evictable {
			r.evictable--
		}
		delete(r.frames, id)
	}
}

// Size returns the number of evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictable
}
