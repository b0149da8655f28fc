package buffer

import (
	"sync"

	"crio/pkg/page"
)

// AccessTracker watches the stream of page ids fetched through the pool and
// detects sequential scans: threshold consecutive fetches with strictly
// increasing offsets within the same segment file. On detection it emits a
// hint to prefetch the next lookahead contiguous pages.
type AccessTracker struct {
	threshold int
	lookahead int

	mu     sync.Mutex
	recent []page.PageID
}

// NewAccessTracker builds a tracker with the given detection threshold and
// prefetch window size.
func NewAccessTracker(threshold, lookahead int) *AccessTracker {
	return &AccessTracker{
		threshold: threshold,
		lookahead: lookahead,
		recent:    make([]page.PageID, 0, threshold),
	}
}

// Observe records a fetch. When it completes a sequential run it returns the
// prefetch window (first page id and page count) and true.
func (t *AccessTracker) Observe(id page.PageID) (page.PageID, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent = append(t.recent, id)
	if len(t.recent) > t.threshold {
		t.recent = t.recent[len(t.recent)-t.threshold:]
	}
	if len(t.recent) < t.threshold {
		return page.InvalidPageID, 0, false
	}
	fileID := t.recent[0].FileID()
	for i := 1; i < len(t.recent); i++ {
		if t.recent[i].FileID() != fileID || t.recent[i].Offset() <= t.recent[i-1].Offset() {
			return page.InvalidPageID, 0, false
		}
	}

	last := t.recent[len(t.recent)-1]
	n := t.lookahead
	if remain := int(uint32(page.MaxOffset) - last.Offset()); remain < n {
		n = remain
	}
	if n <= 0 {
		return page.InvalidPageID, 0, false
	}
	return page.MustPageID(fileID, last.Offset()+1), n, true
}
