package btree

import (
	"crio/pkg/buffer"
	"crio/pkg/page"
)

// Iterator walks leaf entries in key order, one leaf at a time. Each leaf is
// read-guarded only while its matching entries are copied out, then the
// guard drops before the walk moves right; observers are serializable
// within a single leaf but not across leaves.
type Iterator struct {
	tree *BTree
	hi   int32

	buf      []Entry
	pos      int
	nextLeaf page.PageID
	done     bool
	err      error
}

// Scan positions an iterator at the first entry with key >= lo, bounded
// inclusively by hi.
func (t *BTree) Scan(lo, hi int32) (*Iterator, error) {
	it := &Iterator{tree: t, hi: hi}
	if lo > hi {
		it.done = true
		return it, nil
	}

	guard, err := t.fetchRootRead()
	if err != nil {
		return nil, err
	}
	for {
		n := asNode(guard.Data(), t.order)
		if n.isLeaf() {
			it.fillFrom(guard, n.search(lo))
			return it, it.err
		}
		childID := n.childAt(n.childIndexFor(lo))
		child, err := t.pool.FetchPageRead(childID)
		if err != nil {
			guard.Release()
			return nil, err
		}
		guard.Release()
		guard = child
	}
}

// fillFrom copies the leaf's in-range entries starting at pos into the
// buffer and releases the guard.
func (it *Iterator) fillFrom(guard *buffer.ReadPageGuard, pos int) {
	n := asNode(guard.Data(), it.tree.order)
	it.buf = it.buf[:0]
	it.pos = 0
	count := n.keyCount()
	for i := pos; i < count; i++ {
		key := n.keyAt(i)
		if key > it.hi {
			it.done = true
			break
		}
		it.buf = append(it.buf, Entry{Key: key, RID: n.ridAt(i)})
	}
	it.nextLeaf = n.nextLeaf()
	guard.Release()
	if !it.done && !it.nextLeaf.Valid() {
		it.done = true
	}
}

// Next returns the next entry in ascending key order. The second return is
// false when the scan is exhausted or failed; check Err afterwards.
func (it *Iterator) Next() (Entry, bool) {
	for {
		if it.pos < len(it.buf) {
			e := it.buf[it.pos]
			it.pos++
			return e, true
		}
		if it.done || it.err != nil {
			return Entry{}, false
		}
		guard, err := it.tree.pool.FetchPageRead(it.nextLeaf)
		if err != nil {
			it.err = err
			return Entry{}, false
		}
		it.fillFrom(guard, 0)
	}
}

// Err returns the error that terminated the scan early, if any.
func (it *Iterator) Err() error {
	return it.err
}

// RangeScan collects every entry with lo <= key <= hi, ascending.
func (t *BTree) RangeScan(lo, hi int32) ([]Entry, error) {
	it, err := t.Scan(lo, hi)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	return entries, it.Err()
}
