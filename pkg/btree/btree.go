package btree

import (
	"errors"
	"fmt"
	"sync"

	"crio/pkg/buffer"
	"crio/pkg/page"
)

var (
	// ErrKeyNotFound means no entry with the key exists.
	ErrKeyNotFound = errors.New("key not found")
	// ErrDuplicateKey means an entry with the key already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Entry is one indexed pair: a key and the record id it points at.
type Entry struct {
	Key int32
	RID page.RecordID
}

// BTree is a B+ tree index of order Order (maximum keys per node). All node
// accesses go through the buffer pool; writers descend root-to-leaf with
// latch crabbing, releasing ancestor guards as soon as the child is known
// safe, so no two guards of unrelated pages are ever taken in opposite
// orders.
type BTree struct {
	pool  *buffer.Pool
	order int

	rootMu sync.RWMutex
	rootID page.PageID
}

// New creates an empty tree whose root is a fresh leaf page.
func New(pool *buffer.Pool, order int) (*BTree, error) {
	if order < 3 || order > MaxOrder {
		return nil, fmt.Errorf("btree order must be in [3, %d], got %d", MaxOrder, order)
	}
	id, guard, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	initLeaf(guard.Data(), id, order)
	guard.Release()
	return &BTree{pool: pool, order: order, rootID: id}, nil
}

// Open attaches to an existing tree by its root page.
func Open(pool *buffer.Pool, rootID page.PageID, order int) (*BTree, error) {
	if order < 3 || order > MaxOrder {
		return nil, fmt.Errorf("btree order must be in [3, %d], got %d", MaxOrder, order)
	}
	return &BTree{pool: pool, order: order, rootID: rootID}, nil
}

// RootID returns the current root page, the id to persist in the directory.
func (t *BTree) RootID() page.PageID {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.rootID
}

func (t *BTree) setRoot(id page.PageID) {
	t.rootMu.Lock()
	t.rootID = id
	t.rootMu.Unlock()
}

// fetchRootRead returns a read guard on the root. A root split can slip in
// between reading the root id and latching the page, so recheck and retry.
func (t *BTree) fetchRootRead() (*buffer.ReadPageGuard, error) {
	for {
		id := t.RootID()
		guard, err := t.pool.FetchPageRead(id)
		if err != nil {
			return nil, err
		}
		if t.RootID() == id {
			return guard, nil
		}
		guard.Release()
	}
}

func (t *BTree) fetchRootWrite() (*buffer.WritePageGuard, error) {
	for {
		id := t.RootID()
		guard, err := t.pool.FetchPageWrite(id)
		if err != nil {
			return nil, err
		}
		if t.RootID() == id {
			return guard, nil
		}
		guard.Release()
	}
}

// Search returns the record id stored under the key.
func (t *BTree) Search(key int32) (page.RecordID, error) {
	guard, err := t.fetchRootRead()
	if err != nil {
		return page.RecordID{}, err
	}
	for {
		n := asNode(guard.Data(), t.order)
		if n.isLeaf() {
			pos := n.search(key)
			if pos < n.keyCount() && n.keyAt(pos) == key {
				rid := n.ridAt(pos)
				guard.Release()
				return rid, nil
			}
			guard.Release()
			return page.RecordID{}, ErrKeyNotFound
		}
		childID := n.childAt(n.childIndexFor(key))
		child, err := t.pool.FetchPageRead(childID)
		if err != nil {
			guard.Release()
			return page.RecordID{}, err
		}
		guard.Release()
		guard = child
	}
}

// Insert stores (key, rid), splitting nodes as needed and growing a new
// root when a split propagates all the way up. Duplicate keys are rejected.
func (t *BTree) Insert(key int32, rid page.RecordID) error {
	path, err := t.descendForInsert(key)
	if err != nil {
		return err
	}
	releaseAll := func() {
		for i := len(path) - 1; i >= 0; i-- {
			path[i].Release()
		}
	}

	leaf := asNode(path[len(path)-1].Data(), t.order)
	pos := leaf.search(key)
	if pos < leaf.keyCount() && leaf.keyAt(pos) == key {
		releaseAll()
		return ErrDuplicateKey
	}
	leaf.leafInsertAt(pos, key, rid)
	if leaf.keyCount() <= t.order {
		releaseAll()
		return nil
	}

	// The leaf overflowed. Split it, then push the separator up for as long
	// as parents keep overflowing. Crabbing guarantees that every retained
	// ancestor below the top of path is unsafe; the top is either a safe
	// node, which absorbs the separator without splitting, or the root.
	sep, rightID, err := t.splitLeaf(path[len(path)-1])
	if err != nil {
		releaseAll()
		return err
	}
	for i := len(path) - 2; i >= 0; i-- {
		parent := asNode(path[i].Data(), t.order)
		parent.internalInsert(sep, rightID)
		if parent.keyCount() <= t.order {
			releaseAll()
			return nil
		}
		if sep, rightID, err = t.splitInternal(path[i]); err != nil {
			releaseAll()
			return err
		}
	}

	// The root itself split: grow the tree by one level.
	oldRootID := path[0].PageID()
	newRootID, rootGuard, err := t.pool.NewPage()
	if err != nil {
		releaseAll()
		return err
	}
	root := initInternal(rootGuard.Data(), newRootID, t.order)
	root.setKeyAt(0, sep)
	root.setChildAt(0, oldRootID)
	root.setChildAt(1, rightID)
	root.setKeyCount(1)
	rootGuard.Release()
	asNode(path[0].Data(), t.order).setParent(newRootID)
	t.setRoot(newRootID)
	releaseAll()
	return nil
}

// descendForInsert walks to the leaf for the key with write guards,
// retaining only the guards from the lowest safe node (or the root) down.
func (t *BTree) descendForInsert(key int32) ([]*buffer.WritePageGuard, error) {
	guard, err := t.fetchRootWrite()
	if err != nil {
		return nil, err
	}
	path := []*buffer.WritePageGuard{guard}
	for {
		n := asNode(path[len(path)-1].Data(), t.order)
		if n.isLeaf() {
			return path, nil
		}
		childID := n.childAt(n.childIndexFor(key))
		child, err := t.pool.FetchPageWrite(childID)
		if err != nil {
			for i := len(path) - 1; i >= 0; i-- {
				path[i].Release()
			}
			return nil, err
		}
		if asNode(child.Data(), t.order).keyCount() < t.order {
			// Safe: one more key cannot overflow the child, so no split can
			// propagate above it. Drop every ancestor guard.
			for i := len(path) - 1; i >= 0; i-- {
				path[i].Release()
			}
			path = path[:0]
		}
		path = append(path, child)
	}
}

// splitLeaf moves the upper half of an overflowed leaf (order+1 keys) to a
// fresh leaf and relinks the sibling chain. Returns the separator key (the
// new leaf's first key) and the new leaf's id.
func (t *BTree) splitLeaf(g *buffer.WritePageGuard) (int32, page.PageID, error) {
	left := asNode(g.Data(), t.order)
	count := left.keyCount()
	splitAt := count / 2

	newID, newGuard, err := t.pool.NewPage()
	if err != nil {
		return 0, page.InvalidPageID, err
	}
	right := initLeaf(newGuard.Data(), newID, t.order)
	for i := splitAt; i < count; i++ {
		right.setKeyAt(i-splitAt, left.keyAt(i))
		right.setRidAt(i-splitAt, left.ridAt(i))
	}
	right.setKeyCount(count - splitAt)
	left.setKeyCount(splitAt)

	oldNext := left.nextLeaf()
	right.setNextLeaf(oldNext)
	right.setPrevLeaf(g.PageID())
	right.setParent(left.parent())
	left.setNextLeaf(newID)
	sep := right.keyAt(0)
	newGuard.Release()

	if oldNext.Valid() {
		// Fix the old right neighbor's back link. Acquired left-to-right,
		// same order as every other chain traversal.
		nextGuard, err := t.pool.FetchPageWrite(oldNext)
		if err != nil {
			return 0, page.InvalidPageID, err
		}
		asNode(nextGuard.Data(), t.order).setPrevLeaf(newID)
		nextGuard.Release()
	}
	return sep, newID, nil
}

// splitInternal moves the upper half of an overflowed internal node to a
// fresh node. The middle key moves out entirely and becomes the separator.
func (t *BTree) splitInternal(g *buffer.WritePageGuard) (int32, page.PageID, error) {
	left := asNode(g.Data(), t.order)
	count := left.keyCount()
	mid := count / 2
	sep := left.keyAt(mid)

	newID, newGuard, err := t.pool.NewPage()
	if err != nil {
		return 0, page.InvalidPageID, err
	}
	right := initInternal(newGuard.Data(), newID, t.order)
	for i := mid + 1; i < count; i++ {
		right.setKeyAt(i-mid-1, left.keyAt(i))
	}
	for i := mid + 1; i <= count; i++ {
		right.setChildAt(i-mid-1, left.childAt(i))
	}
	right.setKeyCount(count - mid - 1)
	right.setParent(left.parent())
	left.setKeyCount(mid)
	newGuard.Release()
	return sep, newID, nil
}

// Height returns the number of levels in the tree; a lone root leaf is 1.
func (t *BTree) Height() (int, error) {
	guard, err := t.fetchRootRead()
	if err != nil {
		return 0, err
	}
	height := 1
	for {
		n := asNode(guard.Data(), t.order)
		if n.isLeaf() {
			guard.Release()
			return height, nil
		}
		childID := n.childAt(0)
		child, err := t.pool.FetchPageRead(childID)
		if err != nil {
			guard.Release()
			return 0, err
		}
		guard.Release()
		guard = child
		height++
	}
}

// Delete removes the key's entry from its leaf. Leaves are allowed to run
// under half full: deletion never redistributes or merges nodes, which keeps
// it a single-leaf mutation.
func (t *BTree) Delete(key int32) error {
	guard, err := t.fetchRootWrite()
	if err != nil {
		return err
	}
	for {
		n := asNode(guard.Data(), t.order)
		if n.isLeaf() {
			pos := n.search(key)
			if pos >= n.keyCount() || n.keyAt(pos) != key {
				guard.Release()
				return ErrKeyNotFound
			}
			n.leafRemoveAt(pos)
			guard.Release()
			return nil
		}
		childID := n.childAt(n.childIndexFor(key))
		child, err := t.pool.FetchPageWrite(childID)
		if err != nil {
			guard.Release()
			return err
		}
		guard.Release()
		guard = child
	}
}
