package btree

import (
	"errors"
	"fmt"

	"crio/pkg/page"
)

// Verify walks the whole tree and checks its structural invariants: keys
// strictly ascending within each node, every key reachable through child i
// bounded by the separators around it, and all leaves at the same depth.
// Used by tests and the stress driver; not part of the hot path.
func (t *BTree) Verify() error {
	_, _, _, err := t.verifyNode(t.RootID(), nil, nil)
	return err
}

// verifyNode checks the subtree rooted at id against the [lo, hi) bounds
// inherited from the separators above it. Returns the subtree's lowest and
// highest keys and its leaf depth.
func (t *BTree) verifyNode(id page.PageID, lo, hi *int32) (int32, int32, int, error) {
	guard, err := t.pool.FetchPageRead(id)
	if err != nil {
		return 0, 0, 0, err
	}
	n := asNode(guard.Data(), t.order)
	count := n.keyCount()
	keys := make([]int32, count)
	for i := range keys {
		keys[i] = n.keyAt(i)
	}
	leaf := n.isLeaf()
	children := make([]page.PageID, 0)
	if !leaf {
		for i := 0; i <= count; i++ {
			children = append(children, n.childAt(i))
		}
	}
	guard.Release()

	for i := 1; i < count; i++ {
		if keys[i-1] >= keys[i] {
			return 0, 0, 0, fmt.Errorf("node %s: keys not strictly ascending at %d", id, i)
		}
	}
	if count > 0 {
		if lo != nil && keys[0] < *lo {
			return 0, 0, 0, fmt.Errorf("node %s: key %d below separator %d", id, keys[0], *lo)
		}
		if hi != nil && keys[count-1] >= *hi {
			return 0, 0, 0, fmt.Errorf("node %s: key %d not below separator %d", id, keys[count-1], *hi)
		}
	}

	if leaf {
		if count == 0 {
			return 0, 0, 1, nil
		}
		return keys[0], keys[count-1], 1, nil
	}
	if count == 0 {
		return 0, 0, 0, errors.New("internal node with no separators")
	}

	var lowest, highest int32
	depth := -1
	for i, child := range children {
		var clo, chi *int32
		if i > 0 {
			clo = &keys[i-1]
		} else {
			clo = lo
		}
		if i < count {
			chi = &keys[i]
		} else {
			chi = hi
		}
		l, h, d, err := t.verifyNode(child, clo, chi)
		if err != nil {
			return 0, 0, 0, err
		}
		if depth == -1 {
			depth = d
		} else if d != depth {
			return 0, 0, 0, fmt.Errorf("node %s: uneven child depths %d and %d", id, depth, d)
		}
		if i == 0 {
			lowest = l
		}
		if i == len(children)-1 {
			highest = h
		}
	}
	return lowest, highest, depth + 1, nil
}
