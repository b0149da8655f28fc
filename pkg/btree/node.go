// Package btree implements a B+ tree index whose every node is a page
// reached through the buffer pool. Keys are 4-byte signed integers; leaves
// hold RecordIDs and chain into a doubly-linked list for range scans.
package btree

import (
	"encoding/binary"
	"sort"

	"crio/pkg/page"
)

// B+ tree node extension after the generic page header: parent, prev_leaf,
// next_leaf (u32 each), then the key region and the payload region. The key
// count lives in the generic header's slot_count field. Regions are sized
// for order+1 entries so an insert can overflow a full node in place before
// the split distributes the surplus.
const (
	parentOffset   = 16
	prevLeafOffset = 20
	nextLeafOffset = 24
	bodyOffset     = 28

	keySize   = 4
	childSize = 4
)

// MaxOrder is the largest order for which a leaf's keys and record ids
// (order+1 of each during an overflow) fit on one page.
const MaxOrder = (page.Size - bodyOffset - keySize - page.RecordIDSize) / (keySize + page.RecordIDSize)

// node is a view over a guarded node page.
type node struct {
	data  []byte
	order int
}

func asNode(data []byte, order int) node {
	return node{data: data, order: order}
}

func initLeaf(data []byte, id page.PageID, order int) node {
	page.Init(data, id, page.TypeBTreeLeaf)
	n := node{data: data, order: order}
	n.setParent(page.InvalidPageID)
	n.setPrevLeaf(page.InvalidPageID)
	n.setNextLeaf(page.InvalidPageID)
	return n
}

func initInternal(data []byte, id page.PageID, order int) node {
	page.Init(data, id, page.TypeBTreeInternal)
	n := node{data: data, order: order}
	n.setParent(page.InvalidPageID)
	n.setPrevLeaf(page.InvalidPageID)
	n.setNextLeaf(page.InvalidPageID)
	return n
}

func (n node) isLeaf() bool {
	return page.TypeOf(n.data) == page.TypeBTreeLeaf
}

func (n node) keyCount() int {
	return int(page.SlotCount(n.data))
}

func (n node) setKeyCount(count int) {
	page.SetSlotCount(n.data, uint16(count))
}

func (n node) parent() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data[parentOffset:]))
}

func (n node) setParent(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data[parentOffset:], uint32(id))
}

func (n node) prevLeaf() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data[prevLeafOffset:]))
}

func (n node) setPrevLeaf(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data[prevLeafOffset:], uint32(id))
}

func (n node) nextLeaf() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data[nextLeafOffset:]))
}

func (n node) setNextLeaf(id page.PageID) {
	binary.LittleEndian.PutUint32(n.data[nextLeafOffset:], uint32(id))
}

func (n node) keyPos(i int) int {
	return bodyOffset + i*keySize
}

func (n node) keyAt(i int) int32 {
	return int32(binary.LittleEndian.Uint32(n.data[n.keyPos(i):]))
}

func (n node) setKeyAt(i int, key int32) {
	binary.LittleEndian.PutUint32(n.data[n.keyPos(i):], uint32(key))
}

// payloadBase is where record ids (leaf) or child pointers (internal) start.
func (n node) payloadBase() int {
	return bodyOffset + (n.order+1)*keySize
}

func (n node) ridAt(i int) page.RecordID {
	return page.UnmarshalRecordID(n.data[n.payloadBase()+i*page.RecordIDSize:])
}

func (n node) setRidAt(i int, rid page.RecordID) {
	rid.MarshalTo(n.data[n.payloadBase()+i*page.RecordIDSize:])
}

func (n node) childAt(i int) page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(n.data[n.payloadBase()+i*childSize:]))
}

func (n node) setChildAt(i int, id page.PageID) {
	binary.LittleEndian.PutUint32(n.data[n.payloadBase()+i*childSize:], uint32(id))
}

// search returns the first index whose key is >= the given key, keyCount()
// if none is.
func (n node) search(key int32) int {
	return sort.Search(n.keyCount(), func(i int) bool {
		return n.keyAt(i) >= key
	})
}

// childIndexFor returns the child to descend into: the index i with
// key[i-1] <= key < key[i], under -inf/+inf sentinels at the ends.
func (n node) childIndexFor(key int32) int {
	return sort.Search(n.keyCount(), func(i int) bool {
		return key < n.keyAt(i)
	})
}

// leafInsertAt shifts entries right and writes (key, rid) at position pos.
func (n node) leafInsertAt(pos int, key int32, rid page.RecordID) {
	count := n.keyCount()
	for i := count - 1; i >= pos; i-- {
		n.setKeyAt(i+1, n.keyAt(i))
		n.setRidAt(i+1, n.ridAt(i))
	}
	n.setKeyAt(pos, key)
	n.setRidAt(pos, rid)
	n.setKeyCount(count + 1)
}

// leafRemoveAt shifts entries left over position pos.
func (n node) leafRemoveAt(pos int) {
	count := n.keyCount()
	for i := pos; i < count-1; i++ {
		n.setKeyAt(i, n.keyAt(i+1))
		n.setRidAt(i, n.ridAt(i+1))
	}
	n.setKeyCount(count - 1)
}

// internalInsert places a separator key with the child to its right.
func (n node) internalInsert(key int32, right page.PageID) {
	pos := n.search(key)
	count := n.keyCount()
	for i := count - 1; i >= pos; i-- {
		n.setKeyAt(i+1, n.keyAt(i))
	}
	for i := count; i >= pos+1; i-- {
		n.setChildAt(i+1, n.childAt(i))
	}
	n.setKeyAt(pos, key)
	n.setChildAt(pos+1, right)
	n.setKeyCount(count + 1)
}
