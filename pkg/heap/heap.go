package heap

import (
	"errors"
	"fmt"
	"sync"

	"crio/pkg/buffer"
	"crio/pkg/page"
)

// ErrTupleTooLarge means the tuple cannot fit even on an empty table page.
var ErrTupleTooLarge = errors.New("tuple does not fit on an empty page")

// maxTupleSize is the largest tuple an empty table page can take, leaving
// room for its slot entry.
const maxTupleSize = page.Size - page.TableHeaderSize - page.SlotSize

// TableHeap is a table's storage: a doubly-linked chain of slotted table
// pages reached through the buffer pool. Tuples are addressed by RecordID
// and every page access goes through a guard.
type TableHeap struct {
	pool    *buffer.Pool
	tableID uint32

	firstPage page.PageID
	extents   *ExtentAllocator

	// appendMu serializes chain growth; lastPage is where the next splice
	// starts looking for the tail.
	appendMu sync.Mutex
	lastPage page.PageID
}

// Create allocates the first page of a new table heap.
func Create(pool *buffer.Pool, tableID uint32) (*TableHeap, error) {
	id, guard, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	sp := page.InitTable(guard.Data(), id, tableID)
	free := sp.FreeSpace()
	guard.Release()

	h := &TableHeap{
		pool:      pool,
		tableID:   tableID,
		firstPage: id,
		lastPage:  id,
		extents:   NewExtentAllocator(),
	}
	h.extents.Update(id, free)
	return h, nil
}

// Open walks an existing heap's chain from its first page, seeding the
// extent allocator with each page's current free space.
func Open(pool *buffer.Pool, tableID uint32, firstPage page.PageID) (*TableHeap, error) {
	h := &TableHeap{
		pool:      pool,
		tableID:   tableID,
		firstPage: firstPage,
		lastPage:  firstPage,
		extents:   NewExtentAllocator(),
	}
	for id := firstPage; id.Valid(); {
		guard, err := pool.FetchPageRead(id)
		if err != nil {
			return nil, err
		}
		data := guard.Data()
		if page.TypeOf(data) != page.TypeTable || page.TableID(data) != tableID {
			guard.Release()
			return nil, fmt.Errorf("page %s does not belong to table %d", id, tableID)
		}
		h.extents.Update(id, page.AsSlotted(data).FreeSpace())
		h.lastPage = id
		id = page.NextPageID(data)
		guard.Release()
	}
	return h, nil
}

// TableID returns the table's id.
func (h *TableHeap) TableID() uint32 {
	return h.tableID
}

// FirstPageID returns the head of the page chain, the id persisted in the
// page directory.
func (h *TableHeap) FirstPageID() page.PageID {
	return h.firstPage
}

// Insert stores the tuple and returns its record id. The extent allocator
// proposes a page; the page's actual free space is re-verified after
// latching, fragmented pages are compacted in place, and when nothing fits a
// fresh page is spliced onto the tail of the chain.
func (h *TableHeap) Insert(tuple []byte) (page.RecordID, error) {
	if len(tuple) > maxTupleSize {
		return page.RecordID{}, ErrTupleTooLarge
	}
	need := len(tuple) + page.SlotSize
	tried := make(map[page.PageID]bool)
	for {
		id, ok := h.extents.PageWith(need)
		if !ok || tried[id] {
			return h.insertOnFreshPage(tuple)
		}
		tried[id] = true

		guard, err := h.pool.FetchPageWrite(id)
		if err != nil {
			return page.RecordID{}, err
		}
		sp := page.AsSlotted(guard.Data())
		slot, err := sp.Insert(tuple)
		if err == page.ErrPageFull && sp.ReclaimableSpace() >= len(tuple) {
			// Tombstones fragment the tuple region; compaction makes the
			// free space contiguous without disturbing slot ids.
			sp.Compact()
			slot, err = sp.Insert(tuple)
		}
		free := sp.FreeSpace()
		guard.Release()
		h.extents.Update(id, free)
		if err == nil {
			return page.NewRecordID(id, slot), nil
		}
		if err != page.ErrPageFull {
			return page.RecordID{}, err
		}
	}
}

// insertOnFreshPage allocates a page, splices it at the tail of the chain,
// and inserts the tuple there.
func (h *TableHeap) insertOnFreshPage(tuple []byte) (page.RecordID, error) {
	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	// Another inserter may have grown the chain while we waited; retry the
	// free-space map once before paying for a new page.
	need := len(tuple) + page.SlotSize
	if id, ok := h.extents.PageWith(need); ok {
		guard, err := h.pool.FetchPageWrite(id)
		if err != nil {
			return page.RecordID{}, err
		}
		sp := page.AsSlotted(guard.Data())
		slot, err := sp.Insert(tuple)
		free := sp.FreeSpace()
		guard.Release()
		h.extents.Update(id, free)
		if err == nil {
			return page.NewRecordID(id, slot), nil
		}
		if err != page.ErrPageFull {
			return page.RecordID{}, err
		}
	}

	id, guard, err := h.pool.NewPage()
	if err != nil {
		return page.RecordID{}, err
	}
	sp := page.InitTable(guard.Data(), id, h.tableID)

	// Splice behind the current tail. The tail pointer may lag; follow next
	// links until the real end of the chain.
	tail := h.lastPage
	for {
		tailGuard, err := h.pool.FetchPageWrite(tail)
		if err != nil {
			guard.Release()
			return page.RecordID{}, err
		}
		next := page.NextPageID(tailGuard.Data())
		if next.Valid() {
			tailGuard.Release()
			tail = next
			continue
		}
		page.SetNextPageID(tailGuard.Data(), id)
		page.SetPrevPageID(guard.Data(), tail)
		tailGuard.Release()
		break
	}
	h.lastPage = id

	slot, err := sp.Insert(tuple)
	free := sp.FreeSpace()
	guard.Release()
	h.extents.Update(id, free)
	if err != nil {
		return page.RecordID{}, err
	}
	return page.NewRecordID(id, slot), nil
}

// Get returns a copy of the tuple at the record id.
func (h *TableHeap) Get(rid page.RecordID) ([]byte, error) {
	guard, err := h.pool.FetchPageRead(rid.PageID)
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	tuple, err := page.AsSlotted(guard.Data()).Get(rid.SlotID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(tuple))
	copy(out, tuple)
	return out, nil
}

// Delete tombstones the tuple's slot. The record id becomes invalid; the
// slot's space is reclaimed by a later compaction.
func (h *TableHeap) Delete(rid page.RecordID) error {
	guard, err := h.pool.FetchPageWrite(rid.PageID)
	if err != nil {
		return err
	}
	sp := page.AsSlotted(guard.Data())
	err = sp.Delete(rid.SlotID)
	free := sp.FreeSpace()
	guard.Release()
	if err == nil {
		h.extents.Update(rid.PageID, free)
	}
	return err
}

// Update replaces the tuple in place when it fits, otherwise deletes it and
// reinserts, possibly on another page. The returned record id is the tuple's
// current address; the caller owns propagating a changed id to any index.
func (h *TableHeap) Update(rid page.RecordID, tuple []byte) (page.RecordID, error) {
	if len(tuple) > maxTupleSize {
		return page.RecordID{}, ErrTupleTooLarge
	}
	guard, err := h.pool.FetchPageWrite(rid.PageID)
	if err != nil {
		return page.RecordID{}, err
	}
	sp := page.AsSlotted(guard.Data())
	slot, err := sp.Update(rid.SlotID, tuple)
	free := sp.FreeSpace()
	guard.Release()
	h.extents.Update(rid.PageID, free)
	if err == nil {
		return page.NewRecordID(rid.PageID, slot), nil
	}
	if err != page.ErrPageFull {
		return page.RecordID{}, err
	}
	// No room on the home page: move the tuple.
	if err := h.Delete(rid); err != nil {
		return page.RecordID{}, err
	}
	return h.Insert(tuple)
}

// Scan calls fn for every live tuple in chain order, stopping early if fn
// returns false. The tuple slice is only valid during the call.
func (h *TableHeap) Scan(fn func(rid page.RecordID, tuple []byte) bool) error {
	for id := h.firstPage; id.Valid(); {
		guard, err := h.pool.FetchPageRead(id)
		if err != nil {
			return err
		}
		data := guard.Data()
		stop := false
		page.AsSlotted(data).LiveSlots(func(slot page.SlotID, tuple []byte) bool {
			if !fn(page.NewRecordID(id, slot), tuple) {
				stop = true
				return false
			}
			return true
		})
		next := page.NextPageID(data)
		guard.Release()
		if stop {
			return nil
		}
		id = next
	}
	return nil
}
