package page_test

import (
	"bytes"
	"testing"

	"crio/pkg/page"
)

// newTablePage formats a scratch buffer as an empty table page.
func newTablePage(t *testing.T) *page.Slotted {
	t.Helper()
	data := make([]byte, page.Size)
	return page.InitTable(data, page.MustPageID(0, 1), 42)
}

// insertTuple inserts and fails the test on error.
func insertTuple(t *testing.T, p *page.Slotted, tuple []byte) page.SlotID {
	t.Helper()
	slot, err := p.Insert(tuple)
	if err != nil {
		t.Fatalf("Failed to insert %d-byte tuple: %s", len(tuple), err)
	}
	return slot
}

// checkTuple verifies the bytes stored at a slot.
func checkTuple(t *testing.T, p *page.Slotted, slot page.SlotID, want []byte) {
	t.Helper()
	got, err := p.Get(slot)
	if err != nil {
		t.Fatalf("Failed to get slot %d: %s", slot, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Slot %d holds wrong bytes: got %q, want %q", slot, got, want)
	}
}

func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestSlotted(t *testing.T) {
	t.Run("InsertAndGet", testInsertAndGet)
	t.Run("SlotReuse", testSlotReuse)
	t.Run("SlotStability", testSlotStability)
	t.Run("DeleteSemantics", testDeleteSemantics)
	t.Run("UpdateInPlace", testUpdateInPlace)
	t.Run("UpdateGrows", testUpdateGrows)
	t.Run("PageFull", testPageFull)
	t.Run("FreeSpace", testFreeSpace)
	t.Run("CompactReclaims", testCompactReclaims)
}

func testInsertAndGet(t *testing.T) {
	p := newTablePage(t)
	a := insertTuple(t, p, []byte("alpha"))
	b := insertTuple(t, p, []byte("bravo"))
	if a != 0 || b != 1 {
		t.Errorf("Expected slots 0 and 1, got %d and %d", a, b)
	}
	checkTuple(t, p, a, []byte("alpha"))
	checkTuple(t, p, b, []byte("bravo"))
}

// Insertion must reuse the lowest tombstoned slot before growing the array.
func testSlotReuse(t *testing.T) {
	p := newTablePage(t)
	insertTuple(t, p, repeat('a', 10))
	s1 := insertTuple(t, p, repeat('b', 10))
	insertTuple(t, p, repeat('c', 10))
	if err := p.Delete(s1); err != nil {
		t.Fatal("Failed to delete slot 1:", err)
	}
	reused := insertTuple(t, p, repeat('d', 5))
	if reused != s1 {
		t.Errorf("Expected tombstoned slot %d to be reused, got slot %d", s1, reused)
	}
	next := insertTuple(t, p, repeat('e', 5))
	if next != 3 {
		t.Errorf("Expected a fresh slot 3, got %d", next)
	}
}

// Insert A, B, C; delete B; insert D into B's slot; compact. Every surviving
// record id must still point at the same bytes it did at issuance.
func testSlotStability(t *testing.T) {
	p := newTablePage(t)
	a := insertTuple(t, p, repeat('A', 100))
	b := insertTuple(t, p, repeat('B', 100))
	c := insertTuple(t, p, repeat('C', 100))
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("Expected slots 0,1,2, got %d,%d,%d", a, b, c)
	}
	if err := p.Delete(b); err != nil {
		t.Fatal("Failed to delete slot 1:", err)
	}
	d := insertTuple(t, p, repeat('D', 50))
	if d != 1 {
		t.Fatalf("Expected insert to reuse slot 1, got %d", d)
	}
	p.Compact()
	checkTuple(t, p, 0, repeat('A', 100))
	checkTuple(t, p, 1, repeat('D', 50))
	checkTuple(t, p, 2, repeat('C', 100))
}

func testDeleteSemantics(t *testing.T) {
	p := newTablePage(t)
	s := insertTuple(t, p, []byte("doomed"))
	if err := p.Delete(s); err != nil {
		t.Fatal("First delete should succeed:", err)
	}
	if err := p.Delete(s); err != page.ErrSlotDeleted {
		t.Errorf("Second delete should report ErrSlotDeleted, got %v", err)
	}
	if _, err := p.Get(s); err != page.ErrSlotDeleted {
		t.Errorf("Get on tombstone should report ErrSlotDeleted, got %v", err)
	}
	if _, err := p.Get(99); err != page.ErrSlotNotFound {
		t.Errorf("Get past the slot array should report ErrSlotNotFound, got %v", err)
	}
}

func testUpdateInPlace(t *testing.T) {
	p := newTablePage(t)
	s := insertTuple(t, p, repeat('x', 20))
	slot, err := p.Update(s, repeat('y', 12))
	if err != nil {
		t.Fatal("Shrinking update failed:", err)
	}
	if slot != s {
		t.Errorf("Shrinking update moved the tuple from slot %d to %d", s, slot)
	}
	checkTuple(t, p, s, repeat('y', 12))
}

func testUpdateGrows(t *testing.T) {
	p := newTablePage(t)
	s := insertTuple(t, p, repeat('x', 10))
	insertTuple(t, p, repeat('z', 10))
	slot, err := p.Update(s, repeat('y', 200))
	if err != nil {
		t.Fatal("Growing update failed:", err)
	}
	checkTuple(t, p, slot, repeat('y', 200))
}

func testPageFull(t *testing.T) {
	p := newTablePage(t)
	big := repeat('k', 1000)
	for i := 0; i < 4; i++ {
		insertTuple(t, p, big)
	}
	if _, err := p.Insert(big); err != page.ErrPageFull {
		t.Errorf("Expected ErrPageFull on the fifth kilobyte tuple, got %v", err)
	}
}

func testFreeSpace(t *testing.T) {
	p := newTablePage(t)
	before := p.FreeSpace()
	if before != page.Size-page.TableHeaderSize-page.SlotSize {
		t.Errorf("Fresh page free space is %d", before)
	}
	insertTuple(t, p, repeat('q', 100))
	after := p.FreeSpace()
	if before-after != 100+page.SlotSize {
		t.Errorf("Insert of 100 bytes moved free space from %d to %d", before, after)
	}
}

// A page fragmented by deletions only regains contiguous space on Compact.
func testCompactReclaims(t *testing.T) {
	p := newTablePage(t)
	var slots []page.SlotID
	for i := 0; i < 8; i++ {
		slots = append(slots, insertTuple(t, p, repeat(byte('a'+i), 480)))
	}
	// Tombstone every other tuple; the survivors are interleaved with holes.
	for i := 0; i < 8; i += 2 {
		if err := p.Delete(slots[i]); err != nil {
			t.Fatal("Delete failed:", err)
		}
	}
	if _, err := p.Insert(repeat('z', 1200)); err != page.ErrPageFull {
		t.Fatalf("Expected fragmentation to force ErrPageFull, got %v", err)
	}
	p.Compact()
	z := insertTuple(t, p, repeat('z', 1200))
	checkTuple(t, p, z, repeat('z', 1200))
	for i := 1; i < 8; i += 2 {
		checkTuple(t, p, slots[i], repeat(byte('a'+i), 480))
	}
}
