package heap_test

import (
	"bytes"
	"testing"

	"crio/pkg/buffer"
	"crio/pkg/config"
	"crio/pkg/disk"
	"crio/pkg/heap"
	"crio/pkg/page"
)

func setupHeap(t *testing.T) (*heap.TableHeap, *buffer.Pool) {
	t.Helper()
	m, err := disk.Open(t.TempDir())
	if err != nil {
		t.Fatal("Failed to open disk manager:", err)
	}
	cfg := config.Default()
	cfg.PoolSize = 16
	s := disk.NewScheduler(m, cfg.QueueDepth)
	t.Cleanup(func() {
		s.Shutdown()
		_ = m.Close()
	})
	pool := buffer.NewPool(m, s, cfg)
	h, err := heap.Create(pool, 7)
	if err != nil {
		t.Fatal("Failed to create table heap:", err)
	}
	return h, pool
}

func tuple(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestHeap(t *testing.T) {
	t.Run("InsertGetRoundTrip", testHeapInsertGet)
	t.Run("DeleteInvalidatesRecord", testHeapDelete)
	t.Run("UpdateMayMove", testHeapUpdate)
	t.Run("ChainsAcrossPages", testHeapChains)
	t.Run("ReusesFreedSpace", testHeapReusesFreedSpace)
	t.Run("RejectsOversizedTuple", testHeapOversized)
	t.Run("Scan", testHeapScan)
}

func testHeapInsertGet(t *testing.T) {
	h, _ := setupHeap(t)
	rid, err := h.Insert(tuple('a', 64))
	if err != nil {
		t.Fatal("Insert failed:", err)
	}
	got, err := h.Get(rid)
	if err != nil {
		t.Fatal("Get failed:", err)
	}
	if !bytes.Equal(got, tuple('a', 64)) {
		t.Error("Round trip changed the tuple")
	}
}

func testHeapDelete(t *testing.T) {
	h, _ := setupHeap(t)
	rid, err := h.Insert(tuple('d', 32))
	if err != nil {
		t.Fatal("Insert failed:", err)
	}
	if err := h.Delete(rid); err != nil {
		t.Fatal("Delete failed:", err)
	}
	if _, err := h.Get(rid); err != page.ErrSlotDeleted {
		t.Errorf("Expected ErrSlotDeleted after delete, got %v", err)
	}
}

func testHeapUpdate(t *testing.T) {
	h, _ := setupHeap(t)
	rid, err := h.Insert(tuple('u', 100))
	if err != nil {
		t.Fatal("Insert failed:", err)
	}
	// Shrinking updates stay put.
	same, err := h.Update(rid, tuple('v', 40))
	if err != nil {
		t.Fatal("Shrinking update failed:", err)
	}
	if same != rid {
		t.Errorf("Shrinking update moved %s to %s", rid, same)
	}
	got, err := h.Get(same)
	if err != nil {
		t.Fatal("Get failed:", err)
	}
	if !bytes.Equal(got, tuple('v', 40)) {
		t.Error("Update did not take")
	}
	// Growing updates may move; the new record id must resolve.
	moved, err := h.Update(same, tuple('w', 300))
	if err != nil {
		t.Fatal("Growing update failed:", err)
	}
	got, err = h.Get(moved)
	if err != nil {
		t.Fatal("Get after growing update failed:", err)
	}
	if !bytes.Equal(got, tuple('w', 300)) {
		t.Error("Growing update did not take")
	}
}

// Enough inserts spill onto fresh pages spliced at the tail of the chain.
func testHeapChains(t *testing.T) {
	h, _ := setupHeap(t)
	var rids []page.RecordID
	for i := 0; i < 40; i++ {
		rid, err := h.Insert(tuple(byte('a'+i%26), 500))
		if err != nil {
			t.Fatalf("Insert %d failed: %s", i, err)
		}
		rids = append(rids, rid)
	}
	pages := make(map[page.PageID]bool)
	for _, rid := range rids {
		pages[rid.PageID] = true
	}
	if len(pages) < 5 {
		t.Errorf("40 half-kilobyte tuples landed on only %d pages", len(pages))
	}
	for i, rid := range rids {
		got, err := h.Get(rid)
		if err != nil {
			t.Fatalf("Get of tuple %d failed: %s", i, err)
		}
		if !bytes.Equal(got, tuple(byte('a'+i%26), 500)) {
			t.Fatalf("Tuple %d corrupted", i)
		}
	}
}

// After deletions the freed space is found again instead of growing the chain.
func testHeapReusesFreedSpace(t *testing.T) {
	h, _ := setupHeap(t)
	var rids []page.RecordID
	for i := 0; i < 8; i++ {
		rid, err := h.Insert(tuple('x', 480))
		if err != nil {
			t.Fatal("Insert failed:", err)
		}
		rids = append(rids, rid)
	}
	for _, rid := range rids {
		if err := h.Delete(rid); err != nil {
			t.Fatal("Delete failed:", err)
		}
	}
	rid, err := h.Insert(tuple('y', 1000))
	if err != nil {
		t.Fatal("Insert into freed space failed:", err)
	}
	if rid.PageID != rids[0].PageID {
		t.Errorf("Insert went to page %s instead of reusing %s", rid.PageID, rids[0].PageID)
	}
}

func testHeapOversized(t *testing.T) {
	h, _ := setupHeap(t)
	if _, err := h.Insert(tuple('b', page.Size)); err != heap.ErrTupleTooLarge {
		t.Errorf("Expected ErrTupleTooLarge, got %v", err)
	}
}

func testHeapScan(t *testing.T) {
	h, _ := setupHeap(t)
	want := make(map[string]bool)
	for i := 0; i < 30; i++ {
		payload := tuple(byte('a'+i%26), 200+i)
		if _, err := h.Insert(payload); err != nil {
			t.Fatal("Insert failed:", err)
		}
		want[string(payload)] = true
	}
	seen := 0
	err := h.Scan(func(rid page.RecordID, tuple []byte) bool {
		if !want[string(tuple)] {
			t.Errorf("Scan yielded an unexpected tuple at %s", rid)
		}
		seen++
		return true
	})
	if err != nil {
		t.Fatal("Scan failed:", err)
	}
	if seen != 30 {
		t.Errorf("Scan yielded %d tuples, want 30", seen)
	}
}
