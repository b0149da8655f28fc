package btree_test

import (
	"math/rand"
	"sync"
	"testing"

	"crio/pkg/btree"
	"crio/pkg/buffer"
	"crio/pkg/config"
	"crio/pkg/disk"
	"crio/pkg/page"
)

// setupTree builds a small-order tree over a fresh pool so a handful of
// inserts already exercises splits.
func setupTree(t *testing.T, order int) *btree.BTree {
	t.Helper()
	m, err := disk.Open(t.TempDir())
	if err != nil {
		t.Fatal("Failed to open disk manager:", err)
	}
	cfg := config.Default()
	cfg.PoolSize = 32
	s := disk.NewScheduler(m, cfg.QueueDepth)
	t.Cleanup(func() {
		s.Shutdown()
		_ = m.Close()
	})
	tree, err := btree.New(buffer.NewPool(m, s, cfg), order)
	if err != nil {
		t.Fatal("Failed to create btree:", err)
	}
	return tree
}

// ridFor derives a distinct record id for a key.
func ridFor(key int32) page.RecordID {
	return page.NewRecordID(page.MustPageID(0, uint32(key)+1), page.SlotID(key%7))
}

// insertKey inserts (key, ridFor(key)), failing the test on error.
func insertKey(t *testing.T, tree *btree.BTree, key int32) {
	t.Helper()
	if err := tree.Insert(key, ridFor(key)); err != nil {
		t.Fatalf("Failed to insert key %d: %s", key, err)
	}
}

// checkSearch verifies that key resolves to ridFor(key).
func checkSearch(t *testing.T, tree *btree.BTree, key int32) {
	t.Helper()
	rid, err := tree.Search(key)
	if err != nil {
		t.Fatalf("Failed to find inserted key %d: %s", key, err)
	}
	if rid != ridFor(key) {
		t.Errorf("Key %d resolved to %s, want %s", key, rid, ridFor(key))
	}
}

func TestBTree(t *testing.T) {
	t.Run("InsertAndSearch", testInsertAndSearch)
	t.Run("DuplicateKey", testDuplicateKey)
	t.Run("RootSplit", testRootSplit)
	t.Run("AscendingInserts", testAscendingInserts)
	t.Run("RandomInserts", testRandomInserts)
	t.Run("RangeScan", testRangeScan)
	t.Run("EmptyScans", testEmptyScans)
	t.Run("Delete", testDelete)
	t.Run("ConcurrentInserts", testConcurrentInserts)
}

func testInsertAndSearch(t *testing.T) {
	tree := setupTree(t, 4)
	for _, key := range []int32{5, 1, 9, 3} {
		insertKey(t, tree, key)
	}
	for _, key := range []int32{5, 1, 9, 3} {
		checkSearch(t, tree, key)
	}
	if _, err := tree.Search(7); err != btree.ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for key 7, got %v", err)
	}
}

func testDuplicateKey(t *testing.T) {
	tree := setupTree(t, 4)
	insertKey(t, tree, 11)
	if err := tree.Insert(11, ridFor(11)); err != btree.ErrDuplicateKey {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

// Five inserts into an order-4 tree must split the root leaf once: height 2,
// both halves reachable, all keys intact.
func testRootSplit(t *testing.T) {
	tree := setupTree(t, 4)
	for _, key := range []int32{10, 20, 30, 40, 50} {
		insertKey(t, tree, key)
	}
	height, err := tree.Height()
	if err != nil {
		t.Fatal("Failed to measure height:", err)
	}
	if height != 2 {
		t.Errorf("Expected height 2 after the root split, got %d", height)
	}
	for _, key := range []int32{10, 20, 30, 40, 50} {
		checkSearch(t, tree, key)
	}
	if err := tree.Verify(); err != nil {
		t.Error("Tree invariants violated:", err)
	}
	entries, err := tree.RangeScan(0, 100)
	if err != nil {
		t.Fatal("Range scan failed:", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Scan returned %d entries, want 5", len(entries))
	}
	for i, want := range []int32{10, 20, 30, 40, 50} {
		if entries[i].Key != want {
			t.Errorf("Scan position %d holds key %d, want %d", i, entries[i].Key, want)
		}
	}
}

// Ascending inserts are the worst case for rightmost splits.
func testAscendingInserts(t *testing.T) {
	tree := setupTree(t, 4)
	for key := int32(0); key < 200; key++ {
		insertKey(t, tree, key)
	}
	if err := tree.Verify(); err != nil {
		t.Fatal("Tree invariants violated:", err)
	}
	for key := int32(0); key < 200; key += 17 {
		checkSearch(t, tree, key)
	}
	height, err := tree.Height()
	if err != nil {
		t.Fatal(err)
	}
	if height < 3 {
		t.Errorf("200 keys at order 4 should need at least 3 levels, got %d", height)
	}
}

func testRandomInserts(t *testing.T) {
	tree := setupTree(t, 8)
	keys := rand.Perm(500)
	for _, key := range keys {
		insertKey(t, tree, int32(key))
	}
	if err := tree.Verify(); err != nil {
		t.Fatal("Tree invariants violated:", err)
	}
	entries, err := tree.RangeScan(0, 499)
	if err != nil {
		t.Fatal("Range scan failed:", err)
	}
	if len(entries) != 500 {
		t.Fatalf("Scan returned %d entries, want 500", len(entries))
	}
	for i, e := range entries {
		if e.Key != int32(i) {
			t.Fatalf("Scan position %d holds key %d", i, e.Key)
		}
	}
}

// Keys 1..100 inserted shuffled; the scan over [25, 75] yields exactly
// 25..75 ascending, each once.
func testRangeScan(t *testing.T) {
	tree := setupTree(t, 4)
	for _, key := range rand.Perm(100) {
		insertKey(t, tree, int32(key)+1)
	}
	entries, err := tree.RangeScan(25, 75)
	if err != nil {
		t.Fatal("Range scan failed:", err)
	}
	if len(entries) != 51 {
		t.Fatalf("Scan returned %d entries, want 51", len(entries))
	}
	for i, e := range entries {
		want := int32(25 + i)
		if e.Key != want {
			t.Errorf("Scan position %d holds key %d, want %d", i, e.Key, want)
		}
		if e.RID != ridFor(want) {
			t.Errorf("Key %d scanned with record id %s, want %s", want, e.RID, ridFor(want))
		}
	}
}

func testEmptyScans(t *testing.T) {
	tree := setupTree(t, 4)
	entries, err := tree.RangeScan(10, 20)
	if err != nil {
		t.Fatal("Scan of an empty tree failed:", err)
	}
	if len(entries) != 0 {
		t.Errorf("Empty tree scan returned %d entries", len(entries))
	}

	insertKey(t, tree, 5)
	entries, err = tree.RangeScan(20, 10)
	if err != nil {
		t.Fatal("Inverted-bounds scan failed:", err)
	}
	if len(entries) != 0 {
		t.Errorf("Inverted-bounds scan returned %d entries", len(entries))
	}
}

func testDelete(t *testing.T) {
	tree := setupTree(t, 4)
	for key := int32(0); key < 50; key++ {
		insertKey(t, tree, key)
	}
	for key := int32(0); key < 50; key += 2 {
		if err := tree.Delete(key); err != nil {
			t.Fatalf("Failed to delete key %d: %s", key, err)
		}
	}
	if err := tree.Delete(2); err != btree.ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound deleting key 2 twice, got %v", err)
	}
	entries, err := tree.RangeScan(0, 49)
	if err != nil {
		t.Fatal("Range scan failed:", err)
	}
	if len(entries) != 25 {
		t.Fatalf("Scan returned %d entries after deletions, want 25", len(entries))
	}
	for i, e := range entries {
		if e.Key != int32(2*i+1) {
			t.Errorf("Scan position %d holds key %d, want %d", i, e.Key, 2*i+1)
		}
	}
}

func testConcurrentInserts(t *testing.T) {
	tree := setupTree(t, 8)
	const workers = 4
	const perWorker = 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := int32(w*perWorker + i)
				if err := tree.Insert(key, ridFor(key)); err != nil {
					t.Errorf("Failed to insert key %d: %s", key, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := tree.Verify(); err != nil {
		t.Fatal("Tree invariants violated after concurrent inserts:", err)
	}
	entries, err := tree.RangeScan(0, workers*perWorker-1)
	if err != nil {
		t.Fatal("Range scan failed:", err)
	}
	if len(entries) != workers*perWorker {
		t.Fatalf("Scan returned %d entries, want %d", len(entries), workers*perWorker)
	}
}
