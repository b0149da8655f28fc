package page_test

import (
	"testing"

	"crio/pkg/page"
)

func TestDirectory(t *testing.T) {
	t.Run("InitAndReopen", testDirInitAndReopen)
	t.Run("PutLookupRemove", testDirPutLookupRemove)
	t.Run("RejectsGarbage", testDirRejectsGarbage)
	t.Run("Full", testDirFull)
}

func testDirInitAndReopen(t *testing.T) {
	data := make([]byte, page.Size)
	d := page.InitDirectory(data)
	if err := d.Put(5, page.MustPageID(0, 9)); err != nil {
		t.Fatal("Put failed:", err)
	}

	reopened, err := page.AsDirectory(data)
	if err != nil {
		t.Fatal("Reopening an initialized directory failed:", err)
	}
	first, ok := reopened.Lookup(5)
	if !ok || first != page.MustPageID(0, 9) {
		t.Errorf("Lookup(5) = (%s, %v)", first, ok)
	}
}

func testDirPutLookupRemove(t *testing.T) {
	d := page.InitDirectory(make([]byte, page.Size))
	for i := uint32(1); i <= 10; i++ {
		if err := d.Put(i, page.MustPageID(0, i)); err != nil {
			t.Fatal("Put failed:", err)
		}
	}
	// Overwrite keeps the entry count stable.
	if err := d.Put(3, page.MustPageID(1, 30)); err != nil {
		t.Fatal("Overwriting put failed:", err)
	}
	if d.Len() != 10 {
		t.Errorf("Expected 10 entries after overwrite, got %d", d.Len())
	}
	first, _ := d.Lookup(3)
	if first != page.MustPageID(1, 30) {
		t.Errorf("Lookup(3) = %s after overwrite", first)
	}
	if !d.Remove(7) {
		t.Error("Remove(7) found nothing")
	}
	if _, ok := d.Lookup(7); ok {
		t.Error("Lookup(7) still succeeds after removal")
	}
	if d.Len() != 9 {
		t.Errorf("Expected 9 entries after removal, got %d", d.Len())
	}
}

func testDirRejectsGarbage(t *testing.T) {
	if _, err := page.AsDirectory(make([]byte, page.Size)); err != page.ErrBadDirectory {
		t.Errorf("Expected ErrBadDirectory for a zeroed page, got %v", err)
	}
}

func testDirFull(t *testing.T) {
	d := page.InitDirectory(make([]byte, page.Size))
	for i := 0; i < page.MaxDirectoryEntries; i++ {
		if err := d.Put(uint32(i), page.MustPageID(0, 1)); err != nil {
			t.Fatal("Put failed before the directory was full:", err)
		}
	}
	if err := d.Put(99999, page.MustPageID(0, 1)); err != page.ErrDirectoryFull {
		t.Errorf("Expected ErrDirectoryFull, got %v", err)
	}
}
