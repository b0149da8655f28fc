package disk_test

import (
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"

	"crio/pkg/disk"
	"crio/pkg/page"
)

// setupManager opens a disk manager over a fresh temp directory.
func setupManager(t *testing.T) *disk.Manager {
	t.Helper()
	m, err := disk.Open(t.TempDir())
	require.NoError(t, err, "opening disk manager")
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}

// pageOf builds a page-aligned buffer filled with b.
func pageOf(b byte) []byte {
	buf := directio.AlignedBlock(page.Size)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestManagerAllocate(t *testing.T) {
	m := setupManager(t)

	// Offset 0 is reserved for the segment header, so allocation starts at 1.
	id, err := m.AllocatePage(0)
	require.NoError(t, err)
	require.Equal(t, page.MustPageID(0, 1), id)

	id2, err := m.AllocatePage(0)
	require.NoError(t, err)
	require.Equal(t, page.MustPageID(0, 2), id2)
	require.Equal(t, uint32(3), m.PageCount(0))
}

func TestManagerReadWriteRoundTrip(t *testing.T) {
	m := setupManager(t)
	id, err := m.AllocatePage(0)
	require.NoError(t, err)

	want := pageOf('x')
	require.NoError(t, m.WritePage(id, want))
	require.NoError(t, m.Flush(id.FileID()))

	got := directio.AlignedBlock(page.Size)
	require.NoError(t, m.ReadPage(id, got))
	require.Equal(t, want, got)
}

func TestManagerWriteIsIdempotent(t *testing.T) {
	m := setupManager(t)
	id, err := m.AllocatePage(0)
	require.NoError(t, err)

	want := pageOf('y')
	require.NoError(t, m.WritePage(id, want))
	require.NoError(t, m.WritePage(id, want))

	got := directio.AlignedBlock(page.Size)
	require.NoError(t, m.ReadPage(id, got))
	require.Equal(t, want, got)
	require.Equal(t, uint32(2), m.PageCount(0))
}

func TestManagerMissingFile(t *testing.T) {
	m := setupManager(t)
	err := m.ReadPage(page.MustPageID(9, 1), directio.AlignedBlock(page.Size))
	require.ErrorIs(t, err, disk.ErrMissingFile)
}

func TestManagerShortRead(t *testing.T) {
	m := setupManager(t)
	_, err := m.AllocatePage(0)
	require.NoError(t, err)
	// Offset 50 was never allocated, so the file ends well before it.
	err = m.ReadPage(page.MustPageID(0, 50), directio.AlignedBlock(page.Size))
	require.ErrorIs(t, err, disk.ErrShortRead)
}

func TestManagerCreatesSegmentOnWrite(t *testing.T) {
	m := setupManager(t)
	want := pageOf('s')
	id := page.MustPageID(3, 1)
	require.NoError(t, m.WritePage(id, want))

	got := directio.AlignedBlock(page.Size)
	require.NoError(t, m.ReadPage(id, got))
	require.Equal(t, want, got)
}

func TestManagerDeallocateReuses(t *testing.T) {
	m := setupManager(t)
	a, err := m.AllocatePage(0)
	require.NoError(t, err)
	b, err := m.AllocatePage(0)
	require.NoError(t, err)

	m.DeallocatePage(a)
	reused, err := m.AllocatePage(0)
	require.NoError(t, err)
	require.Equal(t, a, reused, "expected the freed page to be handed out again")

	fresh, err := m.AllocatePage(0)
	require.NoError(t, err)
	require.Greater(t, fresh.Offset(), b.Offset())
}

func TestManagerReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := disk.Open(dir)
	require.NoError(t, err)

	id, err := m.AllocatePage(0)
	require.NoError(t, err)
	want := pageOf('r')
	require.NoError(t, m.WritePage(id, want))
	require.NoError(t, m.Close())

	m2, err := disk.Open(dir)
	require.NoError(t, err)
	defer m2.Close()
	require.Equal(t, uint32(2), m2.PageCount(0))

	got := directio.AlignedBlock(page.Size)
	require.NoError(t, m2.ReadPage(id, got))
	require.Equal(t, want, got)
}

func TestManagerClosed(t *testing.T) {
	m, err := disk.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	err = m.ReadPage(page.MustPageID(0, 0), directio.AlignedBlock(page.Size))
	require.ErrorIs(t, err, disk.ErrClosed)
	_, err = m.AllocatePage(0)
	require.ErrorIs(t, err, disk.ErrClosed)
}
