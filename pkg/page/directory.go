package page

import (
	"encoding/binary"
	"errors"
)

// The page directory lives on page 0 of segment file 0 and maps table (and
// index) ids to their first page. Layout:
//
//	bytes 0..4   magic "CRIO"
//	bytes 4..6   version (u16)
//	bytes 6..8   entry count (u16)
//	bytes 8..    entries, each (table_id u32, first_page_id u32)

// Magic identifies a crio database file.
const Magic = "CRIO"

// DirectoryVersion is the current page directory format version.
const DirectoryVersion = 1

const (
	dirVersionOffset = 4
	dirCountOffset   = 6
	dirEntriesOffset = 8
	dirEntrySize     = 8

	// MaxDirectoryEntries is how many entries fit on the directory page.
	MaxDirectoryEntries = (Size - dirEntriesOffset) / dirEntrySize
)

var (
	// ErrDirectoryFull means the directory page has no room for another entry.
	ErrDirectoryFull = errors.New("page directory is full")
	// ErrBadDirectory means page 0 does not carry a valid directory.
	ErrBadDirectory = errors.New("invalid page directory")
)

// DirectoryEntry maps a table id to the first page of its heap (or, for an
// index, to its root node).
type DirectoryEntry struct {
	TableID     uint32
	FirstPageID PageID
}

// Directory is a view over the directory page's buffer.
type Directory struct {
	data []byte
}

// AsDirectory wraps a page buffer holding a directory. Returns
// ErrBadDirectory if the magic or version does not match.
func AsDirectory(data []byte) (*Directory, error) {
	if len(data) != Size {
		panic("directory page buffer must be exactly one page")
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, ErrBadDirectory
	}
	if binary.LittleEndian.Uint16(data[dirVersionOffset:]) != DirectoryVersion {
		return nil, ErrBadDirectory
	}
	return &Directory{data: data}, nil
}

// InitDirectory formats the buffer as an empty page directory.
func InitDirectory(data []byte) *Directory {
	for i := range data {
		data[i] = 0
	}
	copy(data[:len(Magic)], Magic)
	binary.LittleEndian.PutUint16(data[dirVersionOffset:], DirectoryVersion)
	binary.LittleEndian.PutUint16(data[dirCountOffset:], 0)
	return &Directory{data: data}
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	return int(binary.LittleEndian.Uint16(d.data[dirCountOffset:]))
}

func (d *Directory) entryPos(i int) int {
	return dirEntriesOffset + i*dirEntrySize
}

func (d *Directory) entryAt(i int) DirectoryEntry {
	pos := d.entryPos(i)
	return DirectoryEntry{
		TableID:     binary.LittleEndian.Uint32(d.data[pos:]),
		FirstPageID: PageID(binary.LittleEndian.Uint32(d.data[pos+4:])),
	}
}

// Entries returns all directory entries in stored order: insertion order,
// except that Remove moves the last entry into the removed one's position.
func (d *Directory) Entries() []DirectoryEntry {
	entries := make([]DirectoryEntry, d.Len())
	for i := range entries {
		entries[i] = d.entryAt(i)
	}
	return entries
}

// Lookup returns the first page registered for the id.
func (d *Directory) Lookup(tableID uint32) (PageID, bool) {
	for i := 0; i < d.Len(); i++ {
		if e := d.entryAt(i); e.TableID == tableID {
			return e.FirstPageID, true
		}
	}
	return InvalidPageID, false
}

// Put inserts or overwrites the entry for the id.
func (d *Directory) Put(tableID uint32, firstPageID PageID) error {
	n := d.Len()
	for i := 0; i < n; i++ {
		if d.entryAt(i).TableID == tableID {
			pos := d.entryPos(i)
			binary.LittleEndian.PutUint32(d.data[pos+4:], uint32(firstPageID))
			return nil
		}
	}
	if n >= MaxDirectoryEntries {
		return ErrDirectoryFull
	}
	pos := d.entryPos(n)
	binary.LittleEndian.PutUint32(d.data[pos:], tableID)
	binary.LittleEndian.PutUint32(d.data[pos+4:], uint32(firstPageID))
	binary.LittleEndian.PutUint16(d.data[dirCountOffset:], uint16(n+1))
	return nil
}

// Remove drops the entry for the id, if present. The last entry takes the
// removed entry's position.
func (d *Directory) Remove(tableID uint32) bool {
	n := d.Len()
	for i := 0; i < n; i++ {
		if d.entryAt(i).TableID != tableID {
			continue
		}
		last := d.entryAt(n - 1)
		pos := d.entryPos(i)
		binary.LittleEndian.PutUint32(d.data[pos:], last.TableID)
		binary.LittleEndian.PutUint32(d.data[pos+4:], uint32(last.FirstPageID))
		binary.LittleEndian.PutUint16(d.data[dirCountOffset:], uint16(n-1))
		return true
	}
	return false
}
