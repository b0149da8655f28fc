package page

import "encoding/binary"

// Type identifies what kind of data a page holds.
type Type uint8

const (
	TypeTable         Type = 1
	TypeBTreeLeaf     Type = 2
	TypeBTreeInternal Type = 3
	TypeFree          Type = 4
)

// Generic page header layout, first HeaderSize bytes of every non-directory
// page. All integers little-endian.
const (
	idOffset        = 0  // page_id (u32)
	lsnOffset       = 4  // lsn (u64), reserved for an external recovery manager
	typeOffset      = 12 // page_type (u8)
	reservedOffset  = 13 // reserved (u8)
	slotCountOffset = 14 // slot_count (u16); key_count for B+ tree nodes

	// HeaderSize is the size of the generic page header.
	HeaderSize = 16
)

// Table page extension, the TableHeaderSize-HeaderSize bytes after the
// generic header.
const (
	tableIDOffset = 16 // table_id (u32)
	prevOffset    = 20 // prev_page_id (u32)
	nextOffset    = 24 // next_page_id (u32)

	// TableHeaderSize is the size of a table page's full header.
	TableHeaderSize = 28
)

// ID returns the page id stored in the header.
func ID(data []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(data[idOffset:]))
}

// SetID stores the page id in the header.
func SetID(data []byte, id PageID) {
	binary.LittleEndian.PutUint32(data[idOffset:], uint32(id))
}

// LSN returns the page's log sequence number. The core carries it but never
// interprets it.
func LSN(data []byte) uint64 {
	return binary.LittleEndian.Uint64(data[lsnOffset:])
}

// SetLSN stores the page's log sequence number.
func SetLSN(data []byte, lsn uint64) {
	binary.LittleEndian.PutUint64(data[lsnOffset:], lsn)
}

// TypeOf returns the page type stored in the header.
func TypeOf(data []byte) Type {
	return Type(data[typeOffset])
}

// SetType stores the page type in the header.
func SetType(data []byte, t Type) {
	data[typeOffset] = byte(t)
}

// SlotCount returns the length of the page's slot array (the key count for
// B+ tree nodes).
func SlotCount(data []byte) uint16 {
	return binary.LittleEndian.Uint16(data[slotCountOffset:])
}

// SetSlotCount stores the slot array length.
func SetSlotCount(data []byte, n uint16) {
	binary.LittleEndian.PutUint16(data[slotCountOffset:], n)
}

// headerEnd returns where the slot array begins for the given page type.
func headerEnd(t Type) int {
	if t == TypeTable {
		return TableHeaderSize
	}
	return HeaderSize
}
