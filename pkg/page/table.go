package page

import "encoding/binary"

// Table page accessors. A table page is a slotted page of TypeTable whose
// header is extended with the owning table's id and prev/next links forming
// a doubly-linked chain of heap pages.

// InitTable formats the buffer as an empty table page with no neighbors.
func InitTable(data []byte, id PageID, tableID uint32) *Slotted {
	p := Init(data, id, TypeTable)
	SetTableID(data, tableID)
	SetPrevPageID(data, InvalidPageID)
	SetNextPageID(data, InvalidPageID)
	return p
}

// TableID returns the id of the table owning this page.
func TableID(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[tableIDOffset:])
}

// SetTableID stores the owning table's id.
func SetTableID(data []byte, tableID uint32) {
	binary.LittleEndian.PutUint32(data[tableIDOffset:], tableID)
}

// PrevPageID returns the previous page in the table's chain.
func PrevPageID(data []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(data[prevOffset:]))
}

// SetPrevPageID stores the previous page link.
func SetPrevPageID(data []byte, id PageID) {
	binary.LittleEndian.PutUint32(data[prevOffset:], uint32(id))
}

// NextPageID returns the next page in the table's chain.
func NextPageID(data []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(data[nextOffset:]))
}

// SetNextPageID stores the next page link.
func SetNextPageID(data []byte, id PageID) {
	binary.LittleEndian.PutUint32(data[nextOffset:], uint32(id))
}
