// Package page implements the on-disk page formats: identifier codecs, the
// generic page header, the slotted tuple layout, table pages, and the page
// directory stored on page 0 of the first segment.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the size of an individual page in bytes.
const Size = 4096

// MaxOffset is the largest page offset encodable in a PageID (24 bits).
const MaxOffset = 1<<24 - 1

// ErrInvalidPageID is returned when a (file, offset) pair cannot be packed
// into a PageID.
var ErrInvalidPageID = errors.New("invalid page id")

// PageID identifies a page across all segment files. The high 8 bits hold
// the segment's file id, the low 24 bits the page offset within that file.
type PageID uint32

// InvalidPageID marks "no page". The disk manager reserves this one id:
// allocation stops one page short of filling segment 255, so offset 2^24-1
// of the last segment is never handed out.
const InvalidPageID PageID = 0xFFFFFFFF

// NewPageID packs a file id and page offset into a PageID.
func NewPageID(fileID uint8, offset uint32) (PageID, error) {
	if offset > MaxOffset {
		return InvalidPageID, ErrInvalidPageID
	}
	return PageID(uint32(fileID)<<24 | offset), nil
}

// MustPageID is NewPageID for offsets known to be in range.
func MustPageID(fileID uint8, offset uint32) PageID {
	id, err := NewPageID(fileID, offset)
	if err != nil {
		panic(err)
	}
	return id
}

// FileID extracts the segment file id.
func (id PageID) FileID() uint8 {
	return uint8(id >> 24)
}

// Offset extracts the page offset within the segment file.
func (id PageID) Offset() uint32 {
	return uint32(id) & MaxOffset
}

// Valid reports whether the id refers to a page at all.
func (id PageID) Valid() bool {
	return id != InvalidPageID
}

func (id PageID) String() string {
	return fmt.Sprintf("%d.%d", id.FileID(), id.Offset())
}

// FrameID indexes into the buffer pool's frame array.
type FrameID int

// NoFrame marks "no frame".
const NoFrame FrameID = -1

// SlotID indexes into a slotted page's slot array. Slot ids are stable: they
// are never renumbered by compaction.
type SlotID uint16

// RecordIDSize is the serialized size of a RecordID.
const RecordIDSize = 6

// RecordID is the logical address of a tuple: the page holding it plus the
// slot within that page. It stays valid across page compaction and is only
// invalidated by deleting the slot itself.
type RecordID struct {
	PageID PageID
	SlotID SlotID
}

// NewRecordID builds a RecordID from its parts.
func NewRecordID(pageID PageID, slotID SlotID) RecordID {
	return RecordID{PageID: pageID, SlotID: slotID}
}

// Marshal serializes the record id as (page_id u32, slot_id u16), little-endian.
func (rid RecordID) Marshal() []byte {
	buf := make([]byte, RecordIDSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rid.PageID))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(rid.SlotID))
	return buf
}

// MarshalTo serializes the record id into the first RecordIDSize bytes of buf.
func (rid RecordID) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rid.PageID))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(rid.SlotID))
}

// UnmarshalRecordID deserializes a record id from the first RecordIDSize
// bytes of buf.
func UnmarshalRecordID(buf []byte) RecordID {
	return RecordID{
		PageID: PageID(binary.LittleEndian.Uint32(buf[0:4])),
		SlotID: SlotID(binary.LittleEndian.Uint16(buf[4:6])),
	}
}

func (rid RecordID) String() string {
	return fmt.Sprintf("(%s, %d)", rid.PageID, rid.SlotID)
}
