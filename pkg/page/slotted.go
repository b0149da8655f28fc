package page

import (
	"encoding/binary"
	"errors"
)

// SlotSize is the size of one slot array entry: (offset u16, length u16).
const SlotSize = 4

var (
	// ErrPageFull means the page cannot fit the tuple plus its slot.
	ErrPageFull = errors.New("page is full")
	// ErrSlotNotFound means the slot id is beyond the slot array.
	ErrSlotNotFound = errors.New("slot not found")
	// ErrSlotDeleted means the slot exists but its tuple was deleted.
	ErrSlotDeleted = errors.New("slot is deleted")
)

// Slotted is a view over a page buffer interpreting it with the slotted
// layout: the header, then the slot array growing toward higher offsets,
// then free space, then tuple bytes packed against the end of the page.
//
// A slot with length 0 is a tombstone. Slot ids are indices into the slot
// array and live slots are never renumbered, so a live tuple keeps its id;
// a tombstoned slot's id is handed out again by a later Insert.
type Slotted struct {
	data []byte
}

// AsSlotted wraps a page buffer. The buffer must be Size bytes and already
// initialized (see Init).
func AsSlotted(data []byte) *Slotted {
	if len(data) != Size {
		panic("slotted page buffer must be exactly one page")
	}
	return &Slotted{data: data}
}

// Init formats the buffer as an empty slotted page of the given type.
func Init(data []byte, id PageID, t Type) *Slotted {
	for i := range data {
		data[i] = 0
	}
	SetID(data, id)
	SetType(data, t)
	SetSlotCount(data, 0)
	return AsSlotted(data)
}

// Data returns the underlying page buffer.
func (p *Slotted) Data() []byte {
	return p.data
}

// PageID returns the id stored in the page header.
func (p *Slotted) PageID() PageID {
	return ID(p.data)
}

func (p *Slotted) slotArrayStart() int {
	return headerEnd(TypeOf(p.data))
}

func (p *Slotted) slotPos(slot SlotID) int {
	return p.slotArrayStart() + int(slot)*SlotSize
}

func (p *Slotted) slot(slot SlotID) (offset, length uint16) {
	pos := p.slotPos(slot)
	return binary.LittleEndian.Uint16(p.data[pos:]), binary.LittleEndian.Uint16(p.data[pos+2:])
}

func (p *Slotted) setSlot(slot SlotID, offset, length uint16) {
	pos := p.slotPos(slot)
	binary.LittleEndian.PutUint16(p.data[pos:], offset)
	binary.LittleEndian.PutUint16(p.data[pos+2:], length)
}

// tupleStart returns the lowest offset occupied by a live tuple. The tuple
// region grows down from the end of the page, so everything between the slot
// array's end and this offset is free.
func (p *Slotted) tupleStart() int {
	start := Size
	count := SlotCount(p.data)
	for i := SlotID(0); i < SlotID(count); i++ {
		offset, length := p.slot(i)
		if length != 0 && int(offset) < start {
			start = int(offset)
		}
	}
	return start
}

// Insert writes the tuple into the page and returns its slot id. The lowest
// tombstoned slot is reused first; only when none exists is a new slot
// appended. Returns ErrPageFull when the tuple plus (if needed) a new slot
// does not fit in the contiguous free region.
func (p *Slotted) Insert(tuple []byte) (SlotID, error) {
	count := SlotCount(p.data)
	slot := SlotID(count)
	newSlot := true
	for i := SlotID(0); i < SlotID(count); i++ {
		if _, length := p.slot(i); length == 0 {
			slot, newSlot = i, false
			break
		}
	}

	arrayEnd := p.slotArrayStart() + int(count)*SlotSize
	if newSlot {
		arrayEnd += SlotSize
	}
	start := p.tupleStart()
	if arrayEnd+len(tuple) > start {
		return 0, ErrPageFull
	}

	offset := start - len(tuple)
	copy(p.data[offset:start], tuple)
	p.setSlot(slot, uint16(offset), uint16(len(tuple)))
	if newSlot {
		SetSlotCount(p.data, count+1)
	}
	return slot, nil
}

// Get returns the tuple bytes stored at the slot. The returned slice aliases
// the page buffer; callers that outlive the page guard must copy it.
func (p *Slotted) Get(slot SlotID) ([]byte, error) {
	if slot >= SlotID(SlotCount(p.data)) {
		return nil, ErrSlotNotFound
	}
	offset, length := p.slot(slot)
	if length == 0 {
		return nil, ErrSlotDeleted
	}
	return p.data[offset : offset+length], nil
}

// Update replaces the slot's tuple. Same-or-smaller payloads are rewritten
// in place and keep their slot id; larger payloads are deleted and
// reinserted, so the returned slot id may differ. If the reinsert does not
// fit, the original tuple is restored and ErrPageFull returned.
func (p *Slotted) Update(slot SlotID, tuple []byte) (SlotID, error) {
	if slot >= SlotID(SlotCount(p.data)) {
		return 0, ErrSlotNotFound
	}
	offset, length := p.slot(slot)
	if length == 0 {
		return 0, ErrSlotDeleted
	}
	if len(tuple) <= int(length) {
		copy(p.data[offset:int(offset)+len(tuple)], tuple)
		p.setSlot(slot, offset, uint16(len(tuple)))
		return slot, nil
	}

	old := make([]byte, length)
	copy(old, p.data[offset:offset+length])
	p.setSlot(slot, offset, 0)
	newSlot, err := p.Insert(tuple)
	if err != nil {
		p.setSlot(slot, offset, length)
		copy(p.data[offset:offset+length], old)
		return 0, err
	}
	return newSlot, nil
}

// Delete tombstones the slot. The offset is kept as-is and no tuple bytes
// move; reclaiming the space is Compact's job.
func (p *Slotted) Delete(slot SlotID) error {
	if slot >= SlotID(SlotCount(p.data)) {
		return ErrSlotNotFound
	}
	offset, length := p.slot(slot)
	if length == 0 {
		return ErrSlotDeleted
	}
	p.setSlot(slot, offset, 0)
	return nil
}

// Compact rewrites the tuple region with live tuples packed against the end
// of the page in slot-id order. Slot ids and lengths of live slots are
// preserved; tombstoned slots stay tombstoned.
func (p *Slotted) Compact() {
	count := SlotCount(p.data)
	scratch := make([]byte, 0, Size)
	type placed struct {
		slot   SlotID
		length uint16
	}
	var live []placed
	for i := SlotID(0); i < SlotID(count); i++ {
		offset, length := p.slot(i)
		if length == 0 {
			continue
		}
		scratch = append(scratch, p.data[offset:offset+length]...)
		live = append(live, placed{slot: i, length: length})
	}

	// Lay the gathered tuples back down from the end of the page. The first
	// live slot ends up deepest in the page.
	end := Size
	read := 0
	for _, l := range live {
		end -= int(l.length)
		copy(p.data[end:end+int(l.length)], scratch[read:read+int(l.length)])
		p.setSlot(l.slot, uint16(end), l.length)
		read += int(l.length)
	}
}

// FreeSpace returns the bytes available for a new tuple, assuming the
// insertion also needs a fresh slot entry.
func (p *Slotted) FreeSpace() int {
	arrayEnd := p.slotArrayStart() + int(SlotCount(p.data))*SlotSize
	free := p.tupleStart() - arrayEnd - SlotSize
	if free < 0 {
		return 0
	}
	return free
}

// ReclaimableSpace returns FreeSpace plus the bytes held by tombstoned
// tuples, i.e. what FreeSpace would report after a Compact.
func (p *Slotted) ReclaimableSpace() int {
	count := SlotCount(p.data)
	liveBytes := 0
	for i := SlotID(0); i < SlotID(count); i++ {
		_, length := p.slot(i)
		liveBytes += int(length)
	}
	arrayEnd := p.slotArrayStart() + int(count)*SlotSize
	free := Size - arrayEnd - liveBytes - SlotSize
	if free < 0 {
		return 0
	}
	return free
}

// LiveSlots calls fn for every non-tombstoned slot in slot-id order,
// stopping early if fn returns false.
func (p *Slotted) LiveSlots(fn func(slot SlotID, tuple []byte) bool) {
	count := SlotCount(p.data)
	for i := SlotID(0); i < SlotID(count); i++ {
		offset, length := p.slot(i)
		if length == 0 {
			continue
		}
		if !fn(i, p.data[offset:offset+length]) {
			return
		}
	}
}
