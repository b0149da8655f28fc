// Package disk implements the segment-file disk manager and the background
// scheduler that serializes page I/O on a single worker.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/ncw/directio"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"crio/pkg/page"
)

// SegmentPrefix names the on-disk segment files: data.0, data.1, ...
const SegmentPrefix = "data"

// MaxSegments is the number of segment files addressable by a PageID's file id.
const MaxSegments = 256

// PagesPerSegment is the number of pages addressable within one segment.
const PagesPerSegment = 1 << 24

var (
	// ErrMissingFile means a read targeted a segment that does not exist.
	ErrMissingFile = errors.New("segment file does not exist")
	// ErrShortRead means fewer than a full page's bytes were read.
	ErrShortRead = errors.New("short page read")
	// ErrClosed means the manager was shut down.
	ErrClosed = errors.New("disk manager is closed")
	// ErrOutOfSpace means every segment file is at capacity.
	ErrOutOfSpace = errors.New("all segment files are full")
)

// segment is one data.<N> file plus its allocation state.
type segment struct {
	mu    sync.Mutex
	file  *os.File
	pages uint32         // allocated pages, including the reserved page 0
	freed *bitset.BitSet // offsets deallocated and available for reuse
}

// Manager routes page reads and writes to the right segment file and hands
// out new page ids. Files are opened with direct read+write; there is no
// buffered-write path.
type Manager struct {
	dir string

	mu       sync.RWMutex
	segments map[uint8]*segment
	appendTo uint8 // segment that Allocate targets
	closed   bool

	reads  atomic.Uint64
	writes atomic.Uint64
}

// Open discovers the segment files under dir, creating the directory (and
// nothing else) if needed. Segments are discovered by scanning data.0,
// data.1, ... until the first gap.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, pkgerrors.Wrapf(err, "creating database directory %s", dir)
	}
	m := &Manager{
		dir:      dir,
		segments: make(map[uint8]*segment),
	}
	for id := 0; id < MaxSegments; id++ {
		path := m.segmentPath(uint8(id))
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "statting segment %s", path)
		}
		if info.Size()%page.Size != 0 {
			return nil, fmt.Errorf("segment %s has been corrupted: size %d is not page-aligned", path, info.Size())
		}
		file, err := directio.OpenFile(path, os.O_RDWR, 0666)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "opening segment %s", path)
		}
		m.segments[uint8(id)] = &segment{
			file:  file,
			pages: uint32(info.Size() / page.Size),
			freed: bitset.New(64),
		}
		m.appendTo = uint8(id)
	}
	log.WithFields(log.Fields{"dir": dir, "segments": len(m.segments)}).
		Debug("opened disk manager")
	return m, nil
}

func (m *Manager) segmentPath(fileID uint8) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%d", SegmentPrefix, fileID))
}

// getSegment returns the segment, or ErrMissingFile if it does not exist.
func (m *Manager) getSegment(fileID uint8) (*segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	seg, ok := m.segments[fileID]
	if !ok {
		return nil, ErrMissingFile
	}
	return seg, nil
}

// ensureSegment returns the segment, creating the file on demand. A freshly
// created segment gets its reserved page 0 materialized so the file length
// stays a multiple of the page size.
func (m *Manager) ensureSegment(fileID uint8) (*segment, error) {
	if seg, err := m.getSegment(fileID); err == nil {
		return seg, nil
	} else if err != ErrMissingFile {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if seg, ok := m.segments[fileID]; ok {
		return seg, nil
	}
	path := m.segmentPath(fileID)
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "creating segment %s", path)
	}
	if err := file.Truncate(page.Size); err != nil {
		file.Close()
		return nil, pkgerrors.Wrapf(err, "reserving header page of %s", path)
	}
	seg := &segment{file: file, pages: 1, freed: bitset.New(64)}
	m.segments[fileID] = seg
	if fileID > m.appendTo {
		m.appendTo = fileID
	}
	log.WithField("segment", path).Debug("created segment file")
	return seg, nil
}

// ReadPage reads the page's 4096 bytes into buf. Fails with ErrMissingFile
// if the segment does not exist and ErrShortRead if the file ends before a
// full page could be read.
func (m *Manager) ReadPage(id page.PageID, buf []byte) error {
	if len(buf) != page.Size {
		return page.ErrInvalidPageID
	}
	seg, err := m.getSegment(id.FileID())
	if err != nil {
		return err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	n, err := seg.file.ReadAt(buf, int64(id.Offset())*page.Size)
	if err == io.EOF || err == io.ErrUnexpectedEOF || (err == nil && n < page.Size) {
		return ErrShortRead
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "reading page %s", id)
	}
	m.reads.Add(1)
	return nil
}

// WritePage writes the page's 4096 bytes from buf, creating the segment and
// extending the file as needed. Writes are idempotent.
func (m *Manager) WritePage(id page.PageID, buf []byte) error {
	if len(buf) != page.Size {
		return page.ErrInvalidPageID
	}
	seg, err := m.ensureSegment(id.FileID())
	if err != nil {
		return err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if _, err := seg.file.WriteAt(buf, int64(id.Offset())*page.Size); err != nil {
		return pkgerrors.Wrapf(err, "writing page %s", id)
	}
	if id.Offset() >= seg.pages {
		seg.pages = id.Offset() + 1
	}
	m.writes.Add(1)
	return nil
}

// AllocatePage hands out a fresh page id in the segment, creating the file
// if absent. Deallocated pages are reused first; otherwise the file grows by
// one zeroed page. When the segment is at capacity, allocation rolls over to
// the next file id.
func (m *Manager) AllocatePage(fileID uint8) (page.PageID, error) {
	for {
		seg, err := m.ensureSegment(fileID)
		if err != nil {
			return page.InvalidPageID, err
		}
		seg.mu.Lock()
		if offset, ok := seg.freed.NextSet(0); ok {
			seg.freed.Clear(offset)
			seg.mu.Unlock()
			return page.NewPageID(fileID, uint32(offset))
		}
		capacity := uint32(PagesPerSegment)
		if fileID == MaxSegments-1 {
			// The last offset of the last segment packs to the InvalidPageID
			// sentinel; it is never handed out.
			capacity--
		}
		if seg.pages < capacity {
			offset := seg.pages
			seg.pages++
			// Extend so an allocated-but-unwritten page reads back as zeroes
			// instead of a short read.
			if err := seg.file.Truncate(int64(seg.pages) * page.Size); err != nil {
				seg.pages--
				seg.mu.Unlock()
				return page.InvalidPageID, pkgerrors.Wrapf(err, "growing segment %d", fileID)
			}
			seg.mu.Unlock()
			return page.NewPageID(fileID, offset)
		}
		seg.mu.Unlock()
		if fileID == MaxSegments-1 {
			return page.InvalidPageID, ErrOutOfSpace
		}
		fileID++
	}
}

// Allocate hands out a fresh page id in the current append segment.
func (m *Manager) Allocate() (page.PageID, error) {
	m.mu.RLock()
	fileID := m.appendTo
	m.mu.RUnlock()
	id, err := m.AllocatePage(fileID)
	if err != nil {
		return id, err
	}
	if id.FileID() != fileID {
		m.mu.Lock()
		if id.FileID() > m.appendTo {
			m.appendTo = id.FileID()
		}
		m.mu.Unlock()
	}
	return id, nil
}

// DeallocatePage marks the page free for reuse by a later AllocatePage.
// Page 0 of a segment is reserved and never freed.
func (m *Manager) DeallocatePage(id page.PageID) {
	if id.Offset() == 0 {
		return
	}
	seg, err := m.getSegment(id.FileID())
	if err != nil {
		return
	}
	seg.mu.Lock()
	if id.Offset() < seg.pages {
		seg.freed.Set(uint(id.Offset()))
	}
	seg.mu.Unlock()
}

// PageCount returns the number of allocated pages in the segment, 0 if the
// segment does not exist.
func (m *Manager) PageCount(fileID uint8) uint32 {
	seg, err := m.getSegment(fileID)
	if err != nil {
		return 0
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return seg.pages
}

// Allocated reports whether the page id refers to an allocated page.
func (m *Manager) Allocated(id page.PageID) bool {
	return id.Valid() && id.Offset() < m.PageCount(id.FileID())
}

// Flush durably syncs the segment file.
func (m *Manager) Flush(fileID uint8) error {
	seg, err := m.getSegment(fileID)
	if err != nil {
		return err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return pkgerrors.Wrapf(seg.file.Sync(), "syncing segment %d", fileID)
}

// FlushAll durably syncs every segment file.
func (m *Manager) FlushAll() error {
	m.mu.RLock()
	ids := make([]uint8, 0, len(m.segments))
	for id := range m.segments {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		if err := m.Flush(id); err != nil {
			return err
		}
	}
	return nil
}

// Reads returns the number of page reads served.
func (m *Manager) Reads() uint64 {
	return m.reads.Load()
}

// Writes returns the number of page writes served.
func (m *Manager) Writes() uint64 {
	return m.writes.Load()
}

// Close syncs and closes every segment. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	var firstErr error
	for id, seg := range m.segments {
		seg.mu.Lock()
		if err := seg.file.Sync(); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrapf(err, "syncing segment %d", id)
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrapf(err, "closing segment %d", id)
		}
		seg.mu.Unlock()
	}
	return firstErr
}
