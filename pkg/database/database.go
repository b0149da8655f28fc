// Package database wires the storage engine together: the disk manager and
// scheduler, the buffer pool, the page directory on page 0, and the table
// heaps and B+ tree indexes reachable from it.
package database

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ncw/directio"
	log "github.com/sirupsen/logrus"

	"crio/pkg/btree"
	"crio/pkg/buffer"
	"crio/pkg/config"
	"crio/pkg/disk"
	"crio/pkg/heap"
	"crio/pkg/page"
)

// indexIDBit marks a page-directory entry as an index root rather than a
// table's first heap page. Table and index ids therefore share the low 31
// bits of the id space.
const indexIDBit uint32 = 1 << 31

var (
	// ErrClosed means the database was shut down; it cannot be reopened in place.
	ErrClosed = errors.New("database is closed")
	// ErrTableExists means the table id is already registered.
	ErrTableExists = errors.New("table already exists")
	// ErrTableNotFound means no table with the id is registered.
	ErrTableNotFound = errors.New("table not found")
	// ErrIndexExists means the index id is already registered.
	ErrIndexExists = errors.New("index already exists")
	// ErrIndexNotFound means no index with the id is registered.
	ErrIndexNotFound = errors.New("index not found")
)

// directoryPageID is page 0 of segment file 0.
var directoryPageID = page.MustPageID(0, 0)

// Database is one open crio database directory.
type Database struct {
	dir  string
	cfg  config.Config
	dm   *disk.Manager
	sch  *disk.Scheduler
	pool *buffer.Pool

	mu      sync.Mutex
	tables  map[uint32]*heap.TableHeap
	indexes map[uint32]*btree.BTree
	closed  bool
}

// Open opens (or creates) a database in dir. A fresh directory gets segment
// data.0 with the page directory written to page 0; an existing one has its
// directory validated and its tables and indexes registered.
func Open(dir string, cfg config.Config) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dm, err := disk.Open(dir)
	if err != nil {
		return nil, err
	}

	buf := directio.AlignedBlock(page.Size)
	if dm.PageCount(0) == 0 {
		// Fresh database: materialize segment 0 and its directory page.
		page.InitDirectory(buf)
		if err := dm.WritePage(directoryPageID, buf); err != nil {
			dm.Close()
			return nil, err
		}
		if err := dm.Flush(0); err != nil {
			dm.Close()
			return nil, err
		}
	} else {
		if err := dm.ReadPage(directoryPageID, buf); err != nil {
			dm.Close()
			return nil, err
		}
		if _, err := page.AsDirectory(buf); err != nil {
			dm.Close()
			return nil, fmt.Errorf("%s is not a %s database: %w", dir, config.DBName, err)
		}
	}

	db := &Database{
		dir:     dir,
		cfg:     cfg,
		dm:      dm,
		sch:     disk.NewScheduler(dm, cfg.QueueDepth),
		tables:  make(map[uint32]*heap.TableHeap),
		indexes: make(map[uint32]*btree.BTree),
	}
	db.pool = buffer.NewPool(dm, db.sch, cfg)

	if err := db.loadDirectory(); err != nil {
		db.sch.Shutdown()
		dm.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"dir":     dir,
		"tables":  len(db.tables),
		"indexes": len(db.indexes),
	}).Info("database opened")
	return db, nil
}

// loadDirectory registers every table and index the page directory lists.
func (db *Database) loadDirectory() error {
	guard, err := db.pool.FetchPageRead(directoryPageID)
	if err != nil {
		return err
	}
	dirPage, err := page.AsDirectory(guard.Data())
	if err != nil {
		guard.Release()
		return err
	}
	entries := dirPage.Entries()
	guard.Release()

	for _, e := range entries {
		if e.TableID&indexIDBit != 0 {
			id := e.TableID &^ indexIDBit
			index, err := btree.Open(db.pool, e.FirstPageID, db.cfg.BTreeOrder)
			if err != nil {
				return err
			}
			db.indexes[id] = index
			continue
		}
		table, err := heap.Open(db.pool, e.TableID, e.FirstPageID)
		if err != nil {
			return err
		}
		db.tables[e.TableID] = table
	}
	return nil
}

// updateDirectory applies fn to the directory page and flushes it.
func (db *Database) updateDirectory(fn func(*page.Directory) error) error {
	guard, err := db.pool.FetchPageWrite(directoryPageID)
	if err != nil {
		return err
	}
	dirPage, err := page.AsDirectory(guard.Data())
	if err == nil {
		err = fn(dirPage)
	}
	guard.Release()
	if err != nil {
		return err
	}
	return db.pool.FlushPage(directoryPageID)
}

// Pool exposes the buffer pool for access methods layered outside this
// package.
func (db *Database) Pool() *buffer.Pool {
	return db.pool
}

// DiskManager exposes the disk manager, mainly for its I/O counters.
func (db *Database) DiskManager() *disk.Manager {
	return db.dm
}

// CreateTable allocates a heap for the table id and registers it in the
// page directory. Ids with the high bit set are reserved for indexes.
func (db *Database) CreateTable(tableID uint32) (*heap.TableHeap, error) {
	if tableID&indexIDBit != 0 {
		return nil, fmt.Errorf("table id %d out of range", tableID)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if _, ok := db.tables[tableID]; ok {
		return nil, ErrTableExists
	}
	table, err := heap.Create(db.pool, tableID)
	if err != nil {
		return nil, err
	}
	err = db.updateDirectory(func(d *page.Directory) error {
		return d.Put(tableID, table.FirstPageID())
	})
	if err != nil {
		return nil, err
	}
	db.tables[tableID] = table
	return table, nil
}

// GetTable returns the registered heap for the table id.
func (db *Database) GetTable(tableID uint32) (*heap.TableHeap, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	table, ok := db.tables[tableID]
	if !ok {
		return nil, ErrTableNotFound
	}
	return table, nil
}

// CreateIndex allocates an empty B+ tree under the index id.
func (db *Database) CreateIndex(indexID uint32) (*btree.BTree, error) {
	if indexID&indexIDBit != 0 {
		return nil, fmt.Errorf("index id %d out of range", indexID)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if _, ok := db.indexes[indexID]; ok {
		return nil, ErrIndexExists
	}
	index, err := btree.New(db.pool, db.cfg.BTreeOrder)
	if err != nil {
		return nil, err
	}
	err = db.updateDirectory(func(d *page.Directory) error {
		return d.Put(indexID|indexIDBit, index.RootID())
	})
	if err != nil {
		return nil, err
	}
	db.indexes[indexID] = index
	return index, nil
}

// GetIndex returns the registered B+ tree for the index id.
func (db *Database) GetIndex(indexID uint32) (*btree.BTree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	index, ok := db.indexes[indexID]
	if !ok {
		return nil, ErrIndexNotFound
	}
	return index, nil
}

// FlushAll writes every dirty cached page back and syncs the segments. Index
// roots that moved since the last flush are re-registered first.
func (db *Database) FlushAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.flushAllLocked()
}

func (db *Database) flushAllLocked() error {
	err := db.updateDirectory(func(d *page.Directory) error {
		for id, index := range db.indexes {
			if err := d.Put(id|indexIDBit, index.RootID()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	return db.dm.FlushAll()
}

// Close flushes everything, drains and joins the disk worker, and closes the
// segment files. Operations after Close fail with ErrClosed.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	flushErr := db.flushAllLocked()
	db.closed = true
	db.sch.Shutdown()
	closeErr := db.dm.Close()
	log.WithField("dir", db.dir).Info("database closed")
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
