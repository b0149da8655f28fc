package disk

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"crio/pkg/page"
)

// ErrQueueFull means a non-blocking submission found the request queue at
// capacity. It never surfaces past the buffer pool: blocking submissions
// wait instead, and prefetch hints are silently dropped.
var ErrQueueFull = errors.New("disk scheduler queue is full")

// Request is one unit of disk work. Reads fill Data from disk; writes
// persist Data to disk. If Done is non-nil the worker delivers exactly one
// completion (nil or the disk error) on it; writes may leave Done nil for
// fire-and-forget behavior.
type Request struct {
	Write  bool
	PageID page.PageID
	Data   []byte
	Done   chan error
}

// Scheduler serializes disk requests on a single background worker. The
// request queue is bounded: submission blocks when it is full, which caps
// I/O amplification from prefetching. FIFO order is preserved; reads are
// never reordered around writes.
type Scheduler struct {
	dm *Manager

	mu       sync.RWMutex // guards requests against close
	closed   bool
	requests chan Request

	workerDone chan struct{}
}

// NewScheduler starts the worker goroutine draining a queue of the given depth.
func NewScheduler(dm *Manager, depth int) *Scheduler {
	s := &Scheduler{
		dm:         dm,
		requests:   make(chan Request, depth),
		workerDone: make(chan struct{}),
	}
	go s.worker()
	return s
}

// worker executes requests in submission order until the queue is closed,
// draining any queued requests and firing their completions before exiting.
func (s *Scheduler) worker() {
	defer close(s.workerDone)
	for req := range s.requests {
		var err error
		if req.Write {
			err = s.dm.WritePage(req.PageID, req.Data)
		} else {
			err = s.dm.ReadPage(req.PageID, req.Data)
		}
		if err != nil && req.Done == nil {
			log.WithError(err).WithField("page", req.PageID).
				Warn("fire-and-forget disk write failed")
		}
		if req.Done != nil {
			req.Done <- err
		}
	}
}

// Schedule submits a request, blocking while the queue is full. Returns
// ErrClosed after Shutdown.
func (s *Scheduler) Schedule(req Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.requests <- req
	return nil
}

// TrySchedule submits a request without blocking, returning ErrQueueFull if
// the queue is at capacity. Used for prefetch hints, which are droppable.
func (s *Scheduler) TrySchedule(req Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// ReadSync schedules a read and waits for its completion.
func (s *Scheduler) ReadSync(id page.PageID, buf []byte) error {
	done := make(chan error, 1)
	if err := s.Schedule(Request{PageID: id, Data: buf, Done: done}); err != nil {
		return err
	}
	return <-done
}

// WriteSync schedules a write and waits for its completion.
func (s *Scheduler) WriteSync(id page.PageID, buf []byte) error {
	done := make(chan error, 1)
	if err := s.Schedule(Request{Write: true, PageID: id, Data: buf, Done: done}); err != nil {
		return err
	}
	return <-done
}

// Shutdown stops accepting work, drains the queue, and joins the worker.
// Safe to call more than once; later submissions fail with ErrClosed.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.workerDone
		return
	}
	s.closed = true
	close(s.requests)
	s.mu.Unlock()
	<-s.workerDone
}
