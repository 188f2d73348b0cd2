/*
Dynamic shared memory (DSM) segments.

Postgres backends are processes, so anything shared between them has to live in shared memory.
Fixed-size structures are allocated at postmaster start, while variable-size structures
created later by a backend use dynamic shared memory segments.
see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/storage/ipc/dsm.c#L1

The interface is simple:
  - create: allocate an anonymous segment. the creator is attached to it.
  - handle: a small integer which can be stored in shared memory and sent to other processes.
  - attach: map the segment identified by the handle. the segment's reference count is incremented.
  - detach: unmap the segment. when the last process detaches, the segment is destroyed.
  - pin mapping: keep the mapping until the process exits (instead of the end of the resource owner).

Every process maps a segment at a different address, so nothing inside a segment may point into it.
Only offsets are stored in segments and only handles cross the segment boundary.

Here backends are goroutines. Segments are anonymous shared mappings (mmap) on unix,
and ordinary heap memory elsewhere. The reference counting is the same on both.
*/
package shmem

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Handle identifies a segment
// this is called dsm_handle in postgres
type Handle uint32

// InvalidHandle means no segment
const InvalidHandle Handle = 0

var (
	// ErrSegmentNotFound is returned when the handle does not identify a live segment
	ErrSegmentNotFound = errors.New("dynamic shared memory segment not found")
	// ErrDetached is returned when the segment has already been detached by this mapping
	ErrDetached = errors.New("segment already detached")
	// ErrOutOfBounds is returned when the access exceeds the segment
	ErrOutOfBounds = errors.New("access out of segment bounds")
)

// Manager manages dynamic shared memory segments on this node
type Manager struct {
	// lock for segments and nextHandle (DynamicSharedMemoryControlLock in postgres)
	mu         sync.Mutex
	segments   map[Handle]*control
	nextHandle Handle

	// attaches counts successful Attach() calls. creation is not counted
	attaches atomic.Int64
}

// control is the shared control item of a segment
// see dsm_control_item in postgres
type control struct {
	mem    []byte
	refcnt int
}

// NewManager initializes shared memory manager
func NewManager() *Manager {
	return &Manager{
		segments:   make(map[Handle]*control),
		nextHandle: InvalidHandle + 1,
	}
}

// Create creates a new segment of size bytes. the memory is zero-filled.
// the returned mapping is attached and has to be detached by the caller.
// see dsm_create()
func (m *Manager) Create(size int) (*Segment, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid segment size %d", size)
	}
	mem, err := mapAnonymous(size)
	if err != nil {
		return nil, errors.Wrap(err, "mapAnonymous failed")
	}

	m.mu.Lock()
	h := m.allocateHandle()
	m.segments[h] = &control{mem: mem, refcnt: 1}
	m.mu.Unlock()

	return &Segment{m: m, handle: h, mem: mem}, nil
}

// allocateHandle returns unused handle. the caller must hold mu
func (m *Manager) allocateHandle() Handle {
	for {
		h := m.nextHandle
		m.nextHandle++
		if m.nextHandle == InvalidHandle {
			m.nextHandle++
		}
		if _, ok := m.segments[h]; !ok && h != InvalidHandle {
			return h
		}
	}
}

// Attach maps the segment identified by the handle
// see dsm_attach()
func (m *Manager) Attach(h Handle) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctl, ok := m.segments[h]
	if !ok {
		return nil, errors.Wrapf(ErrSegmentNotFound, "handle %d", h)
	}
	ctl.refcnt++
	m.attaches.Add(1)
	return &Segment{m: m, handle: h, mem: ctl.mem}, nil
}

// detach drops one reference and destroys the segment when no reference remains
func (m *Manager) detach(h Handle) error {
	m.mu.Lock()
	ctl, ok := m.segments[h]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrSegmentNotFound, "handle %d", h)
	}
	ctl.refcnt--
	if ctl.refcnt > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.segments, h)
	m.mu.Unlock()
	return errors.Wrap(unmap(ctl.mem), "unmap failed")
}

// AttachCount returns how many times segments have been attached
// this is used as a probe by tests and metrics
func (m *Manager) AttachCount() int64 {
	return m.attaches.Load()
}

// NumSegments returns the number of live segments
func (m *Manager) NumSegments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

// RefCount returns the reference count of the segment, or 0 if it does not exist
func (m *Manager) RefCount(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctl, ok := m.segments[h]; ok {
		return ctl.refcnt
	}
	return 0
}
