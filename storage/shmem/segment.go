package shmem

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Segment is a mapping of a segment in one process
// a Segment value must not be shared between backends. each backend attaches by itself.
type Segment struct {
	m        *Manager
	handle   Handle
	mem      []byte
	pinned   bool
	detached bool
}

// Handle returns the handle which other processes can attach with
func (s *Segment) Handle() Handle {
	return s.handle
}

// Size returns the segment size in bytes
func (s *Segment) Size() int {
	return len(s.mem)
}

// Pin keeps the mapping until the process exits
// see dsm_pin_mapping()
func (s *Segment) Pin() {
	s.pinned = true
}

// IsPinned checks whether the mapping is pinned
func (s *Segment) IsPinned() bool {
	return s.pinned
}

// IsDetached checks whether the mapping has been detached
func (s *Segment) IsDetached() bool {
	return s.detached
}

// Detach unmaps the segment from this process
// see dsm_detach()
func (s *Segment) Detach() error {
	if s.detached {
		return ErrDetached
	}
	s.detached = true
	s.mem = nil
	return s.m.detach(s.handle)
}

// Slice returns n bytes at off
// the returned slice aliases shared memory, so it must not be kept after Detach()
func (s *Segment) Slice(off, n int) ([]byte, error) {
	if s.detached {
		return nil, ErrDetached
	}
	if off < 0 || n < 0 || off+n > len(s.mem) {
		return nil, errors.Wrapf(ErrOutOfBounds, "offset %d length %d size %d", off, n, len(s.mem))
	}
	return s.mem[off : off+n], nil
}

// Bytes returns the whole segment
func (s *Segment) Bytes() []byte {
	return s.mem
}

// Uint32 reads uint32 at off
// the layout of the segment is decided by the creator, so the offset is trusted
func (s *Segment) Uint32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.mem[off:])
}

// PutUint32 writes uint32 at off
func (s *Segment) PutUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.mem[off:], v)
}
