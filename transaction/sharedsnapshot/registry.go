package sharedsnapshot

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/config"
	"github.com/HayatoShiba/segmate/storage/lwlock"
	"github.com/HayatoShiba/segmate/storage/shmem"
)

// noSlot means no free slot is known
const noSlot = -1

// Slot binds a session to a slot lock and the writer's descriptor
// see SharedSnapshotSlot in gpdb
type Slot struct {
	// session id of the segmate process group. common.InvalidSessionID means free.
	// written only while holding the registry lock exclusively
	sessionID atomic.Int32
	// position in the registry array
	slotIndex atomic.Int32
	// slot lock protects the descriptor
	lock *lwlock.Lock
	// handle of the writer's descriptor. shmem.InvalidHandle until the writer creates it
	descHandle atomic.Uint32
}

// Index returns the position of the slot in the registry
func (s *Slot) Index() int {
	return int(s.slotIndex.Load())
}

// SessionID returns the session which owns the slot
func (s *Slot) SessionID() common.SessionID {
	return common.SessionID(s.sessionID.Load())
}

// Lock returns the slot lock
func (s *Slot) Lock() *lwlock.Lock {
	return s.lock
}

// DescriptorHandle returns the handle of the writer's descriptor
func (s *Slot) DescriptorHandle() shmem.Handle {
	return shmem.Handle(s.descHandle.Load())
}

func (s *Slot) isFree() bool {
	return s.SessionID() == common.InvalidSessionID
}

// Registry is the shared snapshot array, one slot per session
// it is initialized once at startup and shared by every process on the node.
// see SharedSnapshotStruct and CreateSharedSnapshotArray() in gpdb
type Registry struct {
	// SharedSnapshotLock
	lock *lwlock.Lock

	// numSlots, nextSlot are protected by lock
	numSlots int
	maxSlots int
	nextSlot int
	slots    []*Slot

	shm           *shmem.Manager
	xipEntryCount int
	retry         common.RetryPolicy
	verbose       bool

	logger  hclog.Logger
	metrics *Metrics
}

// NewRegistry initializes the registry with the capacities derived from the config
func NewRegistry(cfg config.Config, shm *shmem.Manager, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "cfg.Validate failed")
	}
	return newRegistry(cfg.NumSharedSnapshotSlots(), cfg.XipEntryCount(), cfg.RetryPolicy(), cfg.DebugPrintFullDtm, shm, opts...)
}

func newRegistry(maxSlots, xipEntryCount int, retry common.RetryPolicy, verbose bool, shm *shmem.Manager, opts ...Option) (*Registry, error) {
	if maxSlots <= 0 {
		return nil, errors.Errorf("invalid registry capacity %d", maxSlots)
	}
	o := newOptions(opts)
	metrics, err := NewMetrics(o.registerer, shm)
	if err != nil {
		return nil, errors.Wrap(err, "NewMetrics failed")
	}

	r := &Registry{
		lock:          lwlock.New("SharedSnapshotLock"),
		maxSlots:      maxSlots,
		nextSlot:      0,
		slots:         make([]*Slot, maxSlots),
		shm:           shm,
		xipEntryCount: xipEntryCount,
		retry:         retry,
		verbose:       verbose,
		logger:        o.logger,
		metrics:       metrics,
	}
	for i := range r.slots {
		s := &Slot{lock: lwlock.New(fmt.Sprintf("SharedSnapshotSlot/%d", i))}
		s.sessionID.Store(int32(common.InvalidSessionID))
		s.slotIndex.Store(int32(i))
		r.slots[i] = s
	}
	return r, nil
}

// Capacity returns the number of slots
func (r *Registry) Capacity() int {
	return r.maxSlots
}

// NumOccupied returns the number of occupied slots
func (r *Registry) NumOccupied() int {
	r.lock.Acquire(lwlock.Shared)
	defer r.lock.Release(lwlock.Shared)
	return r.numSlots
}

// NextFreeSlot returns the index of the next slot to be taken, or -1
func (r *Registry) NextFreeSlot() int {
	r.lock.Acquire(lwlock.Shared)
	defer r.lock.Release(lwlock.Shared)
	return r.nextSlot
}

// Metrics returns the collectors
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// SharedMemory returns the segment manager the descriptors are allocated from
func (r *Registry) SharedMemory() *shmem.Manager {
	return r.shm
}

// logVerbose logs at info level with debug_print_full_dtm, otherwise at trace level
func (r *Registry) logVerbose(msg string, args ...any) {
	if r.verbose {
		r.logger.Info(msg, args...)
		return
	}
	r.logger.Trace(msg, args...)
}

// scan looks for the slot of the session. the caller must hold the registry lock.
// every visited slot is validated, because a broken index means the array itself is broken
func (r *Registry) scan(sessionID common.SessionID) (*Slot, error) {
	for i, s := range r.slots {
		if err := r.validate(i, s); err != nil {
			return nil, err
		}
		if s.SessionID() == sessionID {
			return s, nil
		}
	}
	return nil, nil
}

func (r *Registry) validate(pos int, s *Slot) error {
	idx := s.Index()
	if idx < 0 || idx >= r.maxSlots {
		return newReport(SeverityFatal, CodeDataCorrupted, ErrCorrupted, "shared snapshot array corrupted").
			withDetail("slot %d has slot index %d out of range [0, %d). Shared Local Snapshots dump: %s", pos, idx, r.maxSlots, r.dump())
	}
	return nil
}

// Add takes a free slot for the session
// when a slot with the same session id still exists, it is a previous incarnation of the session
// which has not been cleaned up yet. wait for it within the retry budget.
// see SharedSnapshotAdd() in gpdb
func (r *Registry) Add(ctx context.Context, sessionID common.SessionID) (*Slot, error) {
	if sessionID == common.InvalidSessionID {
		return nil, errors.Wrapf(ErrInvalidSessionID, "cannot add shared snapshot slot for session %d", sessionID)
	}
	var slot *Slot
	next := noSlot
	err := r.retry.Poll(ctx, func(attempt int) (bool, error) {
		r.lock.Acquire(lwlock.Exclusive)
		defer r.lock.Release(lwlock.Exclusive)

		existing, err := r.scan(sessionID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			r.logger.Debug("shared snapshot slot collision, retrying",
				"session_id", sessionID, "slot", existing.Index(), "retries_left", r.retry.MaxRetries-attempt)
			r.metrics.AddRetries.Inc()
			return false, nil
		}

		if r.numSlots >= r.maxSlots || r.nextSlot == noSlot {
			// max_prepared_transactions should prevent this
			return false, newReport(SeverityFatal, CodeTooManyConnections, ErrTooManyClients, "sorry, too many clients already").
				withDetail("There are not enough slots to add a shared snapshot (%d/%d in use). Shared Local Snapshots dump: %s",
					r.numSlots, r.maxSlots, r.dump()).
				withHint("Increase max_prepared_transactions.")
		}

		s := r.slots[r.nextSlot]
		if err := r.validate(r.nextSlot, s); err != nil {
			return false, err
		}
		// find the next hint before taking the slot, so a corrupted array leaves the registry untouched
		nextFree, err := r.findFreeFrom(r.nextSlot + 1)
		if err != nil {
			return false, err
		}
		s.sessionID.Store(int32(sessionID))
		s.descHandle.Store(uint32(shmem.InvalidHandle))
		r.numSlots++
		r.nextSlot = nextFree
		next = r.nextSlot
		r.metrics.SlotsOccupied.Set(float64(r.numSlots))
		slot = s
		return true, nil
	})
	if errors.Is(err, common.ErrRetryExhausted) {
		return nil, newReport(SeverityFatal, CodeInternalError, ErrCollision, "shared snapshot collision").
			withDetail("Session %d still occupies a shared snapshot slot after %s. Shared Local Snapshots dump: %s",
				sessionID, r.retry.Timeout(), r.Dump())
	}
	if err != nil {
		return nil, err
	}
	r.logVerbose("added shared snapshot slot", "session_id", sessionID, "slot", slot.Index(), "next_free", next)
	return slot, nil
}

// findFreeFrom returns the first free slot at or after from, or noSlot. the caller must hold the registry lock
func (r *Registry) findFreeFrom(from int) (int, error) {
	for i := from; i < r.maxSlots; i++ {
		if err := r.validate(i, r.slots[i]); err != nil {
			return noSlot, err
		}
		if r.slots[i].isFree() {
			return i, nil
		}
	}
	return noSlot, nil
}

// Lookup finds the slot of the session
// readers may start before the writer adds the slot, so keep polling until the retry budget runs out.
// ErrSlotNotFound is returned then, and the caller decides whether it is fatal.
// see SharedSnapshotLookup() in gpdb
func (r *Registry) Lookup(ctx context.Context, sessionID common.SessionID) (*Slot, error) {
	if sessionID == common.InvalidSessionID {
		return nil, errors.Wrapf(ErrInvalidSessionID, "cannot look up shared snapshot slot for session %d", sessionID)
	}
	var slot *Slot
	err := r.retry.Poll(ctx, func(attempt int) (bool, error) {
		r.lock.Acquire(lwlock.Shared)
		defer r.lock.Release(lwlock.Shared)

		s, err := r.scan(sessionID)
		if err != nil {
			return false, err
		}
		if s == nil {
			r.metrics.LookupRetries.Inc()
			return false, nil
		}
		slot = s
		return true, nil
	})
	if errors.Is(err, common.ErrRetryExhausted) {
		return nil, errors.Wrapf(ErrSlotNotFound, "session %d", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// Remove frees the slot
// lower slots are reused first, so the hint moves down when the removed slot is lower.
// the writer's descriptor itself is not released here, it lives until the writer exits.
// see SharedSnapshotRemove() in gpdb
func (r *Registry) Remove(slot *Slot) error {
	r.lock.Acquire(lwlock.Exclusive)
	defer r.lock.Release(lwlock.Exclusive)

	idx := slot.Index()
	if err := r.validate(idx, slot); err != nil {
		return err
	}
	if r.slots[idx] != slot {
		return newReport(SeverityFatal, CodeDataCorrupted, ErrCorrupted, "shared snapshot array corrupted").
			withDetail("slot index %d does not match its position. Shared Local Snapshots dump: %s", idx, r.dump())
	}
	if slot.isFree() {
		return errors.Errorf("shared snapshot slot %d is not in use", idx)
	}

	sessionID := slot.SessionID()
	if r.nextSlot == noSlot || idx < r.nextSlot {
		r.nextSlot = idx
	}
	slot.sessionID.Store(int32(common.InvalidSessionID))
	slot.descHandle.Store(uint32(shmem.InvalidHandle))
	r.numSlots--
	r.metrics.SlotsOccupied.Set(float64(r.numSlots))

	r.logVerbose("removed shared snapshot slot", "session_id", sessionID, "slot", idx, "next_free", r.nextSlot)
	return nil
}

// Dump renders the registry state
// it takes the registry lock, so it must not be called while holding it
func (r *Registry) Dump() string {
	r.lock.Acquire(lwlock.Shared)
	defer r.lock.Release(lwlock.Shared)
	return r.dump()
}

// dump renders the registry. the caller must hold the registry lock
func (r *Registry) dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Local SharedSnapshot Slot Dump: currSlots: %d maxSlots: %d nextSlot: %d\n",
		r.numSlots, r.maxSlots, r.nextSlot)
	for i, s := range r.slots {
		if s.isFree() {
			continue
		}
		fmt.Fprintf(&b, "[%d] (%s) slotid: %d, session_id: %d, descriptor handle: %d\n",
			i, s.lock.Name(), s.Index(), s.SessionID(), s.DescriptorHandle())
	}
	return b.String()
}
