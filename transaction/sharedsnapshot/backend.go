package sharedsnapshot

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/config"
	"github.com/HayatoShiba/segmate/storage/lwlock"
	"github.com/HayatoShiba/segmate/storage/shmem"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// Role is the role of the process in the cluster
// see GpRoleValue in gpdb
type Role int

const (
	// RoleUtility is a process not taking part in a distributed query
	RoleUtility Role = iota
	// RoleDispatch is the coordinator process which dispatches statements
	RoleDispatch
	// RoleExecute is a process which executes dispatched statements
	RoleExecute
)

func (r Role) String() string {
	switch r {
	case RoleDispatch:
		return "dispatch"
	case RoleExecute:
		return "execute"
	default:
		return "utility"
	}
}

// Backend is the shared snapshot state of one process
// each process (goroutine here) has its own Backend, and it must not be shared.
// this replaces the process-global variables in gpdb (SharedLocalSnapshotSlot, dumpHtab and so on)
type Backend struct {
	reg    *Registry
	shm    *shmem.Manager
	proc   common.ProcNumber
	role   Role
	writer bool
	holder *lwlock.Holder
	logger hclog.Logger

	// session id given to add or lookup
	sessionID common.SessionID
	// the slot of the session (SharedLocalSnapshotSlot)
	slot *Slot
	// the writer's descriptor mapped in this process
	desc *descriptor

	// mappings kept until exit
	pinned []*shmem.Segment
	// writer only: segments backing the dump ring entries created by this process
	dumpSegs [config.SnapshotDumpArraySize]*shmem.Segment
	// reader only: sync token -> snapshot restored from the dump ring. cleared at end of transaction
	dumpCache map[common.SyncToken]*snapshot.Snapshot
	// the snapshot last synced by this reader
	synced *snapshot.Snapshot
}

// NewBackend initializes the shared snapshot state of a process
func NewBackend(reg *Registry, proc common.ProcNumber, role Role, writer bool) *Backend {
	return &Backend{
		reg:       reg,
		shm:       reg.shm,
		proc:      proc,
		role:      role,
		writer:    writer,
		holder:    lwlock.NewHolder(),
		logger:    reg.logger.With("proc", proc),
		sessionID: common.InvalidSessionID,
	}
}

// IsWriter checks whether the process is the writer of the segmate process group
func (b *Backend) IsWriter() bool {
	return b.writer
}

// Role returns the process role
func (b *Backend) Role() Role {
	return b.role
}

// Slot returns the slot of the session, or nil
func (b *Backend) Slot() *Slot {
	return b.slot
}

// Holder returns the locks held by this process
func (b *Backend) Holder() *lwlock.Holder {
	return b.holder
}

// AddSharedSnapshot is called by the writer. it takes a slot and creates the descriptor
// creatorDescription (e.g. "Writer qExec") is used in logs and errors.
// see addSharedSnapshot() in gpdb
func (b *Backend) AddSharedSnapshot(ctx context.Context, creatorDescription string, sessionID common.SessionID) error {
	if b.slot != nil {
		return errors.Errorf("%s already has shared snapshot slot %d", creatorDescription, b.slot.Index())
	}
	slot, err := b.reg.Add(ctx, sessionID)
	if err != nil {
		return err
	}

	seg, err := b.shm.Create(descriptorSize(b.reg.xipEntryCount))
	if err != nil {
		b.abandonSlot(slot, nil)
		return errors.Wrap(err, "shm.Create failed")
	}
	seg.Pin()
	desc, err := newDescriptor(seg, b.reg.xipEntryCount)
	if err != nil {
		b.abandonSlot(slot, seg)
		return errors.Wrap(err, "newDescriptor failed")
	}
	// the segment is zero-filled, so the live snapshot and the ring are empty
	desc.setWriterProc(b.proc)
	desc.setWriterXact(txid.InvalidTxID)

	b.pinned = append(b.pinned, seg)
	b.desc = desc
	b.slot = slot
	b.sessionID = sessionID
	// readers poll the handle, so publish it only after the descriptor is initialized
	slot.descHandle.Store(uint32(seg.Handle()))

	b.reg.logVerbose(creatorDescription+" added Shared Local Snapshot slot",
		"session_id", sessionID, "slot", slot.Index(), "handle", seg.Handle())
	return nil
}

// abandonSlot releases what AddSharedSnapshot took before it failed. seg may be nil
func (b *Backend) abandonSlot(slot *Slot, seg *shmem.Segment) {
	if seg != nil {
		if err := seg.Detach(); err != nil {
			b.logger.Error("failed to detach shared snapshot descriptor", "error", err)
		}
	}
	if err := b.reg.Remove(slot); err != nil {
		b.logger.Error("failed to remove shared snapshot slot", "error", err)
	}
}

// LookupSharedSnapshot is called by the readers. it finds the slot and attaches the writer's descriptor
// lookerDescription and creatorDescription (e.g. "Reader qExec", "Writer qExec") are used in errors.
// see lookupSharedSnapshot() in gpdb
func (b *Backend) LookupSharedSnapshot(ctx context.Context, lookerDescription, creatorDescription string, sessionID common.SessionID) error {
	notFound := func(cause error) error {
		return newReport(SeverityError, CodeInternalError, cause, lookerDescription+" could not find Shared Local Snapshot!").
			withDetail("Tried to find a shared snapshot slot with id: %d and found none. Shared Local Snapshots dump: %s",
				sessionID, b.reg.Dump()).
			withHint("Either this %s was created before the %s or the %s died.",
				lookerDescription, creatorDescription, creatorDescription)
	}

	slot, err := b.reg.Lookup(ctx, sessionID)
	if errors.Is(err, ErrSlotNotFound) {
		return notFound(err)
	}
	if err != nil {
		return err
	}

	// the writer takes the slot before it creates the descriptor
	var h shmem.Handle
	err = b.reg.retry.Poll(ctx, func(int) (bool, error) {
		if slot.SessionID() != sessionID {
			return false, errors.Wrapf(ErrSlotNotFound, "slot %d was removed", slot.Index())
		}
		h = slot.DescriptorHandle()
		return h != shmem.InvalidHandle, nil
	})
	if errors.Is(err, common.ErrRetryExhausted) {
		return notFound(errors.Wrapf(ErrSlotNotFound, "session %d has no descriptor", sessionID))
	}
	if errors.Is(err, ErrSlotNotFound) {
		return notFound(err)
	}
	if err != nil {
		return err
	}

	seg, err := b.shm.Attach(h)
	if err != nil {
		return notFound(errors.Wrap(ErrSlotNotFound, err.Error()))
	}
	seg.Pin()
	b.pinned = append(b.pinned, seg)
	desc, err := newDescriptor(seg, b.reg.xipEntryCount)
	if err != nil {
		return err
	}
	b.desc = desc
	b.slot = slot
	b.sessionID = sessionID

	b.reg.logVerbose(lookerDescription+" found Shared Local Snapshot",
		"session_id", sessionID, "slot", slot.Index(), "writer_proc", desc.writerProc())
	return nil
}

// RemoveSharedSnapshot is called by the writer to free its slot
// the descriptor mapping is kept until Exit() because readers may still be attached.
// see SharedSnapshotRemove() in gpdb
func (b *Backend) RemoveSharedSnapshot(creatorDescription string) error {
	if b.slot == nil {
		return errors.Wrap(ErrNoDescriptor, creatorDescription)
	}
	if !b.writer {
		return errors.Wrapf(ErrWrongRole, "%s is not the writer", creatorDescription)
	}
	slot := b.slot
	if err := b.reg.Remove(slot); err != nil {
		return err
	}
	b.reg.logVerbose(creatorDescription+" removed Shared Local Snapshot slot",
		"session_id", b.sessionID, "slot", slot.Index())
	b.slot = nil
	b.desc = nil
	b.sessionID = common.InvalidSessionID
	return nil
}

// LockSlot acquires the slot lock
// the writer takes it exclusive to publish, the readers take it to sync
func (b *Backend) LockSlot(mode lwlock.Mode) error {
	if b.slot == nil {
		return ErrNoDescriptor
	}
	return b.holder.Acquire(b.slot.lock, mode)
}

// UnlockSlot releases the slot lock
func (b *Backend) UnlockSlot() error {
	if b.slot == nil {
		return ErrNoDescriptor
	}
	return b.holder.Release(b.slot.lock)
}

// SetWriterXact records the writer's current transaction in the descriptor
// the writer must hold the slot lock exclusively
func (b *Backend) SetWriterXact(xid txid.TxID) error {
	if err := b.checkPublisher(); err != nil {
		return err
	}
	b.desc.setWriterXact(xid)
	return nil
}

// WriterProc returns the writer's process number recorded in the descriptor
func (b *Backend) WriterProc() (common.ProcNumber, error) {
	if b.desc == nil {
		return common.InvalidProcNumber, ErrNoDescriptor
	}
	return b.desc.writerProc(), nil
}

// WriterXact returns the writer's transaction recorded in the descriptor
func (b *Backend) WriterXact() (txid.TxID, error) {
	if b.desc == nil {
		return txid.InvalidTxID, ErrNoDescriptor
	}
	return b.desc.writerXact(), nil
}

// AtEOXact is called at the end of transaction
// the cursor snapshots belong to the transaction, so the cache is dropped
// see AtEOXact_SharedSnapshot() in gpdb
func (b *Backend) AtEOXact() {
	b.dumpCache = nil
	b.synced = nil
}

// Exit releases everything the process still holds
// this is where the writer's descriptor and dumps are finally released
func (b *Backend) Exit() error {
	b.holder.ReleaseAll()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i, seg := range b.dumpSegs {
		if seg != nil {
			keep(seg.Detach())
			b.dumpSegs[i] = nil
		}
	}
	for _, seg := range b.pinned {
		if !seg.IsDetached() {
			keep(seg.Detach())
		}
	}
	b.pinned = nil
	b.slot = nil
	b.desc = nil
	b.dumpCache = nil
	b.synced = nil
	return errors.Wrap(firstErr, "detach failed")
}
