package sharedsnapshot

import (
	"context"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/config"
	"github.com/HayatoShiba/segmate/storage/lwlock"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
)

// checkPublisher checks that this process may write the descriptor
// the coordinator and the writer gang publish. the slot lock has to be held exclusively.
func (b *Backend) checkPublisher() error {
	if b.desc == nil {
		return ErrNoDescriptor
	}
	if !(b.role == RoleDispatch || (b.role == RoleExecute && b.writer)) {
		return errors.Wrapf(ErrWrongRole, "role %s (writer %t) cannot publish", b.role, b.writer)
	}
	if !b.holder.HeldByMeInMode(b.slot.lock, lwlock.Exclusive) {
		return errors.Wrapf(ErrLockNotHeld, "%s must be held exclusively", b.slot.lock.Name())
	}
	return nil
}

// checkSyncer checks that this process may read the descriptor
func (b *Backend) checkSyncer() error {
	if b.desc == nil {
		return ErrNoDescriptor
	}
	if b.role != RoleExecute || b.writer {
		return errors.Wrapf(ErrWrongRole, "role %s (writer %t) cannot sync", b.role, b.writer)
	}
	if !b.holder.HeldByMe(b.slot.lock) {
		return errors.Wrapf(ErrLockNotHeld, "%s must be held", b.slot.lock.Name())
	}
	return nil
}

// Publish copies the writer's snapshot into the descriptor
// for an ordinary statement the live snapshot is overwritten.
// for cursor declaration the snapshot is dumped into its own segment and put into the ring instead,
// because readers of the cursor may sync long after the live snapshot has moved on.
// see publishSharedSnapshot() in gpdb
func (b *Backend) Publish(token common.SyncToken, snap *snapshot.Snapshot, forCursor bool) error {
	if err := b.checkPublisher(); err != nil {
		return err
	}
	if snap == nil {
		return errors.New("snapshot to publish is nil")
	}

	if forCursor {
		if err := b.dumpForCursor(token, snap); err != nil {
			return err
		}
		b.reg.metrics.Publish.WithLabelValues(pathCursor).Inc()
	} else {
		if err := b.desc.storeLive(token, snap); err != nil {
			return err
		}
		b.reg.logVerbose("updated shared local snapshot", "segmate_sync", token, "xcnt", snap.Count())
		b.reg.metrics.Publish.WithLabelValues(pathLive).Inc()
	}
	if b.reg.verbose {
		snapshot.LogDistributedSnapshotInfo(b.logger, snap, "publish")
	}
	return nil
}

// dumpForCursor serializes the snapshot into a new segment and puts it at cur dump id
// the previous entry at the position is released. the ring is large enough that nobody needs it anymore.
func (b *Backend) dumpForCursor(token common.SyncToken, snap *snapshot.Snapshot) error {
	id := b.desc.curDumpID()

	seg, err := b.shm.Create(snapshot.EstimateSnapshotSpace(snap))
	if err != nil {
		return errors.Wrap(err, "shm.Create failed")
	}
	if err := snapshot.SerializeSnapshot(snap, seg.Bytes()); err != nil {
		_ = seg.Detach()
		return errors.Wrap(err, "snapshot.SerializeSnapshot failed")
	}
	seg.Pin()

	if prev := b.dumpSegs[id]; prev != nil {
		if err := prev.Detach(); err != nil {
			b.logger.Warn("failed to release dumped snapshot", "slot", id, "error", err)
		}
	}
	b.dumpSegs[id] = seg
	b.desc.setDumpEntry(id, dumpEntry{syncToken: token, handle: seg.Handle()})
	b.desc.setCurDumpID((id + 1) % config.SnapshotDumpArraySize)

	b.logger.Info("dump syncmate snapshot to slot", "segmate_sync", token, "slot", id, "handle", seg.Handle())
	return nil
}

// Sync copies the writer's snapshot out of the descriptor
// for an ordinary statement the live snapshot is returned.
// for a cursor the snapshot dumped with the sync token is returned. it is looked up in
// the local cache first, so each dump is attached at most once per transaction.
// see syncSharedSnapshot() in gpdb
func (b *Backend) Sync(token common.SyncToken, forCursor bool) (*snapshot.Snapshot, error) {
	if err := b.checkSyncer(); err != nil {
		return nil, err
	}

	if !forCursor {
		snap, err := b.desc.loadLive()
		if err != nil {
			b.reg.metrics.Sync.WithLabelValues(pathLive, "error").Inc()
			return nil, newReport(SeverityError, CodeDataCorrupted, err, "shared local snapshot is corrupted").
				withDetail("%s", b.Dump())
		}
		b.reg.metrics.Sync.WithLabelValues(pathLive, "ok").Inc()
		b.synced = snap
		return snap, nil
	}

	// the cached snapshot is never handed out, so callers cannot change what later syncs return
	if cached, ok := b.dumpCache[token]; ok {
		b.reg.metrics.DumpCache.WithLabelValues("hit").Inc()
		b.reg.metrics.Sync.WithLabelValues(pathCursor, "ok").Inc()
		snap := cached.Copy()
		b.synced = snap
		return snap, nil
	}
	b.reg.metrics.DumpCache.WithLabelValues("miss").Inc()

	snap, err := b.restoreDump(token)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrSnapshotNotFound) {
			result = "not_found"
		}
		b.reg.metrics.Sync.WithLabelValues(pathCursor, result).Inc()
		return nil, err
	}
	if b.dumpCache == nil {
		b.dumpCache = make(map[common.SyncToken]*snapshot.Snapshot)
	}
	b.dumpCache[token] = snap
	b.reg.metrics.Sync.WithLabelValues(pathCursor, "ok").Inc()
	snap = snap.Copy()
	b.synced = snap
	return snap, nil
}

// restoreDump scans the ring backward from the latest dump and restores the snapshot of the sync token
func (b *Backend) restoreDump(token common.SyncToken) (*snapshot.Snapshot, error) {
	cur := b.desc.curDumpID()
	for k := 1; k <= config.SnapshotDumpArraySize; k++ {
		id := (cur - k + config.SnapshotDumpArraySize) % config.SnapshotDumpArraySize
		e := b.desc.dumpEntry(id)
		if !e.isLive() || e.syncToken != token {
			continue
		}

		seg, err := b.shm.Attach(e.handle)
		if err != nil {
			return nil, newReport(SeverityError, CodeInternalError, ErrSnapshotNotFound, "could not attach dumped snapshot").
				withDetail("segmate_sync %d slot %d handle %d: %s", token, id, e.handle, err)
		}
		snap, err := snapshot.RestoreSnapshot(seg.Bytes())
		if derr := seg.Detach(); derr != nil {
			b.logger.Warn("failed to detach dumped snapshot", "handle", e.handle, "error", derr)
		}
		if err != nil {
			return nil, newReport(SeverityError, CodeDataCorrupted, ErrCorrupted, "dumped snapshot is corrupted").
				withDetail("segmate_sync %d slot %d: %s", token, id, err)
		}
		return snap, nil
	}
	return nil, newReport(SeverityError, CodeInternalError, ErrSnapshotNotFound, "could not find Shared Local Snapshot!").
		withDetail("Tried to set the shared local snapshot slot with segmate: %d and failed. Shared Local Snapshots dump: %s",
			token, b.Dump())
}

// Synced returns the snapshot last synced in this transaction, or nil
func (b *Backend) Synced() *snapshot.Snapshot {
	return b.synced
}

// WaitForSyncToken polls until the writer has published the sync token
// a reader must not sync before that, and there is no wakeup from the writer.
// the slot lock must not be held by the caller.
func (b *Backend) WaitForSyncToken(ctx context.Context, token common.SyncToken) error {
	if b.desc == nil {
		return ErrNoDescriptor
	}
	if b.holder.HeldByMe(b.slot.lock) {
		return errors.Wrapf(ErrLockNotHeld, "%s must not be held while waiting", b.slot.lock.Name())
	}
	var cur common.SyncToken
	err := b.reg.retry.Poll(ctx, func(int) (bool, error) {
		if err := b.holder.Acquire(b.slot.lock, lwlock.Shared); err != nil {
			return false, err
		}
		cur = b.desc.syncToken()
		if err := b.holder.Release(b.slot.lock); err != nil {
			return false, err
		}
		return cur == token, nil
	})
	if errors.Is(err, common.ErrRetryExhausted) {
		return newReport(SeverityError, CodeInternalError, ErrSnapshotNotFound, "timed out waiting for the writer to publish the snapshot").
			withDetail("waited %s for segmate_sync %d, the writer has published %d", b.reg.retry.Timeout(), token, cur)
	}
	return err
}
