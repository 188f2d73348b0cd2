package sharedsnapshot

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/config"
	"github.com/HayatoShiba/segmate/storage/shmem"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// layout of the descriptor segment (little endian uint32 everywhere)
// the segment is mapped at different addresses in each process, so it holds only values and handles.
//
//	0    writer proc
//	4    writer xact
//	8    sync token of the live snapshot
//	12   cur dump id (next ring slot to write)
//	16   xmin
//	20   xmax
//	24   xcnt
//	28   curcid
//	32   dump ring: SnapshotDumpArraySize * {sync token, segment handle}
//	160  xip: xipEntryCount * txid
const (
	offWriterProc = 0
	offWriterXact = 4
	offSyncToken  = 8
	offCurDumpID  = 12
	offXmin       = 16
	offXmax       = 20
	offXcnt       = 24
	offCurcid     = 28
	offDump       = 32
	dumpEntrySize = 8
	offXip        = offDump + config.SnapshotDumpArraySize*dumpEntrySize
	xipEntrySize  = 4
)

// descriptorSize is the size of the descriptor segment
// see SharedSnapshotShmemSize() in gpdb
func descriptorSize(xipEntryCount int) int {
	return offXip + xipEntryCount*xipEntrySize
}

// dumpEntry is an entry of the dump ring
// see SnapshotDump in gpdb
type dumpEntry struct {
	syncToken common.SyncToken
	handle    shmem.Handle
}

func (e dumpEntry) isLive() bool {
	return e.handle != shmem.InvalidHandle
}

// descriptor is a view of the writer's descriptor segment in this process
// see SharedSnapshotDesc in gpdb
type descriptor struct {
	seg           *shmem.Segment
	xipEntryCount int
}

func newDescriptor(seg *shmem.Segment, xipEntryCount int) (*descriptor, error) {
	if seg.Size() < descriptorSize(xipEntryCount) {
		return nil, errors.Wrapf(ErrCorrupted, "descriptor segment has %d bytes, need %d", seg.Size(), descriptorSize(xipEntryCount))
	}
	return &descriptor{seg: seg, xipEntryCount: xipEntryCount}, nil
}

func (d *descriptor) writerProc() common.ProcNumber {
	return common.ProcNumber(int32(d.seg.Uint32(offWriterProc)))
}

func (d *descriptor) writerXact() txid.TxID {
	return txid.TxID(d.seg.Uint32(offWriterXact))
}

func (d *descriptor) setWriterProc(proc common.ProcNumber) {
	d.seg.PutUint32(offWriterProc, uint32(int32(proc)))
}

func (d *descriptor) setWriterXact(xid txid.TxID) {
	d.seg.PutUint32(offWriterXact, uint32(xid))
}

func (d *descriptor) syncToken() common.SyncToken {
	return common.SyncToken(d.seg.Uint32(offSyncToken))
}

func (d *descriptor) curDumpID() int {
	return int(d.seg.Uint32(offCurDumpID)) % config.SnapshotDumpArraySize
}

func (d *descriptor) setCurDumpID(id int) {
	d.seg.PutUint32(offCurDumpID, uint32(id))
}

func (d *descriptor) dumpEntry(i int) dumpEntry {
	off := offDump + i*dumpEntrySize
	return dumpEntry{
		syncToken: common.SyncToken(d.seg.Uint32(off)),
		handle:    shmem.Handle(d.seg.Uint32(off + 4)),
	}
}

func (d *descriptor) setDumpEntry(i int, e dumpEntry) {
	off := offDump + i*dumpEntrySize
	d.seg.PutUint32(off, uint32(e.syncToken))
	d.seg.PutUint32(off+4, uint32(e.handle))
}

// storeLive overwrites the live snapshot and stamps the sync token
func (d *descriptor) storeLive(token common.SyncToken, snap *snapshot.Snapshot) error {
	if snap.Count() > d.xipEntryCount {
		return errors.Wrapf(ErrTooManyInProgress, "%d in progress ids, descriptor holds %d", snap.Count(), d.xipEntryCount)
	}
	d.seg.PutUint32(offXmin, uint32(snap.Xmin))
	d.seg.PutUint32(offXmax, uint32(snap.Xmax))
	d.seg.PutUint32(offXcnt, uint32(snap.Count()))
	for i, xid := range snap.Xip {
		d.seg.PutUint32(offXip+i*xipEntrySize, uint32(xid))
	}
	d.seg.PutUint32(offCurcid, uint32(snap.Curcid))
	d.seg.PutUint32(offSyncToken, uint32(token))
	return nil
}

// loadLive copies the live snapshot out
func (d *descriptor) loadLive() (*snapshot.Snapshot, error) {
	xcnt := int(d.seg.Uint32(offXcnt))
	if xcnt > d.xipEntryCount {
		return nil, errors.Wrapf(ErrCorrupted, "descriptor has %d in progress ids, capacity %d", xcnt, d.xipEntryCount)
	}
	xip := make([]txid.TxID, xcnt)
	for i := range xip {
		xip[i] = txid.TxID(d.seg.Uint32(offXip + i*xipEntrySize))
	}
	return snapshot.NewSnapshot(
		txid.TxID(d.seg.Uint32(offXmin)),
		txid.TxID(d.seg.Uint32(offXmax)),
		xip,
		common.CommandID(d.seg.Uint32(offCurcid)),
	), nil
}
