/*
Snapshot serialization

A snapshot is copied into a dynamic shared memory segment so that other processes can restore it.
Nothing in the serialized form may be a pointer, because the segment is mapped at different addresses.
see SerializeSnapshot() / RestoreSnapshot() https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/utils/time/snapmgr.c#L2141

Layout (little endian):

	0   xmin      uint32
	4   xmax      uint32
	8   xcnt      uint32
	12  curcid    uint32
	16  flags     uint32
	20  xip       xcnt * uint32
	--  distributed snapshot (only if flagDistributed)
	    xminAll   uint64
	    id        uint32
	    xmin      uint64
	    xmax      uint64
	    count     uint32
	    ids       count * uint64
	--  checksum  uint64 (xxh3 of everything above)

The checksum is not in postgres. The reader attaches a segment created by another process
long before, so a torn or stale segment is reported instead of being restored silently.
*/
package snapshot

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

var (
	// ErrShortBuffer is returned when the buffer is smaller than the serialized snapshot
	ErrShortBuffer = errors.New("buffer too short for serialized snapshot")
	// ErrChecksumMismatch is returned when the serialized snapshot is corrupted
	ErrChecksumMismatch = errors.New("serialized snapshot checksum mismatch")
)

const (
	headerSize          = 20
	distribHeaderSize   = 8 + 4 + 8 + 8 + 4
	checksumSize        = 8
	flagDistributed     = 1 << 0
	txIDSize            = 4
	distributedTxIDSize = 8
)

// EstimateSnapshotSpace returns the size needed to serialize the snapshot
func EstimateSnapshotSpace(snap *Snapshot) int {
	size := headerSize + len(snap.Xip)*txIDSize
	if snap.Distributed != nil {
		size += distribHeaderSize + len(snap.Distributed.InProgress)*distributedTxIDSize
	}
	return size + checksumSize
}

// SerializeSnapshot writes the snapshot into buf
// buf must be at least EstimateSnapshotSpace() bytes
func SerializeSnapshot(snap *Snapshot, buf []byte) error {
	size := EstimateSnapshotSpace(snap)
	if len(buf) < size {
		return errors.Wrapf(ErrShortBuffer, "need %d bytes, got %d", size, len(buf))
	}
	le := binary.LittleEndian
	var flags uint32
	if snap.Distributed != nil {
		flags |= flagDistributed
	}
	le.PutUint32(buf[0:], uint32(snap.Xmin))
	le.PutUint32(buf[4:], uint32(snap.Xmax))
	le.PutUint32(buf[8:], uint32(len(snap.Xip)))
	le.PutUint32(buf[12:], uint32(snap.Curcid))
	le.PutUint32(buf[16:], flags)
	off := headerSize
	for _, id := range snap.Xip {
		le.PutUint32(buf[off:], uint32(id))
		off += txIDSize
	}
	if ds := snap.Distributed; ds != nil {
		le.PutUint64(buf[off:], uint64(ds.XminAllDistributedSnapshots))
		le.PutUint32(buf[off+8:], ds.DistribSnapshotID)
		le.PutUint64(buf[off+12:], uint64(ds.Xmin))
		le.PutUint64(buf[off+20:], uint64(ds.Xmax))
		le.PutUint32(buf[off+28:], uint32(len(ds.InProgress)))
		off += distribHeaderSize
		for _, id := range ds.InProgress {
			le.PutUint64(buf[off:], uint64(id))
			off += distributedTxIDSize
		}
	}
	le.PutUint64(buf[off:], xxh3.Hash(buf[:off]))
	return nil
}

// RestoreSnapshot reads the snapshot serialized by SerializeSnapshot()
// the returned snapshot is a private copy, so buf can be released after this
func RestoreSnapshot(buf []byte) (*Snapshot, error) {
	if len(buf) < headerSize+checksumSize {
		return nil, errors.Wrapf(ErrShortBuffer, "got %d bytes", len(buf))
	}
	le := binary.LittleEndian
	xcnt := int(le.Uint32(buf[8:]))
	flags := le.Uint32(buf[16:])

	off := headerSize + xcnt*txIDSize
	if xcnt < 0 || off+checksumSize > len(buf) {
		return nil, errors.Wrapf(ErrShortBuffer, "xcnt %d does not fit in %d bytes", xcnt, len(buf))
	}
	snap := &Snapshot{
		Xmin:   txid.TxID(le.Uint32(buf[0:])),
		Xmax:   txid.TxID(le.Uint32(buf[4:])),
		Xip:    make([]txid.TxID, xcnt),
		Curcid: common.CommandID(le.Uint32(buf[12:])),
	}
	for i := 0; i < xcnt; i++ {
		snap.Xip[i] = txid.TxID(le.Uint32(buf[headerSize+i*txIDSize:]))
	}

	if flags&flagDistributed != 0 {
		if off+distribHeaderSize+checksumSize > len(buf) {
			return nil, errors.Wrap(ErrShortBuffer, "distributed snapshot header")
		}
		count := int(le.Uint32(buf[off+28:]))
		ds := &DistributedSnapshot{
			XminAllDistributedSnapshots: DistributedTxID(le.Uint64(buf[off:])),
			DistribSnapshotID:           le.Uint32(buf[off+8:]),
			Xmin:                        DistributedTxID(le.Uint64(buf[off+12:])),
			Xmax:                        DistributedTxID(le.Uint64(buf[off+20:])),
			InProgress:                  make([]DistributedTxID, 0, count),
		}
		off += distribHeaderSize
		if count < 0 || off+count*distributedTxIDSize+checksumSize > len(buf) {
			return nil, errors.Wrapf(ErrShortBuffer, "distributed count %d does not fit", count)
		}
		for i := 0; i < count; i++ {
			ds.InProgress = append(ds.InProgress, DistributedTxID(le.Uint64(buf[off:])))
			off += distributedTxIDSize
		}
		snap.Distributed = ds
	}

	if got, want := xxh3.Hash(buf[:off]), le.Uint64(buf[off:]); got != want {
		return nil, errors.Wrapf(ErrChecksumMismatch, "stored %x, computed %x", want, got)
	}
	return snap, nil
}
