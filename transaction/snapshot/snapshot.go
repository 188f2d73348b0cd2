package snapshot

import (
	"fmt"
	"strings"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// Snapshot is MVCC snapshot
// see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/include/utils/snapshot.h#L121
type Snapshot struct {
	// the minimum transaction id which is in progress
	// the number below xmin is expected to be completed
	Xmin txid.TxID

	// the first transaction id which is not completed yet (latestCompleted + 1)
	// the number at or above xmax is expected to be invisible
	Xmax txid.TxID

	// the transaction ids which were in progress when the snapshot was taken, in ascending order
	// the length is xcnt in postgres
	Xip []txid.TxID

	// Curcid is the command id. tuples inserted by the same transaction with a later command id are invisible
	// https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/include/utils/snapshot.h#L187
	Curcid common.CommandID

	// Distributed is the cluster-wide snapshot sent by the coordinator. it is nil for local-only snapshots.
	// it is never computed on this node, only carried along.
	Distributed *DistributedSnapshot
}

// NewSnapshot initializes snapshot
func NewSnapshot(xmin, xmax txid.TxID, xip []txid.TxID, curcid common.CommandID) *Snapshot {
	return &Snapshot{
		Xmin:   xmin,
		Xmax:   xmax,
		Xip:    xip,
		Curcid: curcid,
	}
}

// Count returns the number of in progress transaction ids (xcnt)
func (snap *Snapshot) Count() int {
	return len(snap.Xip)
}

// IsInProgress checks whether transaction id is in progress from perspective of this snapshot
// https://github.com/postgres/postgres/blob/8b5262fa0efdd515a05e533c2a1198e7b666f7d8/src/backend/utils/time/snapmgr.c#L2287
func (snap *Snapshot) IsInProgress(txID txid.TxID) bool {
	// if txID < snap.xmin, then txID has been completed(committed/aborted)
	if snap.Xmin.IsFollows(txID) {
		return false
	}
	// if txID >= snap.xmax, then txID has not been completed from the snapshot's perspective
	if !txID.IsPrecedes(snap.Xmax) {
		return true
	}
	// here, snap.xmin <= txID < snap.xmax
	// xip is small in most cases so linear search is fine
	for _, id := range snap.Xip {
		if id == txID {
			return true
		}
	}
	return false
}

// Copy returns deep copy of the snapshot
func (snap *Snapshot) Copy() *Snapshot {
	c := *snap
	c.Xip = append([]txid.TxID(nil), snap.Xip...)
	if snap.Distributed != nil {
		c.Distributed = snap.Distributed.Copy()
	}
	return &c
}

// Equal compares the local visibility fields (xmin, xmax, xip, curcid)
func (snap *Snapshot) Equal(o *Snapshot) bool {
	if snap == nil || o == nil {
		return snap == o
	}
	if snap.Xmin != o.Xmin || snap.Xmax != o.Xmax || snap.Curcid != o.Curcid || len(snap.Xip) != len(o.Xip) {
		return false
	}
	for i := range snap.Xip {
		if snap.Xip[i] != o.Xip[i] {
			return false
		}
	}
	return true
}

func (snap *Snapshot) String() string {
	ids := make([]string, 0, len(snap.Xip))
	for _, id := range snap.Xip {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("xmin=%d xmax=%d xcnt=%d xip={%s} curcid=%d",
		snap.Xmin, snap.Xmax, len(snap.Xip), strings.Join(ids, ","), snap.Curcid)
}
