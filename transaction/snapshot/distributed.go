package snapshot

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// DistributedTxID is cluster-wide transaction id assigned by the coordinator
type DistributedTxID uint64

// DistributedSnapshot is the snapshot of the distributed transactions in the cluster
// this node only receives it from the coordinator and relays it, so nothing here computes it.
type DistributedSnapshot struct {
	// the oldest xmin among all distributed snapshots in the cluster
	XminAllDistributedSnapshots DistributedTxID
	DistribSnapshotID           uint32
	Xmin                        DistributedTxID
	Xmax                        DistributedTxID
	// in progress distributed transaction ids
	InProgress []DistributedTxID
}

// Copy returns deep copy
func (ds *DistributedSnapshot) Copy() *DistributedSnapshot {
	c := *ds
	c.InProgress = append([]DistributedTxID(nil), ds.InProgress...)
	return &c
}

func (ds *DistributedSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "xminAllDistributedSnapshots=%d, distribSnapshotId=%d, xmin=%d, xmax=%d, count=%d",
		ds.XminAllDistributedSnapshots, ds.DistribSnapshotID, ds.Xmin, ds.Xmax, len(ds.InProgress))
	b.WriteString(", In progress array: {")
	for i, id := range ds.InProgress {
		if i != 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " (dx%d)", id)
	}
	b.WriteString("}")
	return b.String()
}

// LogDistributedSnapshotInfo logs the distributed snapshot carried by the snapshot
// prefix is put at the head of the message
func LogDistributedSnapshotInfo(logger hclog.Logger, snap *Snapshot, prefix string) {
	if snap == nil || snap.Distributed == nil {
		return
	}
	logger.Info(fmt.Sprintf("%s Distributed snapshot info: %s", prefix, snap.Distributed))
}
