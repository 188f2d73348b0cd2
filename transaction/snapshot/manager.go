/*
Postgres implements snapshot isolation.
Snapshot stores the information about the status of all transactions when the snapshot is taken.
With snapshot, transaction can determine whether the tuple is visible/updatable or not.

----
About snapshot in a segmate process group

A session runs as one writer process and zero or more reader processes on each node.
Only the writer (or the dispatcher) starts a transaction and takes snapshots.
The readers must see exactly what the writer sees, so they never take their own snapshot:
they copy the writer's one through the shared snapshot slot. see /transaction/sharedsnapshot.

So this manager is only used on the writer side. It plays the role of proc array:
it knows which transaction ids are in progress and which was completed last.

----
About transaction isolation level

  - Repeatable Read: snapshot is taken when the first statement runs, and reused during the transaction.
  - Read Committed: snapshot is taken for each statement.
Either way the writer publishes the snapshot of every dispatched statement.

the effect of snapshot for MVCC is described below
https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/include/utils/snapshot.h#L37-L50

the snapshot is taken with GetSnapshotData() function
https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L2214
*/
package snapshot

import (
	"sort"
	"sync"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// Manager is snapshot manager
// this plays the role of proc array: it knows which transaction ids are in progress on this node
type Manager struct {
	tm *txid.Manager

	// ProcArrayLock in postgres
	mu sync.RWMutex
	// inProgressTxIDs is transaction ids in progress
	inProgressTxIDs map[txid.TxID]struct{}
	// latestCompletedTxID is the latest transaction id which has been committed/aborted
	latestCompletedTxID txid.TxID
}

// NewManager initializes snapshot manager
func NewManager(tm *txid.Manager) *Manager {
	return &Manager{
		tm:              tm,
		inProgressTxIDs: make(map[txid.TxID]struct{}),
	}
}

// BeginTxID allocates new transaction id and registers it as in progress
// allocation and registration happen under XidGenLock, see txid.Manager.AllocateNewTxID()
func (m *Manager) BeginTxID() txid.TxID {
	txID := m.tm.AllocateNewTxID()
	m.mu.Lock()
	m.inProgressTxIDs[txID] = struct{}{}
	m.mu.Unlock()
	m.tm.ReleaseLock()
	return txID
}

// CompleteTxID removes the transaction id from in progress ids and advances latestCompletedTxID
// https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L668
func (m *Manager) CompleteTxID(txID txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgressTxIDs, txID)
	if !m.latestCompletedTxID.IsValid() || txID.IsFollows(m.latestCompletedTxID) {
		m.latestCompletedTxID = txID
	}
}

// TakeSnapshot takes snapshot
// - xmax is latestCompletedTxID + 1
// - xip is the ids in progress which precede xmax, in ascending order
// - xmin is the smallest of xip, or xmax when nothing is in progress
// https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L2214
func (m *Manager) TakeSnapshot(curcid common.CommandID) *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	xmax := txid.FirstTxID
	if m.latestCompletedTxID.IsValid() {
		xmax = m.latestCompletedTxID + 1
		if !xmax.IsNormal() {
			xmax = txid.FirstTxID
		}
	}
	xip := make([]txid.TxID, 0, len(m.inProgressTxIDs))
	for id := range m.inProgressTxIDs {
		if id.IsPrecedes(xmax) {
			xip = append(xip, id)
		}
	}
	sort.Slice(xip, func(i, j int) bool { return xip[i].IsPrecedes(xip[j]) })

	xmin := xmax
	if len(xip) > 0 {
		xmin = xip[0]
	}
	return NewSnapshot(xmin, xmax, xip, curcid)
}

// NumInProgress returns the number of transactions in progress
func (m *Manager) NumInProgress() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inProgressTxIDs)
}
