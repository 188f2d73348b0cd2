/*
Postgres adopts MVCC(Multi Version Concurrency Control) for concurrency control.
Each transaction decides which tuple versions it can see with its snapshot.

In a segmate process group only the writer runs the transaction:
  - the writer begins/commits/aborts the transaction and takes the snapshot of each statement.
  - the writer publishes the snapshot with the sync token of the statement (see Session).
  - the readers never take their own snapshot, they sync the writer's one (see Reader).

So the readers see the data written by the writer's uncommitted transaction,
exactly like the statements in a single postgres backend do.

see https://github.com/greenplum-db/gpdb/blob/main/src/backend/utils/time/sharedsnapshot.c
*/
package transaction

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/transaction/snapshot"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// Manager is transaction manager of the writer
type Manager struct {
	tm *txid.Manager
	sm *snapshot.Manager
}

// NewManager initializes transaction manager
func NewManager(tm *txid.Manager, sm *snapshot.Manager) *Manager {
	return &Manager{
		tm: tm,
		sm: sm,
	}
}

// SnapshotManager returns the snapshot manager
func (m *Manager) SnapshotManager() *snapshot.Manager {
	return m.sm
}

// Begin begins transaction
// see https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L2925
func (m *Manager) Begin(level IsolationLevel) *Tx {
	// allocate new transaction id and insert it into in progress txids for snapshot isolation
	txID := m.sm.BeginTxID()
	return NewTransaction(txID, level)
}

// StatementSnapshot returns the snapshot for the next statement of the transaction
// read committed takes a new snapshot for each statement.
// repeatable read and above take the snapshot at the first statement and keep it,
// only the command id advances.
// see GetTransactionSnapshot() https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/utils/time/snapmgr.c#L250
func (m *Manager) StatementSnapshot(tx *Tx) (*snapshot.Snapshot, error) {
	if IsCompleted(tx.State()) {
		return nil, errors.Errorf("transaction %s is already %s", tx.ID(), tx.State())
	}
	if !tx.level.usesSameSnapshot() {
		return m.sm.TakeSnapshot(tx.curcid), nil
	}
	if tx.snapshot == nil {
		tx.snapshot = m.sm.TakeSnapshot(tx.curcid)
		return tx.snapshot.Copy(), nil
	}
	snap := tx.snapshot.Copy()
	snap.Curcid = tx.curcid
	return snap, nil
}

// CommandCounterIncrement advances the command id, so that the next statement sees what this one wrote
// see https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L1080
func (m *Manager) CommandCounterIncrement(tx *Tx) {
	tx.curcid++
}

// Commit commits transaction
func (m *Manager) Commit(tx *Tx) error {
	return m.complete(tx, StateCommitted)
}

// Abort aborts transaction
func (m *Manager) Abort(tx *Tx) error {
	return m.complete(tx, StateAborted)
}

func (m *Manager) complete(tx *Tx, state State) error {
	if IsCompleted(tx.State()) {
		return errors.Errorf("transaction %s is already %s", tx.ID(), tx.State())
	}
	// remove the txid from in progress txids for snapshot isolation
	m.sm.CompleteTxID(tx.ID())
	tx.SetState(state)
	tx.snapshot = nil
	return nil
}
