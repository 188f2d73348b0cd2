package transaction

import (
	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// Tx is a transaction of the writer
type Tx struct {
	id    txid.TxID
	state State
	level IsolationLevel
	// the command id of the current statement
	curcid common.CommandID
	// the transaction snapshot. only used with repeatable read and above
	snapshot *snapshot.Snapshot
}

// NewTransaction initializes transaction
func NewTransaction(id txid.TxID, level IsolationLevel) *Tx {
	return &Tx{
		id:    id,
		state: StateInProgress,
		level: level,
	}
}

// ID returns transaction id
func (tx *Tx) ID() txid.TxID {
	return tx.id
}

// State returns transaction state
func (tx *Tx) State() State {
	return tx.state
}

// IsolationLevel returns transaction isolation level
func (tx *Tx) IsolationLevel() IsolationLevel {
	return tx.level
}

// SetState sets transaction state
func (tx *Tx) SetState(state State) {
	tx.state = state
}

// CommandID returns the command id of the current statement
func (tx *Tx) CommandID() common.CommandID {
	return tx.curcid
}

// Snapshot returns the transaction snapshot, or nil if it is not taken yet
func (tx *Tx) Snapshot() *snapshot.Snapshot {
	return tx.snapshot
}
