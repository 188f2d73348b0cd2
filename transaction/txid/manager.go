/*
Transaction id manager manages transaction id.
MVCC (MultiVersion Concurrency Control) needs timestamp and transaction id is used as kind of timestamp.

In a segmate process group only the writer allocates a transaction id.
Readers never start their own transaction, they borrow the writer's id and snapshot.

---
About the nature of transaction id

Transaction id is defined as unsigned 32 bits and this can overflow.
Anyway, transaction id can overflow so the space of transaction id has to be treated as a kind of circle.
When two transaction ids are compared, the overflow has to be considered. see IsFollows() method.

see https://github.com/postgres/postgres/blob/97c61f70d1b97bdfd20dcb1f2b1be42862ec88c2/src/backend/access/transam/README#L272-L284
*/
package txid

import (
	"sync"
)

// Manager allocates transaction ids
type Manager struct {
	// the lock for xid is called XidGenLock in postgres.
	// this lock has to be acquired before generation of new transaction id.
	sync.Mutex
	// nextTxID is the transaction id which is alloted next time
	nextTxID TxID
}

// NewManager initializes transaction id manager
func NewManager() *Manager {
	return NewManagerFrom(FirstTxID)
}

// NewManagerFrom initializes transaction id manager which allocates next from the id
// this is useful to exercise wraparound
func NewManagerFrom(next TxID) *Manager {
	if !next.IsNormal() {
		next = FirstTxID
	}
	return &Manager{nextTxID: next}
}

// AllocateNewTxID allocates next transaction id and advances it
// the lock is returned held: the caller must register the id as in progress
// and then call ReleaseLock(), otherwise a snapshot taken in between misses the id.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/varsup.c#L50
func (tm *Manager) AllocateNewTxID() TxID {
	tm.Lock()
	txID := tm.nextTxID
	tm.nextTxID = advanceTxID(tm.nextTxID)
	return txID
}

// ReleaseLock releases XidGenLock held by AllocateNewTxID()
func (tm *Manager) ReleaseLock() {
	tm.Unlock()
}

// ReadNextTxID returns the id which will be allocated next
// snapshot's xmax is computed from this
func (tm *Manager) ReadNextTxID() TxID {
	tm.Lock()
	defer tm.Unlock()
	return tm.nextTxID
}
