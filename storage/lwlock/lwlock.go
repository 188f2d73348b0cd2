/*
Lightweight lock (LWLock) is the lock used to protect data structures in shared memory.
It has two modes, shared and exclusive. Many holders can hold the shared mode at once,
only one holder can hold the exclusive mode.

In postgres, LWLock is implemented with atomic state and a wait queue of PGPROC.
Here it is implemented with sync.RWMutex because goroutines play the role of backend processes.

Postgres also remembers which LWLocks the backend holds (held_lwlocks array) so that
- LWLockHeldByMe() can assert that the caller holds the lock
- LWLockReleaseAll() can release everything on error
This is what Holder does. A Holder belongs to exactly one backend and must not be shared.

see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/storage/lmgr/lwlock.c#L1
*/
package lwlock

import (
	"sync"
)

// Mode is lock mode
type Mode int

const (
	// Shared can be held by many holders at once
	Shared Mode = iota
	// Exclusive can be held by only one holder
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Lock is lightweight lock
type Lock struct {
	// name is tranche name, only for diagnostics
	name string
	mu   sync.RWMutex
}

// New initializes lock
func New(name string) *Lock {
	return &Lock{name: name}
}

// Name returns tranche name
func (l *Lock) Name() string {
	return l.name
}

// Acquire acquires the lock in the mode
// this blocks until the lock is acquired
func (l *Lock) Acquire(mode Mode) {
	if mode == Exclusive {
		l.mu.Lock()
		return
	}
	l.mu.RLock()
}

// Release releases the lock held in the mode
func (l *Lock) Release(mode Mode) {
	if mode == Exclusive {
		l.mu.Unlock()
		return
	}
	l.mu.RUnlock()
}
