package lwlock

import "github.com/pkg/errors"

// ErrNotHeld is returned when releasing a lock which the holder does not hold
var ErrNotHeld = errors.New("lock is not held")

// Holder tracks locks held by one backend
// see held_lwlocks in https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/backend/storage/lmgr/lwlock.c#L212
type Holder struct {
	held map[*Lock]Mode
}

// NewHolder initializes holder
func NewHolder() *Holder {
	return &Holder{held: make(map[*Lock]Mode)}
}

// Acquire acquires the lock and remembers it
// acquiring a lock twice is not supported (same as postgres)
func (h *Holder) Acquire(l *Lock, mode Mode) error {
	if _, ok := h.held[l]; ok {
		return errors.Errorf("lock %s is already held", l.name)
	}
	l.Acquire(mode)
	h.held[l] = mode
	return nil
}

// Release releases the lock held by this holder
func (h *Holder) Release(l *Lock) error {
	mode, ok := h.held[l]
	if !ok {
		return errors.Wrapf(ErrNotHeld, "release %s", l.name)
	}
	delete(h.held, l)
	l.Release(mode)
	return nil
}

// ReleaseAll releases all the locks, this is expected to be called on error cleanup
func (h *Holder) ReleaseAll() {
	for l, mode := range h.held {
		delete(h.held, l)
		l.Release(mode)
	}
}

// HeldByMe checks whether the holder holds the lock in any mode
func (h *Holder) HeldByMe(l *Lock) bool {
	_, ok := h.held[l]
	return ok
}

// HeldByMeInMode checks whether the holder holds the lock in the mode
func (h *Holder) HeldByMeInMode(l *Lock, mode Mode) bool {
	m, ok := h.held[l]
	return ok && m == mode
}

// NumHeld returns the number of locks held
func (h *Holder) NumHeld() int {
	return len(h.held)
}
