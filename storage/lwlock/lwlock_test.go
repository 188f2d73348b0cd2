package lwlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHolder(t *testing.T) {
	l := New("test")
	h := NewHolder()

	assert.False(t, h.HeldByMe(l))
	assert.Nil(t, h.Acquire(l, Exclusive))
	assert.True(t, h.HeldByMe(l))
	assert.True(t, h.HeldByMeInMode(l, Exclusive))
	assert.False(t, h.HeldByMeInMode(l, Shared))
	assert.NotNil(t, h.Acquire(l, Exclusive))

	assert.Nil(t, h.Release(l))
	assert.False(t, h.HeldByMe(l))
	assert.ErrorIs(t, h.Release(l), ErrNotHeld)
}

func TestSharedHoldersDoNotBlockEachOther(t *testing.T) {
	l := New("test")
	h1 := NewHolder()
	h2 := NewHolder()
	assert.Nil(t, h1.Acquire(l, Shared))
	assert.Nil(t, h2.Acquire(l, Shared))
	assert.Nil(t, h1.Release(l))
	assert.Nil(t, h2.Release(l))
}

func TestExclusiveBlocksShared(t *testing.T) {
	l := New("test")
	writer := NewHolder()
	assert.Nil(t, writer.Acquire(l, Exclusive))

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		reader := NewHolder()
		reader.Acquire(l, Shared)
		close(acquired)
		reader.Release(l)
	}()

	select {
	case <-acquired:
		t.Fatal("shared lock acquired while exclusive lock is held")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Nil(t, writer.Release(l))
	wg.Wait()
}

func TestReleaseAll(t *testing.T) {
	l1 := New("l1")
	l2 := New("l2")
	h := NewHolder()
	assert.Nil(t, h.Acquire(l1, Exclusive))
	assert.Nil(t, h.Acquire(l2, Shared))
	assert.Equal(t, 2, h.NumHeld())

	h.ReleaseAll()
	assert.Equal(t, 0, h.NumHeld())
	// both locks can be acquired exclusively again
	assert.Nil(t, h.Acquire(l1, Exclusive))
	assert.Nil(t, h.Acquire(l2, Exclusive))
	h.ReleaseAll()
}
