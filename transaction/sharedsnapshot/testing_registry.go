package sharedsnapshot

import (
	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/storage/shmem"
)

// TestingNewRegistry initializes registry with small capacities for testing
func TestingNewRegistry(capacity, xipEntryCount int, retry common.RetryPolicy) (*Registry, error) {
	return newRegistry(capacity, xipEntryCount, retry, false, shmem.NewManager())
}

// TestingCorruptSlot overwrites the slot index of the slot at pos
func TestingCorruptSlot(r *Registry, pos, index int) {
	r.slots[pos].slotIndex.Store(int32(index))
}
