package transaction

import (
	"github.com/HayatoShiba/segmate/transaction/snapshot"
	"github.com/HayatoShiba/segmate/transaction/txid"
)

// TestingNewManager initializes transaction manager for testing
func TestingNewManager() *Manager {
	tm := txid.NewManager()
	return NewManager(tm, snapshot.NewManager(tm))
}
