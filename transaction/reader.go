package transaction

import (
	"context"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/storage/lwlock"
	"github.com/HayatoShiba/segmate/transaction/sharedsnapshot"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
)

// Reader is a reader process of a segmate process group
type Reader struct {
	id      common.SessionID
	backend *sharedsnapshot.Backend
}

// NewReader finds the writer's shared snapshot
// the reader may start before the writer, so this waits within the retry budget.
func NewReader(ctx context.Context, id common.SessionID, backend *sharedsnapshot.Backend) (*Reader, error) {
	if backend.IsWriter() {
		return nil, errors.Wrap(sharedsnapshot.ErrWrongRole, "reader needs a reader backend")
	}
	if err := backend.LookupSharedSnapshot(ctx, readerDescription, writerDescription, id); err != nil {
		return nil, errors.Wrap(err, "backend.LookupSharedSnapshot failed")
	}
	return &Reader{id: id, backend: backend}, nil
}

// Execute returns the writer's snapshot of the statement
// for an ordinary statement the writer may not have published yet, so wait for the sync token first.
// for cursor declaration the dispatcher lets the writer dump before the readers are dispatched.
func (r *Reader) Execute(ctx context.Context, stmt Statement) (*snapshot.Snapshot, error) {
	if !stmt.ForCursor {
		if err := r.backend.WaitForSyncToken(ctx, stmt.Token); err != nil {
			return nil, errors.Wrap(err, "backend.WaitForSyncToken failed")
		}
	}
	if err := r.backend.LockSlot(lwlock.Shared); err != nil {
		return nil, err
	}
	snap, err := r.backend.Sync(stmt.Token, stmt.ForCursor)
	if uerr := r.backend.UnlockSlot(); err == nil && uerr != nil {
		return nil, uerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "backend.Sync failed")
	}
	return snap, nil
}

// EndTransaction drops the cursor snapshots of the transaction
func (r *Reader) EndTransaction() {
	r.backend.AtEOXact()
}

// Close detaches the writer's shared snapshot
func (r *Reader) Close() error {
	return errors.Wrap(r.backend.Exit(), "backend.Exit failed")
}

// Dump renders the shared snapshot state seen from the reader
func (r *Reader) Dump() string {
	return r.backend.Dump()
}
