package transaction

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/storage/lwlock"
	"github.com/HayatoShiba/segmate/transaction/sharedsnapshot"
	"github.com/HayatoShiba/segmate/transaction/snapshot"
)

const (
	writerDescription = "Writer qExec"
	readerDescription = "Reader qExec"
)

// Statement is what the dispatcher sends to every process of the segmate process group
type Statement struct {
	// Token identifies the statement. the readers sync the snapshot published with it
	Token common.SyncToken
	// ForCursor is true for cursor declaration
	ForCursor bool
	// Distributed is the distributed snapshot from the coordinator, relayed as is
	Distributed *snapshot.DistributedSnapshot
}

// Session is the writer side of a segmate process group
// it runs the transaction and publishes the snapshot of every statement.
type Session struct {
	id      common.SessionID
	mgr     *Manager
	backend *sharedsnapshot.Backend
	logger  hclog.Logger

	tx        *Tx
	lastToken common.SyncToken
}

// NewSession takes the shared snapshot slot for the session
func NewSession(ctx context.Context, id common.SessionID, mgr *Manager, backend *sharedsnapshot.Backend, logger hclog.Logger) (*Session, error) {
	if !backend.IsWriter() {
		return nil, errors.Wrap(sharedsnapshot.ErrWrongRole, "session needs the writer backend")
	}
	if err := backend.AddSharedSnapshot(ctx, writerDescription, id); err != nil {
		return nil, errors.Wrap(err, "backend.AddSharedSnapshot failed")
	}
	return &Session{
		id:      id,
		mgr:     mgr,
		backend: backend,
		logger:  logger.With("session_id", id),
	}, nil
}

// ID returns session id
func (s *Session) ID() common.SessionID {
	return s.id
}

// Tx returns the current transaction, or nil
func (s *Session) Tx() *Tx {
	return s.tx
}

// Begin begins transaction
func (s *Session) Begin(level IsolationLevel) (*Tx, error) {
	if s.tx != nil {
		return nil, errors.Errorf("transaction %s is already in progress", s.tx.ID())
	}
	tx := s.mgr.Begin(level)
	if err := s.withSlotLock(func() error { return s.backend.SetWriterXact(tx.ID()) }); err != nil {
		_ = s.mgr.Abort(tx)
		return nil, err
	}
	s.tx = tx
	s.logger.Debug("begin", "txid", tx.ID(), "isolation", level)
	return tx, nil
}

// NextStatement assigns the sync token of the next statement
func (s *Session) NextStatement(forCursor bool, ds *snapshot.DistributedSnapshot) Statement {
	s.lastToken++
	return Statement{Token: s.lastToken, ForCursor: forCursor, Distributed: ds}
}

// Dispatch takes the snapshot of the statement and publishes it for the readers
// the writer must have processed this before the readers sync, see Reader.Execute().
func (s *Session) Dispatch(stmt Statement) (*snapshot.Snapshot, error) {
	if s.tx == nil {
		return nil, errors.New("no transaction in progress")
	}
	snap, err := s.mgr.StatementSnapshot(s.tx)
	if err != nil {
		return nil, errors.Wrap(err, "StatementSnapshot failed")
	}
	snap.Distributed = stmt.Distributed

	err = s.withSlotLock(func() error {
		return s.backend.Publish(stmt.Token, snap, stmt.ForCursor)
	})
	if err != nil {
		return nil, errors.Wrap(err, "backend.Publish failed")
	}
	s.mgr.CommandCounterIncrement(s.tx)
	s.logger.Trace("dispatched", "segmate_sync", stmt.Token, "cursor", stmt.ForCursor, "snapshot", snap.String())
	return snap, nil
}

// Commit commits the current transaction
func (s *Session) Commit() error {
	return s.end(s.mgr.Commit)
}

// Abort aborts the current transaction
func (s *Session) Abort() error {
	return s.end(s.mgr.Abort)
}

func (s *Session) end(complete func(*Tx) error) error {
	if s.tx == nil {
		return errors.New("no transaction in progress")
	}
	tx := s.tx
	s.tx = nil
	if err := complete(tx); err != nil {
		return err
	}
	s.logger.Debug("end", "txid", tx.ID(), "state", tx.State())
	return nil
}

// Close frees the slot and releases the shared memory of the writer
func (s *Session) Close() error {
	if s.tx != nil {
		if err := s.Abort(); err != nil {
			return err
		}
	}
	if err := s.backend.RemoveSharedSnapshot(writerDescription); err != nil {
		return errors.Wrap(err, "backend.RemoveSharedSnapshot failed")
	}
	return errors.Wrap(s.backend.Exit(), "backend.Exit failed")
}

func (s *Session) withSlotLock(fn func() error) error {
	if err := s.backend.LockSlot(lwlock.Exclusive); err != nil {
		return err
	}
	err := fn()
	if uerr := s.backend.UnlockSlot(); err == nil {
		err = uerr
	}
	return err
}
