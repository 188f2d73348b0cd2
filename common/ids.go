package common

// SessionID identifies a session's process group (writer and its readers) on one node
// the dispatching coordinator assigns it and sends it to every process of the group
// see gp_session_id in greenplum
type SessionID int32

// InvalidSessionID marks a free slot
const InvalidSessionID SessionID = -1

// SyncToken is the freshness stamp supplied by the statement dispatch protocol
// this is called segmateSync in greenplum.
// it is used verbatim, so no ordering is assumed here
type SyncToken uint32

// CommandID is the command counter within a transaction
// see https://github.com/postgres/postgres/blob/27b77ecf9f4d5be211900eda54d8155ada50d696/src/include/c.h#L597
type CommandID uint32

// ProcNumber identifies a backend process on this node
// it is the handle readers use to identify the writer of their session
type ProcNumber int32

// InvalidProcNumber is used before the process has been registered
const InvalidProcNumber ProcNumber = -1
