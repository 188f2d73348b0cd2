/*
Package sharedsnapshot shares the writer's transaction snapshot with the reader processes of the same session.

----
About segmates

A query dispatched to a node may run as several processes: one writer and zero or more readers.
They are called a segmate process group and they share one session id.
Only the writer starts a transaction and writes. The readers don't have their own transaction,
but they have to see exactly what the writer sees, including data the writer has not committed yet.
So the writer copies its snapshot into shared memory and the readers copy it out.

----
About the structures

  - slot registry: fixed-size array of slots, one per session. the writer takes a slot with its session id,
    the readers find the slot by the session id. protected by the registry lock (SharedSnapshotLock).
  - descriptor: per-session dynamic shared memory segment created by the writer.
    it holds the live snapshot and the cursor dump ring. the handle is stored in the slot.
  - slot lock: per-slot lock which protects the descriptor. publish needs it exclusive, sync needs it held.
  - dump ring: SnapshotDumpArraySize entries of (sync token, segment handle) for cursor snapshots.
  - dump cache: reader-local map from sync token to the restored snapshot, cleared at end of transaction.

----
About freshness

There is no wakeup between the writer and the readers. The readers know which statement they execute
by the sync token sent from the dispatcher, and the writer stamps the live snapshot with the token.
The reader must not sync until the writer has published the token. WaitForSyncToken() polls for it.

----
About cursors

A cursor reads through the snapshot taken when it was declared, not the current one.
Readers for a cursor can be started long after the declaration, when the live snapshot has moved on.
So for cursor declaration the writer serializes the snapshot into its own segment and puts it into the ring.
The ring is sized so that the oldest entry is not needed anymore when it is overwritten:
the dispatcher doesn't wait for readers to sync a cursor snapshot, but the gap is far smaller than the ring.

see https://github.com/greenplum-db/gpdb/blob/main/src/backend/utils/time/sharedsnapshot.c
*/
package sharedsnapshot
