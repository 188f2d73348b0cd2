package sharedsnapshot

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/HayatoShiba/segmate/config"
)

// Dump renders the shared snapshot state seen from this process
// it is called on error paths, so it never fails. a broken part is reported in the output instead.
// the registry lock must not be held by the caller.
// see SharedSnapshotDump() in gpdb
func (b *Backend) Dump() (out string) {
	var sb strings.Builder
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(&sb, "<dump incomplete: %v>\n", r)
			out = sb.String()
		}
	}()

	slotSession := "none"
	if b.slot != nil {
		slotSession = fmt.Sprint(b.slot.SessionID())
	}
	fmt.Fprintf(&sb, "session: %d/%s, is QD = %t, is writer = %t\n",
		b.sessionID, slotSession, b.role == RoleDispatch, b.writer)

	sb.WriteString(b.reg.Dump())

	if b.desc == nil || b.desc.seg.IsDetached() {
		sb.WriteString("no shared local snapshot descriptor\n")
	} else {
		d := b.desc
		fmt.Fprintf(&sb, "writer proc: %d, writer xact: %d, segmateSync: %d, cur_dump_id: %d\n",
			d.writerProc(), d.writerXact(), d.syncToken(), d.curDumpID())
		if live, err := d.loadLive(); err != nil {
			fmt.Fprintf(&sb, "live snapshot: <%v>\n", err)
		} else {
			fmt.Fprintf(&sb, "live snapshot: %s\n", live)
		}
		for i := 0; i < config.SnapshotDumpArraySize; i++ {
			e := d.dumpEntry(i)
			fmt.Fprintf(&sb, "syncmateSync: %d handle: %d\n", e.syncToken, e.handle)
		}
	}

	if b.dumpCache != nil {
		sb.WriteString("hashtable contain: \n")
		for _, token := range slices.Sorted(maps.Keys(b.dumpCache)) {
			fmt.Fprintf(&sb, "syncmateSync: %d \n", token)
		}
	}
	return sb.String()
}
