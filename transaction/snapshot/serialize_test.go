package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/segmate/transaction/txid"
)

func TestSerializeRestore(t *testing.T) {
	tests := []struct {
		name string
		snap *Snapshot
	}{
		{
			name: "no in progress ids",
			snap: NewSnapshot(100, 100, nil, 0),
		},
		{
			name: "in progress ids and command id",
			snap: NewSnapshot(100, 120, []txid.TxID{100, 105, 119}, 42),
		},
		{
			name: "with distributed snapshot",
			snap: &Snapshot{
				Xmin:   100,
				Xmax:   120,
				Xip:    []txid.TxID{101},
				Curcid: 1,
				Distributed: &DistributedSnapshot{
					XminAllDistributedSnapshots: 5000,
					DistribSnapshotID:           7,
					Xmin:                        5001,
					Xmax:                        5010,
					InProgress:                  []DistributedTxID{5001, 5003},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, EstimateSnapshotSpace(tt.snap))
			require.Nil(t, SerializeSnapshot(tt.snap, buf))

			got, err := RestoreSnapshot(buf)
			require.Nil(t, err)
			assert.True(t, tt.snap.Equal(got), "got %s", got)
			assert.Equal(t, tt.snap.Distributed, got.Distributed)
		})
	}
}

func TestSerializeShortBuffer(t *testing.T) {
	snap := NewSnapshot(100, 120, []txid.TxID{100, 105}, 0)
	buf := make([]byte, EstimateSnapshotSpace(snap)-1)
	assert.ErrorIs(t, SerializeSnapshot(snap, buf), ErrShortBuffer)
}

func TestRestoreCorrupted(t *testing.T) {
	snap := NewSnapshot(100, 120, []txid.TxID{100, 105}, 0)
	buf := make([]byte, EstimateSnapshotSpace(snap))
	require.Nil(t, SerializeSnapshot(snap, buf))

	t.Run("flipped in progress id", func(t *testing.T) {
		broken := append([]byte(nil), buf...)
		broken[headerSize] ^= 0xff
		_, err := RestoreSnapshot(broken)
		assert.ErrorIs(t, err, ErrChecksumMismatch)
	})
	t.Run("xcnt larger than buffer", func(t *testing.T) {
		broken := append([]byte(nil), buf...)
		broken[8] = 0xff
		_, err := RestoreSnapshot(broken)
		assert.ErrorIs(t, err, ErrShortBuffer)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := RestoreSnapshot(buf[:10])
		assert.ErrorIs(t, err, ErrShortBuffer)
	})
}
