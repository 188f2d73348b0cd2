package snapshot

import (
	"testing"

	"github.com/HayatoShiba/segmate/transaction/txid"
	"github.com/stretchr/testify/assert"
)

func TestIsInProgress(t *testing.T) {
	var xmin txid.TxID = 10
	var inProgressXid txid.TxID = 15
	xip := []txid.TxID{xmin, inProgressXid}

	tests := []struct {
		name       string
		xmin       txid.TxID
		xmax       txid.TxID
		targetTxID txid.TxID
		expected   bool // is in progress
	}{
		{
			name:       "target is smaller than xmin",
			xmin:       xmin,
			xmax:       20,
			targetTxID: 9,
			expected:   false,
		},
		{
			name:       "target is the same as xmin",
			xmin:       xmin,
			xmax:       20,
			targetTxID: xmin,
			expected:   true,
		},
		{
			name:       "target is bigger than xmin",
			xmin:       xmin,
			xmax:       20,
			targetTxID: 11,
			expected:   false,
		},
		{
			name:       "target is smaller than xmax",
			xmin:       xmin,
			xmax:       20,
			targetTxID: 19,
			expected:   false,
		},
		{
			name:       "target is the same as xmax",
			xmin:       xmin,
			xmax:       20,
			targetTxID: 20,
			expected:   true,
		},
		{
			name:       "target is bigger than xmax",
			xmin:       xmin,
			xmax:       20,
			targetTxID: 21,
			expected:   true,
		},
		{
			name:       "target is bigger than xmin, smaller than xmax, and in xip",
			xmin:       xmin,
			xmax:       20,
			targetTxID: inProgressXid,
			expected:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := NewSnapshot(tt.xmin, tt.xmax, xip, 0)
			got := snap.IsInProgress(tt.targetTxID)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCopy(t *testing.T) {
	snap := NewSnapshot(10, 20, []txid.TxID{11, 15}, 3)
	snap.Distributed = &DistributedSnapshot{Xmin: 100, Xmax: 110, InProgress: []DistributedTxID{101}}
	c := snap.Copy()
	assert.True(t, snap.Equal(c))

	c.Xip[0] = 12
	c.Distributed.InProgress[0] = 102
	assert.Equal(t, txid.TxID(11), snap.Xip[0])
	assert.Equal(t, DistributedTxID(101), snap.Distributed.InProgress[0])
	assert.False(t, snap.Equal(c))
}

func TestEqual(t *testing.T) {
	base := NewSnapshot(10, 20, []txid.TxID{11, 15}, 3)
	tests := []struct {
		name     string
		other    *Snapshot
		expected bool
	}{
		{name: "same", other: NewSnapshot(10, 20, []txid.TxID{11, 15}, 3), expected: true},
		{name: "different xmin", other: NewSnapshot(9, 20, []txid.TxID{11, 15}, 3), expected: false},
		{name: "different curcid", other: NewSnapshot(10, 20, []txid.TxID{11, 15}, 4), expected: false},
		{name: "different xip", other: NewSnapshot(10, 20, []txid.TxID{11}, 3), expected: false},
		{name: "nil", other: nil, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, base.Equal(tt.other))
		})
	}
}

func TestString(t *testing.T) {
	snap := NewSnapshot(10, 20, []txid.TxID{11, 15}, 3)
	assert.Equal(t, "xmin=10 xmax=20 xcnt=2 xip={11,15} curcid=3", snap.String())
}
