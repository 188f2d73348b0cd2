package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/transaction"
	"github.com/HayatoShiba/segmate/transaction/sharedsnapshot"
)

func TestRunSimulation(t *testing.T) {
	tests := []struct {
		name      string
		isolation transaction.IsolationLevel
	}{
		{name: "read committed", isolation: transaction.IsolationLevelReadCommitted},
		{name: "repeatable read", isolation: transaction.IsolationLevelRepeatableRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := sharedsnapshot.TestingNewRegistry(8, 64, common.RetryPolicy{Interval: 5 * time.Millisecond, MaxRetries: 400})
			require.Nil(t, err)
			opts := simOptions{
				sessions:   3,
				readers:    2,
				statements: 12,
				cursors:    3,
				isolation:  tt.isolation,
				dump:       true,
			}

			res, err := runSimulation(context.Background(), reg, opts, hclog.NewNullLogger())
			require.Nil(t, err)
			assert.Equal(t, int64(36), res.statements.Load())
			assert.Equal(t, int64(3*9*2), res.liveSyncs.Load())
			// each cursor is synced at declaration and fetched again
			assert.Equal(t, int64(3*3*2*2), res.cursorSyncs.Load())
			require.Len(t, res.dumps, 3)
			for _, dump := range res.dumps {
				// taken after the cursors are fetched again, so every cursor is in the cache
				_, cached, found := strings.Cut(dump, "hashtable contain: \n")
				require.True(t, found)
				assert.Equal(t, 3, strings.Count(cached, "syncmateSync: "))
			}

			assert.Equal(t, 0, reg.NumOccupied())
			assert.Equal(t, 0, reg.SharedMemory().NumSegments())
		})
	}
}

func TestRunSimulationInvalidOptions(t *testing.T) {
	reg, err := sharedsnapshot.TestingNewRegistry(2, 8, common.RetryPolicy{Interval: time.Millisecond, MaxRetries: 1})
	require.Nil(t, err)
	_, err = runSimulation(context.Background(), reg, simOptions{sessions: 1, statements: 2, cursors: 3}, hclog.NewNullLogger())
	assert.NotNil(t, err)
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name: "config",
			args: []string{"segmate", "config"},
			expected: []string{
				"max_prepared_transactions = 50",
				"# shared snapshot slots = 100",
				"# in progress ids per descriptor = 150",
				"# snapshot dump ring = 16",
			},
		},
		{
			name: "simulate",
			args: []string{"segmate", "--log-level", "error", "simulate", "--sessions", "2", "--readers", "1", "--statements", "4", "--cursors", "1"},
			expected: []string{
				"statements dispatched: 8",
				"live snapshot syncs verified: 6",
				"cursor snapshot syncs verified: 4",
				"segments left: 0",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			app := App()
			app.Writer = &buf
			require.Nil(t, app.Run(tt.args))
			for _, s := range tt.expected {
				assert.Contains(t, buf.String(), s)
			}
		})
	}
}
