package sharedsnapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HayatoShiba/segmate/common"
	"github.com/HayatoShiba/segmate/config"
	"github.com/HayatoShiba/segmate/storage/shmem"
)

var fastRetry = common.RetryPolicy{Interval: 5 * time.Millisecond, MaxRetries: 3}

func newTestRegistry(t *testing.T, capacity int, retry common.RetryPolicy) *Registry {
	t.Helper()
	r, err := TestingNewRegistry(capacity, 8, retry)
	require.Nil(t, err)
	return r
}

func TestNewRegistry(t *testing.T) {
	cfg := config.Default()
	r, err := NewRegistry(cfg, shmem.NewManager())
	require.Nil(t, err)
	assert.Equal(t, 100, r.Capacity())
	assert.Equal(t, 150, r.xipEntryCount)
	assert.Equal(t, 0, r.NumOccupied())
	assert.Equal(t, 0, r.NextFreeSlot())

	cfg.MaxPreparedTransactions = 0
	_, err = NewRegistry(cfg, shmem.NewManager())
	assert.NotNil(t, err)
}

func TestAdd(t *testing.T) {
	r := newTestRegistry(t, 4, fastRetry)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		slot, err := r.Add(ctx, common.SessionID(100+i))
		require.Nil(t, err)
		assert.Equal(t, i, slot.Index())
		assert.Equal(t, common.SessionID(100+i), slot.SessionID())
		assert.Equal(t, shmem.InvalidHandle, slot.DescriptorHandle())
	}
	assert.Equal(t, 4, r.NumOccupied())
	assert.Equal(t, noSlot, r.NextFreeSlot())
	assert.Equal(t, float64(4), testutil.ToFloat64(r.Metrics().SlotsOccupied))
}

func TestAddInvalidSessionID(t *testing.T) {
	tests := []struct {
		name     string
		occupied int
	}{
		{
			name:     "empty registry",
			occupied: 0,
		},
		{
			name:     "full registry",
			occupied: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, 2, common.RetryPolicy{Interval: time.Second, MaxRetries: 10})
			for i := 0; i < tt.occupied; i++ {
				_, err := r.Add(context.Background(), common.SessionID(i+1))
				require.Nil(t, err)
			}

			start := time.Now()
			slot, err := r.Add(context.Background(), common.InvalidSessionID)
			assert.Nil(t, slot)
			assert.True(t, errors.Is(err, ErrInvalidSessionID))
			// rejected up front, not after the retry budget
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, float64(0), testutil.ToFloat64(r.Metrics().AddRetries))
			assert.Equal(t, tt.occupied, r.NumOccupied())
		})
	}
}

func TestAddCollision(t *testing.T) {
	r := newTestRegistry(t, 4, fastRetry)
	ctx := context.Background()

	_, err := r.Add(ctx, 7)
	require.Nil(t, err)

	_, err = r.Add(ctx, 7)
	assert.True(t, errors.Is(err, ErrCollision))
	assert.True(t, IsFatal(err))
	assert.Equal(t, CodeInternalError, Code(err))
	// the first attempt and every retry collide
	assert.Equal(t, float64(fastRetry.MaxRetries+1), testutil.ToFloat64(r.Metrics().AddRetries))
	assert.Equal(t, 1, r.NumOccupied())
}

func TestAddCollisionResolved(t *testing.T) {
	r := newTestRegistry(t, 4, common.RetryPolicy{Interval: 10 * time.Millisecond, MaxRetries: 100})
	ctx := context.Background()

	old, err := r.Add(ctx, 7)
	require.Nil(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		assert.Nil(t, r.Remove(old))
	}()

	slot, err := r.Add(ctx, 7)
	wg.Wait()
	require.Nil(t, err)
	assert.Equal(t, common.SessionID(7), slot.SessionID())
	assert.Equal(t, 1, r.NumOccupied())
	assert.True(t, testutil.ToFloat64(r.Metrics().AddRetries) >= 1)
}

func TestAddTooManyClients(t *testing.T) {
	r := newTestRegistry(t, 3, common.RetryPolicy{Interval: time.Second, MaxRetries: 10})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Add(ctx, common.SessionID(i+1))
		require.Nil(t, err)
	}
	before := r.Dump()

	start := time.Now()
	_, err := r.Add(ctx, 99)
	assert.True(t, errors.Is(err, ErrTooManyClients))
	assert.True(t, IsFatal(err))
	assert.Equal(t, CodeTooManyConnections, Code(err))
	// no retry for capacity
	assert.Less(t, time.Since(start), time.Second)

	var report *Report
	require.True(t, errors.As(err, &report))
	assert.Contains(t, report.Detail, "Shared Local Snapshots dump")
	assert.Contains(t, report.Detail, "session_id: 3")

	assert.Equal(t, before, r.Dump())
	assert.Equal(t, 3, r.NumOccupied())
}

func TestRemoveReuse(t *testing.T) {
	r := newTestRegistry(t, 4, fastRetry)
	ctx := context.Background()

	slots := make([]*Slot, 0, 4)
	for i := 0; i < 3; i++ {
		s, err := r.Add(ctx, common.SessionID(i+1))
		require.Nil(t, err)
		slots = append(slots, s)
	}
	assert.Equal(t, 3, r.NextFreeSlot())

	tests := []struct {
		name         string
		op           func() error
		expectedNext int
		expectedNum  int
	}{
		{
			name:         "remove middle slot: hint moves down",
			op:           func() error { return r.Remove(slots[1]) },
			expectedNext: 1,
			expectedNum:  2,
		},
		{
			name: "add different session: removed slot is reused",
			op: func() error {
				s, err := r.Add(ctx, 10)
				if err != nil {
					return err
				}
				assert.Equal(t, 1, s.Index())
				slots[1] = s
				return nil
			},
			expectedNext: 3,
			expectedNum:  3,
		},
		{
			name: "fill the last slot",
			op: func() error {
				s, err := r.Add(ctx, 11)
				if err != nil {
					return err
				}
				assert.Equal(t, 3, s.Index())
				slots = append(slots, s)
				return nil
			},
			expectedNext: noSlot,
			expectedNum:  4,
		},
		{
			name:         "remove when no hint",
			op:           func() error { return r.Remove(slots[2]) },
			expectedNext: 2,
			expectedNum:  3,
		},
		{
			name:         "remove lower slot",
			op:           func() error { return r.Remove(slots[0]) },
			expectedNext: 0,
			expectedNum:  2,
		},
		{
			name:         "remove higher slot keeps hint",
			op:           func() error { return r.Remove(slots[3]) },
			expectedNext: 0,
			expectedNum:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.op())
			assert.Equal(t, tt.expectedNext, r.NextFreeSlot())
			assert.Equal(t, tt.expectedNum, r.NumOccupied())
			if next := r.NextFreeSlot(); next != noSlot {
				assert.True(t, r.slots[next].isFree())
			}
		})
	}
}

func TestRemoveTwice(t *testing.T) {
	r := newTestRegistry(t, 2, fastRetry)
	s, err := r.Add(context.Background(), 1)
	require.Nil(t, err)
	assert.Nil(t, r.Remove(s))
	assert.NotNil(t, r.Remove(s))
	assert.Equal(t, 0, r.NumOccupied())
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(t, 4, common.RetryPolicy{Interval: time.Second, MaxRetries: 10})
	ctx := context.Background()
	_, err := r.Add(ctx, 1)
	require.Nil(t, err)
	added, err := r.Add(ctx, 2)
	require.Nil(t, err)

	tests := []struct {
		name      string
		sessionID common.SessionID
		expected  *Slot
		err       error
	}{
		{
			name:      "occupied slot",
			sessionID: 2,
			expected:  added,
		},
		{
			// free slots carry this id, they must not be found
			name:      "invalid session id",
			sessionID: common.InvalidSessionID,
			err:       ErrInvalidSessionID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			found, err := r.Lookup(ctx, tt.sessionID)
			assert.Less(t, time.Since(start), time.Second)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err))
				assert.Nil(t, found)
				return
			}
			assert.Nil(t, err)
			assert.Same(t, tt.expected, found)
		})
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(r.Metrics().LookupRetries))
}

func TestLookupTimeout(t *testing.T) {
	retry := common.RetryPolicy{Interval: 20 * time.Millisecond, MaxRetries: 5}
	r := newTestRegistry(t, 4, retry)

	start := time.Now()
	_, err := r.Lookup(context.Background(), 42)
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, ErrSlotNotFound))
	assert.GreaterOrEqual(t, elapsed, retry.Timeout())
	assert.Less(t, elapsed, retry.Timeout()+retry.Interval+250*time.Millisecond)
	assert.Equal(t, float64(retry.MaxRetries+1), testutil.ToFloat64(r.Metrics().LookupRetries))
}

func TestLookupWaitsForAdd(t *testing.T) {
	r := newTestRegistry(t, 4, common.RetryPolicy{Interval: 10 * time.Millisecond, MaxRetries: 100})
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, err := r.Add(ctx, 5)
		assert.Nil(t, err)
	}()

	slot, err := r.Lookup(ctx, 5)
	require.Nil(t, err)
	assert.Equal(t, common.SessionID(5), slot.SessionID())
}

func TestLookupCancelled(t *testing.T) {
	r := newTestRegistry(t, 4, common.RetryPolicy{Interval: 10 * time.Millisecond, MaxRetries: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Lookup(ctx, 5)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCorruption(t *testing.T) {
	tests := []struct {
		name string
		op   func(r *Registry, s *Slot) error
	}{
		{
			name: "add",
			op: func(r *Registry, _ *Slot) error {
				_, err := r.Add(context.Background(), 2)
				return err
			},
		},
		{
			name: "lookup",
			op: func(r *Registry, _ *Slot) error {
				_, err := r.Lookup(context.Background(), 1)
				return err
			},
		},
		{
			name: "remove",
			op: func(r *Registry, s *Slot) error {
				return r.Remove(s)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, 4, fastRetry)
			s, err := r.Add(context.Background(), 1)
			require.Nil(t, err)
			TestingCorruptSlot(r, 0, r.Capacity())

			err = tt.op(r, s)
			assert.True(t, errors.Is(err, ErrCorrupted))
			assert.True(t, IsFatal(err))
			assert.Equal(t, CodeDataCorrupted, Code(err))

			var report *Report
			require.True(t, errors.As(err, &report))
			assert.Contains(t, report.Detail, "Shared Local Snapshots dump")
			assert.Equal(t, 1, r.NumOccupied())
		})
	}
}

func TestFindFreeFromCorrupted(t *testing.T) {
	r := newTestRegistry(t, 4, fastRetry)
	_, err := r.Add(context.Background(), 1)
	require.Nil(t, err)
	TestingCorruptSlot(r, 2, -1)

	tests := []struct {
		name     string
		from     int
		expected int
		err      error
	}{
		{
			name:     "free slot before the corrupted one",
			from:     1,
			expected: 1,
		},
		{
			name:     "corrupted slot is scanned",
			from:     2,
			expected: noSlot,
			err:      ErrCorrupted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.findFreeFrom(tt.from)
			assert.Equal(t, tt.expected, got)
			if tt.err == nil {
				assert.Nil(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.err))
			assert.True(t, IsFatal(err))
		})
	}
}

func TestRegistryDump(t *testing.T) {
	r := newTestRegistry(t, 4, fastRetry)
	_, err := r.Add(context.Background(), 9)
	require.Nil(t, err)

	out := r.Dump()
	assert.Contains(t, out, "currSlots: 1 maxSlots: 4 nextSlot: 1")
	assert.Contains(t, out, "session_id: 9")
	assert.Contains(t, out, "SharedSnapshotSlot/0")
}
