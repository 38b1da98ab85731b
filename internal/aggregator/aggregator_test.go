package aggregator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// fakeSource serves records with per-id delays and scripted failures
type fakeSource struct {
	ids     []string
	listErr error
	delay   map[string]time.Duration
	// failures counts down transport faults per id
	mu       sync.Mutex
	failures map[string]int
	broken   map[string]error
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSource) ListInstances(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if f.listErr != nil {
			yield("", f.listErr)
			return
		}
		for _, id := range f.ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (f *fakeSource) ReadEscrow(ctx context.Context, id string) (types.EscrowRecord, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if d := f.delay[id]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return types.EscrowRecord{}, ctx.Err()
		}
	}

	f.mu.Lock()
	if err := f.broken[id]; err != nil {
		f.mu.Unlock()
		return types.EscrowRecord{}, err
	}
	if f.failures[id] > 0 {
		f.failures[id]--
		f.mu.Unlock()
		return types.EscrowRecord{}, types.Errorf(types.KindTransportFailure, "price", "connection reset")
	}
	f.mu.Unlock()

	return types.EscrowRecord{
		ID:         id,
		Price:      big.NewInt(100),
		Fee:        big.NewInt(5),
		PaidAmount: new(big.Int),
		Status:     types.StatusCreated,
	}, nil
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("E%d", i+1)
	}
	return out
}

func itemIDs(snap Snapshot) []string {
	out := make([]string, len(snap.Items))
	for i, item := range snap.Items {
		out[i] = item.ID
	}
	return out
}

func fastOptions() Options {
	return Options{Concurrency: 4, FetchTimeout: time.Second, MaxAttempts: 3, InitialBackoff: time.Millisecond}
}

func TestSnapshotKeepsCreationOrder(t *testing.T) {
	src := &fakeSource{
		ids:   ids(3),
		delay: map[string]time.Duration{"E2": 50 * time.Millisecond},
	}

	snap, err := New(fastOptions(), nil).SnapshotAll(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "E2", "E3"}, itemIDs(snap))
	for i, item := range snap.Items {
		assert.Equal(t, i, item.Index)
		require.NotNil(t, item.Record)
		assert.NoError(t, item.Err)
	}
	assert.Len(t, snap.Records(), 3)
	assert.False(t, snap.TakenAt.IsZero())
}

func TestSnapshotOfManyWithStaggeredCompletion(t *testing.T) {
	const n = 50
	src := &fakeSource{ids: ids(n), delay: map[string]time.Duration{}}
	for i, id := range src.ids {
		src.delay[id] = time.Duration(n-i) * time.Millisecond
	}

	snap, err := New(Options{Concurrency: 8, FetchTimeout: time.Second, MaxAttempts: 1}, nil).SnapshotAll(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, src.ids, itemIDs(snap))
	assert.LessOrEqual(t, src.peak.Load(), int32(8))
	assert.Greater(t, src.peak.Load(), int32(1))
}

func TestEmptyFactory(t *testing.T) {
	snap, err := New(fastOptions(), nil).SnapshotAll(context.Background(), &fakeSource{})
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
	assert.Empty(t, snap.Records())
}

func TestFailuresAreReportedNotDropped(t *testing.T) {
	src := &fakeSource{
		ids:    ids(3),
		broken: map[string]error{"E2": fmt.Errorf("%w: bad status", types.ErrMalformedRecord)},
	}

	snap, err := New(fastOptions(), nil).SnapshotAll(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, snap.Items, 3)

	failed := snap.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "E2", failed[0].ID)
	assert.Equal(t, 1, failed[0].Index)
	assert.Nil(t, failed[0].Record)
	assert.ErrorIs(t, failed[0].Err, types.ErrMalformedRecord)
	// permanent errors are not retried
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Len(t, snap.Records(), 2)
}

func TestTransportFailuresAreRetried(t *testing.T) {
	src := &fakeSource{
		ids:      ids(2),
		failures: map[string]int{"E1": 2, "E2": 5},
	}

	snap, err := New(fastOptions(), nil).SnapshotAll(context.Background(), src)
	require.NoError(t, err)

	assert.NotNil(t, snap.Items[0].Record)
	assert.Equal(t, 3, snap.Items[0].Attempts)

	assert.Nil(t, snap.Items[1].Record)
	assert.Equal(t, 3, snap.Items[1].Attempts)
	assert.ErrorIs(t, snap.Items[1].Err, types.ErrTransportFailure)
}

func TestSlowFetchTimesOut(t *testing.T) {
	src := &fakeSource{
		ids:   ids(2),
		delay: map[string]time.Duration{"E1": time.Second},
	}
	opts := Options{Concurrency: 2, FetchTimeout: 20 * time.Millisecond, MaxAttempts: 2, InitialBackoff: time.Millisecond}

	snap, err := New(opts, nil).SnapshotAll(context.Background(), src)
	require.NoError(t, err)
	assert.ErrorIs(t, snap.Items[0].Err, types.ErrTransportFailure)
	assert.ErrorIs(t, snap.Items[0].Err, context.DeadlineExceeded)
	assert.Equal(t, 2, snap.Items[0].Attempts)
	assert.NotNil(t, snap.Items[1].Record)
}

func TestEnumerationFailureFailsSnapshot(t *testing.T) {
	src := &fakeSource{listErr: types.Errorf(types.KindTransportFailure, "escrows", "down")}

	_, err := New(fastOptions(), nil).SnapshotAll(context.Background(), src)
	assert.ErrorIs(t, err, types.ErrTransportFailure)
}

func TestCancellationAbandonsSnapshot(t *testing.T) {
	src := &fakeSource{ids: ids(4), delay: map[string]time.Duration{}}
	for _, id := range src.ids {
		src.delay[id] = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(fastOptions(), nil).SnapshotAll(ctx, src)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type countingObserver struct {
	mu        sync.Mutex
	fetches   int
	failed    int
	snapshots int
}

func (c *countingObserver) ObserveFetch(err error, _ int, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if err != nil {
		c.failed++
	}
}

func (c *countingObserver) ObserveSnapshot(int, int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots++
}

func TestObserverSeesEveryFetch(t *testing.T) {
	obs := &countingObserver{}
	src := &fakeSource{ids: ids(5), broken: map[string]error{"E4": errors.New("gone")}}

	_, err := New(fastOptions(), obs).SnapshotAll(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 5, obs.fetches)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 1, obs.snapshots)
}
