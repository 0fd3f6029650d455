package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/streamkit/streamclient"
	"github.com/streamkit/streamclient/subscriptions"
)

var _ SubscriptionState = (*subscriptions.State)(nil)

type transportFunc func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error)

func (fn transportFunc) Fetch(ctx context.Context, req *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
	return fn(ctx, req)
}

// testCoordinator seeks missing positions to 0 and mints non-expiring
// cursors. mintCursor overrides cursor resolution per test; returning nil
// simulates a resolver that could not produce one.
type testCoordinator struct {
	subs       *subscriptions.State
	cursors    *streamclient.CursorTable
	mintCursor func(streamclient.StreamPartition) *streamclient.Cursor
	rebalances atomic.Int32
	mu         sync.Mutex
	updates    [][]streamclient.StreamPartition
	seeks      []streamclient.StreamPartition
}

func (c *testCoordinator) UpdateFetchPositions(missing []streamclient.StreamPartition) error {
	c.mu.Lock()
	c.updates = append(c.updates, missing)
	c.mu.Unlock()
	for _, p := range missing {
		c.subs.Seek(p, 0)
	}
	return nil
}

func (c *testCoordinator) Seek(p streamclient.StreamPartition, barrier *sync.WaitGroup) {
	defer barrier.Done()
	c.mu.Lock()
	c.seeks = append(c.seeks, p)
	c.mu.Unlock()
	if c.mintCursor != nil {
		if cursor := c.mintCursor(p); cursor != nil {
			c.cursors.Put(p, cursor)
		}
		return
	}
	c.cursors.Put(p, &streamclient.Cursor{Token: fmt.Sprintf("%s@%d", p, c.subs.Position(p))})
}

func (c *testCoordinator) RequestRebalance() {
	c.rebalances.Inc()
}

func (c *testCoordinator) seekCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seeks)
}

func newTestFetcher(transport Transport, partitions ...streamclient.StreamPartition) (*Fetcher, *testCoordinator, *subscriptions.State) {
	subs := subscriptions.New()
	subs.Assign(partitions...)
	cursors := streamclient.NewCursorTable()
	coord := &testCoordinator{subs: subs, cursors: cursors}
	f := &Fetcher{
		Subscriptions: subs,
		Coordinator:   coord,
		Transport:     transport,
		Cursors:       cursors,
		PollInterval:  time.Millisecond,
	}
	return f, coord, subs
}

func seqRecords(seqs ...int) []*streamclient.Record {
	records := make([]*streamclient.Record, len(seqs))
	for i, seq := range seqs {
		records[i] = &streamclient.Record{SequenceNumber: strconv.Itoa(seq), Data: []byte("x")}
	}
	return records
}

func TestRoundWithSuccessAndFatalFailure(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	p2 := streamclient.StreamPartition{Stream: "orders", Partition: 1}
	transport := transportFunc(func(_ context.Context, req *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		if req.Partition == p2 {
			return nil, &streamclient.StreamError{Code: streamclient.CursorNotFound}
		}
		return &streamclient.FetchResult{
			Records:    seqRecords(10, 11),
			NextCursor: &streamclient.Cursor{Token: "orders-0@12"},
		}, nil
	})
	f, coord, subs := newTestFetcher(transport, p1, p2)
	f.SendFetchRequests()

	// both partitions were missing positions: one position-resolution
	// call for both, then one cursor refresh each
	coord.mu.Lock()
	require.Len(t, coord.updates, 1)
	require.ElementsMatch(t, []streamclient.StreamPartition{p1, p2}, coord.updates[0])
	require.ElementsMatch(t, []streamclient.StreamPartition{p1, p2}, coord.seeks)
	coord.mu.Unlock()

	got := map[streamclient.StreamPartition][]*streamclient.Record{}
	require.Eventually(t, func() bool {
		for p, records := range f.FetchRecords(100 * time.Millisecond) {
			got[p] = append(got[p], records...)
		}
		return len(got[p1]) == 2
	}, 2*time.Second, time.Millisecond)

	require.NotContains(t, got, p2)
	require.Equal(t, "10", got[p1][0].SequenceNumber)
	require.Equal(t, "11", got[p1][1].SequenceNumber)
	require.EqualValues(t, 12, subs.Position(p1))
	require.Equal(t, "orders-0@12", f.Cursors.Get(p1).Token)

	require.Eventually(t, func() bool { return coord.rebalances.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 1, coord.rebalances.Load())
}

func TestSingleInflightPerPartition(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	gate := make(chan struct{})
	var calls atomic.Int32
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		calls.Inc()
		<-gate
		return &streamclient.FetchResult{NextCursor: &streamclient.Cursor{Token: "next"}}, nil
	})
	f, _, _ := newTestFetcher(transport, p1)
	f.SendFetchRequests()
	f.SendFetchRequests()
	f.SendFetchRequests()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	close(gate)
}

func TestWorkerPoolBound(t *testing.T) {
	var partitions []streamclient.StreamPartition
	for i := int32(0); i < 4; i++ {
		partitions = append(partitions, streamclient.StreamPartition{Stream: "orders", Partition: i})
	}
	var active atomic.Int32
	var exceeded atomic.Bool
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		if active.Inc() > 1 {
			exceeded.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
		active.Dec()
		return &streamclient.FetchResult{NextCursor: &streamclient.Cursor{Token: "next"}}, nil
	})
	f, _, _ := newTestFetcher(transport, partitions...)
	f.MaxFetchWorkers = 1
	f.SendFetchRequests()

	got := map[streamclient.StreamPartition][]*streamclient.Record{}
	require.Eventually(t, func() bool {
		for p, records := range f.FetchRecords(50 * time.Millisecond) {
			got[p] = records
		}
		return len(got) == len(partitions)
	}, 5*time.Second, time.Millisecond)
	require.False(t, exceeded.Load(), "more than MaxFetchWorkers transport calls ran concurrently")
}

func TestFetchRecordsTimeout(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	gate := make(chan struct{})
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		<-gate
		return &streamclient.FetchResult{
			Records:    seqRecords(7),
			NextCursor: &streamclient.Cursor{Token: "next"},
		}, nil
	})
	f, _, subs := newTestFetcher(transport, p1)
	f.SendFetchRequests()

	start := time.Now()
	got := f.FetchRecords(50 * time.Millisecond)
	elapsed := time.Since(start)
	require.Empty(t, got)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, time.Second)
	require.EqualValues(t, 0, f.received.Load())
	f.mu.Lock()
	_, stillPending := f.inflight[p1]
	f.mu.Unlock()
	require.True(t, stillPending, "timed-out request must stay harvestable")

	// the outstanding call was not cancelled: once it resolves, its
	// outcome is harvested by a later collection with no new round
	close(gate)
	require.Eventually(t, func() bool {
		return len(f.FetchRecords(50*time.Millisecond)[p1]) == 1
	}, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 8, subs.Position(p1))
}

func TestSkipsPartitionWithoutCursor(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	var calls atomic.Int32
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		calls.Inc()
		return &streamclient.FetchResult{}, nil
	})
	f, coord, _ := newTestFetcher(transport, p1)
	coord.mintCursor = func(streamclient.StreamPartition) *streamclient.Cursor { return nil }
	f.SendFetchRequests()
	require.EqualValues(t, 0, calls.Load(), "no fetch may be issued without a valid cursor")
	require.Equal(t, 1, coord.seekCount())

	// an expired cursor is as good as none
	coord.mintCursor = func(streamclient.StreamPartition) *streamclient.Cursor {
		return &streamclient.Cursor{Token: "stale", ExpiresAt: time.Now().Add(-time.Minute)}
	}
	f.SendFetchRequests()
	require.EqualValues(t, 0, calls.Load())
	require.Equal(t, 2, coord.seekCount(), "expired cursor must be re-resolved every round")
}

func TestPauseDiscardsInflightAndCursor(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	gate := make(chan struct{})
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		<-gate
		return &streamclient.FetchResult{
			Records:    seqRecords(1),
			NextCursor: &streamclient.Cursor{Token: "next"},
		}, nil
	})
	f, coord, subs := newTestFetcher(transport, p1)
	f.SendFetchRequests()
	f.Pause(p1)
	require.Nil(t, f.Cursors.Get(p1))
	f.mu.Lock()
	require.Empty(t, f.inflight)
	f.mu.Unlock()

	// the abandoned outcome resolves but is discarded without ever
	// becoming visible to collection
	close(gate)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, f.received.Load())
	require.Empty(t, f.FetchRecords(10*time.Millisecond))
	require.EqualValues(t, 0, subs.Position(p1), "discarded outcome must not advance the position")

	// resuming forces cursor re-resolution before the next fetch
	subs.Resume(p1)
	seeks := coord.seekCount()
	f.SendFetchRequests()
	require.Equal(t, seeks+1, coord.seekCount())
}

func TestPauseAfterCompletionReleasesCounter(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		return &streamclient.FetchResult{
			Records:    seqRecords(1),
			NextCursor: &streamclient.Cursor{Token: "next"},
		}, nil
	})
	f, _, _ := newTestFetcher(transport, p1)
	f.SendFetchRequests()
	require.Eventually(t, func() bool { return f.received.Load() == 1 }, time.Second, time.Millisecond)
	f.Pause(p1)
	require.EqualValues(t, 0, f.received.Load())
	require.Empty(t, f.FetchRecords(10*time.Millisecond))
}

func TestHarvestExactlyOnce(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	var calls atomic.Int32
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		return &streamclient.FetchResult{
			Records:    seqRecords(int(calls.Inc())),
			NextCursor: &streamclient.Cursor{Token: "next"},
		}, nil
	})
	f, _, subs := newTestFetcher(transport, p1)
	f.SendFetchRequests()

	var first map[streamclient.StreamPartition][]*streamclient.Record
	require.Eventually(t, func() bool {
		first = f.FetchRecords(50 * time.Millisecond)
		return len(first) == 1
	}, 2*time.Second, time.Millisecond)
	require.Len(t, first[p1], 1)
	require.EqualValues(t, 2, subs.Position(p1))

	// nothing new without a new round
	require.Empty(t, f.FetchRecords(50*time.Millisecond))
	require.EqualValues(t, 0, f.received.Load())

	// the next round issues a fresh request for the partition
	f.SendFetchRequests()
	require.Eventually(t, func() bool {
		return len(f.FetchRecords(50*time.Millisecond)) == 1
	}, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 2, calls.Load())
}

func TestTransientErrorRetriesNextRound(t *testing.T) {
	p1 := streamclient.StreamPartition{Stream: "orders", Partition: 0}
	var calls atomic.Int32
	transport := transportFunc(func(context.Context, *streamclient.FetchRequest) (*streamclient.FetchResult, error) {
		if calls.Inc() == 1 {
			return nil, streamclient.Errorf("connection reset")
		}
		return &streamclient.FetchResult{
			Records:    seqRecords(5),
			NextCursor: &streamclient.Cursor{Token: "next"},
		}, nil
	})
	f, coord, subs := newTestFetcher(transport, p1)
	f.SendFetchRequests()

	// the failed outcome harvests to nothing and does not rebalance
	require.Eventually(t, func() bool {
		f.FetchRecords(50 * time.Millisecond)
		f.mu.Lock()
		_, pending := f.inflight[p1]
		f.mu.Unlock()
		return !pending
	}, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 0, coord.rebalances.Load())
	require.EqualValues(t, 0, subs.Position(p1), "failed fetch must not advance the position")

	f.SendFetchRequests()
	require.Eventually(t, func() bool {
		return len(f.FetchRecords(50*time.Millisecond)[p1]) == 1
	}, 2*time.Second, time.Millisecond)
	require.EqualValues(t, 6, subs.Position(p1))
}
