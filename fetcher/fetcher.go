// Package fetcher implements the fetch-orchestration core of the consumer:
// deciding which partitions to fetch, keeping at most one outstanding request
// per partition, collecting whatever completes within a caller time budget,
// advancing read positions from returned records, and escalating stale-cursor
// and fatal fetch errors to the membership layer.
//
// The calling pattern is one fetch round per poll: SendFetchRequests, then
// FetchRecords with a timeout. Both absorb all failures; nothing is ever
// propagated to the caller beyond an empty result.
package fetcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/streamkit/streamclient"
)

// SubscriptionState is the subscription bookkeeping the fetcher needs:
// which partitions are assigned, which of them are paused or lack a read
// position, and where reads should resume. The subscriptions package has a
// ready implementation.
type SubscriptionState interface {
	AssignedPartitions() []streamclient.StreamPartition
	FetchablePartitions() []streamclient.StreamPartition
	IsPaused(streamclient.StreamPartition) bool
	HasAllFetchPositions() bool
	MissingFetchPositions() []streamclient.StreamPartition
	Pause(streamclient.StreamPartition)
	Seek(streamclient.StreamPartition, int64)
}

// Coordinator resolves read positions and cursors and carries the rebalance
// signal to the group-membership layer.
type Coordinator interface {
	// UpdateFetchPositions resolves read positions for partitions that
	// have none. Synchronous; called from the fetch round, not the hot
	// path.
	UpdateFetchPositions([]streamclient.StreamPartition) error
	// Seek resolves a fresh cursor for p from its tracked position and
	// stores it in the shared cursor table. Implementations must call
	// barrier.Done exactly once, whether or not resolution succeeded.
	Seek(p streamclient.StreamPartition, barrier *sync.WaitGroup)
	// RequestRebalance signals the membership layer that this consumer's
	// assignment is no longer valid. Fire and forget.
	RequestRebalance()
}

// Transport performs one read call for a partition and cursor. Calls run on
// the fetcher's worker pool; implementations only need to be safe for
// concurrent use.
type Transport interface {
	Fetch(ctx context.Context, req *streamclient.FetchRequest) (*streamclient.FetchResult, error)
}

// pendingFetch is one outstanding transport call. The entry lives in the
// in-flight table from issue until it is harvested (or discarded by Pause);
// done flips exactly once, under the fetcher mutex, when the call resolves.
type pendingFetch struct {
	done   atomic.Bool
	result *streamclient.FetchResult
	err    error
}

// Fetcher issues bounded, non-blocking reads across the fetchable partitions
// and collects them under a time budget. Set the exported fields before the
// first method call; they must not be changed afterwards.
type Fetcher struct {
	Subscriptions SubscriptionState
	Coordinator   Coordinator
	Transport     Transport
	// Cursors is the shared partition cursor table. Optional: created on
	// first use when nil. Pass your own when the coordinator needs to
	// store resolved cursors into it (it does).
	Cursors *streamclient.CursorTable
	// MaxPartitionFetchRecords is the record count limit per fetch
	// request. Default 1000.
	MaxPartitionFetchRecords int
	// MaxFetchWorkers bounds concurrently running transport calls.
	// Default 100.
	MaxFetchWorkers int
	// PollInterval is the wait granularity in FetchRecords. Default 5ms.
	PollInterval time.Duration
	Logger       log.Logger
	Registerer   prometheus.Registerer
	//
	once     sync.Once
	sem      chan struct{}
	received atomic.Int32
	metrics  *fetcherMetrics
	mu       sync.Mutex
	inflight map[streamclient.StreamPartition]*pendingFetch
}

func (f *Fetcher) init() {
	f.once.Do(func() {
		if f.MaxPartitionFetchRecords <= 0 {
			f.MaxPartitionFetchRecords = 1000
		}
		if f.MaxFetchWorkers <= 0 {
			f.MaxFetchWorkers = 100
		}
		if f.PollInterval <= 0 {
			f.PollInterval = 5 * time.Millisecond
		}
		if f.Logger == nil {
			f.Logger = log.NewNopLogger()
		}
		if f.Cursors == nil {
			f.Cursors = streamclient.NewCursorTable()
		}
		f.sem = make(chan struct{}, f.MaxFetchWorkers)
		f.inflight = make(map[streamclient.StreamPartition]*pendingFetch)
		f.metrics = newFetcherMetrics(f.Registerer)
	})
}

// SendFetchRequests starts one fetch round. Partitions with unknown read
// positions get them resolved first, then partitions with absent or expired
// cursors get fresh ones (waiting on a barrier sized to the number of
// refreshes), then every fetchable partition without an outstanding request
// gets one issued on the worker pool. Never blocks on the transport calls
// themselves and never returns an error: failures are logged, and fatal ones
// surface as a rebalance request from the completion path.
func (f *Fetcher) SendFetchRequests() {
	f.init()
	if !f.Subscriptions.HasAllFetchPositions() {
		missing := f.Subscriptions.MissingFetchPositions()
		if err := f.Coordinator.UpdateFetchPositions(missing); err != nil {
			level.Error(f.Logger).Log("msg", "updating fetch positions", "err", err)
		}
	}
	var refresh []streamclient.StreamPartition
	for _, p := range f.Subscriptions.AssignedPartitions() {
		if f.Subscriptions.IsPaused(p) {
			continue
		}
		if f.Cursors.Get(p).Expired() {
			refresh = append(refresh, p)
		}
	}
	var barrier sync.WaitGroup
	barrier.Add(len(refresh))
	for _, p := range refresh {
		f.metrics.cursorRefreshesTotal.Inc()
		f.Coordinator.Seek(p, &barrier)
	}
	barrier.Wait()

	for _, p := range f.Subscriptions.FetchablePartitions() {
		cursor := f.Cursors.Get(p)
		if cursor.Expired() {
			// retried next round, after another refresh attempt
			level.Warn(f.Logger).Log("msg", "no valid cursor, skipping partition this round", "partition", p)
			continue
		}
		f.mu.Lock()
		if _, ok := f.inflight[p]; ok {
			f.mu.Unlock()
			continue
		}
		pending := &pendingFetch{}
		f.inflight[p] = pending
		f.mu.Unlock()
		req := &streamclient.FetchRequest{
			Partition: p,
			Cursor:    cursor,
			Limit:     f.MaxPartitionFetchRecords,
		}
		go f.fetch(p, pending, req)
	}
}

func (f *Fetcher) fetch(p streamclient.StreamPartition, pending *pendingFetch, req *streamclient.FetchRequest) {
	f.sem <- struct{}{}
	defer func() { <-f.sem }()
	f.metrics.fetchesTotal.Inc()
	result, err := f.Transport.Fetch(context.Background(), req)

	// the entry may have been removed by Pause while the call was
	// outstanding. the liveness check, the done flip, and the counter
	// increment happen under the same lock as removal, so an abandoned
	// outcome never touches the counter.
	f.mu.Lock()
	live := f.inflight[p] == pending
	if live {
		pending.result, pending.err = result, err
		pending.done.Store(true)
		f.received.Inc()
	}
	f.mu.Unlock()
	if !live || err == nil {
		return
	}
	f.metrics.fetchErrorsTotal.Inc()
	level.Error(f.Logger).Log("msg", "fetch failed", "partition", p, "err", err)
	if streamclient.IsAssignmentFatal(err) {
		f.metrics.rebalanceRequestsTotal.Inc()
		level.Warn(f.Logger).Log("msg", "assignment no longer valid, requesting rebalance", "partition", p)
		f.Coordinator.RequestRebalance()
	}
}

// FetchRecords blocks until at least one outstanding fetch has resolved or
// timeout elapses, then harvests every completed request exactly once:
// successful outcomes contribute their records to the result and replace the
// partition's cursor, and a non-empty batch advances the tracked read
// position to one past its last sequence number. Outstanding calls are never
// cancelled on timeout; their outcomes stay harvestable next round.
// Partitions with nothing ready are absent from the result.
func (f *Fetcher) FetchRecords(timeout time.Duration) map[streamclient.StreamPartition][]*streamclient.Record {
	f.init()
	records := make(map[streamclient.StreamPartition][]*streamclient.Record)
	start := time.Now()
	for f.received.Load() == 0 && time.Since(start) <= timeout {
		time.Sleep(f.PollInterval)
	}
	f.metrics.fetchWaitDuration.Observe(time.Since(start).Seconds())
	if f.received.Load() == 0 {
		return records
	}
	for _, p := range f.Subscriptions.FetchablePartitions() {
		f.mu.Lock()
		pending, ok := f.inflight[p]
		if !ok || !pending.done.Load() {
			f.mu.Unlock()
			continue
		}
		delete(f.inflight, p)
		f.received.Dec()
		f.mu.Unlock()
		if pending.err != nil {
			// logged and escalated when the call resolved
			continue
		}
		result := pending.result
		records[p] = append(records[p], result.Records...)
		f.Cursors.Put(p, result.NextCursor)
		f.metrics.recordsPerFetch.Observe(float64(len(result.Records)))
		if len(result.Records) == 0 {
			continue
		}
		last := result.Records[len(result.Records)-1]
		seq, err := strconv.ParseInt(last.SequenceNumber, 10, 64)
		if err != nil {
			level.Error(f.Logger).Log("msg", "unparseable sequence number, not advancing position",
				"partition", p, "sequence", last.SequenceNumber)
			continue
		}
		f.Subscriptions.Seek(p, seq+1)
	}
	return records
}

// Pause stops fetching from p: the subscription is paused, any in-flight
// entry is dropped (the transport call itself is abandoned, not cancelled;
// its outcome will be discarded when it resolves), and the cursor is removed
// so a later resume has to re-resolve one.
func (f *Fetcher) Pause(p streamclient.StreamPartition) {
	f.init()
	f.Subscriptions.Pause(p)
	f.mu.Lock()
	pending, ok := f.inflight[p]
	delete(f.inflight, p)
	if ok && pending.done.Load() {
		// the outcome was already counted but will never be harvested
		f.received.Dec()
	}
	f.mu.Unlock()
	f.Cursors.Delete(p)
}
