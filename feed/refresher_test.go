package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"margin-monitor-go/margin"
)

func waitStatus(t *testing.T, st *Store, want margin.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return st.Get().Status == want },
		time.Second, 5*time.Millisecond, "store never reached %s", want)
}

func TestRefresherStartThenStopAfterOneFetch(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	r := NewRefresher(f, RefresherConfig{})
	mt := installManualTicker(r)
	st := NewStore(1, nil)

	sch := r.Start(st, 30*time.Second)
	assert.Equal(t, 30*time.Second, sch.Interval)
	waitStatus(t, st, margin.StatusReady)

	require.True(t, r.Stop(1))
	assert.Equal(t, 1, f.Calls())
	assert.False(t, r.Running(1))
	assert.Equal(t, 0, r.Active())
	assert.True(t, mt.stopped.Load())
	select {
	case <-sch.Done():
	default:
		t.Fatalf("schedule goroutine still running")
	}
	assert.False(t, r.Stop(1))
}

func TestRefresherStartTwiceReturnsExistingSchedule(t *testing.T) {
	f := newFakeFetcher()
	r := NewRefresher(f, RefresherConfig{})
	installManualTicker(r)
	st := NewStore(1, nil)

	first := r.Start(st, time.Minute)
	second := r.Start(st, time.Second)
	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Active())
	waitStatus(t, st, margin.StatusReady)
	r.Stop(1)
	assert.Equal(t, 1, f.Calls())
}

func TestRefresherDefaultInterval(t *testing.T) {
	r := NewRefresher(newFakeFetcher(), RefresherConfig{})
	installManualTicker(r)
	sch := r.Start(NewStore(1, nil), 0)
	defer r.Stop(1)
	assert.Equal(t, DefaultInterval, sch.Interval)
}

func TestRefresherTicksFetchRepeatedly(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	r := NewRefresher(f, RefresherConfig{})
	mt := installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	defer r.Stop(1)

	require.Eventually(t, func() bool { return f.Calls() == 1 && st.Get().Status == margin.StatusReady }, time.Second, 5*time.Millisecond)
	mt.Tick()
	require.Eventually(t, func() bool { return f.Calls() == 2 && st.Get().Status == margin.StatusReady }, time.Second, 5*time.Millisecond)
}

func TestRefresherFailureKeepsSnapshotAndSchedule(t *testing.T) {
	boom := margin.NewFetchError(margin.UpstreamError, "status 502", nil)
	f := newFakeFetcher(
		fetchResult{snap: healthy},
		fetchResult{err: boom},
		fetchResult{snap: margin.Snapshot{ClientID: 1, PortfolioValue: 100, NetEquity: 10}},
	)
	r := NewRefresher(f, RefresherConfig{})
	mt := installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	defer r.Stop(1)

	waitStatus(t, st, margin.StatusReady)
	before := st.Get().Snapshot

	mt.Tick()
	waitStatus(t, st, margin.StatusFailed)
	after := st.Get()
	assert.Equal(t, before, after.Snapshot)
	assert.Equal(t, "status 502", after.Reason)
	assert.Equal(t, 2, f.Calls())

	mt.Tick()
	require.Eventually(t, func() bool {
		s := st.Get()
		return s.Status == margin.StatusReady && s.Snapshot.PortfolioValue == 100
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, st.Get().LastError)
}

func TestRefreshNowCoalescesWithInflightFetch(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	f.gate = make(chan struct{})
	rec := &countingRecorder{}
	r := NewRefresher(f, RefresherConfig{Recorder: rec})
	mt := installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	defer r.Stop(1)

	<-f.started
	waitStatus(t, st, margin.StatusLoading)

	var wg sync.WaitGroup
	results := make([]margin.SyncState, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := r.RefreshNow(context.Background(), 1)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	// 在途期间的定时 tick 同样并入
	mt.Tick()
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, margin.StatusReady, results[0].Status)
	assert.Equal(t, 2, rec.Coalesced())
}

func TestRefreshNowUnknownAccount(t *testing.T) {
	r := NewRefresher(newFakeFetcher(), RefresherConfig{})
	_, err := r.RefreshNow(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotMonitored)
}

func TestRefreshNowContextBoundsWaitOnly(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	f.gate = make(chan struct{})
	r := NewRefresher(f, RefresherConfig{})
	installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	defer r.Stop(1)
	<-f.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := r.RefreshNow(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, margin.StatusLoading, got.Status)

	close(f.gate)
	waitStatus(t, st, margin.StatusReady)
	assert.Equal(t, 1, f.Calls())
}

func TestStopLetsInflightFetchComplete(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	f.gate = make(chan struct{})
	r := NewRefresher(f, RefresherConfig{})
	installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	<-f.started

	require.True(t, r.Stop(1))
	close(f.gate)
	waitStatus(t, st, margin.StatusReady)
}

func TestStopThenCloseDropsInflightResult(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	f.gate = make(chan struct{})
	r := NewRefresher(f, RefresherConfig{})
	installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	<-f.started
	waitStatus(t, st, margin.StatusLoading)

	r.Stop(1)
	st.Close()
	close(f.gate)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, margin.StatusLoading, st.Get().Status)
	assert.Nil(t, st.Get().Snapshot)
}

type panicFetcher struct{}

func (panicFetcher) FetchMarginStatus(context.Context, int64) (margin.Snapshot, error) {
	panic("nil map")
}

func TestRefresherRecoversFetcherPanic(t *testing.T) {
	r := NewRefresher(panicFetcher{}, RefresherConfig{})
	installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	defer r.Stop(1)

	waitStatus(t, st, margin.StatusFailed)
	assert.Equal(t, margin.NetworkError, st.Get().LastError.Kind)
	assert.Contains(t, st.Get().Reason, "nil map")
}

func TestRefresherWrapsUntypedErrors(t *testing.T) {
	f := newFakeFetcher(fetchResult{err: errors.New("connection reset by peer")})
	rec := &countingRecorder{}
	r := NewRefresher(f, RefresherConfig{Recorder: rec})
	installManualTicker(r)
	st := NewStore(1, nil)
	r.Start(st, time.Second)
	defer r.Stop(1)

	waitStatus(t, st, margin.StatusFailed)
	assert.Equal(t, margin.NetworkError, st.Get().LastError.Kind)
	require.Eventually(t, func() bool { return rec.Result("network") == 1 }, time.Second, 5*time.Millisecond)
}

type countingRecorder struct {
	mu        sync.Mutex
	results   map[string]int
	coalesced int
	states    []margin.SyncState
	subs      map[int64]int
}

func (c *countingRecorder) RecordFetch(_ int64, result string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[string]int)
	}
	c.results[result]++
}

func (c *countingRecorder) RecordCoalesced(int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coalesced++
}

func (c *countingRecorder) RecordState(st margin.SyncState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, st)
}

func (c *countingRecorder) SetSubscribers(id int64, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[int64]int)
	}
	c.subs[id] = n
}

func (c *countingRecorder) Result(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[name]
}

func (c *countingRecorder) Coalesced() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coalesced
}

func (c *countingRecorder) Subscribers(id int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *countingRecorder) States() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func TestRefreshNowFromListenerWaitsForOwnFetch(t *testing.T) {
	f := newFakeFetcher(fetchResult{snap: healthy})
	r := NewRefresher(f, RefresherConfig{})
	installManualTicker(r)
	st := NewStore(1, nil)

	var once sync.Once
	errc := make(chan error, 1)
	st.Subscribe(func(s margin.SyncState) {
		if s.Status != margin.StatusLoading {
			return
		}
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := r.RefreshNow(ctx, 1)
			errc <- err
		})
	})
	r.Start(st, time.Second)
	defer r.Stop(1)

	// 同步调用并入自己所在的请求，只能等到 ctx 超时
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)
	waitStatus(t, st, margin.StatusReady)
	assert.Equal(t, 1, f.Calls())
}
