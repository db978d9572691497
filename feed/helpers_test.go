package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"margin-monitor-go/margin"
)

type fetchResult struct {
	snap margin.Snapshot
	err  error
}

// fakeFetcher 按顺序返回 results（最后一个重复）；gate 非空时每次请求阻塞到收到信号。
type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func newFakeFetcher(results ...fetchResult) *fakeFetcher {
	return &fakeFetcher{results: results, started: make(chan struct{}, 16)}
}

func (f *fakeFetcher) FetchMarginStatus(ctx context.Context, clientID int64) (margin.Snapshot, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return margin.Snapshot{}, margin.NewFetchError(margin.NetworkError, "timeout", ctx.Err())
		}
	}
	if len(f.results) == 0 {
		return margin.Snapshot{ClientID: clientID}, nil
	}
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	return r.snap, r.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// manualTicker 替代 time.Ticker，由测试手动驱动。
type manualTicker struct {
	C       chan time.Time
	stopped atomic.Bool
}

func installManualTicker(r *Refresher) *manualTicker {
	mt := &manualTicker{C: make(chan time.Time)}
	r.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return mt.C, func() { mt.stopped.Store(true) }
	}
	return mt
}

func (m *manualTicker) Tick() { m.C <- time.Now() }

// collector 记录监听者收到的全部状态。
type collector struct {
	mu     sync.Mutex
	states []margin.SyncState
}

func (c *collector) Listen(st margin.SyncState) {
	c.mu.Lock()
	c.states = append(c.states, st)
	c.mu.Unlock()
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func (c *collector) Last() margin.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return margin.SyncState{}
	}
	return c.states[len(c.states)-1]
}

func (c *collector) Statuses() []margin.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]margin.Status, len(c.states))
	for i, st := range c.states {
		out[i] = st.Status
	}
	return out
}

var healthy = margin.Snapshot{ClientID: 1, PortfolioValue: 200000, NetEquity: 150000}
