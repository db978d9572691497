package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"margin-monitor-go/margin"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

var ErrNotMonitored = errors.New("account not monitored")

// Fetcher 上游快照来源。
type Fetcher interface {
	FetchMarginStatus(ctx context.Context, clientID int64) (margin.Snapshot, error)
}

// Recorder 拉取/订阅相关指标，实际由 Prometheus 实现。
type Recorder interface {
	RecordFetch(clientID int64, result string, d time.Duration)
	RecordCoalesced(clientID int64)
	RecordState(st margin.SyncState)
	SetSubscribers(clientID int64, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordFetch(int64, string, time.Duration) {}
func (nopRecorder) RecordCoalesced(int64)                    {}
func (nopRecorder) RecordState(margin.SyncState)             {}
func (nopRecorder) SetSubscribers(int64, int)                {}

// RefresherConfig 刷新器参数。
type RefresherConfig struct {
	FetchTimeout time.Duration
	Recorder     Recorder
	Logger       *zap.Logger
}

// Schedule 某个账户的周期拉取计划，Start 重复调用时返回同一个句柄。
type Schedule struct {
	ClientID  int64
	Interval  time.Duration
	StartedAt time.Time

	stop chan struct{}
	done chan struct{}
}

// Done 定时 goroutine 退出后关闭。
func (s *Schedule) Done() <-chan struct{} { return s.done }

type monitored struct {
	store *Store
	key   string
}

// Refresher 负责周期拉取并合并并发刷新请求：同一 Store 任意时刻至多一个在途请求。
type Refresher struct {
	fetcher      Fetcher
	rec          Recorder
	log          *zap.Logger
	fetchTimeout time.Duration

	group singleflight.Group

	mu        sync.Mutex
	schedules map[int64]*Schedule
	stores    map[int64]monitored
	gen       uint64

	// newTicker 测试时替换为手动驱动的 tick。
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewRefresher 创建刷新器。
func NewRefresher(fetcher Fetcher, cfg RefresherConfig) *Refresher {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Refresher{
		fetcher:      fetcher,
		rec:          cfg.Recorder,
		log:          cfg.Logger,
		fetchTimeout: cfg.FetchTimeout,
		schedules:    make(map[int64]*Schedule),
		stores:       make(map[int64]monitored),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start 立即拉取一次，之后每 interval 拉取一次，直到 Stop。
// 账户已在调度中时为 no-op，返回已有的 Schedule。
func (r *Refresher) Start(st *Store, interval time.Duration) *Schedule {
	if interval <= 0 {
		interval = DefaultInterval
	}
	id := st.ClientID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if sch, ok := r.schedules[id]; ok {
		return sch
	}
	r.gen++
	m := monitored{store: st, key: strconv.FormatInt(id, 10) + "#" + strconv.FormatUint(r.gen, 10)}
	sch := &Schedule{
		ClientID:  id,
		Interval:  interval,
		StartedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.schedules[id] = sch
	r.stores[id] = m
	st.SetRecorder(r.rec.RecordState)
	go r.loop(sch, m)

	r.log.Info("refresh schedule started", zap.Int64("client_id", id), zap.Duration("interval", interval))
	return sch
}

func (r *Refresher) loop(sch *Schedule, m monitored) {
	defer close(sch.done)
	tickC, stopTicker := r.newTicker(sch.Interval)
	defer stopTicker()

	r.trigger(m)
	for {
		select {
		case <-sch.stop:
			return
		case <-tickC:
			r.trigger(m)
		}
	}
}

// trigger 不等待结果；若已有在途请求则并入。
func (r *Refresher) trigger(m monitored) <-chan singleflight.Result {
	return r.group.DoChan(m.key, func() (interface{}, error) {
		return r.fetch(m.store), nil
	})
}

// Stop 取消定时器并等待定时 goroutine 退出。在途请求不取消，
// 其结果仍会写入 Store（Store 已拆除则丢弃）。
func (r *Refresher) Stop(clientID int64) bool {
	r.mu.Lock()
	sch, ok := r.schedules[clientID]
	if ok {
		delete(r.schedules, clientID)
		delete(r.stores, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	close(sch.stop)
	<-sch.done
	r.log.Info("refresh schedule stopped", zap.Int64("client_id", clientID))
	return true
}

// Running 账户是否有活跃调度。
func (r *Refresher) Running(clientID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schedules[clientID]
	return ok
}

// Active 活跃调度数量。
func (r *Refresher) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.schedules)
}

// RefreshNow 计划外立即拉取；与在途请求合并，所有合并的调用方拿到同一个结果状态。
// ctx 只限制等待时间，不会取消共享的请求。
// 不要在同一账户的 Listener 回调里同步调用（见 Listener）。
func (r *Refresher) RefreshNow(ctx context.Context, clientID int64) (margin.SyncState, error) {
	r.mu.Lock()
	m, ok := r.stores[clientID]
	r.mu.Unlock()
	if !ok {
		return margin.SyncState{}, fmt.Errorf("refresh client %d: %w", clientID, ErrNotMonitored)
	}
	select {
	case res := <-r.trigger(m):
		if res.Shared {
			r.rec.RecordCoalesced(clientID)
		}
		return res.Val.(margin.SyncState), nil
	case <-ctx.Done():
		return m.store.Get(), ctx.Err()
	}
}

// fetch 一次完整的状态迁移：Loading -> 请求 -> Ready/Failed。失败不重试。
func (r *Refresher) fetch(st *Store) margin.SyncState {
	id := st.ClientID()
	if !st.Alive() {
		return st.Get()
	}
	st.SetLoading()

	ctx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
	defer cancel()
	start := time.Now()
	snap, err := r.safeFetch(ctx, id)
	elapsed := time.Since(start)

	if err != nil {
		fe := margin.AsFetchError(err)
		r.rec.RecordFetch(id, fe.Kind.String(), elapsed)
		r.log.Warn("margin fetch failed",
			zap.Int64("client_id", id),
			zap.String("kind", fe.Kind.String()),
			zap.String("reason", fe.Reason),
			zap.Duration("elapsed", elapsed),
		)
		st.Set(margin.Snapshot{}, fe)
	} else {
		r.rec.RecordFetch(id, "ok", elapsed)
		r.log.Debug("margin fetch ok",
			zap.Int64("client_id", id),
			zap.Float64("portfolio_value", snap.PortfolioValue),
			zap.Float64("net_equity", snap.NetEquity),
			zap.Bool("margin_call", snap.MarginCall),
			zap.Duration("elapsed", elapsed),
		)
		st.Set(snap, nil)
	}
	return st.Get()
}

func (r *Refresher) safeFetch(ctx context.Context, clientID int64) (snap margin.Snapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = margin.NewFetchError(margin.NetworkError, fmt.Sprintf("fetcher panic: %v", p), nil)
		}
	}()
	return r.fetcher.FetchMarginStatus(ctx, clientID)
}
