package feed

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"margin-monitor-go/margin"
)

// Listener 接收状态变更。回调在写入方 goroutine 中同步执行，
// 不应阻塞，也不应在回调内再次订阅同一个 Store。
// 回调运行在拉取 goroutine 上：在回调里同步调用 RefreshNow 会并入自己所在的
// 在途请求并一直等到 ctx 结束，需要时另起 goroutine。回调内退订是允许的。
type Listener func(margin.SyncState)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store 保存单个账户的最新快照与同步状态。
// 状态值不可变，通过原子指针整体替换，读者不会看到半更新的状态。
type Store struct {
	clientID int64
	clock    Clock
	log      *zap.Logger

	state  atomic.Pointer[margin.SyncState]
	closed atomic.Bool

	// deliverMu 串行化“写入+广播”与“订阅+首次投递”，保证每个监听者按应用顺序收到状态
	deliverMu sync.Mutex

	// recMu 让状态上报与 Close 互斥：Close 返回后不会再有上报
	recMu    sync.Mutex
	recorder func(margin.SyncState)

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
}

// NewStore 创建空 Store（状态 Idle，无快照）。
func NewStore(clientID int64, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		clientID: clientID,
		clock:    SystemClock,
		log:      log.With(zap.Int64("client_id", clientID)),
	}
	s.state.Store(&margin.SyncState{ClientID: clientID, Status: margin.StatusIdle})
	return s
}

// ClientID 所属账户。
func (s *Store) ClientID() int64 { return s.clientID }

// Get 同步返回当前状态，不阻塞。
func (s *Store) Get() margin.SyncState {
	return *s.state.Load()
}

// Alive Close 之前为 true。
func (s *Store) Alive() bool { return !s.closed.Load() }

// SetLoading 拉取开始前调用：状态置为 Loading，快照保持不变。
func (s *Store) SetLoading() {
	s.apply(func(cur margin.SyncState) margin.SyncState {
		cur.Status = margin.StatusLoading
		cur.Reason = ""
		return cur
	})
}

// Set 写入一次拉取结果。err 为 nil 时替换快照并清空 LastError；
// 否则置为 Failed，保留旧快照并记录 LastError。
func (s *Store) Set(snap margin.Snapshot, err error) {
	if err != nil {
		fe := margin.AsFetchError(err)
		s.apply(func(cur margin.SyncState) margin.SyncState {
			cur.Status = margin.StatusFailed
			cur.Reason = fe.Reason
			cur.LastError = fe
			return cur
		})
		return
	}
	if snap.ClientID == 0 {
		snap.ClientID = s.clientID
	}
	s.apply(func(cur margin.SyncState) margin.SyncState {
		cur.Snapshot = &snap
		cur.Status = margin.StatusReady
		cur.Reason = ""
		cur.LastError = nil
		cur.FetchedAt = cur.UpdatedAt
		return cur
	})
}

func (s *Store) apply(mutate func(margin.SyncState) margin.SyncState) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		s.log.Debug("store closed, dropping update")
		return
	}
	next := *s.state.Load()
	next.UpdatedAt = s.clock.Now()
	next = mutate(next)
	s.state.Store(&next)
	s.record(next)
	s.broadcast(next)
}

// SetRecorder 设置状态上报回调（指标），每次写入后调用；Close 之后不再调用。
func (s *Store) SetRecorder(fn func(margin.SyncState)) {
	s.recMu.Lock()
	s.recorder = fn
	s.recMu.Unlock()
}

func (s *Store) record(st margin.SyncState) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	if s.recorder == nil || s.closed.Load() {
		return
	}
	s.recorder(st)
}

func (s *Store) broadcast(st margin.SyncState) {
	s.mu.Lock()
	ls := make([]listenerEntry, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		s.deliver(l, st)
	}
}

// deliver 隔离单个监听者的 panic，后续监听者照常收到更新。
func (s *Store) deliver(l listenerEntry, st margin.SyncState) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("listener panicked",
				zap.Uint64("listener_id", l.id),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.fn(st)
}

// Subscribe 注册监听者并立即投递当前状态，返回监听者 id。
func (s *Store) Subscribe(fn Listener) uint64 {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.mu.Lock()
	s.nextID++
	entry := listenerEntry{id: s.nextID, fn: fn}
	s.listeners = append(s.listeners, entry)
	s.mu.Unlock()
	s.deliver(entry, *s.state.Load())
	return entry.id
}

// Unsubscribe 移除监听者，返回剩余数量。
func (s *Store) Unsubscribe(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			break
		}
	}
	return len(s.listeners)
}

// Listeners 当前监听者数量。
func (s *Store) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Close 拆除 Store：之后的写入被丢弃，监听者引用被释放。
// 不持有 deliverMu，允许在监听回调中触发拆除。
func (s *Store) Close() {
	s.recMu.Lock()
	already := s.closed.Swap(true)
	s.recMu.Unlock()
	if already {
		return
	}
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}
