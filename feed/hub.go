package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"margin-monitor-go/margin"
)

var ErrHubClosed = errors.New("hub closed")

// Hub 让多个视图共享同一个 Store，而不是各自启动刷新器。
// 账户的第一个订阅者启动 Refresher，最后一个退订时停止并拆除 Store。
type Hub struct {
	refresher *Refresher
	interval  time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[int64]*session
	closed   bool
}

type session struct {
	store *Store
	subs  int
}

// NewHub interval<=0 时使用 DefaultInterval。
func NewHub(refresher *Refresher, interval time.Duration, log *zap.Logger) *Hub {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		refresher: refresher,
		interval:  interval,
		log:       log,
		sessions:  make(map[int64]*session),
	}
}

// Subscribe 注册监听者，立即投递当前状态，之后每次状态变更都会回调。
// 返回的退订函数可重复调用。
func (h *Hub) Subscribe(clientID int64, fn Listener) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe client %d: nil listener", clientID)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	sess := h.sessions[clientID]
	if sess == nil {
		sess = &session{store: NewStore(clientID, h.log)}
		h.sessions[clientID] = sess
	}
	sess.subs++
	n := sess.subs
	if n == 1 {
		h.refresher.Start(sess.store, h.interval)
	}
	h.mu.Unlock()

	h.refresher.rec.SetSubscribers(clientID, n)
	h.log.Debug("subscriber added", zap.Int64("client_id", clientID), zap.Int("subscribers", n))

	lid := sess.store.Subscribe(fn)
	var once sync.Once
	return func() {
		once.Do(func() { h.release(clientID, sess, lid) })
	}, nil
}

func (h *Hub) release(clientID int64, sess *session, lid uint64) {
	sess.store.Unsubscribe(lid)

	h.mu.Lock()
	sess.subs--
	n := sess.subs
	if n == 0 && h.sessions[clientID] == sess {
		delete(h.sessions, clientID)
		h.refresher.Stop(clientID)
		sess.store.Close()
		h.log.Info("session torn down", zap.Int64("client_id", clientID))
	}
	h.mu.Unlock()

	h.refresher.rec.SetSubscribers(clientID, n)
}

// State 当前状态；账户未被订阅时 ok=false。
func (h *Hub) State(clientID int64) (margin.SyncState, bool) {
	h.mu.Lock()
	sess := h.sessions[clientID]
	h.mu.Unlock()
	if sess == nil {
		return margin.SyncState{}, false
	}
	return sess.store.Get(), true
}

// RefreshNow 计划外刷新（例如新增仓位之后），结果对所有订阅者可见。
// 监听回调里调用会等待自己所在的请求，应另起 goroutine。
func (h *Hub) RefreshNow(ctx context.Context, clientID int64) (margin.SyncState, error) {
	return h.refresher.RefreshNow(ctx, clientID)
}

// Subscribers 账户当前订阅者数量。
func (h *Hub) Subscribers(clientID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess := h.sessions[clientID]; sess != nil {
		return sess.subs
	}
	return 0
}

// Accounts 正在监控的账户，升序。
func (h *Hub) Accounts() []int64 {
	h.mu.Lock()
	ids := make([]int64, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close 停止全部调度并拆除所有 Store，之后 Subscribe 返回 ErrHubClosed。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sess := range h.sessions {
		h.refresher.Stop(id)
		sess.store.Close()
		delete(h.sessions, id)
	}
}
