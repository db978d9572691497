package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"margin-monitor-go/config"
	"margin-monitor-go/dashboard"
	"margin-monitor-go/feed"
	"margin-monitor-go/infrastructure/alert"
	"margin-monitor-go/infrastructure/logger"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件，失败时回滚已启动的组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// httpServerComponent 面板 HTTP 服务；Start 同步绑定端口，端口占用直接报错。
type httpServerComponent struct {
	server *dashboard.Server
	logger *logger.Logger

	mu      sync.Mutex
	ln      net.Listener
	started bool
}

func (h *httpServerComponent) Name() string { return "dashboard_server" }

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}

	ln, err := net.Listen("tcp", h.server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.server.Addr(), err)
	}
	h.ln = ln
	go func() {
		if err := h.server.Serve(ln); err != nil {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.Name(),
				"action":    "serve",
			})
		}
	}()
	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.Name(), err)
	}
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return fmt.Errorf("%s not started", h.Name())
	}
	return nil
}

// Addr 实际监听地址（配置 :0 时由系统分配）
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// alertComponent 让告警 watcher 常驻订阅默认账户，面板无人打开时也会周期刷新。
type alertComponent struct {
	hub      *feed.Hub
	watcher  *alert.MarginWatcher
	clientID int64

	mu      sync.Mutex
	release func()
}

func (a *alertComponent) Name() string { return "margin_alerts" }

func (a *alertComponent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.release != nil {
		return nil
	}
	release, err := a.hub.Subscribe(a.clientID, a.watcher.Observe)
	if err != nil {
		return err
	}
	a.release = release
	return nil
}

func (a *alertComponent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.release != nil {
		a.release()
		a.release = nil
	}
	return nil
}

func (a *alertComponent) Health() error {
	if a.hub.Subscribers(a.clientID) == 0 {
		return fmt.Errorf("client %d not monitored", a.clientID)
	}
	return nil
}

// configWatchComponent 配置文件热更新
type configWatchComponent struct {
	path   string
	apply  func(config.AppConfig)
	logger *zap.Logger

	mu      sync.Mutex
	watcher *config.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *configWatchComponent) Name() string { return "config_watcher" }

func (w *configWatchComponent) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := config.NewWatcher(w.path, config.DefaultCooldown, w.logger)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.watcher, w.cancel, w.done = watcher, cancel, make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = watcher.Start(runCtx, w.apply)
	}(w.done)
	return nil
}

func (w *configWatchComponent) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.watcher = nil
	return err
}

func (w *configWatchComponent) Health() error { return nil }
