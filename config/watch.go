package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultCooldown 合并编辑器连续写入产生的多次事件。
const DefaultCooldown = 500 * time.Millisecond

// Watcher 监听配置文件变化，去抖后重新加载并回调。
// 监听的是所在目录：很多编辑器保存时会 rename 覆盖原文件。
type Watcher struct {
	path     string
	cooldown time.Duration
	log      *zap.Logger
	fs       *fsnotify.Watcher

	mu         sync.Mutex
	lastReload time.Time
	reloads    int
	closeOnce  sync.Once
}

// NewWatcher 创建文件监听器。
func NewWatcher(path string, cooldown time.Duration, log *zap.Logger) (*Watcher, error) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &Watcher{path: abs, cooldown: cooldown, log: log.Named("config"), fs: fw}, nil
}

// Start 阻塞直到 ctx 取消或 Close；只有通过校验的配置才会回调 onUpdate。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.cooldown)
			} else {
				timer.Reset(w.cooldown)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload(onUpdate)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			// 记录错误但继续监听
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}

func (w *Watcher) reload(onUpdate func(AppConfig)) {
	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.log.Warn("config reload rejected, keeping previous", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.lastReload = time.Now()
	w.reloads++
	w.mu.Unlock()
	w.log.Info("config reloaded", zap.String("path", w.path))
	if onUpdate != nil {
		onUpdate(cfg)
	}
}

// LastReload 返回最近一次成功重载的时间和累计次数。
func (w *Watcher) LastReload() (time.Time, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload, w.reloads
}

// Close 停止监听，Start 随之返回。
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fs.Close() })
	return err
}
