package alert

import (
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string                 // INFO / WARNING / ERROR / CRITICAL
	ClientID  int64                  // 关联账户，0 表示全局
	Message   string                 // 告警消息
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
	// Key 区分同一消息的不同事件（如 "warning->healthy"），参与限流判断
	Key string
}

func (a Alert) throttleKey() string {
	return fmt.Sprintf("%s:%d:%s:%s", a.Level, a.ClientID, a.Message, a.Key)
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Recorder 统计实际发出的告警（Prometheus）。
type Recorder interface {
	RecordAlert(level string)
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	recorder Recorder
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// SetInterval 调整限流窗口，已有记录按新窗口判断。
func (t *Throttler) SetInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = d
}

// Reset 重置某个 key
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SetRecorder 设置告警计数器，可为 nil。
func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SendAlert 发送告警；同一级别+账户+消息+Key 在限流窗口内只发一次。
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if !m.throttle.Allow(alert.throttleKey()) {
		return nil // 被限流，静默忽略
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	successCount := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}
	if successCount > 0 && m.recorder != nil {
		m.recorder.RecordAlert(alert.Level)
	}

	// 所有通道都失败才返回错误
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) send(level string, clientID int64, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: level, ClientID: clientID, Message: message, Fields: fields})
}

// SendInfo 发送INFO级别告警
func (m *Manager) SendInfo(clientID int64, message string, fields map[string]interface{}) error {
	return m.send(LevelInfo, clientID, message, fields)
}

// SendWarning 发送WARNING级别告警
func (m *Manager) SendWarning(clientID int64, message string, fields map[string]interface{}) error {
	return m.send(LevelWarning, clientID, message, fields)
}

// SendError 发送ERROR级别告警
func (m *Manager) SendError(clientID int64, message string, fields map[string]interface{}) error {
	return m.send(LevelError, clientID, message, fields)
}

// SendCritical 发送CRITICAL级别告警
func (m *Manager) SendCritical(clientID int64, message string, fields map[string]interface{}) error {
	return m.send(LevelCritical, clientID, message, fields)
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// RemoveChannel 移除告警通道
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// SetThrottle 热更新限流窗口
func (m *Manager) SetThrottle(d time.Duration) {
	m.throttle.SetInterval(d)
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
