package gateway

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"margin-monitor-go/margin"
)

// ErrCircuitOpen 熔断期间直接拒绝请求。
var ErrCircuitOpen = errors.New("upstream circuit open")

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 熔断，拒绝所有请求
	BreakerHalfOpen                     // 放行探测请求
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Threshold int           // 连续失败多少次后熔断，默认 5
	Cooldown  time.Duration // 熔断持续时间，默认 30s
	// OnStateChange 状态切换回调，在锁外调用
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker 上游连续失败时快速失败，冷却后放行一个探测请求。
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	onChange  func(from, to BreakerState)
	now       func() time.Time

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	probing         bool
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		onChange:  cfg.OnStateChange,
		now:       time.Now,
	}
}

// Allow 判断请求能否放行；半开状态下同一时间只放行一个探测。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	var from, to BreakerState
	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, to = cb.state, BreakerHalfOpen
		cb.state = BreakerHalfOpen
		cb.probing = true
	case BreakerHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	cb.mu.Unlock()
	cb.notify(from, to)
	return nil
}

// Done 按请求结果更新状态；调用方主动取消的请求不计入成败。
func (cb *CircuitBreaker) Done(err error) {
	if errors.Is(err, context.Canceled) {
		cb.mu.Lock()
		cb.probing = false
		cb.mu.Unlock()
		return
	}
	cb.Record(tripsBreaker(err))
}

// Record 记录一次请求结果。
func (cb *CircuitBreaker) Record(failed bool) {
	cb.mu.Lock()
	from := cb.state
	cb.probing = false
	if failed {
		cb.consecutiveFail++
		if cb.state == BreakerHalfOpen || cb.consecutiveFail >= cb.threshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.now()
		}
	} else {
		cb.consecutiveFail = 0
		cb.state = BreakerClosed
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 强制回到关闭状态
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = BreakerClosed
	cb.consecutiveFail = 0
	cb.probing = false
	cb.mu.Unlock()
	cb.notify(from, BreakerClosed)
}

// tripsBreaker 只有传输层错误和上游 5xx 计入失败；4xx 与解析错误说明上游仍在工作。
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	fe := margin.AsFetchError(err)
	switch fe.Kind {
	case margin.NetworkError:
		return true
	case margin.UpstreamError:
		var se *statusError
		return errors.As(err, &se) && se.code >= 500
	}
	return false
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return "status " + strconv.Itoa(e.code) }
