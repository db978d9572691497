package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"margin-monitor-go/margin"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 拉取指标
	fetches      *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	coalesced    prometheus.Counter

	// 账户指标
	subscribers *prometheus.GaugeVec
	marginRatio *prometheus.GaugeVec
	marginCall  *prometheus.GaugeVec
	syncStatus  *prometheus.GaugeVec

	// 上游熔断
	breakerState prometheus.Gauge

	// 告警
	alerts *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "margin",
		Subsystem: "sync",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fetches_total",
			Help:      "快照拉取次数（按结果：ok/network/upstream/decode）",
		}, []string{"result"}),
		fetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fetch_latency_seconds",
			Help:      "快照拉取耗时分布（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "coalesced_refresh_total",
			Help:      "合并到进行中拉取的刷新请求数",
		}),

		subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "subscribers",
			Help:      "每个账户当前订阅者数量",
		}, []string{"client"}),
		marginRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "margin_ratio_percent",
			Help:      "净值/组合价值（百分比），无法计算时不导出",
		}, []string{"client"}),
		marginCall: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "margin_call",
			Help:      "是否处于追保状态（1/0）",
		}, []string{"client"}),
		syncStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sync_status",
			Help:      "同步状态：0=idle 1=loading 2=ready 3=failed",
		}, []string{"client"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "upstream_breaker_state",
			Help:      "上游熔断器状态：0=closed 1=open 2=half_open",
		}),

		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "alerts_total",
			Help:      "发送的告警数（按级别）",
		}, []string{"level"}),
	}
}

func clientLabel(id int64) string { return strconv.FormatInt(id, 10) }

// RecordFetch 记录一次拉取结果与耗时。
func (m *Monitor) RecordFetch(_ int64, result string, d time.Duration) {
	m.fetches.WithLabelValues(result).Inc()
	m.fetchLatency.Observe(d.Seconds())
}

func (m *Monitor) RecordCoalesced(int64) {
	m.coalesced.Inc()
}

// RecordState 用最新同步状态刷新账户指标。
func (m *Monitor) RecordState(st margin.SyncState) {
	label := clientLabel(st.ClientID)
	m.syncStatus.WithLabelValues(label).Set(float64(st.Status))

	d := margin.DeriveState(st)
	if !d.HasData {
		return
	}
	if d.MarginRatio.Defined {
		m.marginRatio.WithLabelValues(label).Set(d.MarginRatio.Value)
	} else {
		m.marginRatio.DeleteLabelValues(label)
	}
	call := 0.0
	if d.CallActive {
		call = 1
	}
	m.marginCall.WithLabelValues(label).Set(call)
}

// SetSubscribers 更新订阅数；归零时清理该账户的序列。
func (m *Monitor) SetSubscribers(clientID int64, n int) {
	label := clientLabel(clientID)
	if n > 0 {
		m.subscribers.WithLabelValues(label).Set(float64(n))
		return
	}
	m.subscribers.DeleteLabelValues(label)
	m.marginRatio.DeleteLabelValues(label)
	m.marginCall.DeleteLabelValues(label)
	m.syncStatus.DeleteLabelValues(label)
}

// SetBreakerState 记录上游熔断器状态（与 gateway.BreakerState 取值一致）。
func (m *Monitor) SetBreakerState(state int) {
	m.breakerState.Set(float64(state))
}

func (m *Monitor) RecordAlert(level string) {
	m.alerts.WithLabelValues(level).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
