package alert

import (
	"fmt"
	"sync"

	"margin-monitor-go/infrastructure/logger"
	"margin-monitor-go/margin"
)

// Thresholds 告警阈值，可热更新。
type Thresholds struct {
	Requirements     margin.Requirements
	WarnBelowPercent float64 // >0 时覆盖 Requirements.InitialPercent 作为预警线
}

// MarginWatcher 订阅账户同步状态，在风险档位变化时发告警。
// Observe 满足 feed.Listener 签名，可直接传给 Hub.Subscribe。
type MarginWatcher struct {
	mgr *Manager
	log *logger.Logger

	mu     sync.Mutex
	th     Thresholds
	levels   map[int64]margin.RiskLevel
	failed   map[int64]bool
	episodes map[int64]int // 每个账户进入失败的次数
}

func NewMarginWatcher(mgr *Manager, log *logger.Logger, th Thresholds) *MarginWatcher {
	if log == nil {
		log = logger.Wrap(nil)
	}
	return &MarginWatcher{
		mgr:    mgr,
		log:    log,
		th:     th,
		levels:   make(map[int64]margin.RiskLevel),
		failed:   make(map[int64]bool),
		episodes: make(map[int64]int),
	}
}

// SetThresholds 替换阈值；下一次状态变化按新阈值判断。
func (w *MarginWatcher) SetThresholds(th Thresholds) {
	w.mu.Lock()
	w.th = th
	w.mu.Unlock()
}

// Level 返回账户最近一次判定的档位。
func (w *MarginWatcher) Level(clientID int64) margin.RiskLevel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.levels[clientID]
}

func (w *MarginWatcher) classify(d margin.DerivedMetrics) margin.RiskLevel {
	req := w.th.Requirements
	if w.th.WarnBelowPercent > 0 {
		req.InitialPercent = w.th.WarnBelowPercent
	}
	return margin.Classify(d, req)
}

// Observe 处理一次状态投递。
func (w *MarginWatcher) Observe(st margin.SyncState) {
	w.mu.Lock()
	// Loading 夹在两次结果之间，不改变失败标记；只有 Ready 清除
	wasFailed := w.failed[st.ClientID]
	nowFailed := st.Status == margin.StatusFailed
	switch st.Status {
	case margin.StatusFailed:
		w.failed[st.ClientID] = true
		if !wasFailed {
			w.episodes[st.ClientID]++
		}
	case margin.StatusReady:
		w.failed[st.ClientID] = false
	}
	episode := w.episodes[st.ClientID]

	d := margin.DeriveState(st)
	level := w.classify(d)
	prev := w.levels[st.ClientID]
	changed := level != margin.RiskUnknown && level != prev
	if changed {
		w.levels[st.ClientID] = level
	}
	w.mu.Unlock()

	if nowFailed && !wasFailed {
		failure := map[string]interface{}{
			"reason":       st.Reason,
			"has_snapshot": st.HasSnapshot(),
		}
		w.log.LogSync("sync_failed", st.ClientID, failure)
		_ = w.mgr.SendAlert(Alert{
			Level:    LevelError,
			ClientID: st.ClientID,
			Message:  "margin sync failed",
			Fields:   failure,
			Key:      fmt.Sprintf("failure#%d", episode),
		})
	}
	if wasFailed && st.Status == margin.StatusReady {
		w.log.LogSync("sync_recovered", st.ClientID, map[string]interface{}{"margin_ratio": d.MarginRatio.String()})
	}
	if !changed {
		return
	}

	fields := map[string]interface{}{
		"margin_ratio": d.MarginRatio.String(),
		"from":         prev.String(),
		"to":           level.String(),
	}
	w.log.LogSync("risk_change", st.ClientID, fields)
	a := Alert{ClientID: st.ClientID, Fields: fields, Key: prev.String() + "->" + level.String()}
	switch {
	case level == margin.RiskMarginCall:
		snap := st.Snapshot
		w.log.LogMarginCall(st.ClientID, snap.PortfolioValue, snap.NetEquity, snap.MarginShortfall)
		fields["margin_shortfall"] = snap.MarginShortfall
		a.Level, a.Message = LevelCritical, "margin call"
	case level == margin.RiskWarning && prev != margin.RiskMarginCall:
		a.Level, a.Message = LevelWarning, "margin ratio below warning line"
	case prev == margin.RiskMarginCall || prev == margin.RiskWarning:
		a.Level, a.Message = LevelInfo, "margin ratio recovered"
	default:
		return
	}
	_ = w.mgr.SendAlert(a)
}
