package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"margin-monitor-go/infrastructure/logger"
	"margin-monitor-go/margin"
)

func ready(equity float64, call bool) margin.SyncState {
	return margin.SyncState{
		ClientID: 1,
		Status:   margin.StatusReady,
		Snapshot: &margin.Snapshot{ClientID: 1, PortfolioValue: 100000, NetEquity: equity, MarginShortfall: 20000 - equity, MarginCall: call},
	}
}

func newWatcher(t *testing.T) (*MarginWatcher, *MockChannel, *observer.ObservedLogs) {
	t.Helper()
	mock := NewMockChannel("mock")
	core, logs := observer.New(zapcore.DebugLevel)
	w := NewMarginWatcher(NewManager([]Channel{mock}, time.Minute), logger.Wrap(zap.New(core)),
		Thresholds{Requirements: margin.DefaultRequirements()})
	return w, mock, logs
}

func levels(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Level
	}
	return out
}

func TestMarginWatcherTransitions(t *testing.T) {
	w, mock, logs := newWatcher(t)

	w.Observe(margin.SyncState{ClientID: 1, Status: margin.StatusLoading})
	w.Observe(ready(50000, false)) // 首次健康：不告警
	assert.Equal(t, 0, mock.Count())
	assert.Equal(t, margin.RiskHealthy, w.Level(1))

	w.Observe(ready(50000, false)) // 档位不变
	w.Observe(ready(22000, false)) // 低于初始要求
	w.Observe(ready(15000, true))  // 追保
	w.Observe(ready(22000, false)) // 回到预警
	w.Observe(ready(40000, false)) // 恢复

	require.Equal(t, []string{LevelWarning, LevelCritical, LevelInfo, LevelInfo}, levels(mock.GetAlerts()))
	crit := mock.GetAlerts()[1]
	assert.Equal(t, "15.00%", crit.Fields["margin_ratio"])
	assert.Equal(t, "warning", crit.Fields["from"])
	assert.Equal(t, 1, logs.FilterMessage("margin_call").Len())
}

func syncEvents(logs *observer.ObservedLogs, event string) int {
	n := 0
	for _, e := range logs.FilterMessage("sync_event").AllUntimed() {
		if e.ContextMap()["event"] == event {
			n++
		}
	}
	return n
}

func TestMarginWatcherFailureAlertsOnce(t *testing.T) {
	w, mock, logs := newWatcher(t)
	failed := ready(50000, false)
	failed.Status = margin.StatusFailed
	failed.Reason = "network error: connection refused"

	w.Observe(failed)
	w.Observe(failed)
	require.Equal(t, 1, mock.Count())
	a := mock.GetAlerts()[0]
	assert.Equal(t, LevelError, a.Level)
	assert.Equal(t, "network error: connection refused", a.Fields["reason"])
	assert.Equal(t, true, a.Fields["has_snapshot"])

	w.Observe(ready(50000, false))
	w.Observe(failed)
	assert.Equal(t, 2, mock.Count())
	assert.Equal(t, 2, syncEvents(logs, "sync_failed"))
	assert.Equal(t, 1, syncEvents(logs, "sync_recovered"))
	for _, e := range logs.AllUntimed() {
		assert.NotContains(t, e.ContextMap(), "_schema_error")
	}
}

func TestMarginWatcherUndefinedRatioIgnored(t *testing.T) {
	w, mock, _ := newWatcher(t)
	w.Observe(margin.SyncState{ClientID: 1, Status: margin.StatusReady, Snapshot: &margin.Snapshot{ClientID: 1}})
	assert.Equal(t, 0, mock.Count())
	assert.Equal(t, margin.RiskUnknown, w.Level(1))
}

func TestMarginWatcherSetThresholds(t *testing.T) {
	w, mock, _ := newWatcher(t)
	w.Observe(ready(35000, false))
	assert.Equal(t, margin.RiskHealthy, w.Level(1))

	w.SetThresholds(Thresholds{Requirements: margin.DefaultRequirements(), WarnBelowPercent: 40})
	w.Observe(ready(35000, false))
	assert.Equal(t, margin.RiskWarning, w.Level(1))
	require.Equal(t, 1, mock.Count())
	assert.Equal(t, LevelWarning, mock.GetAlerts()[0].Level)
}

func TestMarginWatcherFailureAcrossLoadingStates(t *testing.T) {
	w, mock, logs := newWatcher(t)
	loading := margin.SyncState{ClientID: 1, Status: margin.StatusLoading}
	failed := margin.SyncState{ClientID: 1, Status: margin.StatusFailed, Reason: "upstream error: status 502"}

	// Store 每次拉取前都先投递 Loading
	for _, st := range []margin.SyncState{loading, failed, loading, failed, loading, ready(50000, false)} {
		w.Observe(st)
	}

	require.Equal(t, []string{LevelError}, levels(mock.GetAlerts()))
	assert.Equal(t, 1, syncEvents(logs, "sync_failed"))
	assert.Equal(t, 1, syncEvents(logs, "sync_recovered"))

	// 恢复后再次失败是新的一次事件，不被限流
	w.Observe(loading)
	w.Observe(failed)
	assert.Equal(t, []string{LevelError, LevelError}, levels(mock.GetAlerts()))
	assert.Equal(t, 2, syncEvents(logs, "sync_failed"))
}

func TestMarginWatcherDistinctTransitionsNotMerged(t *testing.T) {
	w, mock, _ := newWatcher(t)
	w.Observe(ready(50000, false))
	w.Observe(ready(15000, true))  // healthy -> margin_call
	w.Observe(ready(22000, false)) // margin_call -> warning
	w.Observe(ready(50000, false)) // warning -> healthy

	alerts := mock.GetAlerts()
	require.Equal(t, []string{LevelCritical, LevelInfo, LevelInfo}, levels(alerts))
	assert.Equal(t, "margin_call->warning", alerts[1].Key)
	assert.Equal(t, "warning->healthy", alerts[2].Key)
}
