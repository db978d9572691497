// Package dashboard 对外提供保证金面板的 HTTP/WebSocket 接口。
package dashboard

import (
	"margin-monitor-go/margin"
)

// View 面板渲染所需的全部数据：原始状态 + 派生指标 + 风险档位。
type View struct {
	State   margin.SyncState      `json:"state"`
	Metrics margin.DerivedMetrics `json:"metrics"`
	Risk    margin.RiskLevel      `json:"risk"`
	Display Display               `json:"display"`
}

// Display 预先格式化好的展示字段。
type Display struct {
	MarginRatio string `json:"margin_ratio"`
	Status      string `json:"status"`
	Stale       bool   `json:"stale"`
}

// BuildView 每次调用都重新派生，不缓存。
func BuildView(st margin.SyncState, req margin.Requirements) View {
	d := margin.DeriveState(st)
	return View{
		State:   st,
		Metrics: d,
		Risk:    margin.Classify(d, req),
		Display: Display{
			MarginRatio: d.MarginRatio.String(),
			Status:      st.Status.String(),
			Stale:       st.Stale(),
		},
	}
}
