// Package margin 定义保证金快照、同步状态以及由快照派生的风险指标。
package margin

import (
	"encoding/json"
	"strconv"
)

// Ratio 保证金率（百分比）。PortfolioValue 为 0 时 Defined=false，
// 不会以 NaN/Inf 的形式出现在展示层。
type Ratio struct {
	Value   float64
	Defined bool
}

// String 渲染为 "75.00%"，未定义时为 "n/a"。
func (r Ratio) String() string {
	if !r.Defined {
		return "n/a"
	}
	return strconv.FormatFloat(r.Value, 'f', 2, 64) + "%"
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// DerivedMetrics 每次读取时重新计算，不缓存。
type DerivedMetrics struct {
	HasData           bool  `json:"has_data"`
	MarginRatio       Ratio `json:"margin_ratio_percent"`
	ShortfallPositive bool  `json:"shortfall_positive"`
	CallActive        bool  `json:"call_active"`
}

// NoData 尚无快照时的哨兵值，与“上游报了 0”区分开。
var NoData = DerivedMetrics{}

// Derive 纯函数：快照 -> 派生指标。
func Derive(snap *Snapshot) DerivedMetrics {
	if snap == nil {
		return NoData
	}
	m := DerivedMetrics{
		HasData:           true,
		ShortfallPositive: snap.MarginShortfall > 0,
		CallActive:        snap.MarginCall,
	}
	if snap.PortfolioValue != 0 {
		m.MarginRatio = Ratio{
			Value:   snap.NetEquity / snap.PortfolioValue * 100,
			Defined: true,
		}
	}
	return m
}

// DeriveState 对状态中的快照求值。
func DeriveState(st SyncState) DerivedMetrics {
	return Derive(st.Snapshot)
}
