package margin

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveHealthyAccount(t *testing.T) {
	snap := &Snapshot{ClientID: 1, PortfolioValue: 200000, NetEquity: 150000}
	m := Derive(snap)

	require.True(t, m.HasData)
	require.True(t, m.MarginRatio.Defined)
	assert.InDelta(t, 75.0, m.MarginRatio.Value, 1e-9)
	assert.Equal(t, "75.00%", m.MarginRatio.String())
	assert.False(t, m.ShortfallPositive)
	assert.False(t, m.CallActive)
}

func TestDeriveIsDeterministic(t *testing.T) {
	snap := &Snapshot{PortfolioValue: 31337, NetEquity: 2000, MarginShortfall: 4267.4, MarginCall: true}
	assert.Equal(t, Derive(snap), Derive(snap))
}

func TestDeriveNoData(t *testing.T) {
	m := Derive(nil)
	assert.Equal(t, NoData, m)
	assert.False(t, m.HasData)

	// 上游真实返回全 0 时必须与 NoData 可区分
	zero := Derive(&Snapshot{})
	assert.NotEqual(t, NoData, zero)
	assert.True(t, zero.HasData)
}

func TestDeriveZeroPortfolioIsUndefined(t *testing.T) {
	m := Derive(&Snapshot{PortfolioValue: 0, NetEquity: 0})
	assert.False(t, m.MarginRatio.Defined)
	assert.False(t, math.IsNaN(m.MarginRatio.Value))
	assert.Equal(t, "n/a", m.MarginRatio.String())

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"margin_ratio_percent":null`)
}

func TestDeriveShortfallAndCall(t *testing.T) {
	m := Derive(&Snapshot{PortfolioValue: 100000, NetEquity: 15000, MarginShortfall: 5000, MarginCall: true})
	assert.True(t, m.ShortfallPositive)
	assert.True(t, m.CallActive)
	assert.Equal(t, "15.00%", m.MarginRatio.String())

	surplus := Derive(&Snapshot{PortfolioValue: 100000, NetEquity: 90000, MarginShortfall: -70000})
	assert.False(t, surplus.ShortfallPositive)
}

func TestClassify(t *testing.T) {
	req := DefaultRequirements()
	cases := []struct {
		name string
		snap *Snapshot
		want RiskLevel
	}{
		{"无数据", nil, RiskUnknown},
		{"组合市值为 0", &Snapshot{}, RiskUnknown},
		{"健康", &Snapshot{PortfolioValue: 200000, NetEquity: 150000}, RiskHealthy},
		{"介于维持与初始之间", &Snapshot{PortfolioValue: 100000, NetEquity: 22000}, RiskWarning},
		{"低于维持", &Snapshot{PortfolioValue: 100000, NetEquity: 10000}, RiskMarginCall},
		{"上游已标记追保", &Snapshot{PortfolioValue: 100000, NetEquity: 90000, MarginCall: true}, RiskMarginCall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(Derive(tc.snap), req))
		})
	}
}
