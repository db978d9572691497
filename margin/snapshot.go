package margin

import (
	"encoding/json"
	"errors"
)

// Snapshot 上游返回的保证金快照，收到后不再修改。
type Snapshot struct {
	ClientID        int64   `json:"client_id"`
	PortfolioValue  float64 `json:"portfolio_value"`
	NetEquity       float64 `json:"net_equity"`
	MarginShortfall float64 `json:"margin_shortfall"`
	MarginCall      bool    `json:"margin_call"`
}

var errMissingFields = errors.New("snapshot payload missing portfolio_value/net_equity")

// wireSnapshot 同时兼容 snake_case（后端）与 camelCase（旧前端）字段名。
type wireSnapshot struct {
	ClientID        *int64   `json:"client_id"`
	ClientIDCamel   *int64   `json:"clientId"`
	PortfolioValue  *float64 `json:"portfolio_value"`
	PortfolioCamel  *float64 `json:"portfolioValue"`
	NetEquity       *float64 `json:"net_equity"`
	NetEquityCamel  *float64 `json:"netEquity"`
	MarginShortfall *float64 `json:"margin_shortfall"`
	ShortfallCamel  *float64 `json:"marginShortfall"`
	MarginCall      *bool    `json:"margin_call"`
	MarginCallCamel *bool    `json:"marginCall"`
}

// UnmarshalJSON 要求至少存在 portfolio_value 与 net_equity，否则视为畸形报文。
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	pv := pickFloat(w.PortfolioValue, w.PortfolioCamel)
	ne := pickFloat(w.NetEquity, w.NetEquityCamel)
	if pv == nil || ne == nil {
		return errMissingFields
	}
	out := Snapshot{PortfolioValue: *pv, NetEquity: *ne}
	if id := pickInt(w.ClientID, w.ClientIDCamel); id != nil {
		out.ClientID = *id
	}
	if sf := pickFloat(w.MarginShortfall, w.ShortfallCamel); sf != nil {
		out.MarginShortfall = *sf
	}
	if w.MarginCall != nil {
		out.MarginCall = *w.MarginCall
	} else if w.MarginCallCamel != nil {
		out.MarginCall = *w.MarginCallCamel
	}
	*s = out
	return nil
}

func pickFloat(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

func pickInt(a, b *int64) *int64 {
	if a != nil {
		return a
	}
	return b
}
