package margin

// Requirements 初始/维持保证金要求（百分比）。
type Requirements struct {
	InitialPercent     float64 `yaml:"initialPercent" json:"initial_percent"`
	MaintenancePercent float64 `yaml:"maintenancePercent" json:"maintenance_percent"`
}

// DefaultRequirements 与 Reg T 常见设置一致：25% / 20%。
func DefaultRequirements() Requirements {
	return Requirements{InitialPercent: 25, MaintenancePercent: 20}
}

// RiskLevel 面板上的风险档位。
type RiskLevel int

const (
	RiskUnknown RiskLevel = iota
	RiskHealthy
	RiskWarning
	RiskMarginCall
)

func (l RiskLevel) String() string {
	switch l {
	case RiskHealthy:
		return "healthy"
	case RiskWarning:
		return "warning"
	case RiskMarginCall:
		return "margin_call"
	default:
		return "unknown"
	}
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Classify 根据派生指标与要求给出风险档位。上游的 margin call 标记优先。
func Classify(m DerivedMetrics, req Requirements) RiskLevel {
	if !m.HasData {
		return RiskUnknown
	}
	if m.CallActive {
		return RiskMarginCall
	}
	if !m.MarginRatio.Defined {
		return RiskUnknown
	}
	switch r := m.MarginRatio.Value; {
	case r < req.MaintenancePercent:
		return RiskMarginCall
	case r < req.InitialPercent:
		return RiskWarning
	default:
		return RiskHealthy
	}
}
