package config

import "margin-monitor-go/margin"

// ValidateRuntime 校验允许热更新的参数（告警阈值与保证金要求）。
func ValidateRuntime(cfg AppConfig) error {
	if cfg.Alert.WarnBelowPercent < 0 || cfg.Alert.WarnBelowPercent > 100 {
		return ErrInvalid("alert.warnBelowPercent must be within [0, 100]")
	}
	return ValidateRequirements(cfg.Requirements)
}

// ValidateRequirements 要求 0 < maintenance <= initial <= 100。
func ValidateRequirements(req margin.Requirements) error {
	if req.MaintenancePercent <= 0 || req.InitialPercent > 100 {
		return ErrInvalid("requirements must be within (0, 100]")
	}
	if req.MaintenancePercent > req.InitialPercent {
		return ErrInvalid("requirements.maintenancePercent must not exceed initialPercent")
	}
	return nil
}

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
