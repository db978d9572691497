package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Upstream.BaseURL == "" {
		return errors.New("upstream.baseURL is required (or MM_UPSTREAM_BASE_URL)")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.baseURL %q must be an absolute http(s) URL", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.TimeoutMs <= 0 {
		return errors.New("upstream.timeoutMs must be > 0")
	}
	if cfg.Upstream.RateLimit <= 0 || cfg.Upstream.Burst <= 0 {
		return errors.New("upstream.rateLimit/burst must be > 0")
	}
	if cfg.Upstream.BreakerThreshold <= 0 || cfg.Upstream.BreakerCooldownMs <= 0 {
		return errors.New("upstream.breakerThreshold/breakerCooldownMs must be > 0")
	}
	if cfg.Feed.IntervalMs < 1000 {
		return fmt.Errorf("feed.intervalMs must be >= 1000, got %d", cfg.Feed.IntervalMs)
	}
	if cfg.Feed.FetchTimeoutMs <= 0 {
		return errors.New("feed.fetchTimeoutMs must be > 0")
	}
	if cfg.Feed.DefaultClientID <= 0 {
		return errors.New("feed.defaultClientId must be > 0")
	}
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Alert.ThrottleSec < 0 {
		return errors.New("alert.throttleSec must be >= 0")
	}
	return ValidateRuntime(cfg)
}
