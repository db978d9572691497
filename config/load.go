package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"margin-monitor-go/infrastructure/logger"
	"margin-monitor-go/margin"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env          string              `yaml:"env"`
	Upstream     UpstreamConfig      `yaml:"upstream"`
	Feed         FeedConfig          `yaml:"feed"`
	Server       ServerConfig        `yaml:"server"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Alert        AlertConfig         `yaml:"alert"`
	Requirements margin.Requirements `yaml:"requirements"`
	Log          logger.Config       `yaml:"log"`
}

// UpstreamConfig 保证金/持仓服务。
type UpstreamConfig struct {
	BaseURL   string  `yaml:"baseURL"`
	TimeoutMs int     `yaml:"timeoutMs"` // 单次 HTTP 请求超时
	RateLimit float64 `yaml:"rateLimit"` // 每秒令牌数
	Burst     int     `yaml:"burst"`

	BreakerThreshold  int `yaml:"breakerThreshold"`  // 连续失败多少次后熔断
	BreakerCooldownMs int `yaml:"breakerCooldownMs"` // 熔断后多久放行探测请求
}

type FeedConfig struct {
	IntervalMs      int   `yaml:"intervalMs"`      // 周期刷新间隔，默认 30000
	FetchTimeoutMs  int   `yaml:"fetchTimeoutMs"`  // 单次拉取（含限流等待）超时
	DefaultClientID int64 `yaml:"defaultClientId"` // 命令行工具未指定账户时使用
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

type AlertConfig struct {
	ThrottleSec      int     `yaml:"throttleSec"`
	WarnBelowPercent float64 `yaml:"warnBelowPercent"` // 保证金率低于该值时告警，0 表示使用初始保证金要求
}

func (c FeedConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c FeedConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c UpstreamConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMs) * time.Millisecond
}

func (c AlertConfig) Throttle() time.Duration {
	return time.Duration(c.ThrottleSec) * time.Second
}

// ApplyDefaults 补齐未配置的字段。
func (c *AppConfig) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Upstream.TimeoutMs == 0 {
		c.Upstream.TimeoutMs = 10000
	}
	if c.Upstream.RateLimit == 0 {
		c.Upstream.RateLimit = 5
	}
	if c.Upstream.Burst == 0 {
		c.Upstream.Burst = 10
	}
	if c.Upstream.BreakerThreshold == 0 {
		c.Upstream.BreakerThreshold = 5
	}
	if c.Upstream.BreakerCooldownMs == 0 {
		c.Upstream.BreakerCooldownMs = 30000
	}
	if c.Feed.IntervalMs == 0 {
		c.Feed.IntervalMs = 30000
	}
	if c.Feed.FetchTimeoutMs == 0 {
		c.Feed.FetchTimeoutMs = c.Upstream.TimeoutMs
	}
	if c.Feed.DefaultClientID == 0 {
		c.Feed.DefaultClientID = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "margin"
	}
	if c.Alert.ThrottleSec == 0 {
		c.Alert.ThrottleSec = 300
	}
	if c.Requirements == (margin.Requirements{}) {
		c.Requirements = margin.DefaultRequirements()
	}
	if c.Log.Level == "" {
		c.Log = logger.DefaultConfig()
	}
}

// Load reads YAML config from path, fills defaults and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("MM_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("MM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MM_FEED_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MM_FEED_INTERVAL_MS: %w", err)
		}
		cfg.Feed.IntervalMs = ms
	}
	if v := os.Getenv("MM_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("MM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, Validate(cfg)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
