package container

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"margin-monitor-go/config"
	"margin-monitor-go/dashboard"
	"margin-monitor-go/feed"
	"margin-monitor-go/gateway"
	"margin-monitor-go/infrastructure/alert"
	"margin-monitor-go/infrastructure/logger"
	"margin-monitor-go/infrastructure/monitor"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg     config.AppConfig
	cfgPath string // 为空时不监听配置变化

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor

	// 上游网关
	client *gateway.MarginClient

	// 核心服务
	refresher *feed.Refresher
	hub       *feed.Hub
	alerts    *alert.Manager
	watcher   *alert.MarginWatcher
	server    *dashboard.Server
	http      *httpServerComponent

	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewFromConfig(cfg, configPath), nil
}

// NewFromConfig 使用已加载的配置；configPath 为空时关闭热更新。
func NewFromConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:       cfg,
		cfgPath:   configPath,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	c.buildGateway()
	c.buildCoreServices()
	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.Namespace = c.cfg.Metrics.Namespace
	c.monitor = monitor.New(monitorCfg)

	c.logger.Info("infrastructure built", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildGateway() {
	up := c.cfg.Upstream
	breaker := gateway.NewCircuitBreaker(gateway.BreakerConfig{
		Threshold: up.BreakerThreshold,
		Cooldown:  up.BreakerCooldown(),
		OnStateChange: func(from, to gateway.BreakerState) {
			c.monitor.SetBreakerState(int(to))
			c.logger.Warn("upstream breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.client = &gateway.MarginClient{
		BaseURL:    up.BaseURL,
		HTTPClient: gateway.NewDefaultHTTPClient(up.Timeout()),
		Limiter:    gateway.NewTokenBucketLimiter(up.RateLimit, up.Burst),
		Breaker:    breaker,
	}
	c.logger.Info("gateway built", zap.String("base_url", up.BaseURL))
}

func (c *Container) buildCoreServices() {
	zl := c.logger.Logger

	c.refresher = feed.NewRefresher(c.client, feed.RefresherConfig{
		FetchTimeout: c.cfg.Feed.FetchTimeout(),
		Recorder:     c.monitor,
		Logger:       zl,
	})
	c.hub = feed.NewHub(c.refresher, c.cfg.Feed.Interval(), zl)

	c.alerts = alert.NewManager([]alert.Channel{alert.NewLogChannel("log", zl)}, c.cfg.Alert.Throttle())
	c.alerts.SetRecorder(c.monitor)
	c.watcher = alert.NewMarginWatcher(c.alerts, c.logger, c.thresholds(c.cfg))

	c.server = dashboard.New(dashboard.Config{
		Addr:           c.cfg.Server.Addr,
		AllowedOrigins: c.cfg.Server.AllowedOrigins,
		RequestTimeout: c.cfg.Feed.FetchTimeout(),
		Requirements:   c.cfg.Requirements,
	}, c.hub, c.client, c.monitor.Handler(), zl)

	c.logger.Info("core services built",
		zap.Duration("interval", c.cfg.Feed.Interval()),
		zap.Int64("default_client", c.cfg.Feed.DefaultClientID),
	)
}

func (c *Container) thresholds(cfg config.AppConfig) alert.Thresholds {
	return alert.Thresholds{
		Requirements:     cfg.Requirements,
		WarnBelowPercent: cfg.Alert.WarnBelowPercent,
	}
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register(&alertComponent{
		hub:      c.hub,
		watcher:  c.watcher,
		clientID: c.cfg.Feed.DefaultClientID,
	})
	c.http = &httpServerComponent{server: c.server, logger: c.logger}
	c.lifecycle.Register(c.http)
	if c.cfgPath != "" {
		c.lifecycle.Register(&configWatchComponent{
			path:   c.cfgPath,
			apply:  c.applyConfig,
			logger: c.logger.Logger,
		})
	}
}

// applyConfig 热更新只生效告警阈值与保证金要求，其余字段需要重启。
func (c *Container) applyConfig(next config.AppConfig) {
	if err := config.ValidateRuntime(next); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "config_reload"})
		return
	}
	c.server.SetRequirements(next.Requirements)
	c.watcher.SetThresholds(c.thresholds(next))
	c.alerts.SetThrottle(next.Alert.Throttle())

	if next.Feed.IntervalMs != c.cfg.Feed.IntervalMs || next.Upstream.BaseURL != c.cfg.Upstream.BaseURL ||
		next.Server.Addr != c.cfg.Server.Addr {
		c.logger.Warn("config change requires restart",
			zap.Int("interval_ms", next.Feed.IntervalMs),
			zap.String("base_url", next.Upstream.BaseURL),
			zap.String("addr", next.Server.Addr),
		)
	}
	c.logger.Info("runtime config applied",
		zap.Float64("initial_percent", next.Requirements.InitialPercent),
		zap.Float64("maintenance_percent", next.Requirements.MaintenancePercent),
		zap.Float64("warn_below_percent", next.Alert.WarnBelowPercent),
	)
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started", zap.String("addr", c.http.Addr()))
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	// 剩余的 WebSocket 订阅随 Hub 一起拆除
	c.hub.Close()
	c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Addr 面板服务实际监听地址
func (c *Container) Addr() string {
	return c.http.Addr()
}

// Hub 供命令行工具和测试直接订阅
func (c *Container) Hub() *feed.Hub {
	return c.hub
}

func (c *Container) Watcher() *alert.MarginWatcher {
	return c.watcher
}
