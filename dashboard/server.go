package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"margin-monitor-go/feed"
	"margin-monitor-go/gateway"
	"margin-monitor-go/margin"
)

// Positions 持仓读写，由 gateway.MarginClient 实现。
type Positions interface {
	ListPositions(ctx context.Context, clientID int64) ([]gateway.Position, error)
	CreatePosition(ctx context.Context, req gateway.PositionRequest) (gateway.Position, error)
}

// Config 服务配置
type Config struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration // 单个请求等待快照/刷新的上限
	Requirements   margin.Requirements
}

// Server 面板 HTTP 服务
type Server struct {
	router    *chi.Mux
	server    *http.Server
	hub       *feed.Hub
	positions Positions
	metrics   http.Handler
	log       *zap.Logger
	timeout   time.Duration
	origins   []string
	req       atomic.Pointer[margin.Requirements]
}

// New 创建服务；metrics 为 nil 时不挂载 /metrics。
func New(cfg Config, hub *feed.Hub, positions Positions, metrics http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = feed.DefaultFetchTimeout
	}
	if cfg.Requirements == (margin.Requirements{}) {
		cfg.Requirements = margin.DefaultRequirements()
	}
	s := &Server{
		router:    chi.NewRouter(),
		hub:       hub,
		positions: positions,
		metrics:   metrics,
		log:       log.Named("dashboard"),
		timeout:   cfg.RequestTimeout,
		origins:   cfg.AllowedOrigins,
	}
	s.SetRequirements(cfg.Requirements)

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// SetRequirements 热更新风险档位使用的保证金要求。
func (s *Server) SetRequirements(req margin.Requirements) {
	s.req.Store(&req)
}

// Requirements 当前生效的保证金要求
func (s *Server) Requirements() margin.Requirements {
	return *s.req.Load()
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/margin/{clientId}", s.handleMargin)
		r.Post("/margin/{clientId}/refresh", s.handleRefresh)
		r.Get("/positions/{clientId}", s.handleListPositions)
		r.Post("/positions", s.handleCreatePosition)
	})

	s.router.Get("/ws/margin/{clientId}", s.handleWS)
}

// Handler 返回路由，测试时挂到 httptest.Server。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve 在已绑定的 listener 上提供服务，便于调用方先确认端口可用。
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("serving HTTP", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr 配置的监听地址
func (s *Server) Addr() string {
	return s.server.Addr
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
