package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hedgepair/internal/config/loader"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/orchestrator"
	"hedgepair/internal/registry"
	"hedgepair/internal/risk"
	"hedgepair/internal/scheduler"
	"hedgepair/internal/store/history"

	"github.com/gin-gonic/gin"
)

// PairService 是操作员可触发的开仓/平仓动作。
type PairService interface {
	OpenPair(ctx context.Context, req orchestrator.OpenRequest) (orchestrator.OpenResult, error)
	ClosePair(ctx context.Context, id int64, reason string) (orchestrator.CloseResult, error)
	CloseAll(ctx context.Context, reason string) []orchestrator.CloseResult
}

type RiskStore interface {
	Snapshot() loader.RiskSnapshot
	Save(cfg risk.Config) (loader.RiskSnapshot, error)
}

type ReportSource interface {
	LastReport() scheduler.CycleReport
}

type HistorySource interface {
	List(ctx context.Context, q history.Query) ([]history.Record, error)
}

// Server 提供操作员 HTTP 接口。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖；History 与 Reports 可为空。
type ServerConfig struct {
	Addr      string
	Pairs     PairService
	Registry  *registry.Registry
	Risk      RiskStore
	Reports   ReportSource
	History   HistorySource
	Terminals []terminal.Terminal
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Pairs == nil || cfg.Registry == nil {
		return nil, errors.New("api server requires pair service and registry")
	}
	if cfg.Risk == nil {
		return nil, errors.New("api server requires risk store")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handlers{cfg: cfg}
	router.GET("/healthz", h.health)
	h.register(router.Group("/api"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录操作员的每次调用。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		status := c.Writer.Status()
		if method == http.MethodGet {
			logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, path, status, c.ClientIP(), time.Since(start))
			return
		}
		logger.Infof("HTTP %s %s status=%d ip=%s dur=%s", method, path, status, c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露路由，便于测试直接调用。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
