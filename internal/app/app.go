package app

import (
	"context"
	"fmt"
	"time"

	brcfg "hedgepair/internal/config"
	"hedgepair/internal/config/loader"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/orchestrator"
	"hedgepair/internal/registry"
	"hedgepair/internal/scheduler"
	"hedgepair/internal/store"
	"hedgepair/internal/store/history"
	apihttp "hedgepair/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

const shutdownPersistTimeout = 10 * time.Second

// App 负责应用级编排：加载配置→连接终端→对账恢复→启动自动化与 HTTP 服务。
type App struct {
	cfg          *brcfg.Config
	terminals    []terminal.Terminal
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	automation   *scheduler.Automation
	httpServer   *apihttp.Server
	saver        *store.Saver
	store        store.Store
	history      *history.Store
	risk         *loader.RiskLoader
	Summary      *StartupSummary
}

// NewApp 根据配置构建应用对象（会连接终端并完成对账，但不启动自动化）。
func NewApp(ctx context.Context, cfg *brcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// Run 启动自动化循环与 HTTP 服务，ctx 取消后依次停止并做最后一次保存。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	group, gctx := errgroup.WithContext(ctx)
	a.automation.Start(gctx)

	if a.httpServer != nil {
		group.Go(func() error {
			if err := a.httpServer.Start(gctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := group.Wait()
	a.automation.Stop()
	return err
}

// Close 做最后一次登记表保存并释放存储，可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownPersistTimeout)
		if err := a.saver.Persist(ctx); err != nil {
			logger.Errorf("[app] 退出前保存登记表失败: %v", err)
		}
		cancel()
		a.saver = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("[app] 关闭存储失败: %v", err)
		}
		a.store = nil
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Warnf("[app] 关闭历史库失败: %v", err)
		}
		a.history = nil
	}
}

func (a *App) Registry() *registry.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *App) Orchestrator() *orchestrator.Orchestrator {
	if a == nil {
		return nil
	}
	return a.orchestrator
}

// Automation exposes the automation loop (for tests that drive cycles by hand).
func (a *App) Automation() *scheduler.Automation {
	if a == nil {
		return nil
	}
	return a.automation
}

func (a *App) HTTPServer() *apihttp.Server {
	if a == nil {
		return nil
	}
	return a.httpServer
}
