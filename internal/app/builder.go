package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	brcfg "hedgepair/internal/config"
	"hedgepair/internal/config/loader"
	"hedgepair/internal/gateway/bridge"
	"hedgepair/internal/gateway/notifier"
	"hedgepair/internal/gateway/paper"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/orchestrator"
	"hedgepair/internal/pair"
	"hedgepair/internal/registry"
	"hedgepair/internal/scheduler"
	"hedgepair/internal/store"
	"hedgepair/internal/store/history"
	"hedgepair/internal/store/jsonfile"
	"hedgepair/internal/store/sqlite"
	apihttp "hedgepair/internal/transport/http/api"
)

const (
	connectBackoffMin = 2 * time.Second
	connectBackoffMax = 30 * time.Second
)

type AppBuilder struct {
	cfg *brcfg.Config

	terminalsFn func(*brcfg.Config) ([]terminal.Terminal, error)
	storeFn     func(brcfg.StoreConfig) (store.Store, error)
	notifierFn  func(brcfg.NotifyConfig) notifier.TextNotifier

	connectAttempts int
	disableHTTP     bool
}

type AppBuilderOption func(*AppBuilder)

// WithTerminals 替换终端构建逻辑，供测试注入模拟终端。
func WithTerminals(fn func(*brcfg.Config) ([]terminal.Terminal, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.terminalsFn = fn
		}
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(brcfg.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithConnectAttempts 限制启动时连接终端的重试次数，0 表示一直重试直到 ctx 取消。
func WithConnectAttempts(n int) AppBuilderOption {
	return func(b *AppBuilder) { b.connectAttempts = n }
}

func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) { b.disableHTTP = true }
}

func NewAppBuilder(cfg *brcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		terminalsFn: buildTerminals,
		storeFn:     openStore,
		notifierFn:  buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 依次完成：终端连接、对账恢复登记表、风控文件、编排器、自动化与 HTTP 服务。
// 在对账完成前不会写入持久化记录，避免覆盖上一次运行的状态。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	textNotifier := b.notifierFn(cfg.Notify)
	if textNotifier == nil {
		textNotifier = notifier.LogNotifier{}
	}

	terms, err := b.terminalsFn(cfg)
	if err != nil {
		return nil, err
	}
	if err := connectAll(ctx, terms, b.connectAttempts); err != nil {
		return nil, err
	}

	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cleanup := []func(){func() { _ = st.Close() }}
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		return nil, err
	}

	reg := registry.New()
	recon, err := restoreRegistry(ctx, st, terms, reg, textNotifier)
	if err != nil {
		return fail(err)
	}
	saver := store.NewSaver(st, reg, terminalIDs(terms))
	if err := saver.Persist(ctx); err != nil {
		return fail(fmt.Errorf("persist reconciled registry: %w", err))
	}

	hist, err := history.NewStore(cfg.Store.HistoryPath)
	if err != nil {
		return fail(fmt.Errorf("open history: %w", err))
	}
	cleanup = append(cleanup, func() { _ = hist.Close() })

	riskLoader, err := loader.NewRiskLoader(cfg.Risk.Path)
	if err != nil {
		return fail(err)
	}
	riskLoader.Subscribe(func(snap loader.RiskSnapshot) {
		logger.Infof("[risk] 风控参数已更新 v%d drawdown_enabled=%t drawdown_stop=%.2f%% close_after_minutes=%d",
			snap.Version, snap.Config.DrawdownEnabled, snap.Config.DrawdownStop, snap.Config.CloseAfterMinutes)
	})

	accounts := make([]orchestrator.Account, 0, len(terms))
	for i, tc := range cfg.Terminals.List() {
		accounts = append(accounts, orchestrator.Account{
			Terminal:  terms[i],
			Magic:     tc.Magic,
			Deviation: tc.Deviation,
		})
	}
	orch, err := orchestrator.New(reg, accounts, saver, hist, textNotifier, orchestrator.Options{
		AutoUnwind: cfg.PartialFailure.AutoUnwind(),
	})
	if err != nil {
		return fail(err)
	}

	auto, err := scheduler.NewAutomation(orch, terms, riskLoader, saver, hist, textNotifier, scheduler.Options{
		Interval:           cfg.Automation.Interval(),
		RefreshConcurrency: cfg.Automation.RefreshConcurrency,
	})
	if err != nil {
		return fail(err)
	}

	var httpServer *apihttp.Server
	if !b.disableHTTP {
		httpServer, err = apihttp.NewServer(apihttp.ServerConfig{
			Addr:      cfg.App.HTTPAddr,
			Pairs:     orch,
			Registry:  reg,
			Risk:      riskLoader,
			Reports:   auto,
			History:   hist,
			Terminals: terms,
		})
		if err != nil {
			return fail(err)
		}
	}

	return &App{
		cfg:          cfg,
		terminals:    terms,
		registry:     reg,
		orchestrator: orch,
		automation:   auto,
		httpServer:   httpServer,
		saver:        saver,
		store:        st,
		history:      hist,
		risk:         riskLoader,
		Summary:      newStartupSummary(cfg, terms, recon, riskLoader.Current()),
	}, nil
}

func buildTerminals(cfg *brcfg.Config) ([]terminal.Terminal, error) {
	list := cfg.Terminals.List()
	terms := make([]terminal.Terminal, 0, len(list))
	for i, tc := range list {
		var inner terminal.Terminal
		if cfg.App.DryRun {
			inner = paper.New(tc.ID, tc.AccountID, paper.Options{
				Balance:    tc.PaperBalance,
				TicketBase: int64(i+1) * 100000,
			})
		} else {
			client, err := bridge.NewClient(tc)
			if err != nil {
				return nil, fmt.Errorf("terminal %s: %w", tc.ID, err)
			}
			inner = client
		}
		terms = append(terms, terminal.WithTimeout(inner, tc.Timeout(), tc.ConnectTimeout()))
	}
	return terms, nil
}

// connectAll 逐个连接终端并按指数退避重试；attempts<=0 时一直重试直到 ctx 取消。
func connectAll(ctx context.Context, terms []terminal.Terminal, attempts int) error {
	for _, t := range terms {
		backoff := connectBackoffMin
		for try := 1; ; try++ {
			err := t.Connect(ctx)
			if err == nil {
				logger.Infof("[app] ✓ 终端 %s 已连接 account=%s", t.ID(), t.AccountID())
				break
			}
			if attempts > 0 && try >= attempts {
				return fmt.Errorf("connect %s failed after %d attempts: %w", t.ID(), try, err)
			}
			logger.Warnf("[app] 连接终端 %s 失败（第 %d 次），%s 后重试: %v", t.ID(), try, backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > connectBackoffMax {
				backoff = connectBackoffMax
			}
		}
	}
	return nil
}

func openStore(cfg brcfg.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "json":
		return jsonfile.New(cfg.Path)
	default:
		return sqlite.NewSqliteStore(cfg.Path)
	}
}

func buildNotifier(cfg brcfg.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return notifier.LogNotifier{}
	}
	return notifier.Multi{notifier.LogNotifier{}, notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)}
}

// restoreRegistry 读取上次的记录并与终端实际持仓对账。记录损坏时以空登记表启动并发出告警。
func restoreRegistry(ctx context.Context, st store.Store, terms []terminal.Terminal, reg *registry.Registry, n notifier.TextNotifier) (store.ReconcileResult, error) {
	doc, err := st.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotExists):
		logger.Infof("[app] 未找到持久化记录，以空登记表启动")
		return store.ReconcileResult{NextID: 1}, nil
	case errors.Is(err, store.ErrCorrupt):
		logger.Errorf("[app] 持久化记录损坏，以空登记表启动: %v", err)
		notifier.Notify(n, notifier.NewMessage(notifier.SeverityCritical,
			"Persisted registry unreadable",
			"starting with an empty registry",
			"error: "+err.Error(),
		))
		return store.ReconcileResult{NextID: 1}, nil
	case err != nil:
		return store.ReconcileResult{}, fmt.Errorf("load registry: %w", err)
	}

	live, err := store.FetchLiveTickets(ctx, terms)
	if err != nil {
		return store.ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}
	res := store.Reconcile(doc, live)
	if err := reg.Restore(res.Kept, res.NextID); err != nil {
		return store.ReconcileResult{}, fmt.Errorf("restore registry: %w", err)
	}
	logger.Infof("[app] 对账完成：恢复 %d 个持仓对，丢弃 %d 个，下一个编号 %s",
		len(res.Kept), len(res.Dropped), pair.FormatID(res.NextID))
	for _, d := range res.Dropped {
		lines := []string{"reason: " + d.Reason}
		for _, legID := range d.Unmanaged {
			leg := d.Pair.Leg(legID)
			lines = append(lines, fmt.Sprintf("leg %s (%s) ticket %s is no longer managed", legID, leg.AccountID, leg.Ticket))
		}
		logger.Warnf("[app] 丢弃持仓对 %s: %v", d.Pair.DisplayID(), lines)
		notifier.Notify(n, notifier.NewMessage(notifier.SeverityWarn, "Pair dropped on restart "+d.Pair.DisplayID(), lines...))
	}
	return res, nil
}

func terminalIDs(terms []terminal.Terminal) []string {
	ids := make([]string, 0, len(terms))
	for _, t := range terms {
		ids = append(ids, t.ID())
	}
	return ids
}
