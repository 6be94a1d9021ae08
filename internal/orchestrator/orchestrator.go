// Package orchestrator 把一次用户/自动化动作扇出到两个终端并汇合成一个结果。
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedgepair/internal/gateway/notifier"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/pair"
	"hedgepair/internal/registry"
)

// Persister 在每次开仓/平仓事件后保存登记表快照。
type Persister interface {
	Persist(ctx context.Context) error
}

// HistorySink 接收已完全平仓的持仓对，用于审计与导出。
type HistorySink interface {
	RecordClosed(ctx context.Context, p pair.Pair) error
}

// Account 绑定一个终端及其下单参数。
type Account struct {
	Terminal  terminal.Terminal
	Magic     int64
	Deviation int
}

type Options struct {
	// AutoUnwind 为 true 时单腿成交后立即平掉存活腿；默认保留并交由人工处理。
	AutoUnwind bool
}

type Orchestrator struct {
	accounts map[string]Account
	order    []string
	registry *registry.Registry
	persist  Persister
	history  HistorySink
	notifier notifier.TextNotifier
	opts     Options
	nowFn    func() time.Time

	// 平仓未完成的告警每个失败周期只发一次，平仓完成后清除
	noticeMu      sync.Mutex
	closeNotified map[int64]bool
}

func New(reg *registry.Registry, accounts []Account, persist Persister, history HistorySink, n notifier.TextNotifier, opts Options) (*Orchestrator, error) {
	if reg == nil {
		return nil, fmt.Errorf("orchestrator requires registry")
	}
	if len(accounts) != 2 {
		return nil, fmt.Errorf("orchestrator requires exactly two accounts, got %d", len(accounts))
	}
	o := &Orchestrator{
		accounts: make(map[string]Account, len(accounts)),
		registry: reg,
		persist:  persist,
		history:  history,
		notifier: n,
		opts:     opts,
		nowFn:    time.Now,

		closeNotified: make(map[int64]bool),
	}
	for _, acc := range accounts {
		if acc.Terminal == nil {
			return nil, fmt.Errorf("orchestrator account without terminal")
		}
		id := acc.Terminal.AccountID()
		if _, dup := o.accounts[id]; dup {
			return nil, fmt.Errorf("duplicate account %s", id)
		}
		o.accounts[id] = acc
		o.order = append(o.order, id)
	}
	if o.notifier == nil {
		o.notifier = notifier.LogNotifier{}
	}
	return o, nil
}

// Accounts 按配置顺序返回账户编号。
func (o *Orchestrator) Accounts() []string {
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

func (o *Orchestrator) account(id string) (Account, bool) {
	acc, ok := o.accounts[id]
	return acc, ok
}

func (o *Orchestrator) savePairs(ctx context.Context, event string) {
	if o.persist == nil {
		return
	}
	if err := o.persist.Persist(ctx); err != nil {
		logger.Errorf("[orchestrator] %s 后保存失败: %v", event, err)
		notifier.Notify(o.notifier, notifier.NewMessage(notifier.SeverityCritical,
			"Persistence failed",
			"event: "+event,
			"error: "+err.Error(),
		))
	}
}

func (o *Orchestrator) recordHistory(ctx context.Context, p pair.Pair) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordClosed(ctx, p); err != nil {
		logger.Warnf("[orchestrator] 写入历史失败 pair=%s: %v", p.DisplayID(), err)
	}
}
