// Package scheduler 驱动周期性的自动化：刷新账户与持仓盈亏、判定回撤、执行持仓时长平仓。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hedgepair/internal/gateway/notifier"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/orchestrator"
	"hedgepair/internal/pair"
	"hedgepair/internal/registry"
	"hedgepair/internal/risk"

	"golang.org/x/sync/errgroup"
)

const (
	ReasonDrawdown = "auto:drawdown"
	ReasonHoldTime = "auto:hold_time"
)

// RiskSource 提供当前生效的风控参数，每个周期开始时读取一次。
type RiskSource interface {
	Current() risk.Config
}

type Options struct {
	Interval           time.Duration
	RefreshConcurrency int
}

// CycleReport 描述一次自动化周期的结果，供 HTTP 接口展示。
type CycleReport struct {
	At             time.Time                  `json:"at"`
	Skipped        string                     `json:"skipped,omitempty"`
	Accounts       []terminal.AccountSnapshot `json:"accounts"`
	FetchErrors    map[string]string          `json:"fetch_errors,omitempty"`
	Evaluation     *risk.Evaluation           `json:"evaluation,omitempty"`
	DrawdownFired  bool                       `json:"drawdown_fired"`
	HoldClosed     []int64                    `json:"hold_closed,omitempty"`
	ExternalClosed []int64                    `json:"external_closed,omitempty"`
}

type Automation struct {
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	terminals map[string]terminal.Terminal
	order     []string
	risk      RiskSource
	history   orchestrator.HistorySink
	persist   orchestrator.Persister
	notifier  notifier.TextNotifier
	guard     *risk.Guard
	opts      Options
	nowFn     func() time.Time

	mu   sync.RWMutex
	last CycleReport

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAutomation(orch *orchestrator.Orchestrator, terms []terminal.Terminal, rs RiskSource,
	persist orchestrator.Persister, history orchestrator.HistorySink, n notifier.TextNotifier, opts Options) (*Automation, error) {
	if orch == nil {
		return nil, fmt.Errorf("automation requires orchestrator")
	}
	if rs == nil {
		return nil, fmt.Errorf("automation requires risk source")
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	a := &Automation{
		orch:      orch,
		registry:  orch.Registry(),
		terminals: make(map[string]terminal.Terminal, len(terms)),
		risk:      rs,
		history:   history,
		persist:   persist,
		notifier:  n,
		guard:     risk.NewGuard(),
		opts:      opts,
		nowFn:     time.Now,
	}
	for _, t := range terms {
		a.terminals[t.AccountID()] = t
		a.order = append(a.order, t.AccountID())
	}
	if a.notifier == nil {
		a.notifier = notifier.LogNotifier{}
	}
	return a, nil
}

// Start 在后台运行自动化循环，重复调用无效。
// ctx 取消后不再开始新的周期；进行中的周期使用去除取消的 ctx 跑完，终端调用只受超时约束。
func (a *Automation) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	sched := NewIntervalScheduler("automation", a.opts.Interval)
	go func() {
		defer close(a.done)
		sched.Run(runCtx, func(c context.Context) { a.RunCycle(context.WithoutCancel(c)) })
	}()
}

// Stop 停止循环并等待进行中的周期结束。
func (a *Automation) Stop() {
	a.runMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastReport 返回最近一次周期的结果。
func (a *Automation) LastReport() CycleReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// RunCycle 执行一次完整的自动化周期。回撤判定只使用本周期内两个账户都成功获取的快照。
func (a *Automation) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{At: a.nowFn()}
	defer func() {
		a.mu.Lock()
		a.last = report
		a.mu.Unlock()
	}()

	if missing := a.ensureConnected(ctx); len(missing) > 0 {
		report.Skipped = fmt.Sprintf("terminal disconnected: %v", missing)
		logger.Debugf("[automation] 跳过本周期: %s", report.Skipped)
		return report
	}
	cfg := a.risk.Current()

	snaps, fetchErrs := a.fetchAccounts(ctx)
	report.Accounts = snaps
	if len(fetchErrs) > 0 {
		report.FetchErrors = fetchErrs
	}

	report.ExternalClosed = a.refreshProfits(ctx)
	a.retryPending(ctx)

	if len(fetchErrs) == 0 {
		eval := risk.Evaluate(cfg, snaps)
		report.Evaluation = &eval
		for _, w := range eval.Warnings {
			logger.Warnf("[automation] %v", w)
		}
		if a.guard.Observe(eval.Breached) {
			report.DrawdownFired = true
			a.fireDrawdown(ctx, eval)
		}
	} else {
		logger.Warnf("[automation] 账户快照获取失败，跳过回撤判定: %v", fetchErrs)
	}

	if due := risk.DueForClose(cfg, a.registry.ListOpen(), a.nowFn()); len(due) > 0 {
		report.HoldClosed = a.closeHeld(ctx, due, cfg.CloseAfterMinutes)
	}
	return report
}

func (a *Automation) ensureConnected(ctx context.Context) []string {
	var missing []string
	for _, id := range a.order {
		t := a.terminals[id]
		if t.Connected() {
			continue
		}
		if err := t.Connect(ctx); err != nil {
			logger.Debugf("[automation] 重连 %s 失败: %v", t.ID(), err)
			missing = append(missing, t.ID())
		}
	}
	return missing
}

func (a *Automation) fetchAccounts(ctx context.Context) ([]terminal.AccountSnapshot, map[string]string) {
	snaps := make([]terminal.AccountSnapshot, len(a.order))
	errs := make([]error, len(a.order))
	var g errgroup.Group
	for i, id := range a.order {
		g.Go(func() error {
			snaps[i], errs[i] = a.terminals[id].AccountInfo(ctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]terminal.AccountSnapshot, 0, len(snaps))
	failed := map[string]string{}
	for i, id := range a.order {
		if errs[i] != nil {
			failed[id] = terminal.Reason(errs[i])
			continue
		}
		if snaps[i].AccountID == "" {
			snaps[i].AccountID = id
		}
		out = append(out, snaps[i])
	}
	return out, failed
}

type legProfit struct {
	id      int64
	legID   pair.LegID
	account string
	profit  terminal.PositionProfit
}

// refreshProfits 并发刷新所有 open 腿的盈亏，返回因外部平仓而移出登记表的编号。
func (a *Automation) refreshProfits(ctx context.Context) []int64 {
	pairs := a.registry.ListOpen()
	var jobs []legProfit
	for _, p := range pairs {
		if p.Status == pair.StatusOpening || p.Status == pair.StatusClosing {
			continue
		}
		for _, legID := range []pair.LegID{pair.LegA, pair.LegB} {
			leg := p.Leg(legID)
			if leg.Status == pair.LegOpen && leg.Ticket.Valid() {
				jobs = append(jobs, legProfit{
					id:      p.ID,
					legID:   legID,
					account: leg.AccountID,
					profit:  terminal.PositionProfit{Ticket: leg.Ticket},
				})
			}
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	ok := make([]bool, len(jobs))
	var g errgroup.Group
	g.SetLimit(a.opts.RefreshConcurrency)
	for i := range jobs {
		g.Go(func() error {
			t, found := a.terminals[jobs[i].account]
			if !found {
				return nil
			}
			pp, err := t.PositionProfit(ctx, jobs[i].profit.Ticket)
			if err != nil {
				logger.Debugf("[automation] 刷新 %s leg %s 盈亏失败: %v", pair.FormatID(jobs[i].id), jobs[i].legID, err)
				return nil
			}
			jobs[i].profit = pp
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	grouped := map[int64]map[pair.LegID]terminal.PositionProfit{}
	for i, j := range jobs {
		if !ok[i] {
			continue
		}
		if grouped[j.id] == nil {
			grouped[j.id] = map[pair.LegID]terminal.PositionProfit{}
		}
		grouped[j.id][j.legID] = j.profit
	}

	var removed []int64
	changed := false
	for id, legs := range grouped {
		before, _ := a.registry.Get(id)
		updated, err := a.registry.UpdateProfit(id, legs)
		if err != nil {
			continue
		}
		switch {
		case !updated.Visible():
			removed = append(removed, id)
			changed = true
			logger.Warnf("[automation] %s 两腿均已在终端外平仓，移出登记表", updated.DisplayID())
			if a.history != nil {
				if err := a.history.RecordClosed(ctx, updated); err != nil {
					logger.Warnf("[automation] 写入历史失败 pair=%s: %v", updated.DisplayID(), err)
				}
			}
			notifier.Notify(a.notifier, notifier.NewMessage(notifier.SeverityWarn,
				"Closed outside hedgepair "+updated.DisplayID(),
				"both legs are no longer on the terminals"))
		case before.Status == pair.StatusOpen && updated.Status == pair.StatusPartialFailure:
			changed = true
			lost := pair.LegA
			if updated.LegA.Live() {
				lost = pair.LegB
			}
			logger.Warnf("[automation] %s leg %s 已在终端外平仓，剩余单腿", updated.DisplayID(), lost)
			notifier.Notify(a.notifier, notifier.NewMessage(notifier.SeverityWarn,
				"Leg closed outside hedgepair "+updated.DisplayID(),
				fmt.Sprintf("leg %s (%s) ticket %s is gone", lost, updated.Leg(lost).AccountID, updated.Leg(lost).Ticket),
				"surviving leg stays open, manual close required"))
		}
	}
	if changed && a.persist != nil {
		if err := a.persist.Persist(ctx); err != nil {
			logger.Errorf("[automation] 保存登记表失败: %v", err)
		}
	}
	return removed
}

func (a *Automation) retryPending(ctx context.Context) {
	for _, res := range a.orch.RetryPending(ctx) {
		if res.Outcome == orchestrator.CloseDone {
			logger.Infof("[automation] %s 重试平仓完成", pair.FormatID(res.ID))
		}
	}
}

func (a *Automation) fireDrawdown(ctx context.Context, eval risk.Evaluation) {
	lines := []string{fmt.Sprintf("threshold %.2f%%", eval.Threshold)}
	for _, acc := range eval.Accounts {
		if acc.Breached {
			lines = append(lines, fmt.Sprintf("account %s drawdown %.2f%%", acc.AccountID, acc.Pct))
		}
	}
	count := a.registry.Len()
	lines = append(lines, fmt.Sprintf("closing %d pair(s)", count))
	logger.Warnf("[automation] 回撤触发全平: %v", lines)
	notifier.Notify(a.notifier, notifier.NewMessage(notifier.SeverityCritical, "Drawdown stop triggered", lines...))

	results := a.orch.CloseAll(ctx, ReasonDrawdown)
	var incomplete []string
	for _, res := range results {
		if res.Outcome == orchestrator.ClosePartial {
			incomplete = append(incomplete, pair.FormatID(res.ID))
		}
	}
	if len(incomplete) > 0 {
		notifier.Notify(a.notifier, notifier.NewMessage(notifier.SeverityCritical,
			"Drawdown close incomplete",
			fmt.Sprintf("pairs still open: %v", incomplete),
			"will retry on next automation cycle"))
	}
}

func (a *Automation) closeHeld(ctx context.Context, due []int64, minutes int) []int64 {
	closed := make([]int64, 0, len(due))
	for _, id := range due {
		res, err := a.orch.ClosePair(ctx, id, ReasonHoldTime)
		if err != nil {
			logger.Warnf("[automation] 持仓时长平仓 %s 失败: %v", pair.FormatID(id), err)
			continue
		}
		if res.Outcome == orchestrator.CloseDone {
			closed = append(closed, id)
			logger.Infof("[automation] %s 持仓超过 %d 分钟，已平仓", pair.FormatID(id), minutes)
		}
	}
	return closed
}
