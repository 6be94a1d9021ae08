package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hedgepair/internal/gateway/notifier"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/pair"
	"hedgepair/internal/registry"

	"golang.org/x/sync/errgroup"
)

const ReasonManual = "manual"

// ClosePair 并发平掉仍然 open 的腿；已平的腿不再处理。
// 两腿都平掉后持仓对被标记为 closed 并移出登记表；任一腿失败则保持 partial_failure，
// 由下一次自动化周期或下一次显式调用重试。对已移除的编号重复调用是无副作用的。
// 平仓请求发出后不随 ctx 取消而中断，只受终端超时约束。
func (o *Orchestrator) ClosePair(ctx context.Context, id int64, reason string) (CloseResult, error) {
	ctx = context.WithoutCancel(ctx)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonManual
	}
	res := CloseResult{ID: id}

	var targets []pair.LegID
	prepared, err := o.registry.Update(id, func(p *pair.Pair) error {
		switch p.Status {
		case pair.StatusOpening:
			res.Outcome = CloseDeferredOpening
		case pair.StatusClosing:
			res.Outcome = CloseInFlight
			return nil
		default:
			p.Status = pair.StatusClosing
		}
		if !p.CloseRequested || p.CloseReason == "" {
			p.CloseReason = reason
		}
		p.CloseRequested = true
		for _, legID := range []pair.LegID{pair.LegA, pair.LegB} {
			if p.Leg(legID).Status == pair.LegOpen {
				targets = append(targets, legID)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			o.clearCloseNotice(id)
			res.Outcome = CloseAlreadyClosed
			return res, nil
		}
		return res, err
	}
	res.Pair = prepared
	if res.Outcome == CloseDeferredOpening || res.Outcome == CloseInFlight {
		return res, nil
	}
	reason = prepared.CloseReason

	var errs [2]error
	var g errgroup.Group
	for _, legID := range targets {
		g.Go(func() error {
			errs[legID] = o.closeLeg(ctx, prepared, legID)
			return nil
		})
	}
	_ = g.Wait()
	res.Errs = errs

	final, err := o.registry.Update(id, func(p *pair.Pair) error {
		for _, legID := range targets {
			leg := p.Leg(legID)
			if errs[legID] != nil {
				leg.Error = "close: " + terminal.Reason(errs[legID])
				continue
			}
			leg.Status = pair.LegClosed
			leg.Error = ""
		}
		if p.Visible() {
			p.RecomputeProfit()
			p.Status = pair.StatusPartialFailure
			return nil
		}
		// 全部平仓后保留最后一次刷新的组合盈亏，写入历史
		p.Status = pair.StatusClosed
		p.ClosedAt = o.nowFn()
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("close %s: %w", pair.FormatID(id), err)
	}
	res.Pair = final
	if final.Visible() {
		res.Outcome = ClosePartial
		o.reportClosePartial(final, errs)
	} else {
		res.Outcome = CloseDone
		o.clearCloseNotice(id)
		logger.Infof("[orchestrator] %s 已平仓 reason=%s", final.DisplayID(), final.CloseReason)
		o.recordHistory(ctx, final)
	}
	o.savePairs(ctx, "close "+final.DisplayID())
	return res, nil
}

func (o *Orchestrator) closeLeg(ctx context.Context, p pair.Pair, legID pair.LegID) error {
	leg := p.Leg(legID)
	acc, ok := o.account(leg.AccountID)
	if !ok {
		return fmt.Errorf("leg %s: unknown account %s", legID, leg.AccountID)
	}
	return acc.Terminal.ClosePosition(ctx, terminal.CloseRequest{
		Ticket:    leg.Ticket,
		Symbol:    leg.Symbol,
		Volume:    leg.Volume,
		Side:      p.Side,
		Comment:   pair.Comment(p.ID),
		Magic:     acc.Magic,
		Deviation: acc.Deviation,
	})
}

// CloseAll 对登记表中的全部持仓对并发执行 ClosePair，不按账户筛选。
func (o *Orchestrator) CloseAll(ctx context.Context, reason string) []CloseResult {
	pairs := o.registry.ListOpen()
	if len(pairs) == 0 {
		return nil
	}
	logger.Warnf("[orchestrator] 全部平仓 reason=%s count=%d", reason, len(pairs))
	results := make([]CloseResult, len(pairs))
	var g errgroup.Group
	for i, p := range pairs {
		g.Go(func() error {
			res, err := o.ClosePair(ctx, p.ID, reason)
			if err != nil {
				res.ID = p.ID
				res.Outcome = ClosePartial
				res.Errs[0] = err
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RetryPending 重试此前平仓未完成的持仓对，沿用原平仓原因。
// 包括重启后两腿仍在、但关闭前已请求平仓而被恢复为 open 的持仓对。
func (o *Orchestrator) RetryPending(ctx context.Context) []CloseResult {
	var results []CloseResult
	for _, p := range o.registry.ListOpen() {
		if !p.CloseRequested {
			continue
		}
		if p.Status != pair.StatusPartialFailure && p.Status != pair.StatusOpen {
			continue
		}
		res, err := o.ClosePair(ctx, p.ID, p.CloseReason)
		if err != nil {
			logger.Warnf("[orchestrator] 重试平仓 %s 失败: %v", p.DisplayID(), err)
			continue
		}
		results = append(results, res)
	}
	return results
}

func (o *Orchestrator) reportClosePartial(p pair.Pair, errs [2]error) {
	lines := make([]string, 0, 3)
	for _, legID := range []pair.LegID{pair.LegA, pair.LegB} {
		if errs[legID] == nil {
			continue
		}
		leg := p.Leg(legID)
		lines = append(lines, fmt.Sprintf("leg %s (%s) ticket %s: %s", legID, leg.AccountID, leg.Ticket, terminal.Reason(errs[legID])))
	}
	lines = append(lines, "will retry on next automation cycle")
	logger.Warnf("[orchestrator] %s 平仓未完成 reason=%s: %s", p.DisplayID(), p.CloseReason, strings.Join(lines, "; "))
	if !o.markCloseNotice(p.ID) {
		return
	}
	notifier.Notify(o.notifier, notifier.NewMessage(notifier.SeverityWarn, "Close incomplete "+p.DisplayID(), lines...))
}

// markCloseNotice 返回 true 表示本轮失败尚未告警。
func (o *Orchestrator) markCloseNotice(id int64) bool {
	o.noticeMu.Lock()
	defer o.noticeMu.Unlock()
	if o.closeNotified[id] {
		return false
	}
	o.closeNotified[id] = true
	return true
}

func (o *Orchestrator) clearCloseNotice(id int64) {
	o.noticeMu.Lock()
	delete(o.closeNotified, id)
	o.noticeMu.Unlock()
}
