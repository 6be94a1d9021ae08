package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"hedgepair/internal/gateway/notifier"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/pair"

	"golang.org/x/sync/errgroup"
)

// OpenRequest 描述一次双账户开仓，两腿方向一致。
type OpenRequest struct {
	AccountA string        `json:"account_a"`
	AccountB string        `json:"account_b"`
	SymbolA  string        `json:"symbol_a"`
	VolumeA  float64       `json:"volume_a"`
	SymbolB  string        `json:"symbol_b"`
	VolumeB  float64       `json:"volume_b"`
	Side     terminal.Side `json:"side"`
}

func (r *OpenRequest) normalize() {
	r.AccountA = strings.TrimSpace(r.AccountA)
	r.AccountB = strings.TrimSpace(r.AccountB)
	r.SymbolA = strings.ToUpper(strings.TrimSpace(r.SymbolA))
	r.SymbolB = strings.ToUpper(strings.TrimSpace(r.SymbolB))
	if r.SymbolB == "" {
		r.SymbolB = r.SymbolA
	}
	if r.VolumeB == 0 {
		r.VolumeB = r.VolumeA
	}
}

func (o *Orchestrator) validateOpen(req OpenRequest) error {
	if req.AccountA == req.AccountB {
		return fmt.Errorf("legs must target different accounts (both %s)", req.AccountA)
	}
	for _, id := range []string{req.AccountA, req.AccountB} {
		if _, ok := o.account(id); !ok {
			return fmt.Errorf("unknown account %q", id)
		}
	}
	if req.SymbolA == "" || req.SymbolB == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.VolumeA <= 0 || req.VolumeB <= 0 {
		return fmt.Errorf("volume must be > 0")
	}
	if _, err := terminal.ParseSide(string(req.Side)); err != nil {
		return err
	}
	return nil
}

// OpenPair 并发向两个终端下市价单，并把结果汇合成 BothOK / OneFailed / BothFailed。
// 返回的 error 只表示请求未被执行（参数非法或终端未连接）。
func (o *Orchestrator) OpenPair(ctx context.Context, req OpenRequest) (OpenResult, error) {
	// 订单一旦发出就等待终端的有界结果，调用方取消不会中断
	ctx = context.WithoutCancel(ctx)
	req.normalize()
	if err := o.validateOpen(req); err != nil {
		return OpenResult{}, err
	}
	side, _ := terminal.ParseSide(string(req.Side))
	accA, _ := o.account(req.AccountA)
	accB, _ := o.account(req.AccountB)
	for _, acc := range []Account{accA, accB} {
		if !acc.Terminal.Connected() {
			return OpenResult{}, &terminal.ConnectionError{
				Terminal: acc.Terminal.ID(),
				Op:       "open_pair",
				Err:      terminal.ErrNotConnected,
			}
		}
	}

	id := o.registry.AllocateID()
	p := pair.Pair{
		ID:     id,
		Symbol: req.SymbolA,
		Volume: req.VolumeA,
		Side:   side,
		LegA: pair.Leg{
			AccountID:  req.AccountA,
			TerminalID: accA.Terminal.ID(),
			Symbol:     req.SymbolA,
			Volume:     req.VolumeA,
			Status:     pair.LegPending,
		},
		LegB: pair.Leg{
			AccountID:  req.AccountB,
			TerminalID: accB.Terminal.ID(),
			Symbol:     req.SymbolB,
			Volume:     req.VolumeB,
			Status:     pair.LegPending,
		},
		Status:   pair.StatusOpening,
		OpenedAt: o.nowFn(),
	}
	if err := o.registry.Add(p); err != nil {
		return OpenResult{ID: id}, err
	}
	logger.Infof("[orchestrator] 开仓 %s %s A=%s %.2f@%s B=%s %.2f@%s",
		p.DisplayID(), side, req.SymbolA, req.VolumeA, req.AccountA, req.SymbolB, req.VolumeB, req.AccountB)

	var results [2]terminal.OrderResult
	var errs [2]error
	legs := [2]struct {
		acc Account
		leg pair.Leg
	}{{accA, p.LegA}, {accB, p.LegB}}

	var g errgroup.Group
	for i := range legs {
		g.Go(func() error {
			acc, leg := legs[i].acc, legs[i].leg
			results[i], errs[i] = acc.Terminal.SendOrder(ctx, terminal.OrderRequest{
				Symbol:    leg.Symbol,
				Volume:    leg.Volume,
				Side:      side,
				Comment:   pair.Comment(id),
				Magic:     acc.Magic,
				Deviation: acc.Deviation,
			})
			if errs[i] == nil && !results[i].Ticket.Valid() {
				errs[i] = &terminal.OrderError{
					Terminal: acc.Terminal.ID(),
					Op:       "send_order",
					Retcode:  results[i].Retcode,
					Message:  "no ticket returned",
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	join := joinLegs(errs[0], errs[1])

	updated, err := o.registry.Update(id, func(cur *pair.Pair) error {
		for i, legID := range []pair.LegID{pair.LegA, pair.LegB} {
			leg := cur.Leg(legID)
			if errs[i] != nil {
				leg.Status = pair.LegFailed
				leg.Error = terminal.Reason(errs[i])
				continue
			}
			leg.Status = pair.LegOpen
			leg.Ticket = results[i].Ticket
			leg.OpenPrice = results[i].Price
		}
		switch join.Kind {
		case BothOK:
			cur.Status = pair.StatusOpen
		case OneFailed:
			cur.Status = pair.StatusPartialFailure
		default:
			cur.Status = pair.StatusClosed
		}
		cur.RecomputeProfit()
		return nil
	})
	if err != nil {
		// 只有在开仓期间被移出登记表时才会发生，保留券商结果供上层处理
		logger.Errorf("[orchestrator] 开仓 %s 汇合后更新登记表失败: %v", p.DisplayID(), err)
	}
	res := OpenResult{ID: id, Join: join}
	if join.Kind != BothFailed {
		res.Pair = &updated
	}
	o.savePairs(ctx, "open "+p.DisplayID())
	o.reportOpen(updated, join)

	if updated.CloseRequested && join.Kind != BothFailed {
		reason := updated.CloseReason
		logger.Infof("[orchestrator] %s 开仓期间收到平仓请求(%s)，立即执行", p.DisplayID(), reason)
		if cr, err := o.ClosePair(ctx, id, reason); err == nil {
			res.Pair = &cr.Pair
		}
		return res, nil
	}
	if join.Kind == OneFailed && o.opts.AutoUnwind {
		cr, err := o.ClosePair(ctx, id, "auto:unwind")
		if err == nil {
			res.Pair = &cr.Pair
			res.Unwound = cr.Outcome == CloseDone
		}
	}
	return res, nil
}

func (o *Orchestrator) reportOpen(p pair.Pair, join Join) {
	switch join.Kind {
	case BothOK:
		logger.Infof("[orchestrator] %s 两腿均成交 A#%s B#%s", p.DisplayID(), p.LegA.Ticket, p.LegB.Ticket)
	case OneFailed:
		ok := join.Failed.Other()
		logger.Warnf("[orchestrator] %s 单腿失败 leg=%s reason=%s，存活腿 %s#%s 保持持仓",
			p.DisplayID(), join.Failed, join.Reason(join.Failed), ok, p.Leg(ok).Ticket)
		policy := "manual close required"
		if o.opts.AutoUnwind {
			policy = "auto unwind in progress"
		}
		notifier.Notify(o.notifier, notifier.NewMessage(notifier.SeverityWarn,
			"Partial open "+p.DisplayID(),
			fmt.Sprintf("failed leg %s (%s): %s", join.Failed, p.Leg(join.Failed).AccountID, join.Reason(join.Failed)),
			fmt.Sprintf("surviving leg %s (%s) ticket %s", ok, p.Leg(ok).AccountID, p.Leg(ok).Ticket),
			policy,
		))
	default:
		logger.Warnf("[orchestrator] %s 两腿均失败 A=%s B=%s", pair.FormatID(p.ID), join.Reason(pair.LegA), join.Reason(pair.LegB))
		notifier.Notify(o.notifier, notifier.NewMessage(notifier.SeverityWarn,
			"Open failed "+pair.FormatID(p.ID),
			"leg A: "+join.Reason(pair.LegA),
			"leg B: "+join.Reason(pair.LegB),
		))
	}
}
