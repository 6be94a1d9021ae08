package store

import (
	"context"
	"fmt"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"

	"golang.org/x/sync/errgroup"
)

// LiveTickets 是按账户编号分组的终端当前持仓编号。
type LiveTickets map[string]terminal.TicketSet

// DroppedPair 记录一个未能恢复的持仓对，Unmanaged 列出仍在终端上、从此不再托管的腿。
type DroppedPair struct {
	Pair      pair.Pair
	Reason    string
	Unmanaged []pair.LegID
}

type ReconcileResult struct {
	Kept    []pair.Pair
	Dropped []DroppedPair
	NextID  int64
}

// FetchLiveTickets 并发拉取每个终端的持仓编号，任一失败即返回错误。
func FetchLiveTickets(ctx context.Context, terms []terminal.Terminal) (LiveTickets, error) {
	sets := make([]terminal.TicketSet, len(terms))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range terms {
		g.Go(func() error {
			tickets, err := t.ListOpenPositions(gctx)
			if err != nil {
				return fmt.Errorf("list positions on %s: %w", t.ID(), err)
			}
			sets[i] = terminal.NewTicketSet(tickets)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	live := make(LiveTickets, len(terms))
	for i, t := range terms {
		live[t.AccountID()] = sets[i]
	}
	return live, nil
}

// Reconcile 只保留两条腿都仍在各自终端上的持仓对，并将其状态重置为 open；
// 判定只看腿是否存活，与关闭前的持仓对状态无关。未完成的平仓请求连同原因一并保留，由下一个周期重试。
// 其余持仓对被丢弃；丢弃不会触碰终端上的任何仓位。
func Reconcile(doc Document, live LiveTickets) ReconcileResult {
	res := ReconcileResult{NextID: doc.NextID}
	if res.NextID < 1 {
		res.NextID = 1
	}
	for _, p := range doc.Pairs {
		if p.ID >= res.NextID {
			res.NextID = p.ID + 1
		}
		aLive := legLive(p.LegA, live)
		bLive := legLive(p.LegB, live)
		if aLive && bLive {
			kept := p.Clone()
			kept.Status = pair.StatusOpen
			kept.LegA.Error = ""
			kept.LegB.Error = ""
			if !kept.CloseRequested {
				kept.CloseReason = ""
			}
			res.Kept = append(res.Kept, kept)
			continue
		}
		drop := DroppedPair{Pair: p.Clone()}
		switch {
		case !aLive && !bLive:
			drop.Reason = "no leg found on terminals"
		case p.LegA.Status != pair.LegOpen || p.LegB.Status != pair.LegOpen:
			drop.Reason = "one leg not open at shutdown"
		default:
			drop.Reason = "one leg missing on terminals"
		}
		if aLive {
			drop.Unmanaged = append(drop.Unmanaged, pair.LegA)
		}
		if bLive {
			drop.Unmanaged = append(drop.Unmanaged, pair.LegB)
		}
		res.Dropped = append(res.Dropped, drop)
	}
	return res
}

func legLive(leg pair.Leg, live LiveTickets) bool {
	if leg.Status != pair.LegOpen {
		return false
	}
	set, ok := live[leg.AccountID]
	if !ok {
		return false
	}
	return set.Has(leg.Ticket)
}
