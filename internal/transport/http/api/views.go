package apihttp

import (
	"strings"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/orchestrator"
	"hedgepair/internal/pair"
)

type legView struct {
	AccountID  string  `json:"account_id"`
	TerminalID string  `json:"terminal_id"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	Ticket     string  `json:"ticket"`
	OpenPrice  float64 `json:"open_price"`
	Status     string  `json:"status"`
	NetProfit  float64 `json:"net_profit"`
	Error      string  `json:"error,omitempty"`
}

type pairView struct {
	ID                string     `json:"id"`
	Symbol            string     `json:"symbol"`
	Volume            float64    `json:"volume"`
	Side              string     `json:"side"`
	Status            string     `json:"status"`
	LegA              legView    `json:"leg_a"`
	LegB              legView    `json:"leg_b"`
	CombinedNetProfit *float64   `json:"combined_net_profit"`
	CloseReason       string     `json:"close_reason,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

func newLegView(l pair.Leg) legView {
	return legView{
		AccountID:  l.AccountID,
		TerminalID: l.TerminalID,
		Symbol:     l.Symbol,
		Volume:     l.Volume,
		Ticket:     l.Ticket.String(),
		OpenPrice:  l.OpenPrice,
		Status:     string(l.Status),
		NetProfit:  l.NetProfit(),
		Error:      l.Error,
	}
}

func newPairView(p pair.Pair) pairView {
	v := pairView{
		ID:                p.DisplayID(),
		Symbol:            p.Symbol,
		Volume:            p.Volume,
		Side:              string(p.Side),
		Status:            string(p.Status),
		LegA:              newLegView(p.LegA),
		LegB:              newLegView(p.LegB),
		CombinedNetProfit: p.CombinedNetProfit,
		CloseReason:       p.CloseReason,
		OpenedAt:          p.OpenedAt,
	}
	if !p.ClosedAt.IsZero() {
		closed := p.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

type closeView struct {
	ID      string            `json:"id"`
	Outcome string            `json:"outcome"`
	Pair    *pairView         `json:"pair,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func newCloseView(res orchestrator.CloseResult) closeView {
	v := closeView{ID: pair.FormatID(res.ID), Outcome: string(res.Outcome)}
	if res.Pair.ID != 0 {
		pv := newPairView(res.Pair)
		v.Pair = &pv
	}
	for i, err := range res.Errs {
		if err == nil {
			continue
		}
		if v.Errors == nil {
			v.Errors = map[string]string{}
		}
		v.Errors["leg_"+strings.ToLower(pair.LegID(i).String())] = terminal.Reason(err)
	}
	return v
}
