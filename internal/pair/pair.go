// Package pair 定义跨两个账户的对冲持仓对。
package pair

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pkg/money"
)

type Status string

const (
	StatusOpening        Status = "opening"
	StatusOpen           Status = "open"
	StatusClosing        Status = "closing"
	StatusClosed         Status = "closed"
	StatusPartialFailure Status = "partial_failure"
)

type LegStatus string

const (
	LegPending LegStatus = "pending"
	LegOpen    LegStatus = "open"
	LegFailed  LegStatus = "failed"
	LegClosed  LegStatus = "closed"
)

// LegID 标识 A/B 两腿。
type LegID int

const (
	LegA LegID = iota
	LegB
)

func (id LegID) String() string {
	if id == LegB {
		return "B"
	}
	return "A"
}

func (id LegID) Other() LegID {
	if id == LegA {
		return LegB
	}
	return LegA
}

type Leg struct {
	AccountID  string          `json:"account_id"`
	TerminalID string          `json:"terminal_id"`
	Symbol     string          `json:"symbol"`
	Volume     float64         `json:"volume"`
	Ticket     terminal.Ticket `json:"ticket"`
	OpenPrice  float64         `json:"open_price"`
	Status     LegStatus       `json:"status"`
	Profit     float64         `json:"profit"`
	Commission float64         `json:"commission"`
	Swap       float64         `json:"swap"`
	Error      string          `json:"error,omitempty"`
}

// Live 表示该腿在券商侧仍可能持有仓位。
func (l Leg) Live() bool {
	return l.Status == LegOpen || l.Status == LegPending
}

func (l Leg) NetProfit() float64 {
	return money.Sum(l.Profit, l.Commission, l.Swap)
}

// Pair 是一次用户动作在两个账户上产生的两笔关联持仓。
type Pair struct {
	ID     int64         `json:"id"`
	Symbol string        `json:"symbol"`
	Volume float64       `json:"volume"`
	Side   terminal.Side `json:"side"`
	LegA   Leg           `json:"leg_a"`
	LegB   Leg           `json:"leg_b"`
	Status Status        `json:"status"`

	// CombinedNetProfit 为所有 open 腿净盈亏之和，没有 open 腿时为 nil。
	CombinedNetProfit *float64 `json:"combined_net_profit"`

	CloseReason    string    `json:"close_reason,omitempty"`
	CloseRequested bool      `json:"close_requested,omitempty"`
	OpenedAt       time.Time `json:"opened_at"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
}

func (p *Pair) Leg(id LegID) *Leg {
	if id == LegB {
		return &p.LegB
	}
	return &p.LegA
}

// DisplayID 返回形如 T00001 的展示编号。
func (p Pair) DisplayID() string {
	return FormatID(p.ID)
}

// Visible 当且仅当至少一条腿处于 open/pending 时，持仓对留在登记表中。
func (p Pair) Visible() bool {
	return p.LegA.Live() || p.LegB.Live()
}

func (p Pair) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("pair id must be > 0")
	}
	if p.LegA.AccountID == "" || p.LegB.AccountID == "" {
		return fmt.Errorf("pair %s: both legs need an account", p.DisplayID())
	}
	if p.LegA.AccountID == p.LegB.AccountID {
		return fmt.Errorf("pair %s: legs must be on different accounts (both %s)", p.DisplayID(), p.LegA.AccountID)
	}
	return nil
}

// RecomputeProfit 根据 open 腿重新计算组合净盈亏。
func (p *Pair) RecomputeProfit() {
	var parts []float64
	for _, leg := range []Leg{p.LegA, p.LegB} {
		if leg.Status == LegOpen {
			parts = append(parts, leg.NetProfit())
		}
	}
	if len(parts) == 0 {
		p.CombinedNetProfit = nil
		return
	}
	total := money.Sum(parts...)
	p.CombinedNetProfit = &total
}

// Clone 返回不共享指针的副本。
func (p Pair) Clone() Pair {
	out := p
	if p.CombinedNetProfit != nil {
		v := *p.CombinedNetProfit
		out.CombinedNetProfit = &v
	}
	return out
}

// Comment 为写入券商订单备注的标识。
func Comment(id int64) string {
	return "PAIR:" + FormatID(id)
}

func FormatID(id int64) string {
	return fmt.Sprintf("T%05d", id)
}

// ParseID 接受 T00012 或 12 两种写法。
func ParseID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "T"), "t")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid pair id %q", raw)
	}
	return id, nil
}
