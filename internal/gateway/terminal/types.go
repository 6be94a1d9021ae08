package terminal

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return SideBuy, nil
	case "sell", "short":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q", raw)
	}
}

// Opposite 返回平仓方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Ticket 是券商分配的持仓编号，0 表示尚未成交。
type Ticket int64

func (t Ticket) Valid() bool { return t > 0 }

func (t Ticket) String() string {
	if !t.Valid() {
		return ""
	}
	return strconv.FormatInt(int64(t), 10)
}

// TicketSet 用于对账时快速判断持仓是否仍存在。
type TicketSet map[Ticket]struct{}

func NewTicketSet(tickets []Ticket) TicketSet {
	set := make(TicketSet, len(tickets))
	for _, t := range tickets {
		if t.Valid() {
			set[t] = struct{}{}
		}
	}
	return set
}

func (s TicketSet) Has(t Ticket) bool {
	if !t.Valid() {
		return false
	}
	_, ok := s[t]
	return ok
}

// OrderRequest 为市价单请求，Volume 单位为手。
type OrderRequest struct {
	Symbol    string
	Volume    float64
	Side      Side
	Comment   string
	Magic     int64
	Deviation int
}

type OrderResult struct {
	Ticket  Ticket
	Price   float64
	Retcode int
	Comment string
}

// CloseRequest 按持仓编号平仓，Side 为持仓方向，实际下单方向取反。
type CloseRequest struct {
	Ticket    Ticket
	Symbol    string
	Volume    float64
	Side      Side
	Comment   string
	Magic     int64
	Deviation int
}

// AccountSnapshot 是某一时刻的账户状态，不落盘。
type AccountSnapshot struct {
	AccountID string    `json:"account_id"`
	Login     string    `json:"login,omitempty"`
	Balance   float64   `json:"balance"`
	Equity    float64   `json:"equity"`
	Margin    float64   `json:"margin"`
	FetchedAt time.Time `json:"fetched_at"`
}

// PositionProfit 描述单个持仓的实时盈亏；Open=false 表示持仓已不在终端上。
type PositionProfit struct {
	Ticket     Ticket
	Open       bool
	Profit     float64
	Commission float64
	Swap       float64
}
