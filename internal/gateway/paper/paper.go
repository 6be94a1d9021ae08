// Package paper 提供内存模拟终端，用于 dry_run 与测试。
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/pkg/money"
)

const retcodePositionNotFound = 10036

type position struct {
	ticket terminal.Ticket
	req    terminal.OrderRequest
	price  float64
	profit float64
}

type Options struct {
	Balance    float64
	TicketBase int64
	Price      float64
}

// Terminal 以虚拟余额模拟市价成交，可注入失败与延迟。
type Terminal struct {
	id        string
	accountID string

	mu         sync.Mutex
	connected  bool
	balance    float64
	equity     *float64
	price      float64
	nextTicket int64
	positions  map[terminal.Ticket]*position
	orders     []terminal.OrderRequest
	closes     []terminal.CloseRequest

	orderErrs  []error
	closeErr   error
	accountErr error
	connectErr error
	delay      time.Duration
}

func New(id, accountID string, opts Options) *Terminal {
	if opts.Price <= 0 {
		opts.Price = 1.0
	}
	return &Terminal{
		id:         id,
		accountID:  accountID,
		balance:    opts.Balance,
		price:      opts.Price,
		nextTicket: opts.TicketBase + 1,
		positions:  make(map[terminal.Ticket]*position),
	}
}

func (t *Terminal) ID() string { return t.id }

func (t *Terminal) AccountID() string { return t.accountID }

func (t *Terminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Terminal) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connectErr != nil {
		err := t.connectErr
		t.connected = false
		t.mu.Unlock()
		return &terminal.ConnectionError{Terminal: t.id, Op: "connect", Err: err}
	}
	t.connected = true
	t.mu.Unlock()
	logger.Infof("[paper] %s connected account=%s", t.id, t.accountID)
	return nil
}

func (t *Terminal) SetConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

// FailConnect 让之后的 Connect 失败，传 nil 解除。
func (t *Terminal) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

// FailNextOrder 让下一次 SendOrder 返回 err（按调用顺序消费）。
func (t *Terminal) FailNextOrder(err error) {
	t.mu.Lock()
	t.orderErrs = append(t.orderErrs, err)
	t.mu.Unlock()
}

// FailClose 让之后所有 ClosePosition 返回 err，传 nil 解除。
func (t *Terminal) FailClose(err error) {
	t.mu.Lock()
	t.closeErr = err
	t.mu.Unlock()
}

func (t *Terminal) FailAccount(err error) {
	t.mu.Lock()
	t.accountErr = err
	t.mu.Unlock()
}

func (t *Terminal) SetDelay(d time.Duration) {
	t.mu.Lock()
	t.delay = d
	t.mu.Unlock()
}

func (t *Terminal) SetBalance(v float64) {
	t.mu.Lock()
	t.balance = v
	t.mu.Unlock()
}

// SetEquity 固定净值；传负数恢复为余额+浮动盈亏。
func (t *Terminal) SetEquity(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v < 0 {
		t.equity = nil
		return
	}
	t.equity = &v
}

func (t *Terminal) SetProfit(ticket terminal.Ticket, profit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[ticket]; ok {
		pos.profit = profit
	}
}

// DropPosition 模拟在终端上被手动平掉的持仓。
func (t *Terminal) DropPosition(ticket terminal.Ticket) {
	t.mu.Lock()
	delete(t.positions, ticket)
	t.mu.Unlock()
}

func (t *Terminal) Orders() []terminal.OrderRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]terminal.OrderRequest(nil), t.orders...)
}

func (t *Terminal) Closes() []terminal.CloseRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]terminal.CloseRequest(nil), t.closes...)
}

func (t *Terminal) wait(ctx context.Context) error {
	t.mu.Lock()
	d := t.delay
	t.mu.Unlock()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Terminal) SendOrder(ctx context.Context, req terminal.OrderRequest) (terminal.OrderResult, error) {
	if err := t.wait(ctx); err != nil {
		return terminal.OrderResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders = append(t.orders, req)
	if len(t.orderErrs) > 0 {
		err := t.orderErrs[0]
		t.orderErrs = t.orderErrs[1:]
		if err != nil {
			return terminal.OrderResult{}, err
		}
	}
	if !t.connected {
		return terminal.OrderResult{}, &terminal.ConnectionError{Terminal: t.id, Op: "send_order", Err: terminal.ErrNotConnected}
	}
	ticket := terminal.Ticket(t.nextTicket)
	t.nextTicket++
	t.positions[ticket] = &position{ticket: ticket, req: req, price: t.price}
	logger.Debugf("[paper] %s filled %s %s %.2f ticket=%s", t.id, req.Side, req.Symbol, req.Volume, ticket)
	return terminal.OrderResult{Ticket: ticket, Price: t.price, Retcode: 10009}, nil
}

func (t *Terminal) ClosePosition(ctx context.Context, req terminal.CloseRequest) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes = append(t.closes, req)
	if t.closeErr != nil {
		return t.closeErr
	}
	pos, ok := t.positions[req.Ticket]
	if !ok {
		return &terminal.OrderError{Terminal: t.id, Op: "close_position", Retcode: retcodePositionNotFound, Message: fmt.Sprintf("position %s not found", req.Ticket)}
	}
	t.balance = money.Sum(t.balance, pos.profit)
	delete(t.positions, req.Ticket)
	return nil
}

func (t *Terminal) AccountInfo(ctx context.Context) (terminal.AccountSnapshot, error) {
	if err := t.wait(ctx); err != nil {
		return terminal.AccountSnapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accountErr != nil {
		return terminal.AccountSnapshot{}, t.accountErr
	}
	equity := t.balance
	if t.equity != nil {
		equity = *t.equity
	} else {
		parts := []float64{t.balance}
		for _, pos := range t.positions {
			parts = append(parts, pos.profit)
		}
		equity = money.Sum(parts...)
	}
	return terminal.AccountSnapshot{
		AccountID: t.accountID,
		Login:     t.accountID,
		Balance:   t.balance,
		Equity:    equity,
		FetchedAt: time.Now(),
	}, nil
}

func (t *Terminal) ListOpenPositions(ctx context.Context) ([]terminal.Ticket, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]terminal.Ticket, 0, len(t.positions))
	for ticket := range t.positions {
		out = append(out, ticket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *Terminal) PositionProfit(ctx context.Context, ticket terminal.Ticket) (terminal.PositionProfit, error) {
	if err := t.wait(ctx); err != nil {
		return terminal.PositionProfit{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[ticket]
	if !ok {
		return terminal.PositionProfit{Ticket: ticket, Open: false}, nil
	}
	return terminal.PositionProfit{Ticket: ticket, Open: true, Profit: pos.profit}, nil
}
