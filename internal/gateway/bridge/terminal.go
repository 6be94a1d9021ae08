package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
)

var _ terminal.Terminal = (*Client)(nil)

type orderPayload struct {
	Symbol    string  `json:"symbol"`
	Volume    float64 `json:"volume"`
	Side      string  `json:"side"`
	Type      string  `json:"type"`
	Comment   string  `json:"comment"`
	Magic     int64   `json:"magic"`
	Deviation int     `json:"deviation"`
}

// Connect 调用 /health 完成握手，终端未登录时视为连接失败。
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "connect", http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if !resp.ok() || !resp.body.Get("connected").Bool() {
		c.connected.Store(false)
		return c.connErr("connect", fmt.Errorf("terminal not ready: %s", resp.message()))
	}
	login := resp.body.Get("login").String()
	c.mu.Lock()
	c.login = login
	c.mu.Unlock()
	if !c.connected.Swap(true) {
		logger.Infof("[bridge] %s 已连接 account=%s login=%s", c.id, c.accountID, login)
	}
	return nil
}

func (c *Client) SendOrder(ctx context.Context, req terminal.OrderRequest) (terminal.OrderResult, error) {
	if !c.Connected() {
		return terminal.OrderResult{}, c.connErr("send_order", terminal.ErrNotConnected)
	}
	resp, err := c.doRequest(ctx, "send_order", http.MethodPost, "/orders", orderPayload{
		Symbol:    req.Symbol,
		Volume:    req.Volume,
		Side:      string(req.Side),
		Type:      "market",
		Comment:   req.Comment,
		Magic:     req.Magic,
		Deviation: req.Deviation,
	})
	if err != nil {
		return terminal.OrderResult{}, err
	}
	retcode := int(resp.body.Get("retcode").Int())
	if !resp.ok() || (retcode != 0 && retcode != retcodeDone) {
		return terminal.OrderResult{}, c.orderErr("send_order", resp)
	}
	return terminal.OrderResult{
		Ticket:  terminal.Ticket(resp.body.Get("ticket").Int()),
		Price:   resp.body.Get("price").Float(),
		Retcode: retcode,
		Comment: resp.body.Get("comment").String(),
	}, nil
}

// ClosePosition 以反向市价单平掉指定持仓；持仓不存在时返回 retcode 10036 的 OrderError。
func (c *Client) ClosePosition(ctx context.Context, req terminal.CloseRequest) error {
	if !c.Connected() {
		return c.connErr("close_position", terminal.ErrNotConnected)
	}
	path := "/positions/" + strconv.FormatInt(int64(req.Ticket), 10) + "/close"
	resp, err := c.doRequest(ctx, "close_position", http.MethodPost, path, orderPayload{
		Symbol:    req.Symbol,
		Volume:    req.Volume,
		Side:      string(req.Side.Opposite()),
		Type:      "market",
		Comment:   req.Comment,
		Magic:     req.Magic,
		Deviation: req.Deviation,
	})
	if err != nil {
		return err
	}
	if resp.status == http.StatusNotFound {
		return &terminal.OrderError{Terminal: c.id, Op: "close_position", Retcode: retcodeNoPosition, Message: "position not found"}
	}
	retcode := int(resp.body.Get("retcode").Int())
	if !resp.ok() || (retcode != 0 && retcode != retcodeDone) {
		return c.orderErr("close_position", resp)
	}
	return nil
}

func (c *Client) AccountInfo(ctx context.Context) (terminal.AccountSnapshot, error) {
	resp, err := c.doRequest(ctx, "account_info", http.MethodGet, "/account", nil)
	if err != nil {
		return terminal.AccountSnapshot{}, err
	}
	if !resp.ok() {
		return terminal.AccountSnapshot{}, c.connErr("account_info", fmt.Errorf("bridge returned %d: %s", resp.status, resp.message()))
	}
	c.connected.Store(true)
	return terminal.AccountSnapshot{
		AccountID: c.accountID,
		Login:     resp.body.Get("login").String(),
		Balance:   resp.body.Get("balance").Float(),
		Equity:    resp.body.Get("equity").Float(),
		Margin:    resp.body.Get("margin").Float(),
		FetchedAt: c.nowFn(),
	}, nil
}

// ListOpenPositions 同时接受 {"positions":[...]} 与顶层数组两种响应。
func (c *Client) ListOpenPositions(ctx context.Context) ([]terminal.Ticket, error) {
	resp, err := c.doRequest(ctx, "list_positions", http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, c.connErr("list_positions", fmt.Errorf("bridge returned %d: %s", resp.status, resp.message()))
	}
	list := resp.body
	if !list.IsArray() {
		list = resp.body.Get("positions")
	}
	var tickets []terminal.Ticket
	for _, item := range list.Array() {
		if t := terminal.Ticket(item.Get("ticket").Int()); t.Valid() {
			tickets = append(tickets, t)
		}
	}
	return tickets, nil
}

func (c *Client) PositionProfit(ctx context.Context, ticket terminal.Ticket) (terminal.PositionProfit, error) {
	path := "/positions/" + strconv.FormatInt(int64(ticket), 10)
	resp, err := c.doRequest(ctx, "position_profit", http.MethodGet, path, nil)
	if err != nil {
		return terminal.PositionProfit{}, err
	}
	if resp.status == http.StatusNotFound {
		return terminal.PositionProfit{Ticket: ticket, Open: false}, nil
	}
	if !resp.ok() {
		return terminal.PositionProfit{}, c.connErr("position_profit", fmt.Errorf("bridge returned %d: %s", resp.status, resp.message()))
	}
	return terminal.PositionProfit{
		Ticket:     ticket,
		Open:       true,
		Profit:     resp.body.Get("profit").Float(),
		Commission: resp.body.Get("commission").Float(),
		Swap:       resp.body.Get("swap").Float(),
	}, nil
}
