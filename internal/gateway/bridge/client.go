// Package bridge 通过 HTTP 访问运行在终端主机上的桥接进程，实现 terminal.Terminal。
package bridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	brconfig "hedgepair/internal/config"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/logger"
	"hedgepair/internal/pkg/circuit"
	"hedgepair/internal/pkg/text"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	retcodeDone         = 10009
	retcodeNoPosition   = 10036
	maxResponseBytes    = 1 << 20
	maxErrorBodyBytes   = 4096
	maxErrorTextLen     = 240
	headerRequestID     = "X-Request-ID"
	headerAuthorization = "Authorization"
)

// Client 对应一个终端/账户；两个 Client 之间不共享任何状态。
type Client struct {
	id        string
	accountID string
	baseURL   *url.URL
	token     string

	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuit.Breaker
	connected  atomic.Bool
	nowFn      func() time.Time

	mu    sync.RWMutex
	login string
}

func NewClient(cfg brconfig.TerminalConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BridgeURL)
	if raw == "" {
		return nil, fmt.Errorf("terminal %s: bridge_url 不能为空", cfg.ID)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 terminal %s bridge_url 失败: %w", cfg.ID, err)
	}
	timeout := cfg.ConnectTimeout()
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}
	limit := rate.Inf
	if cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.RateLimitPerSec)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		id:         cfg.ID,
		accountID:  cfg.AccountID,
		baseURL:    parsed,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    circuit.New("bridge "+cfg.ID, cfg.BreakerThreshold, cfg.BreakerReset()),
		nowFn:      time.Now,
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) ID() string        { return c.id }
func (c *Client) AccountID() string { return c.accountID }
func (c *Client) Connected() bool   { return c.connected.Load() }

// Login 返回最近一次握手时终端报告的登录账号。
func (c *Client) Login() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.login
}

func (c *Client) BreakerState() circuit.State {
	return c.breaker.State()
}

// response 是一次已到达桥接进程的调用结果，4xx 也在此列。
type response struct {
	status int
	body   gjson.Result
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

func (r response) message() string {
	for _, key := range []string{"comment", "error", "message"} {
		if v := text.OneLine(r.body.Get(key).String()); v != "" {
			return text.Truncate(v, maxErrorTextLen)
		}
	}
	if r.status > 0 {
		return http.StatusText(r.status)
	}
	return ""
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, payload any) (response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, c.connErr(op, ctxErr(ctx, err))
	}
	if !c.breaker.Allow() {
		return response{}, c.connErr(op, terminal.ErrCircuitOpen)
	}
	resp, err := c.roundTrip(ctx, method, path, payload)
	if err != nil {
		c.breaker.Failure()
		c.connected.Store(false)
		return response{}, c.connErr(op, ctxErr(ctx, err))
	}
	c.breaker.Success()
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) (response, error) {
	endpoint := c.baseURL.JoinPath(path)
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return response{}, fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return response{}, fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.token)
	}
	reqID := uuid.NewString()
	req.Header.Set(headerRequestID, reqID)

	start := c.nowFn()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	logger.Debugf("[bridge] %s %s %s -> %d (%s) req=%s", c.id, method, endpoint.Path, resp.StatusCode, c.nowFn().Sub(start).Round(time.Millisecond), reqID)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return response{}, statusError(resp)
	case resp.StatusCode >= 500:
		return response{}, statusError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return response{}, fmt.Errorf("读取响应失败: %w", err)
	}
	out := response{status: resp.StatusCode}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if !gjson.ValidBytes(data) {
		if out.ok() {
			return response{}, fmt.Errorf("invalid json response from bridge")
		}
		return out, nil
	}
	out.body = gjson.ParseBytes(data)
	return out, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if len(data) == 0 {
		return fmt.Errorf("bridge returned %s", resp.Status)
	}
	return fmt.Errorf("bridge returned %s: %s", resp.Status, text.Truncate(text.OneLine(string(data)), maxErrorTextLen))
}

func (c *Client) connErr(op string, err error) error {
	return &terminal.ConnectionError{Terminal: c.id, Op: op, Err: err}
}

func (c *Client) orderErr(op string, resp response) error {
	return &terminal.OrderError{
		Terminal: c.id,
		Op:       op,
		Retcode:  int(resp.body.Get("retcode").Int()),
		Message:  resp.message(),
	}
}

func ctxErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return terminal.ErrTimeout
	}
	return err
}
