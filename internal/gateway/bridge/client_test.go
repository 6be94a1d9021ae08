package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	brconfig "hedgepair/internal/config"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pkg/circuit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(brconfig.TerminalConfig{
		ID:                    "terminal-a",
		AccountID:             "1001",
		BridgeURL:             srv.URL,
		Token:                 "secret",
		TimeoutSeconds:        20,
		ConnectTimeoutSeconds: 5,
		BreakerThreshold:      2,
		BreakerResetSeconds:   60,
	})
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestConnectAndSendOrder(t *testing.T) {
	var seenOrder orderPayload
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		switch r.URL.Path {
		case "/health":
			writeJSON(w, http.StatusOK, map[string]any{"connected": true, "login": "1001"})
		case "/orders":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&seenOrder))
			writeJSON(w, http.StatusOK, map[string]any{"retcode": 10009, "ticket": 555, "price": 1.0871})
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	_, err := c.SendOrder(ctx, terminal.OrderRequest{Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideBuy})
	require.Error(t, err)
	assert.ErrorIs(t, err, terminal.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.Connected())
	assert.Equal(t, "1001", c.Login())

	res, err := c.SendOrder(ctx, terminal.OrderRequest{
		Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideBuy,
		Comment: "PAIR:T00001", Magic: 973451001, Deviation: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, terminal.Ticket(555), res.Ticket)
	assert.InDelta(t, 1.0871, res.Price, 1e-9)
	assert.Equal(t, "buy", seenOrder.Side)
	assert.Equal(t, "market", seenOrder.Type)
	assert.Equal(t, "PAIR:T00001", seenOrder.Comment)
	assert.Equal(t, int64(973451001), seenOrder.Magic)
}

func TestSendOrderRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			writeJSON(w, http.StatusOK, map[string]any{"connected": true})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"retcode": 10018, "comment": "Market closed"})
	})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.SendOrder(context.Background(), terminal.OrderRequest{Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideSell})
	require.Error(t, err)
	var oe *terminal.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 10018, oe.Retcode)
	assert.Equal(t, "Market closed", oe.Message)
	assert.True(t, c.Connected(), "order rejection keeps the terminal connected")
	assert.Equal(t, circuit.StateClosed, c.BreakerState())
}

func TestClosePositionSendsOppositeSide(t *testing.T) {
	var seen orderPayload
	var path string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			writeJSON(w, http.StatusOK, map[string]any{"connected": true})
		case strings.HasSuffix(r.URL.Path, "/close"):
			path = r.URL.Path
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
			if strings.Contains(r.URL.Path, "/999/") {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "no position"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"retcode": 10009})
		}
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.ClosePosition(ctx, terminal.CloseRequest{Ticket: 555, Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideBuy}))
	assert.Equal(t, "/positions/555/close", path)
	assert.Equal(t, "sell", seen.Side)

	err := c.ClosePosition(ctx, terminal.CloseRequest{Ticket: 999, Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideBuy})
	var oe *terminal.OrderError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, retcodeNoPosition, oe.Retcode)
}

func TestAccountPositionsAndProfit(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account":
			writeJSON(w, http.StatusOK, map[string]any{"login": "1001", "balance": 10000, "equity": 9400.5, "margin": 120})
		case "/positions":
			writeJSON(w, http.StatusOK, map[string]any{"positions": []map[string]any{{"ticket": 11}, {"ticket": 12}, {"ticket": 0}}})
		case "/positions/11":
			writeJSON(w, http.StatusOK, map[string]any{"ticket": 11, "profit": -12.5, "commission": -0.7, "swap": -0.1})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	snap, err := c.AccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1001", snap.AccountID)
	assert.InDelta(t, 9400.5, snap.Equity, 1e-9)
	assert.InDelta(t, 10000.0, snap.Balance, 1e-9)
	assert.False(t, snap.FetchedAt.IsZero())

	tickets, err := c.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []terminal.Ticket{11, 12}, tickets)

	profit, err := c.PositionProfit(ctx, 11)
	require.NoError(t, err)
	assert.True(t, profit.Open)
	assert.InDelta(t, -12.5, profit.Profit, 1e-9)
	assert.InDelta(t, -0.7, profit.Commission, 1e-9)

	gone, err := c.PositionProfit(ctx, 12)
	require.NoError(t, err)
	assert.False(t, gone.Open)
}

func TestListPositionsTopLevelArray(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"ticket": 7}})
	})
	tickets, err := c.ListOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []terminal.Ticket{7}, tickets)
}

func TestServerErrorsTripBreaker(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "terminal crashed", http.StatusBadGateway)
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.AccountInfo(ctx)
		require.Error(t, err)
		assert.True(t, terminal.IsConnectionError(err))
		assert.Contains(t, err.Error(), "terminal crashed")
	}
	assert.Equal(t, circuit.StateOpen, c.BreakerState())

	_, err := c.AccountInfo(ctx)
	assert.ErrorIs(t, err, terminal.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker short-circuits the call")
	assert.Equal(t, "circuit open", terminal.Reason(err))
}

func TestUnauthorizedIsConnectionError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, terminal.IsConnectionError(err))
	assert.False(t, c.Connected())
}

func TestContextDeadlineMapsToTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.AccountInfo(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, terminal.ErrTimeout)
}
