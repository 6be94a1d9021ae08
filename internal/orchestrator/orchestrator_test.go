package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hedgepair/internal/gateway/paper"
	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"
	"hedgepair/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) Persist(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type memoryHistory struct {
	mu     sync.Mutex
	closed []pair.Pair
}

func (h *memoryHistory) RecordClosed(_ context.Context, p pair.Pair) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, p)
	return nil
}

func (h *memoryHistory) all() []pair.Pair {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pair.Pair(nil), h.closed...)
}

type silentNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (s *silentNotifier) SendText(text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	orc     *Orchestrator
	reg     *registry.Registry
	a, b    *paper.Terminal
	persist *MockPersister
	history *memoryHistory
	notes   *silentNotifier
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	a := paper.New("terminal-a", "1", paper.Options{Balance: 10000, TicketBase: 1000})
	b := paper.New("terminal-b", "2", paper.Options{Balance: 10000, TicketBase: 2000})
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	persist := new(MockPersister)
	persist.On("Persist", mock.Anything).Return(nil)
	history := &memoryHistory{}
	notes := &silentNotifier{}
	reg := registry.New()
	orc, err := New(reg, []Account{
		{Terminal: terminal.WithTimeout(a, time.Second, 0), Magic: 973451001, Deviation: 20},
		{Terminal: terminal.WithTimeout(b, time.Second, 0), Magic: 973451002, Deviation: 20},
	}, persist, history, notes, opts)
	require.NoError(t, err)
	return &fixture{orc: orc, reg: reg, a: a, b: b, persist: persist, history: history, notes: notes}
}

func eurusd() OpenRequest {
	return OpenRequest{AccountA: "1", AccountB: "2", SymbolA: "eurusd", VolumeA: 0.1, Side: terminal.SideBuy}
}

func TestOpenPairBothOK(t *testing.T) {
	f := newFixture(t, Options{})
	res, err := f.orc.OpenPair(context.Background(), eurusd())
	require.NoError(t, err)

	assert.Equal(t, BothOK, res.Join.Kind)
	require.NotNil(t, res.Pair)
	assert.Equal(t, pair.StatusOpen, res.Pair.Status)
	assert.Equal(t, terminal.Ticket(1001), res.Pair.LegA.Ticket)
	assert.Equal(t, terminal.Ticket(2001), res.Pair.LegB.Ticket)
	assert.Equal(t, "EURUSD", res.Pair.LegB.Symbol)
	assert.Equal(t, 0.1, res.Pair.LegB.Volume)
	assert.Equal(t, 1, f.reg.Len())

	orders := f.a.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "PAIR:T00001", orders[0].Comment)
	assert.Equal(t, int64(973451001), orders[0].Magic)
	assert.Equal(t, terminal.SideBuy, f.b.Orders()[0].Side)
	f.persist.AssertNumberOfCalls(t, "Persist", 1)
}

func TestOpenPairOneFailedKeepsSurvivingLeg(t *testing.T) {
	f := newFixture(t, Options{})
	f.b.FailNextOrder(&terminal.OrderError{Terminal: "terminal-b", Op: "send_order", Retcode: 10019, Message: "no money"})

	res, err := f.orc.OpenPair(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, OneFailed, res.Join.Kind)
	assert.Equal(t, pair.LegB, res.Join.Failed)
	assert.Equal(t, "rejected retcode=10019 (no money)", res.Join.Reason(pair.LegB))
	assert.True(t, terminal.IsOrderError(res.Join.Err(pair.LegB)))

	got, ok := f.reg.Get(res.ID)
	require.True(t, ok)
	assert.Equal(t, pair.StatusPartialFailure, got.Status)
	assert.True(t, got.LegA.Ticket.Valid())
	assert.False(t, got.LegB.Ticket.Valid())
	assert.Equal(t, pair.LegFailed, got.LegB.Status)
	assert.Contains(t, got.LegB.Error, "10019")

	tickets, _ := f.a.ListOpenPositions(context.Background())
	assert.Len(t, tickets, 1, "surviving leg must stay open")
	assert.Empty(t, f.a.Closes())
	assert.NotEmpty(t, f.notes.texts)
}

func TestOpenPairOneFailedAutoUnwind(t *testing.T) {
	f := newFixture(t, Options{AutoUnwind: true})
	f.a.FailNextOrder(errors.New("bridge down"))

	res, err := f.orc.OpenPair(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, OneFailed, res.Join.Kind)
	assert.Equal(t, pair.LegA, res.Join.Failed)
	assert.True(t, res.Unwound)
	assert.Equal(t, 0, f.reg.Len())

	closed := f.history.all()
	require.Len(t, closed, 1)
	assert.Equal(t, "auto:unwind", closed[0].CloseReason)
}

func TestOpenPairBothFailedCreatesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.a.FailNextOrder(errors.New("a down"))
	f.b.FailNextOrder(errors.New("b down"))

	res, err := f.orc.OpenPair(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, BothFailed, res.Join.Kind)
	assert.Nil(t, res.Pair)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, "a down", res.Join.Reason(pair.LegA))
	assert.Equal(t, "b down", res.Join.Reason(pair.LegB))
	assert.Error(t, res.Join.Error())

	// 失败的开仓同样消耗编号
	assert.Equal(t, int64(2), f.reg.NextID())
}

func TestOpenPairTimeoutIsLegFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.b.SetDelay(3 * time.Second)

	start := time.Now()
	res, err := f.orc.OpenPair(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	assert.Equal(t, OneFailed, res.Join.Kind)
	assert.Equal(t, pair.LegB, res.Join.Failed)
	assert.Equal(t, "timeout", res.Join.Reason(pair.LegB))
}

func TestOpenPairRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	req := eurusd()
	req.AccountB = "1"
	_, err := f.orc.OpenPair(ctx, req)
	assert.Error(t, err)

	req = eurusd()
	req.AccountB = "9"
	_, err = f.orc.OpenPair(ctx, req)
	assert.Error(t, err)

	req = eurusd()
	req.VolumeA = 0
	_, err = f.orc.OpenPair(ctx, req)
	assert.Error(t, err)

	req = eurusd()
	req.Side = "hold"
	_, err = f.orc.OpenPair(ctx, req)
	assert.Error(t, err)

	f.b.SetConnected(false)
	_, err = f.orc.OpenPair(ctx, eurusd())
	assert.True(t, terminal.IsConnectionError(err))
	assert.Empty(t, f.a.Orders(), "no leg is sent when a terminal is down")
	assert.Equal(t, int64(1), f.reg.NextID())
}

func TestClosePairBothLegs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, err := f.orc.OpenPair(ctx, eurusd())
	require.NoError(t, err)

	cr, err := f.orc.ClosePair(ctx, res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, CloseDone, cr.Outcome)
	assert.Equal(t, pair.StatusClosed, cr.Pair.Status)
	assert.Equal(t, ReasonManual, cr.Pair.CloseReason)
	assert.Equal(t, 0, f.reg.Len())

	closes := f.a.Closes()
	require.Len(t, closes, 1)
	assert.Equal(t, terminal.Ticket(1001), closes[0].Ticket)
	assert.Equal(t, terminal.SideBuy, closes[0].Side)
	assert.Len(t, f.history.all(), 1)
}

func TestClosePairIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, _ := f.orc.OpenPair(ctx, eurusd())

	_, err := f.orc.ClosePair(ctx, res.ID, "manual")
	require.NoError(t, err)
	cr, err := f.orc.ClosePair(ctx, res.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, CloseAlreadyClosed, cr.Outcome)
	assert.Len(t, f.a.Closes(), 1)
	assert.Len(t, f.history.all(), 1)
}

func TestClosePairPartialThenRetry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, _ := f.orc.OpenPair(ctx, eurusd())

	f.b.FailClose(&terminal.OrderError{Terminal: "terminal-b", Op: "close_position", Retcode: 10018, Message: "market closed"})
	cr, err := f.orc.ClosePair(ctx, res.ID, "auto:drawdown")
	require.NoError(t, err)
	assert.Equal(t, ClosePartial, cr.Outcome)
	assert.Equal(t, pair.StatusPartialFailure, cr.Pair.Status)
	assert.Equal(t, pair.LegClosed, cr.Pair.LegA.Status)
	assert.Equal(t, pair.LegOpen, cr.Pair.LegB.Status)
	assert.Contains(t, cr.Pair.LegB.Error, "market closed")
	assert.Equal(t, 1, f.reg.Len())

	f.b.FailClose(nil)
	retried := f.orc.RetryPending(ctx)
	require.Len(t, retried, 1)
	assert.Equal(t, CloseDone, retried[0].Outcome)
	assert.Equal(t, "auto:drawdown", retried[0].Pair.CloseReason)
	assert.Equal(t, 0, f.reg.Len())
	// 第一条腿不会被重复平仓
	assert.Len(t, f.a.Closes(), 1)
	assert.Len(t, f.b.Closes(), 2)
}

func (s *silentNotifier) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, text := range s.texts {
		if strings.Contains(text, substr) {
			n++
		}
	}
	return n
}

func TestCloseIncompleteNoticeOncePerStreak(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, _ := f.orc.OpenPair(ctx, eurusd())

	f.b.FailClose(&terminal.OrderError{Terminal: "terminal-b", Op: "close_position", Retcode: 10018, Message: "market closed"})
	cr, err := f.orc.ClosePair(ctx, res.ID, "auto:drawdown")
	require.NoError(t, err)
	assert.Equal(t, ClosePartial, cr.Outcome)
	for i := 0; i < 5; i++ {
		retried := f.orc.RetryPending(ctx)
		require.Len(t, retried, 1)
		assert.Equal(t, ClosePartial, retried[0].Outcome)
	}
	assert.Equal(t, 1, f.notes.count("Close incomplete T00001"))

	f.b.FailClose(nil)
	retried := f.orc.RetryPending(ctx)
	require.Len(t, retried, 1)
	assert.Equal(t, CloseDone, retried[0].Outcome)
	assert.Empty(t, f.orc.closeNotified)

	// 新的持仓对重新计数
	res2, _ := f.orc.OpenPair(ctx, eurusd())
	f.a.FailClose(errors.New("bridge down"))
	_, err = f.orc.ClosePair(ctx, res2.ID, "manual")
	require.NoError(t, err)
	f.orc.RetryPending(ctx)
	assert.Equal(t, 1, f.notes.count("Close incomplete T00002"))
}

func TestRetryPendingResumesRequestedCloseOnOpenPair(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, _ := f.orc.OpenPair(ctx, eurusd())
	other, _ := f.orc.OpenPair(ctx, eurusd())

	// 重启对账后：两腿仍在，平仓意图保留，状态为 open
	_, err := f.reg.Update(res.ID, func(p *pair.Pair) error {
		p.CloseRequested = true
		p.CloseReason = "auto:drawdown"
		return nil
	})
	require.NoError(t, err)

	retried := f.orc.RetryPending(ctx)
	require.Len(t, retried, 1)
	assert.Equal(t, res.ID, retried[0].ID)
	assert.Equal(t, CloseDone, retried[0].Outcome)
	assert.Equal(t, "auto:drawdown", retried[0].Pair.CloseReason)
	_, ok := f.reg.Get(other.ID)
	assert.True(t, ok, "pairs without a close request stay open")
	assert.Equal(t, 1, f.reg.Len())
}

func TestCloseAllTargetsBothAccounts(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.orc.OpenPair(ctx, eurusd())
		require.NoError(t, err)
	}
	results := f.orc.CloseAll(ctx, "auto:drawdown")
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, CloseDone, r.Outcome)
		assert.Equal(t, "auto:drawdown", r.Pair.CloseReason)
	}
	assert.Equal(t, 0, f.reg.Len())
	assert.Len(t, f.a.Closes(), 3)
	assert.Len(t, f.b.Closes(), 3)
	assert.Nil(t, f.orc.CloseAll(ctx, "auto:drawdown"))
}

func TestCloseRequestedWhileOpening(t *testing.T) {
	f := newFixture(t, Options{})
	f.a.SetDelay(200 * time.Millisecond)
	f.b.SetDelay(200 * time.Millisecond)
	ctx := context.Background()

	done := make(chan OpenResult, 1)
	go func() {
		res, _ := f.orc.OpenPair(ctx, eurusd())
		done <- res
	}()
	require.Eventually(t, func() bool { return f.reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	cr, err := f.orc.ClosePair(ctx, 1, "auto:drawdown")
	require.NoError(t, err)
	assert.Equal(t, CloseDeferredOpening, cr.Outcome)

	res := <-done
	require.NotNil(t, res.Pair)
	assert.Equal(t, pair.StatusClosed, res.Pair.Status)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, "auto:drawdown", f.history.all()[0].CloseReason)
}

func TestCancelledCallerDoesNotAbortOrders(t *testing.T) {
	f := newFixture(t, Options{})
	f.a.SetDelay(50 * time.Millisecond)
	f.b.SetDelay(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orc.OpenPair(ctx, eurusd())
	require.NoError(t, err)
	assert.Equal(t, BothOK, res.Join.Kind)
	assert.Equal(t, pair.StatusOpen, res.Pair.Status)

	cr, err := f.orc.ClosePair(ctx, res.ID, "auto:drawdown")
	require.NoError(t, err)
	assert.Equal(t, CloseDone, cr.Outcome)
	assert.Empty(t, cr.Pair.LegA.Error)
	assert.Empty(t, cr.Pair.LegB.Error)
	assert.Len(t, f.a.Closes(), 1)
	assert.Len(t, f.b.Closes(), 1)
	assert.Equal(t, 0, f.reg.Len())
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, Options{})
	f.persist.ExpectedCalls = nil
	f.persist.On("Persist", mock.Anything).Return(errors.New("disk full"))

	res, err := f.orc.OpenPair(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, BothOK, res.Join.Kind)
	assert.NotEmpty(t, f.notes.texts)
}

func TestJoinLegs(t *testing.T) {
	errX := errors.New("x")
	assert.Equal(t, BothOK, joinLegs(nil, nil).Kind)
	assert.NoError(t, joinLegs(nil, nil).Error())
	j := joinLegs(nil, errX)
	assert.Equal(t, OneFailed, j.Kind)
	assert.Equal(t, pair.LegB, j.Failed)
	assert.ErrorIs(t, j.Error(), errX)
	assert.Equal(t, BothFailed, joinLegs(errX, errX).Kind)
	assert.Equal(t, "one_failed", OneFailed.String())
}
