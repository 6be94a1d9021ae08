package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedPair(id int64, reason string, closedAt time.Time, net *float64) pair.Pair {
	return pair.Pair{
		ID: id, Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideBuy,
		LegA:              pair.Leg{AccountID: "1001", Ticket: terminal.Ticket(100 + id), Status: pair.LegClosed},
		LegB:              pair.Leg{AccountID: "2002", Ticket: terminal.Ticket(200 + id), Status: pair.LegClosed},
		Status:            pair.StatusClosed,
		CombinedNetProfit: net,
		CloseReason:       reason,
		OpenedAt:          closedAt.Add(-time.Hour),
		ClosedAt:          closedAt,
	}
}

func TestRecordAndList(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	net := -42.5
	require.NoError(t, s.RecordClosed(ctx, closedPair(1, "manual", base, nil)))
	require.NoError(t, s.RecordClosed(ctx, closedPair(2, "auto:drawdown", base.Add(time.Minute), &net)))
	require.NoError(t, s.RecordClosed(ctx, closedPair(3, "auto:drawdown", base.Add(2*time.Minute), nil)))

	all, err := s.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].PairID)
	assert.Equal(t, "T00001", all[2].DisplayID)
	assert.Nil(t, all[2].NetProfit)
	assert.NotEmpty(t, all[0].AuditID)
	assert.Equal(t, base.Add(2*time.Minute), all[0].ClosedAt)

	drawdown, err := s.List(ctx, Query{Reason: "auto:drawdown", Limit: 1})
	require.NoError(t, err)
	require.Len(t, drawdown, 1)
	assert.Equal(t, int64(3), drawdown[0].PairID)

	drawdown, err = s.List(ctx, Query{Reason: "auto:drawdown"})
	require.NoError(t, err)
	require.Len(t, drawdown, 2)
	require.NotNil(t, drawdown[1].NetProfit)
	assert.InDelta(t, -42.5, *drawdown[1].NetProfit, 1e-9)
	assert.Equal(t, int64(102), drawdown[1].TicketA)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.RecordClosed(context.Background(), closedPair(1, "manual", time.Now(), nil)))
}
