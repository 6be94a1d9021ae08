package registry

import (
	"errors"
	"sync"
	"testing"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(id int64) pair.Pair {
	return pair.Pair{
		ID:     id,
		Symbol: "EURUSD",
		Volume: 0.1,
		Side:   terminal.SideBuy,
		LegA:   pair.Leg{AccountID: "1", Ticket: terminal.Ticket(id*10 + 1), Status: pair.LegOpen},
		LegB:   pair.Leg{AccountID: "2", Ticket: terminal.Ticket(id*10 + 2), Status: pair.LegOpen},
		Status: pair.StatusOpen,
	}
}

func TestAddGetRemove(t *testing.T) {
	r := New()
	id := r.AllocateID()
	assert.Equal(t, int64(1), id)
	require.NoError(t, r.Add(openPair(id)))

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.Equal(t, int64(2), r.NextID())

	err := r.Add(openPair(id))
	assert.True(t, errors.Is(err, ErrExists))

	removed, ok := r.Remove(id)
	assert.True(t, ok)
	assert.Equal(t, id, removed.ID)
	_, ok = r.Get(id)
	assert.False(t, ok)
	_, ok = r.Remove(id)
	assert.False(t, ok)
}

func TestAddRejectsSameAccountAndDeadPairs(t *testing.T) {
	r := New()
	p := openPair(1)
	p.LegB.AccountID = "1"
	assert.Error(t, r.Add(p))

	p = openPair(2)
	p.LegA.Status = pair.LegFailed
	p.LegB.Status = pair.LegFailed
	assert.Error(t, r.Add(p))
	assert.Equal(t, 0, r.Len())
}

func TestIDsNeverReused(t *testing.T) {
	r := New()
	a := r.AllocateID()
	b := r.AllocateID()
	assert.Less(t, a, b)
	require.NoError(t, r.Restore([]pair.Pair{openPair(40)}, 10))
	assert.Equal(t, int64(41), r.NextID())
	require.NoError(t, r.Restore(nil, 5))
	assert.Equal(t, int64(41), r.NextID())
}

func TestSnapshotIsIsolatedFromWrites(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(openPair(1)))
	list := r.ListOpen()
	list[0].Symbol = "mutated"

	_, err := r.Update(1, func(p *pair.Pair) error {
		p.Status = pair.StatusClosing
		return nil
	})
	require.NoError(t, err)
	got, _ := r.Get(1)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.Equal(t, pair.StatusClosing, got.Status)
}

func TestUpdateRemovesPairWithoutLiveLegs(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(openPair(1)))
	updated, err := r.Update(1, func(p *pair.Pair) error {
		p.LegA.Status = pair.LegClosed
		p.LegB.Status = pair.LegClosed
		p.Status = pair.StatusClosed
		p.CloseReason = "manual"
		return nil
	})
	require.NoError(t, err)
	assert.False(t, updated.Visible())
	assert.Equal(t, "manual", updated.CloseReason)
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get(1)
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot().Pairs)

	_, err = r.Update(1, func(*pair.Pair) error { return nil })
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateErrorLeavesPairUntouched(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(openPair(1)))
	_, err := r.Update(1, func(p *pair.Pair) error {
		p.Status = pair.StatusClosed
		return errors.New("nope")
	})
	require.Error(t, err)
	got, _ := r.Get(1)
	assert.Equal(t, pair.StatusOpen, got.Status)
}

func TestUpdateProfitAndNetProfit(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(openPair(1)))
	require.NoError(t, r.Add(openPair(2)))

	_, err := r.UpdateProfit(1, map[pair.LegID]terminal.PositionProfit{
		pair.LegA: {Ticket: 11, Open: true, Profit: 10.5, Commission: -0.7},
		pair.LegB: {Ticket: 12, Open: true, Profit: -9.1, Commission: -0.7},
	})
	require.NoError(t, err)
	_, err = r.UpdateProfit(2, map[pair.LegID]terminal.PositionProfit{
		pair.LegA: {Ticket: 21, Open: true, Profit: 1.1},
		pair.LegB: {Ticket: 22, Open: true, Profit: 2.2},
	})
	require.NoError(t, err)

	p1, _ := r.Get(1)
	require.NotNil(t, p1.CombinedNetProfit)
	assert.Equal(t, 0.0, *p1.CombinedNetProfit)
	assert.Equal(t, 3.3, r.NetProfit())
}

func TestUpdateProfitMarksExternalClose(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(openPair(1)))

	p, err := r.UpdateProfit(1, map[pair.LegID]terminal.PositionProfit{
		pair.LegA: {Ticket: 11, Open: false},
		pair.LegB: {Ticket: 12, Open: true, Profit: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, pair.StatusPartialFailure, p.Status)
	assert.Equal(t, pair.LegClosed, p.LegA.Status)
	require.NotNil(t, p.CombinedNetProfit)
	assert.Equal(t, 4.0, *p.CombinedNetProfit)

	p, err = r.UpdateProfit(1, map[pair.LegID]terminal.PositionProfit{
		pair.LegB: {Ticket: 12, Open: false},
	})
	require.NoError(t, err)
	assert.Equal(t, pair.StatusClosed, p.Status)
	assert.Equal(t, "external", p.CloseReason)
	assert.Equal(t, 0, r.Len())
}

func TestUpdateProfitSkipsClosingPairs(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(openPair(1)))
	_, err := r.Update(1, func(p *pair.Pair) error {
		p.Status = pair.StatusClosing
		return nil
	})
	require.NoError(t, err)
	p, err := r.UpdateProfit(1, map[pair.LegID]terminal.PositionProfit{
		pair.LegA: {Ticket: 11, Open: false},
	})
	require.NoError(t, err)
	assert.Equal(t, pair.LegOpen, p.LegA.Status)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := r.AllocateID()
			_ = r.Add(openPair(id))
		}()
		go func() {
			defer wg.Done()
			_ = r.NetProfit()
			_ = r.ListOpen()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Len())
	assert.Equal(t, int64(21), r.NextID())
}
