package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"
	"hedgepair/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "hedgepair.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqliteStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, store.ErrNotExists)

	profit := -3.25
	doc := store.Document{
		Version:   store.DocumentVersion,
		SavedAt:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		NextID:    4,
		Terminals: []string{"terminal-a", "terminal-b"},
		Pairs: []pair.Pair{{
			ID: 3, Symbol: "EURUSD", Volume: 0.1, Side: terminal.SideBuy,
			LegA:              pair.Leg{AccountID: "1001", Symbol: "EURUSD", Volume: 0.1, Ticket: 11, Status: pair.LegOpen, Profit: -3},
			LegB:              pair.Leg{AccountID: "2002", Symbol: "EURUSD", Volume: 0.1, Ticket: 12, Status: pair.LegOpen, Swap: -0.25},
			Status:            pair.StatusOpen,
			CombinedNetProfit: &profit,
			OpenedAt:          time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		}},
	}
	require.NoError(t, s.Save(ctx, doc))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc, loaded)

	// 第二次保存替换旧记录，而不是新增一行
	doc.Pairs = nil
	doc.NextID = 6
	require.NoError(t, s.Save(ctx, doc))
	var count int64
	require.NoError(t, s.DB().Model(&SnapshotModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Pairs)
	assert.Equal(t, int64(6), loaded.NextID)
}

func TestSqliteStoreCorruptPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().Create(&SnapshotModel{
		ID:      snapshotRowID,
		Version: 1,
		NextID:  1,
		Payload: []byte(`{"version":1,`),
	}).Error)

	_, err := s.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestSqliteStoreNextIDMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.DB().Create(&SnapshotModel{
		ID:      snapshotRowID,
		Version: 1,
		NextID:  9,
		Payload: []byte(`{"version":1,"next_id":1,"pairs":[]}`),
	}).Error)

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}
