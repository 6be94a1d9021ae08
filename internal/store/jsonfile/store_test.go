package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"
	"hedgepair/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() store.Document {
	return store.Document{
		Version:   store.DocumentVersion,
		SavedAt:   time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		NextID:    2,
		Terminals: []string{"terminal-a", "terminal-b"},
		Pairs: []pair.Pair{{
			ID: 1, Symbol: "XAUUSD", Volume: 0.2, Side: terminal.SideSell,
			LegA:     pair.Leg{AccountID: "1001", Symbol: "XAUUSD", Volume: 0.2, Ticket: 77, Status: pair.LegOpen},
			LegB:     pair.Leg{AccountID: "2002", Symbol: "XAUUSD", Volume: 0.2, Ticket: 78, Status: pair.LegOpen},
			Status:   pair.StatusOpen,
			OpenedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		}},
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "pairs.json")
	s, err := New(path)
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, store.ErrNotExists)

	doc := sampleDoc()
	require.NoError(t, s.Save(context.Background(), doc))
	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc, loaded)

	// 覆盖写入后不残留临时文件
	doc.Pairs = nil
	doc.NextID = 5
	require.NoError(t, s.Save(context.Background(), doc))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pairs.json", entries[0].Name())

	loaded, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded.Pairs)
	assert.Equal(t, int64(5), loaded.NextID)
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"next_id":"x"`), 0o644))
	s, err := New(path)
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrCorrupt)
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "decode", pe.Op)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
