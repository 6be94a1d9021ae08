package store

import (
	"context"
	"sync"
	"time"

	"hedgepair/internal/registry"
)

// Saver 把登记表的当前快照写入 Store，串行化并发的保存请求。
type Saver struct {
	mu        sync.Mutex
	store     Store
	registry  *registry.Registry
	terminals []string
	nowFn     func() time.Time
}

func NewSaver(s Store, reg *registry.Registry, terminalIDs []string) *Saver {
	return &Saver{
		store:     s,
		registry:  reg,
		terminals: append([]string(nil), terminalIDs...),
		nowFn:     time.Now,
	}
}

// Persist 在锁内取快照，保证后写入的永远不旧于先写入的。
func (s *Saver) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.registry.Snapshot()
	return s.store.Save(ctx, Document{
		Version:   DocumentVersion,
		SavedAt:   s.nowFn().UTC(),
		NextID:    snap.NextID,
		Terminals: s.terminals,
		Pairs:     snap.Pairs,
	})
}
