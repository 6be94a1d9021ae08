package risk

import "sync"

// Guard 保证同一次回撤事件只触发一次全平，观察到未触发的样本后重新武装。
type Guard struct {
	mu    sync.Mutex
	armed bool
}

func NewGuard() *Guard {
	return &Guard{armed: true}
}

// Observe 记录一次判定结果，返回是否应当触发动作。
func (g *Guard) Observe(breached bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !breached {
		g.armed = true
		return false
	}
	if !g.armed {
		return false
	}
	g.armed = false
	return true
}

func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}
