// Package registry 是持仓对的唯一权威内存表。
// 写操作由互斥锁串行化，读操作返回 atomic.Value 中发布的不可变快照，不阻塞写入。
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"
	"hedgepair/internal/pkg/money"
)

var (
	ErrNotFound = errors.New("pair not found")
	ErrExists   = errors.New("pair already registered")
)

// Snapshot 是某次写入后的一致视图。
type Snapshot struct {
	Version uint64
	TakenAt time.Time
	NextID  int64
	Pairs   []pair.Pair
}

func (s *Snapshot) find(id int64) (pair.Pair, bool) {
	idx := sort.Search(len(s.Pairs), func(i int) bool { return s.Pairs[i].ID >= id })
	if idx < len(s.Pairs) && s.Pairs[idx].ID == id {
		return s.Pairs[idx].Clone(), true
	}
	return pair.Pair{}, false
}

type Registry struct {
	mu      sync.Mutex
	pairs   map[int64]*pair.Pair
	nextID  int64
	version uint64

	snapshot atomic.Value // *Snapshot
	nowFn    func() time.Time
}

func New() *Registry {
	r := &Registry{
		pairs:  make(map[int64]*pair.Pair),
		nextID: 1,
		nowFn:  time.Now,
	}
	r.publishLocked()
	return r
}

// AllocateID 分配下一个编号，编号只增不减，失败的开仓同样消耗编号。
func (r *Registry) AllocateID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.publishLocked()
	return id
}

func (r *Registry) NextID() int64 {
	return r.load().NextID
}

func (r *Registry) Add(p pair.Pair) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !p.Visible() {
		return fmt.Errorf("pair %s has no live leg", p.DisplayID())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pairs[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, p.DisplayID())
	}
	cp := p.Clone()
	r.pairs[p.ID] = &cp
	if p.ID >= r.nextID {
		r.nextID = p.ID + 1
	}
	r.publishLocked()
	return nil
}

// Remove 无条件移出持仓对。
// 平仓、外部平仓与开仓失败都不经过这里：Update 在两腿都不再存活时经同一个 removeLocked 移出持仓对，
// 保证状态变更和移除发生在同一把锁内。
func (r *Registry) Remove(id int64) (pair.Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[id]
	if !ok {
		return pair.Pair{}, false
	}
	r.removeLocked(id)
	return p.Clone(), true
}

func (r *Registry) Get(id int64) (pair.Pair, bool) {
	return r.load().find(id)
}

// ListOpen 返回所有登记中的持仓对（按编号升序）。
func (r *Registry) ListOpen() []pair.Pair {
	snap := r.load()
	out := make([]pair.Pair, len(snap.Pairs))
	for i, p := range snap.Pairs {
		out[i] = p.Clone()
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.load().Pairs)
}

func (r *Registry) Snapshot() Snapshot {
	snap := r.load()
	return Snapshot{
		Version: snap.Version,
		TakenAt: snap.TakenAt,
		NextID:  snap.NextID,
		Pairs:   r.ListOpen(),
	}
}

// NetProfit 对 ListOpen 做一次折叠，跳过没有定义组合盈亏的持仓对。
func (r *Registry) NetProfit() float64 {
	var parts []float64
	for _, p := range r.load().Pairs {
		if p.CombinedNetProfit != nil {
			parts = append(parts, *p.CombinedNetProfit)
		}
	}
	return money.Sum(parts...)
}

// Update 在写锁内修改持仓对；fn 返回错误时不做任何变更。
// 修改后若已无存活腿（平仓完成、外部平仓、两腿开仓均失败），持仓对在同一把锁内被移出登记表，
// 这是平仓路径的移除方式；调用方可通过 Visible() 判断。
func (r *Registry) Update(id int64, fn func(*pair.Pair) error) (pair.Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.pairs[id]
	if !ok {
		return pair.Pair{}, fmt.Errorf("%w: %s", ErrNotFound, pair.FormatID(id))
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	next.ID = cur.ID
	r.storeLocked(&next)
	return next.Clone(), nil
}

// UpdateProfit 写入一次刷新得到的各腿盈亏。
// 正在平仓中的持仓对不做修改；终端报告已不存在的 open 腿会被标记为外部平仓。
func (r *Registry) UpdateProfit(id int64, legs map[pair.LegID]terminal.PositionProfit) (pair.Pair, error) {
	return r.Update(id, func(p *pair.Pair) error {
		if p.Status == pair.StatusClosing {
			return nil
		}
		for legID, pp := range legs {
			leg := p.Leg(legID)
			if leg.Status != pair.LegOpen || leg.Ticket != pp.Ticket {
				continue
			}
			if !pp.Open {
				leg.Status = pair.LegClosed
				leg.Error = "closed outside hedgepair"
				continue
			}
			leg.Profit = pp.Profit
			leg.Commission = pp.Commission
			leg.Swap = pp.Swap
		}
		p.RecomputeProfit()
		if !p.Visible() {
			p.Status = pair.StatusClosed
			p.ClosedAt = r.nowFn()
			if p.CloseReason == "" {
				p.CloseReason = "external"
			}
		} else if p.Status == pair.StatusOpen && (!p.LegA.Live() || !p.LegB.Live()) {
			p.Status = pair.StatusPartialFailure
		}
		return nil
	})
}

// Restore 用对账后的结果整体替换登记表，nextID 不会回退。
func (r *Registry) Restore(pairs []pair.Pair, nextID int64) error {
	fresh := make(map[int64]*pair.Pair, len(pairs))
	for _, p := range pairs {
		if err := p.Validate(); err != nil {
			return err
		}
		cp := p.Clone()
		fresh[p.ID] = &cp
		if p.ID >= nextID {
			nextID = p.ID + 1
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = fresh
	if nextID > r.nextID {
		r.nextID = nextID
	}
	r.publishLocked()
	return nil
}

func (r *Registry) storeLocked(p *pair.Pair) {
	if !p.Visible() {
		r.removeLocked(p.ID)
		return
	}
	r.pairs[p.ID] = p
	r.publishLocked()
}

func (r *Registry) removeLocked(id int64) {
	delete(r.pairs, id)
	r.publishLocked()
}

func (r *Registry) publishLocked() {
	r.version++
	pairs := make([]pair.Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		pairs = append(pairs, p.Clone())
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	r.snapshot.Store(&Snapshot{
		Version: r.version,
		TakenAt: r.nowFn(),
		NextID:  r.nextID,
		Pairs:   pairs,
	})
}

func (r *Registry) load() *Snapshot {
	if v, ok := r.snapshot.Load().(*Snapshot); ok && v != nil {
		return v
	}
	return &Snapshot{NextID: 1}
}
