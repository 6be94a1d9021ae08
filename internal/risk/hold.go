package risk

import (
	"time"

	"hedgepair/internal/pair"
)

// DueForClose 返回持仓时间超过 close_after_minutes 的 open 持仓对编号。
func DueForClose(cfg Config, pairs []pair.Pair, now time.Time) []int64 {
	if cfg.CloseAfterMinutes <= 0 {
		return nil
	}
	limit := time.Duration(cfg.CloseAfterMinutes) * time.Minute
	var due []int64
	for _, p := range pairs {
		if p.Status != pair.StatusOpen || p.CloseRequested || p.OpenedAt.IsZero() {
			continue
		}
		if now.Sub(p.OpenedAt) >= limit {
			due = append(due, p.ID)
		}
	}
	return due
}
