package scheduler

import (
	"context"
	"time"

	"hedgepair/internal/logger"
)

// IntervalScheduler 按固定间隔串行执行任务，上一轮未结束时不会开始下一轮。
// 任务耗时超过间隔时，下一轮在本轮结束后立即开始，不会补跑错过的轮次。
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewIntervalScheduler(name string, interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{
		Name:           name,
		Interval:       interval,
		RunImmediately: true,
		nowFn:          time.Now,
	}
}

// Run 阻塞直到 ctx 结束。
func (s *IntervalScheduler) Run(ctx context.Context, task func(context.Context)) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("[scheduler] %s: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("[scheduler] %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	logger.Infof("[scheduler] %s started interval=%s run_immediately=%v", s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task(ctx)
	}
	for {
		wait := s.nextWait(s.nowFn())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[scheduler] %s: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		task(ctx)
	}
}

// nextWait 对齐到下一个间隔边界。
func (s *IntervalScheduler) nextWait(now time.Time) time.Duration {
	next := now.Truncate(s.Interval).Add(s.Interval)
	return next.Sub(now)
}
