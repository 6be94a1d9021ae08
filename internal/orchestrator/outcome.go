package orchestrator

import (
	"errors"
	"fmt"

	"hedgepair/internal/gateway/terminal"
	"hedgepair/internal/pair"
)

// JoinKind 是两腿并发执行后的汇合结果。
type JoinKind int

const (
	BothOK JoinKind = iota
	OneFailed
	BothFailed
)

func (k JoinKind) String() string {
	switch k {
	case BothOK:
		return "both_ok"
	case OneFailed:
		return "one_failed"
	default:
		return "both_failed"
	}
}

// Join 记录每条腿的错误；Kind == OneFailed 时 Failed 指明失败的腿。
type Join struct {
	Kind   JoinKind
	Failed pair.LegID
	Errs   [2]error
}

func joinLegs(errA, errB error) Join {
	j := Join{Errs: [2]error{errA, errB}}
	switch {
	case errA == nil && errB == nil:
		j.Kind = BothOK
	case errA != nil && errB != nil:
		j.Kind = BothFailed
	case errA != nil:
		j.Kind = OneFailed
		j.Failed = pair.LegA
	default:
		j.Kind = OneFailed
		j.Failed = pair.LegB
	}
	return j
}

func (j Join) Err(leg pair.LegID) error {
	return j.Errs[leg]
}

// Reason 返回失败腿的简短原因，BothOK 时为空。
func (j Join) Reason(leg pair.LegID) string {
	return terminal.Reason(j.Errs[leg])
}

func (j Join) Error() error {
	switch j.Kind {
	case BothOK:
		return nil
	case OneFailed:
		return fmt.Errorf("leg %s failed: %w", j.Failed, j.Errs[j.Failed])
	default:
		return errors.Join(
			fmt.Errorf("leg A failed: %w", j.Errs[pair.LegA]),
			fmt.Errorf("leg B failed: %w", j.Errs[pair.LegB]),
		)
	}
}

// OpenResult 是 OpenPair 的返回值；BothFailed 时 Pair 为 nil。
type OpenResult struct {
	ID      int64
	Join    Join
	Pair    *pair.Pair
	Unwound bool
}

type CloseOutcome string

const (
	CloseDone            CloseOutcome = "closed"
	ClosePartial         CloseOutcome = "partial_failure"
	CloseAlreadyClosed   CloseOutcome = "already_closed"
	CloseInFlight        CloseOutcome = "in_flight"
	CloseDeferredOpening CloseOutcome = "deferred_until_open"
)

type CloseResult struct {
	ID      int64
	Outcome CloseOutcome
	Pair    pair.Pair
	Errs    [2]error
}

func (r CloseResult) Err() error {
	return errors.Join(r.Errs[0], r.Errs[1])
}
