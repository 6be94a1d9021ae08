package terminal

import (
	"context"
	"errors"
	"time"
)

// Bounded 为每次终端调用加上独立的超时上限。
// 超时后调用方立即得到 ConnectionError(ErrTimeout)，底层调用在 ctx 取消后自行退出。
type Bounded struct {
	inner          Terminal
	timeout        time.Duration
	connectTimeout time.Duration
}

func WithTimeout(inner Terminal, timeout, connectTimeout time.Duration) *Bounded {
	if connectTimeout <= 0 {
		connectTimeout = timeout
	}
	return &Bounded{inner: inner, timeout: timeout, connectTimeout: connectTimeout}
}

func (b *Bounded) Unwrap() Terminal { return b.inner }

func (b *Bounded) ID() string { return b.inner.ID() }

func (b *Bounded) AccountID() string { return b.inner.AccountID() }

func (b *Bounded) Connected() bool { return b.inner.Connected() }

func (b *Bounded) Connect(ctx context.Context) error {
	_, err := bounded(ctx, b.connectTimeout, b.inner.ID(), "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.Connect(ctx)
	})
	return err
}

func (b *Bounded) SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	return bounded(ctx, b.timeout, b.inner.ID(), "send_order", func(ctx context.Context) (OrderResult, error) {
		return b.inner.SendOrder(ctx, req)
	})
}

func (b *Bounded) ClosePosition(ctx context.Context, req CloseRequest) error {
	_, err := bounded(ctx, b.timeout, b.inner.ID(), "close_position", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.inner.ClosePosition(ctx, req)
	})
	return err
}

func (b *Bounded) AccountInfo(ctx context.Context) (AccountSnapshot, error) {
	return bounded(ctx, b.timeout, b.inner.ID(), "account_info", b.inner.AccountInfo)
}

func (b *Bounded) ListOpenPositions(ctx context.Context) ([]Ticket, error) {
	return bounded(ctx, b.timeout, b.inner.ID(), "list_positions", b.inner.ListOpenPositions)
}

func (b *Bounded) PositionProfit(ctx context.Context, ticket Ticket) (PositionProfit, error) {
	return bounded(ctx, b.timeout, b.inner.ID(), "position_profit", func(ctx context.Context) (PositionProfit, error) {
		return b.inner.PositionProfit(ctx, ticket)
	})
}

type boundedResult[T any] struct {
	val T
	err error
}

func bounded[T any](ctx context.Context, timeout time.Duration, id, op string, fn func(context.Context) (T, error)) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan boundedResult[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- boundedResult[T]{val: v, err: err}
	}()

	var zero T
	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && callCtx.Err() != nil {
			return zero, &ConnectionError{Terminal: id, Op: op, Err: ErrTimeout}
		}
		return res.val, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &ConnectionError{Terminal: id, Op: op, Err: ctx.Err()}
		}
		return zero, &ConnectionError{Terminal: id, Op: op, Err: ErrTimeout}
	}
}
