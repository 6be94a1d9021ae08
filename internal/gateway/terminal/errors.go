package terminal

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout      = errors.New("terminal call timed out")
	ErrCircuitOpen  = errors.New("terminal circuit open")
	ErrNotConnected = errors.New("terminal not connected")
)

// ConnectionError 表示终端不可达、超时或熔断，调用未产生任何持仓变化的确认。
type ConnectionError struct {
	Terminal string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: connection error: %v", e.Terminal, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OrderError 表示券商拒绝了下单或平仓。
type OrderError struct {
	Terminal string
	Op       string
	Retcode  int
	Message  string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s %s rejected: retcode=%d %s", e.Terminal, e.Op, e.Retcode, e.Message)
}

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func IsOrderError(err error) bool {
	var oe *OrderError
	return errors.As(err, &oe)
}

// Reason 将错误归纳为便于展示的简短原因。
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		if oe.Message != "" {
			return fmt.Sprintf("rejected retcode=%d (%s)", oe.Retcode, oe.Message)
		}
		return fmt.Sprintf("rejected retcode=%d", oe.Retcode)
	}
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "circuit open"
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return "connection: " + ce.Err.Error()
	}
	return err.Error()
}
