package notifier

import (
	"errors"
	"strings"
	"time"

	"hedgepair/internal/logger"
)

// TextNotifier 是最小化的文本通知接口，组件只依赖它而不依赖具体渠道。
type TextNotifier interface {
	SendText(text string) error
}

// LogNotifier 只写日志，用于未配置外部渠道时。
type LogNotifier struct{}

func (LogNotifier) SendText(text string) error {
	logger.Warnf("[notice] %s", strings.ReplaceAll(strings.TrimSpace(text), "\n", " | "))
	return nil
}

// Multi 依次发送到所有渠道，返回合并后的错误。
type Multi []TextNotifier

func (m Multi) SendText(text string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.SendText(text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notify 渲染结构化消息并发送，失败只记录日志。
func Notify(n TextNotifier, msg StructuredMessage) {
	if n == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := n.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[notice] 通知发送失败: %v", err)
	}
}
