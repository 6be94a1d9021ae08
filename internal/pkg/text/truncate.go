// Package text 提供日志与通知中使用的短文本处理。
package text

import "strings"

// Truncate 按字符截断，超出部分以 "..." 结尾。
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// OneLine 把多行错误文本压成一行，便于写入日志与通知。
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
