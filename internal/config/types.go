package config

import (
	"strings"
	"time"
)

// Config 是 hedgepair 的主配置载体。
type Config struct {
	App            AppConfig            `toml:"app"`
	Terminals      TerminalsConfig      `toml:"terminals"`
	Automation     AutomationConfig     `toml:"automation"`
	Risk           RiskFileConfig       `toml:"risk"`
	Store          StoreConfig          `toml:"store"`
	Notify         NotifyConfig         `toml:"notify"`
	PartialFailure PartialFailureConfig `toml:"partial_failure"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	HTTPAddr      string `toml:"http_addr"`
	LogPath       string `toml:"log_path"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	DryRun        bool   `toml:"dry_run"`
}

// TerminalsConfig 固定两个终端：a 与 b。
type TerminalsConfig struct {
	A TerminalConfig `toml:"a"`
	B TerminalConfig `toml:"b"`
}

// List 按 a、b 顺序返回终端配置。
func (t TerminalsConfig) List() []TerminalConfig {
	return []TerminalConfig{t.A, t.B}
}

// TerminalConfig 描述一个经由 bridge 暴露的交易终端。
type TerminalConfig struct {
	ID                    string  `toml:"id"`
	AccountID             string  `toml:"account_id"`
	BridgeURL             string  `toml:"bridge_url"`
	Token                 string  `toml:"token"`
	InsecureSkipVerify    bool    `toml:"insecure_skip_verify"`
	TimeoutSeconds        int     `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int     `toml:"connect_timeout_seconds"`
	RateLimitPerSec       float64 `toml:"rate_limit_per_sec"`
	RateBurst             int     `toml:"rate_burst"`
	Magic                 int64   `toml:"magic"`
	Deviation             int     `toml:"deviation"`
	BreakerThreshold      int     `toml:"breaker_threshold"`
	BreakerResetSeconds   int     `toml:"breaker_reset_seconds"`

	// PaperBalance 仅在 dry_run 模式下用于初始化模拟账户。
	PaperBalance float64 `toml:"paper_balance"`
}

func (t TerminalConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func (t TerminalConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutSeconds) * time.Second
}

func (t TerminalConfig) BreakerReset() time.Duration {
	return time.Duration(t.BreakerResetSeconds) * time.Second
}

type AutomationConfig struct {
	IntervalMillis     int `toml:"interval_ms"`
	RefreshConcurrency int `toml:"refresh_concurrency"`
}

func (a AutomationConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMillis) * time.Millisecond
}

// RiskFileConfig 指向可热更新的风控文件。
type RiskFileConfig struct {
	Path string `toml:"path"`
}

type StoreConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	HistoryPath string `toml:"history_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

const (
	PartialPolicyHold   = "hold"
	PartialPolicyUnwind = "unwind"
)

// PartialFailureConfig 决定单腿成交后是否自动平掉存活腿。
type PartialFailureConfig struct {
	Policy string `toml:"policy"`
}

func (p PartialFailureConfig) AutoUnwind() bool {
	return strings.EqualFold(strings.TrimSpace(p.Policy), PartialPolicyUnwind)
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
