package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9992"
	defaultAppLogPath        = "data/logs/hedgepair.log"
	defaultAppLogMaxSizeMB   = 50
	defaultAppLogMaxBackups  = 5
	defaultTerminalTimeout   = 20
	defaultTerminalConnect   = 25
	defaultTerminalRate      = 5
	defaultTerminalBurst     = 2
	defaultTerminalDeviation = 20
	defaultBreakerThreshold  = 5
	defaultBreakerReset      = 30
	defaultMagicBase         = 973451000
	defaultPaperBalance      = 10000
	defaultAutomationMillis  = 1000
	defaultRefreshConcurrent = 4
	defaultRiskPath          = "configs/risk.yaml"
	defaultStoreDriver       = "sqlite"
	defaultStoreSQLitePath   = "data/hedgepair.db"
	defaultStoreJSONPath     = "data/hedgepair_state.json"
	defaultHistoryPath       = "data/history.db"
	defaultPartialPolicy     = PartialPolicyHold
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Terminals.A.applyDefaults(keys, "a", 1)
	c.Terminals.B.applyDefaults(keys, "b", 2)
	c.Automation.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	applyFieldDefaults(keys,
		stringFieldDefault("risk.path", &c.Risk.Path, defaultRiskPath),
		stringFieldDefault("partial_failure.policy", &c.PartialFailure.Policy, defaultPartialPolicy),
	)
	c.PartialFailure.Policy = strings.ToLower(strings.TrimSpace(c.PartialFailure.Policy))
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultAppLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultAppLogMaxBackups),
	)
}

// applyDefaults 的 index 从 1 开始，用于推导默认 magic。
func (t *TerminalConfig) applyDefaults(keys keySet, name string, index int) {
	if t == nil {
		return
	}
	prefix := "terminals." + name + "."
	applyFieldDefaults(keys,
		stringFieldDefault(prefix+"id", &t.ID, fmt.Sprintf("terminal-%s", name)),
		intFieldDefault(prefix+"timeout_seconds", &t.TimeoutSeconds, defaultTerminalTimeout),
		intFieldDefault(prefix+"connect_timeout_seconds", &t.ConnectTimeoutSeconds, defaultTerminalConnect),
		intFieldDefault(prefix+"rate_burst", &t.RateBurst, defaultTerminalBurst),
		intFieldDefault(prefix+"deviation", &t.Deviation, defaultTerminalDeviation),
		intFieldDefault(prefix+"breaker_threshold", &t.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault(prefix+"breaker_reset_seconds", &t.BreakerResetSeconds, defaultBreakerReset),
		fieldDefault{
			key:   prefix + "rate_limit_per_sec",
			need:  func() bool { return t.RateLimitPerSec <= 0 },
			apply: func() { t.RateLimitPerSec = defaultTerminalRate },
		},
		fieldDefault{
			key:   prefix + "magic",
			need:  func() bool { return t.Magic <= 0 },
			apply: func() { t.Magic = int64(defaultMagicBase + index) },
		},
		fieldDefault{
			key:   prefix + "paper_balance",
			need:  func() bool { return t.PaperBalance <= 0 },
			apply: func() { t.PaperBalance = defaultPaperBalance },
		},
	)
	t.ID = strings.TrimSpace(t.ID)
	t.AccountID = strings.TrimSpace(t.AccountID)
	t.BridgeURL = strings.TrimRight(strings.TrimSpace(t.BridgeURL), "/")
}

func (a *AutomationConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("automation.interval_ms", &a.IntervalMillis, defaultAutomationMillis),
		intFieldDefault("automation.refresh_concurrency", &a.RefreshConcurrency, defaultRefreshConcurrent),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		stringFieldDefault("store.history_path", &s.HistoryPath, defaultHistoryPath),
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	path := defaultStoreSQLitePath
	if s.Driver == "json" {
		path = defaultStoreJSONPath
	}
	applyFieldDefaults(keys, stringFieldDefault("store.path", &s.Path, path))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
