// Package loader 负责风控文件的加载、校验与热更新。
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hedgepair/internal/logger"
	"hedgepair/internal/risk"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const riskSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "drawdown_enabled": { "type": "boolean" },
    "drawdown_stop": { "type": "number", "exclusiveMinimum": 0, "maximum": 100 },
    "close_after_minutes": { "type": "integer", "minimum": 0 }
  }
}`

var compiledRiskSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("risk.json", strings.NewReader(riskSchema)); err != nil {
		panic(fmt.Sprintf("risk schema: %v", err))
	}
	return compiler.MustCompile("risk.json")
}()

// RiskSnapshot 对外暴露的只读快照，Version 每次生效的变更递增。
type RiskSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   risk.Config
}

// RiskListener 在风控参数变更后被调用。
type RiskListener func(RiskSnapshot)

// RiskLoader 持有当前生效的风控参数。文件改动后自动重载；非法内容被拒绝并保留旧值。
type RiskLoader struct {
	path string
	v    *viper.Viper

	saveMu    sync.Mutex
	mu        sync.RWMutex
	snapshot  RiskSnapshot
	listeners []RiskListener
	nowFn     func() time.Time
}

// NewRiskLoader 读取风控文件并开始监听；文件不存在时按默认值创建。
func NewRiskLoader(path string) (*RiskLoader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("risk loader requires path")
	}
	l := &RiskLoader{path: path, nowFn: time.Now}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Infof("[risk] 风控文件不存在，写入默认值 path=%s", path)
		if err := writeRiskFile(path, risk.DefaultConfig()); err != nil {
			return nil, err
		}
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk config failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := l.reload(); err != nil {
			logger.Errorf("[risk] 风控文件重载失败，继续使用旧值 (%s): %v", evt.Name, err)
		}
	})
	v.WatchConfig()
	l.v = v
	return l, nil
}

func (l *RiskLoader) Path() string { return l.path }

// Current 返回当前生效的风控参数。
func (l *RiskLoader) Current() risk.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot.Config
}

func (l *RiskLoader) Snapshot() RiskSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *RiskLoader) Subscribe(fn RiskListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := l.snapshot
	l.mu.Unlock()
	go safeCall(fn, snap)
}

// Save 校验后原子写回文件并立即生效。
func (l *RiskLoader) Save(cfg risk.Config) (RiskSnapshot, error) {
	if err := ValidateRisk(cfg); err != nil {
		return RiskSnapshot{}, err
	}
	l.saveMu.Lock()
	defer l.saveMu.Unlock()
	if err := writeRiskFile(l.path, cfg); err != nil {
		return RiskSnapshot{}, err
	}
	snap, _ := l.apply(cfg)
	logger.Infof("[risk] 风控参数已更新 drawdown_enabled=%t drawdown_stop=%.2f close_after_minutes=%d",
		cfg.DrawdownEnabled, cfg.DrawdownStop, cfg.CloseAfterMinutes)
	return snap, nil
}

func (l *RiskLoader) reload() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read risk config failed: %w", err)
	}
	cfg, err := DecodeRisk(raw)
	if err != nil {
		return err
	}
	if snap, changed := l.apply(cfg); changed {
		logger.Infof("[risk] 风控参数生效 version=%d drawdown_enabled=%t drawdown_stop=%.2f close_after_minutes=%d",
			snap.Version, cfg.DrawdownEnabled, cfg.DrawdownStop, cfg.CloseAfterMinutes)
	}
	return nil
}

// apply 只在内容变化时递增版本并通知监听器。
func (l *RiskLoader) apply(cfg risk.Config) (RiskSnapshot, bool) {
	l.mu.Lock()
	if l.snapshot.Version > 0 && l.snapshot.Config == cfg {
		snap := l.snapshot
		l.mu.Unlock()
		return snap, false
	}
	l.snapshot = RiskSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: l.nowFn(),
		Config:   cfg,
	}
	snap := l.snapshot
	listeners := append([]RiskListener(nil), l.listeners...)
	l.mu.Unlock()
	for _, fn := range listeners {
		go safeCall(fn, snap)
	}
	return snap, true
}

func safeCall(fn RiskListener, snap RiskSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[risk] listener panic: %v", r)
		}
	}()
	fn(snap)
}

// DecodeRisk 严格解析风控 YAML：未知字段、类型错误与越界值都会被拒绝，缺省字段取默认值。
func DecodeRisk(raw []byte) (risk.Config, error) {
	cfg := risk.DefaultConfig()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return risk.Config{}, fmt.Errorf("parse risk config failed: %w", err)
	}
	if err := validateGeneric(generic); err != nil {
		return risk.Config{}, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return risk.Config{}, fmt.Errorf("parse risk config failed: %w", err)
	}
	return cfg, nil
}

// ValidateRisk 对结构体形式的风控参数执行同一份 schema 校验。
func ValidateRisk(cfg risk.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	return validateGeneric(generic)
}

func validateGeneric(generic map[string]any) error {
	if generic == nil {
		generic = map[string]any{}
	}
	// 经 JSON 往返统一数值类型
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	if err := compiledRiskSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid risk config: %w", err)
	}
	return nil
}

func writeRiskFile(path string, cfg risk.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
