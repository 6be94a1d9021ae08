package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Terminals.validate(c.App.DryRun); err != nil {
		return err
	}
	if err := c.Automation.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.PartialFailure.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Risk.Path) == "" {
		return fmt.Errorf("risk.path cannot be empty")
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json")
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (t *TerminalsConfig) validate(dryRun bool) error {
	if err := t.A.validate("a", dryRun); err != nil {
		return err
	}
	if err := t.B.validate("b", dryRun); err != nil {
		return err
	}
	if strings.EqualFold(t.A.ID, t.B.ID) {
		return fmt.Errorf("terminals.a.id and terminals.b.id must differ (got %s)", t.A.ID)
	}
	if t.A.AccountID == t.B.AccountID {
		return fmt.Errorf("terminals.a.account_id and terminals.b.account_id must differ (got %s)", t.A.AccountID)
	}
	return nil
}

func (t *TerminalConfig) validate(name string, dryRun bool) error {
	prefix := "terminals." + name
	if t.ID == "" {
		return fmt.Errorf("%s.id cannot be empty", prefix)
	}
	if t.AccountID == "" {
		return fmt.Errorf("%s.account_id cannot be empty", prefix)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("%s.timeout_seconds must be > 0", prefix)
	}
	if t.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("%s.connect_timeout_seconds must be > 0", prefix)
	}
	if t.BreakerThreshold <= 0 {
		return fmt.Errorf("%s.breaker_threshold must be > 0", prefix)
	}
	if dryRun {
		return nil
	}
	if t.BridgeURL == "" {
		return fmt.Errorf("%s.bridge_url cannot be empty", prefix)
	}
	u, err := url.Parse(t.BridgeURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s.bridge_url must be an absolute http(s) url", prefix)
	}
	return nil
}

func (a *AutomationConfig) validate() error {
	if a.IntervalMillis < 100 {
		return fmt.Errorf("automation.interval_ms must be >= 100")
	}
	if a.RefreshConcurrency <= 0 {
		return fmt.Errorf("automation.refresh_concurrency must be > 0")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite", "json":
	default:
		return fmt.Errorf("store.driver must be sqlite or json")
	}
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

func (p *PartialFailureConfig) validate() error {
	switch p.Policy {
	case PartialPolicyHold, PartialPolicyUnwind:
		return nil
	default:
		return fmt.Errorf("partial_failure.policy must be %s or %s", PartialPolicyHold, PartialPolicyUnwind)
	}
}
