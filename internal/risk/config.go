package risk

// Config 是每个自动化周期内不可变的风控参数，由风控文件热更新。
type Config struct {
	DrawdownEnabled   bool    `yaml:"drawdown_enabled" json:"drawdown_enabled"`
	DrawdownStop      float64 `yaml:"drawdown_stop" json:"drawdown_stop"`
	CloseAfterMinutes int     `yaml:"close_after_minutes" json:"close_after_minutes"`
}

func DefaultConfig() Config {
	return Config{
		DrawdownEnabled: false,
		DrawdownStop:    5.0,
	}
}
