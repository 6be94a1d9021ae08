package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 用于敏感字段的环境变量覆盖，例如 HEDGEPAIR_TERMINALS_A_TOKEN。
const EnvPrefix = "HEDGEPAIR"

var secretKeys = []string{
	"terminals.a.token",
	"terminals.b.token",
	"notify.telegram.bot_token",
	"notify.telegram.chat_id",
}

// Load 读取主配置，叠加同目录下可选的本机覆盖文件（config.yaml -> config.local.yaml），
// 再叠加环境变量中的密钥，最后填充默认值并校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	if local := LocalOverlayPath(path); fileExists(local) {
		v.SetConfigFile(local)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading local overlay failed (%s): %w", local, err)
		}
	}
	setKeys := make(keySet)
	markSettings("", v.AllSettings(), setKeys)
	if err := bindSecretEnv(v); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LocalOverlayPath 返回主配置对应的本机覆盖文件路径，该文件不进版本库，用于账户编号、端口等。
func LocalOverlayPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func bindSecretEnv(v *viper.Viper) error {
	for _, key := range secretKeys {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s failed: %w", env, err)
		}
	}
	return nil
}

// markSettings 记录文件中显式出现的叶子字段，默认值只填充未出现的字段。
func markSettings(prefix string, settings map[string]any, dest keySet) {
	for k, val := range settings {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if sub, ok := val.(map[string]any); ok {
			markSettings(key, sub, dest)
			continue
		}
		dest.mark(key)
	}
}
