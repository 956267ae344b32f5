package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Scp.CacheDirPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Scp.CacheDirPath = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("WorkerPoolSize", 16)
	v.SetDefault("DimseDriver", "default")

	v.SetDefault("Qido.RemotePort", 11112)
	v.SetDefault("Qido.URLBase", "/qido-rs")

	v.SetDefault("Wado.RemotePort", 11112)
	v.SetDefault("Wado.URLBase", "/wado-rs")
	v.SetDefault("Wado.HTTPRetryAfter", "600s")
	v.SetDefault("Wado.RetryDelay", "600s")
	v.SetDefault("Wado.MaxRetryAttempts", 6)
	v.SetDefault("Wado.RetrieveTimeout", "120s")
	v.SetDefault("Wado.PollInterval", "250ms")
	v.SetDefault("Wado.IgnoreMissingObjects", false)
	v.SetDefault("Wado.StaleEntryTimeout", 0)

	v.SetDefault("Scp.LocalPort", 11112)
	v.SetDefault("Scp.CacheMaxAge", "60m")
	v.SetDefault("Scp.ReaperInterval", "1s")
	v.SetDefault("Scp.PurgeOnStart", true)
}

// applyDefaults 规范化字符串字段；数值默认值由 setDefaults 提供。
func applyDefaults(cfg *Config) {
	cfg.Global.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Global.LogLevel))
	cfg.Global.DimseDriver = strings.TrimSpace(cfg.Global.DimseDriver)
	for _, r := range []*RemoteConfig{&cfg.Qido.RemoteConfig, &cfg.Wado.RemoteConfig} {
		r.LocalAETitle = strings.TrimSpace(r.LocalAETitle)
		r.RemoteAETitle = strings.TrimSpace(r.RemoteAETitle)
		r.RemoteHost = strings.TrimSpace(r.RemoteHost)
		r.URLBase = normalizeBase(r.URLBase)
	}
	cfg.Scp.LocalAETitle = strings.TrimSpace(cfg.Scp.LocalAETitle)
	cfg.Scp.CacheDirPath = strings.TrimSpace(cfg.Scp.CacheDirPath)
}

func normalizeBase(base string) string {
	return "/" + strings.Trim(strings.TrimSpace(base), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
