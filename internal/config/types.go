package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级参数：HTTP 端口、日志与检索并发。
type GlobalConfig struct {
	ListenPort     int    `mapstructure:"ListenPort"`
	LogLevel       string `mapstructure:"LogLevel"`
	LogFilePath    string `mapstructure:"LogFilePath"`
	LogMaxSize     int    `mapstructure:"LogMaxSize"`
	LogMaxBackups  int    `mapstructure:"LogMaxBackups"`
	LogCompress    bool   `mapstructure:"LogCompress"`
	WorkerPoolSize int    `mapstructure:"WorkerPoolSize"`
	DimseDriver    string `mapstructure:"DimseDriver"`
}

// RemoteConfig 描述一个远端 PACS 关联：本地/远端 AE 以及地址。
type RemoteConfig struct {
	LocalAETitle  string `mapstructure:"LocalAETitle"`
	RemoteAETitle string `mapstructure:"RemoteAETitle"`
	RemoteHost    string `mapstructure:"RemoteHost"`
	RemotePort    int    `mapstructure:"RemotePort"`
	URLBase       string `mapstructure:"URLBase"`
}

// Endpoint 转换为 DIMSE 会话使用的端点描述。
func (r RemoteConfig) Endpoint() dimse.Endpoint {
	return dimse.Endpoint{
		LocalAETitle:  r.LocalAETitle,
		RemoteAETitle: r.RemoteAETitle,
		Host:          r.RemoteHost,
		Port:          r.RemotePort,
	}
}

// QidoConfig 对应 [Qido] 段，C-FIND 查询使用。
type QidoConfig struct {
	RemoteConfig `mapstructure:",squash"`
}

// WadoConfig 对应 [Wado] 段，C-MOVE 检索与重试策略。
type WadoConfig struct {
	RemoteConfig         `mapstructure:",squash"`
	HTTPRetryAfter       Duration `mapstructure:"HTTPRetryAfter"`
	RetryDelay           Duration `mapstructure:"RetryDelay"`
	MaxRetryAttempts     int      `mapstructure:"MaxRetryAttempts"`
	RetrieveTimeout      Duration `mapstructure:"RetrieveTimeout"`
	PollInterval         Duration `mapstructure:"PollInterval"`
	IgnoreMissingObjects bool     `mapstructure:"IgnoreMissingObjects"`
	StaleEntryTimeout    Duration `mapstructure:"StaleEntryTimeout"`
}

// ScpConfig 对应 [Scp] 段：本地 Storage SCP 与磁盘缓存。
type ScpConfig struct {
	LocalAETitle   string   `mapstructure:"LocalAETitle"`
	LocalPort      int      `mapstructure:"LocalPort"`
	CacheDirPath   string   `mapstructure:"CacheDirPath"`
	CacheMaxAge    Duration `mapstructure:"CacheMaxAge"`
	ReaperInterval Duration `mapstructure:"ReaperInterval"`
	PurgeOnStart   bool     `mapstructure:"PurgeOnStart"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Qido   QidoConfig   `mapstructure:"Qido"`
	Wado   WadoConfig   `mapstructure:"Wado"`
	Scp    ScpConfig    `mapstructure:"Scp"`
}
