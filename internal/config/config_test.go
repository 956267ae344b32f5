package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.WorkerPoolSize != 16 {
		t.Fatalf("WorkerPoolSize 默认值应为 16，实际 %d", cfg.Global.WorkerPoolSize)
	}
	if cfg.Global.LogLevel != "debug" {
		t.Fatalf("LogLevel 应被解析为 debug，实际 %s", cfg.Global.LogLevel)
	}
	if cfg.Qido.RemotePort != 11112 || cfg.Qido.URLBase != "/qido-rs" {
		t.Fatalf("Qido 默认值错误: %+v", cfg.Qido)
	}
	if cfg.Wado.RemotePort != 104 {
		t.Fatalf("Wado.RemotePort 应保留配置值 104")
	}
	if cfg.Wado.RetryDelay.DurationValue() != 30*time.Second {
		t.Fatalf("整数秒 RetryDelay 解析错误: %s", cfg.Wado.RetryDelay.DurationValue())
	}
	if cfg.Wado.RetrieveTimeout.DurationValue() != 2*time.Minute {
		t.Fatalf("字符串 RetrieveTimeout 解析错误: %s", cfg.Wado.RetrieveTimeout.DurationValue())
	}
	if cfg.Wado.HTTPRetryAfter.DurationValue() != 600*time.Second || cfg.Wado.MaxRetryAttempts != 6 {
		t.Fatalf("Wado 默认值错误: %+v", cfg.Wado)
	}
	if cfg.Wado.PollInterval.DurationValue() != 250*time.Millisecond {
		t.Fatalf("PollInterval 默认值错误")
	}
	if !cfg.Wado.IgnoreMissingObjects {
		t.Fatalf("IgnoreMissingObjects 应为 true")
	}
	if cfg.Scp.CacheMaxAge.DurationValue() != time.Hour || !cfg.Scp.PurgeOnStart {
		t.Fatalf("Scp 默认值错误: %+v", cfg.Scp)
	}
	if !filepath.IsAbs(cfg.Scp.CacheDirPath) {
		t.Fatalf("CacheDirPath 应转换为绝对路径: %s", cfg.Scp.CacheDirPath)
	}
}

func TestValidateRejectsMissingSections(t *testing.T) {
	_, err := Load(testConfigPath(t, "missing.toml"))
	if err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
	var fe FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("应返回 FieldError，实际 %T", err)
	}
	if fe.Field != "Qido.RemoteHost" {
		t.Fatalf("应首先定位到 Qido.RemoteHost，实际 %s", fe.Field)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateFieldRules(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"long ae title", func(c *Config) { c.Wado.LocalAETitle = "ABCDEFGHIJKLMNOPQ" }, "Wado.LocalAETitle"},
		{"host with scheme", func(c *Config) { c.Qido.RemoteHost = "http://pacs" }, "Qido.RemoteHost"},
		{"shared base", func(c *Config) { c.Wado.URLBase = c.Qido.URLBase }, "Wado.URLBase"},
		{"no attempts", func(c *Config) { c.Wado.MaxRetryAttempts = 0 }, "Wado.MaxRetryAttempts"},
		{"negative delay", func(c *Config) { c.Wado.RetryDelay = Duration(-time.Second) }, "Wado.RetryDelay"},
		{"zero poll", func(c *Config) { c.Wado.PollInterval = 0 }, "Wado.PollInterval"},
		{"negative stale", func(c *Config) { c.Wado.StaleEntryTimeout = Duration(-1) }, "Wado.StaleEntryTimeout"},
		{"missing scp ae", func(c *Config) { c.Scp.LocalAETitle = "" }, "Scp.LocalAETitle"},
		{"missing cache dir", func(c *Config) { c.Scp.CacheDirPath = "" }, "Scp.CacheDirPath"},
		{"zero max age", func(c *Config) { c.Scp.CacheMaxAge = 0 }, "Scp.CacheMaxAge"},
		{"zero pool", func(c *Config) { c.Global.WorkerPoolSize = 0 }, "Global.WorkerPoolSize"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fe FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fe.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fe.Field)
			}
		})
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("合法配置不应报错: %v", err)
	}
}

func TestRemoteEndpoint(t *testing.T) {
	ep := validConfig().Wado.Endpoint()
	if ep.LocalAETitle != "WADO" || ep.RemoteAETitle != "PACS" || ep.Host != "pacs.local" || ep.Port != 11112 {
		t.Fatalf("Endpoint 转换错误: %+v", ep)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("整数秒解析错误: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("Duration 字符串解析错误: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应报错")
	}
}

func validConfig() *Config {
	remote := func(local string) RemoteConfig {
		return RemoteConfig{
			LocalAETitle:  local,
			RemoteAETitle: "PACS",
			RemoteHost:    "pacs.local",
			RemotePort:    11112,
		}
	}
	qido := remote("QIDO")
	qido.URLBase = "/qido-rs"
	wado := remote("WADO")
	wado.URLBase = "/wado-rs"
	return &Config{
		Global: GlobalConfig{
			ListenPort:     8080,
			WorkerPoolSize: 4,
			DimseDriver:    "default",
		},
		Qido: QidoConfig{RemoteConfig: qido},
		Wado: WadoConfig{
			RemoteConfig:     wado,
			HTTPRetryAfter:   Duration(time.Minute),
			RetryDelay:       Duration(time.Minute),
			MaxRetryAttempts: 3,
			RetrieveTimeout:  Duration(time.Minute),
			PollInterval:     Duration(time.Second),
		},
		Scp: ScpConfig{
			LocalAETitle:   "SCP",
			LocalPort:      11112,
			CacheDirPath:   "./cache",
			CacheMaxAge:    Duration(time.Hour),
			ReaperInterval: Duration(time.Second),
		},
	}
}
