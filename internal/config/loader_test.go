package config

import "testing"

func TestLoadFailsWithMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("缺失配置文件应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
[Qido]
LocalAETitle = "QIDO"
RemoteAETitle = "PACS"
RemoteHost = "pacs.local"

[Wado]
LocalAETitle = "WADO"
RemoteAETitle = "PACS"
RemoteHost = "pacs.local"
RetryDelay = "boom"

[Scp]
LocalAETitle = "SCP"
CacheDirPath = "./cache"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadNormalizesURLBase(t *testing.T) {
	cfg := `
[Qido]
LocalAETitle = "QIDO"
RemoteAETitle = "PACS"
RemoteHost = "pacs.local"
URLBase = "search/"

[Wado]
LocalAETitle = "WADO"
RemoteAETitle = "PACS"
RemoteHost = "pacs.local"

[Scp]
LocalAETitle = "SCP"
CacheDirPath = "./cache"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Qido.URLBase != "/search" {
		t.Fatalf("URLBase 应规范化为 /search，实际 %s", loaded.Qido.URLBase)
	}
}
