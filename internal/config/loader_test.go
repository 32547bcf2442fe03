package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsOriginLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Origin]]
Name = "cdn"
Domain = "cdn.local"
Upstream = "https://cdn.example.com"
Port = 6000
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("源站级 Port 应被拒绝")
	}
	if fe, ok := err.(FieldError); !ok || fe.Field != "Origin[cdn].Port" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoadStripParamsFromString(t *testing.T) {
	cfg := `
StoragePath = "./data"
StripQueryParams = "token, expires,,token"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	got := loaded.Global.StripQueryParams
	if len(got) != 2 || got[0] != "token" || got[1] != "expires" {
		t.Fatalf("unexpected strip params %v", got)
	}
}

func TestLoadExplicitIndexPath(t *testing.T) {
	cfg := `
StoragePath = "./data"
IndexPath = "/tmp/media-cache-index"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.IndexPath != "/tmp/media-cache-index" {
		t.Fatalf("IndexPath 应保留显式配置，得到 %s", loaded.Global.IndexPath)
	}
}
