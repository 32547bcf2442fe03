package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("缺少测试配置 %s: %v", name, err)
	}
	return path
}

// writeTempConfig 把 TOML 片段写入临时目录，返回文件路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份可通过 Validate 的最小配置，测试在其基础上逐项破坏。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			LogLevel:           "info",
			StoragePath:        "./data",
			MemoryCacheTTL:     Duration(time.Minute),
			MaxMemoryCache:     1,
			MaxRetries:         1,
			InitialBackoff:     Duration(time.Second),
			UpstreamTimeout:    Duration(time.Second),
			ChunkSize:          1024,
			FlushBytes:         1024,
			MaxWholeObjectSize: 1024,
		},
		Origins: []OriginConfig{{
			Name:     "cdn",
			Domain:   "cdn.local",
			Upstream: "https://cdn.example.com",
		}},
	}
}
