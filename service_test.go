package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/config"
)

func newMovieOrigin(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "movie.mp4", time.Unix(0, 0), bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func loadServiceConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	path := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
StoragePath = "%s"
MaxMemoryCacheSize = 0
StripQueryParams = ["token"]

[[Origin]]
Name = "cdn"
Domain = "media.local"
Upstream = "%s"
`, filepath.Join(t.TempDir(), "storage"), upstream))
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func get(t *testing.T, svc *service, target, byteRange string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := svc.app.Test(req)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return resp, data
}

func TestServiceCachesAcrossRestart(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 100)
	origin, calls := newMovieOrigin(t, body)
	cfg := loadServiceConfig(t, origin.URL)

	svc, err := newService(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("初始化服务失败: %v", err)
	}
	resp, data := get(t, svc, "http://media.local/movie.mp4?token=a", "bytes=0-99")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("期望 206，得到 %d", resp.StatusCode)
	}
	if !bytes.Equal(data, body[:100]) {
		t.Fatalf("响应内容与源站不一致")
	}

	resp, data = get(t, svc, "http://media.local/-/entries", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "movie.mp4") {
		t.Fatalf("诊断接口应列出缓存条目，得到 %d %s", resp.StatusCode, data)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("关闭服务失败: %v", err)
	}

	fetched := calls.Load()
	svc, err = newService(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("重启服务失败: %v", err)
	}
	defer svc.Close()

	if n := len(svc.index.Entries()); n != 1 {
		t.Fatalf("重启后应恢复 1 个条目，得到 %d", n)
	}
	resp, data = get(t, svc, "http://media.local/movie.mp4?token=b", "bytes=0-99")
	if resp.StatusCode != http.StatusPartialContent || !bytes.Equal(data, body[:100]) {
		t.Fatalf("重启后命中缓存失败: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Media-Cache-Hit"); got != "hit" {
		t.Fatalf("期望 hit，得到 %s", got)
	}
	if calls.Load() != fetched {
		t.Fatalf("已缓存区间不应再次回源")
	}
}

func TestServiceRejectsMissingStorage(t *testing.T) {
	cfg := &config.Config{}
	if _, err := newService(context.Background(), cfg, quietLogger()); err == nil {
		t.Fatalf("缺少 StoragePath 时应失败")
	}
}
