package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/media-cache/internal/config"
)

// OriginRoute 将源站配置与派生属性（解析后的 Upstream/Proxy URL、专用 Client）
// 聚合在一起，供路由/拉取层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是 config.toml 中声明的源站字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort  int
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Client 仅在配置了 Proxy 时非空，否则使用共享 Client。
	Client *http.Client
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询，以及按上游 Host 的反查。
type OriginRegistry struct {
	routes    map[string]*OriginRoute
	upstreams map[string]*OriginRoute
	ordered   []*OriginRoute
}

// NewOriginRegistry 根据配置构建映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes:    make(map[string]*OriginRoute, len(cfg.Origins)),
		upstreams: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, origin)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		upstreamHost := strings.ToLower(route.UpstreamURL.Host)
		if _, exists := registry.upstreams[upstreamHost]; !exists {
			registry.upstreams[upstreamHost] = route
		}
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupUpstream 根据源站 URL 的 Host 找到对应配置，用于附加凭证/代理/UA。
func (r *OriginRegistry) LookupUpstream(u *url.URL) (*OriginRoute, bool) {
	if r == nil || u == nil {
		return nil, false
	}
	route, ok := r.upstreams[strings.ToLower(u.Host)]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// OriginURL 将入站请求路径与查询串拼接到上游地址上。
func (route *OriginRoute) OriginURL(path, rawQuery string) *url.URL {
	target := *route.UpstreamURL
	basePath := strings.TrimSuffix(target.Path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target.Path = basePath + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig) (*OriginRoute, error) {
	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}

	route := &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
	}
	if origin.Proxy != "" {
		route.ProxyURL, err = url.Parse(origin.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", origin.Name, err)
		}
		route.Client = newProxiedClient(route.ProxyURL, cfg.Global.UpstreamTimeout.DurationValue())
	}
	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
