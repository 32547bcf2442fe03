package server

import (
	"net/url"
	"testing"
	"time"

	"github.com/any-hub/media-cache/internal/config"
)

func TestOriginRegistryLookupByHost(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			UpstreamTimeout: config.Duration(10 * time.Second),
		},
		Origins: []config.OriginConfig{
			{
				Name:     "cdn",
				Domain:   "cdn.media.local",
				Upstream: "https://cdn.example.com/base",
			},
			{
				Name:     "private",
				Domain:   "private.media.local:5000",
				Upstream: "https://private.example.com",
				Proxy:    "http://proxy.internal:3128",
				Username: "u",
				Password: "p",
			},
		},
	}

	registry, err := NewOriginRegistry(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("CDN.media.local:5000")
	if !ok {
		t.Fatalf("expected cdn route")
	}
	if route.Config.Name != "cdn" {
		t.Errorf("wrong origin returned: %s", route.Config.Name)
	}
	if route.Client != nil {
		t.Errorf("origin without proxy should use the shared client")
	}
	if got := route.OriginURL("/vod/movie.mp4", "a=1").String(); got != "https://cdn.example.com/base/vod/movie.mp4?a=1" {
		t.Errorf("unexpected origin url %s", got)
	}

	private, ok := registry.Lookup("private.media.local")
	if !ok {
		t.Fatalf("expected private route")
	}
	if private.ProxyURL == nil || private.Client == nil {
		t.Fatalf("proxy settings should be parsed into a dedicated client")
	}

	byUpstream, ok := registry.LookupUpstream(&url.URL{Scheme: "https", Host: "PRIVATE.example.com", Path: "/x.ts"})
	if !ok || byUpstream.Config.Name != "private" {
		t.Fatalf("upstream lookup failed: %+v", byUpstream)
	}
	if _, ok := registry.LookupUpstream(&url.URL{Scheme: "https", Host: "other.example.com"}); ok {
		t.Fatalf("unknown upstream should not match")
	}

	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes, got %d", got)
	}
}

func TestOriginRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := &config.Config{
		Origins: []config.OriginConfig{
			{Name: "a", Domain: "cdn.local", Upstream: "https://a.example.com"},
			{Name: "b", Domain: "CDN.local.", Upstream: "https://b.example.com"},
		},
	}
	if _, err := NewOriginRegistry(cfg); err == nil {
		t.Fatalf("duplicate domains should be rejected")
	}
}

func TestOriginRegistryAllowsEmptyConfig(t *testing.T) {
	registry, err := NewOriginRegistry(&config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("anything"); ok {
		t.Fatalf("empty registry should not match")
	}
	if registry.List() != nil {
		t.Fatalf("empty registry should list nothing")
	}
}
